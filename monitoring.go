package htab

import "bytes"

type TableStats struct {
	Entries int
	Keys    int

	KeySize   int
	ValueSize int
}

func (ts *TableStats) TotalSize() int {
	return ts.KeySize + ts.ValueSize
}

// Stats walks the table and counts its entries. Keys counts distinct keys,
// which only differs from Entries in duplicate mode.
func (r *Registry) Stats(h Handle) (TableStats, error) {
	c, err := r.Iterate(h, nil)
	if err != nil {
		return TableStats{}, err
	}
	defer c.Close()

	var result TableStats
	var prev []byte
	for c.Next() {
		k, v := c.IndexKey(), c.Value()
		result.Entries++
		if prev == nil || !bytes.Equal(prev, k) {
			result.Keys++
		}
		result.KeySize += len(k)
		result.ValueSize += len(v)
		prev = k
	}
	return result, c.Err()
}

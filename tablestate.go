package htab

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Every engine table owns a root bucket holding its state record and a
// nested data bucket holding the entries.
const (
	dataBucket       = "data"
	tableStateFormat = 1
)

var tableStateKey = []byte("_state")

type tableState struct {
	Format   int       `msgpack:"f"`
	Dup      bool      `msgpack:"d,omitempty"`
	Created  time.Time `msgpack:"c"`
	LastSeen time.Time `msgpack:"t"`
}

func encodeTableState(ts *tableState) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(ts)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode table state: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeTableState(raw []byte) (*tableState, error) {
	ts := new(tableState)
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(raw))
	err := dec.Decode(ts)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(raw, 0, err, "failed to decode table state")
	}
	return ts, nil
}

// prepareTable creates the table's buckets if needed, and reconciles the
// stored state with the requested duplicate mode.
func prepareTable(tx storageTx, name string, dup bool, now time.Time) (*tableState, error) {
	rootB, err := tx.CreateBucket(name, "")
	if err != nil {
		return nil, err
	}
	if _, err := tx.CreateBucket(name, dataBucket); err != nil {
		return nil, err
	}

	var ts *tableState
	if raw := rootB.Get(tableStateKey); raw != nil {
		ts, err = decodeTableState(raw)
		if err != nil {
			return nil, err
		}
		if ts.Format > tableStateFormat {
			return nil, fmt.Errorf("table %s: unsupported state format %d", name, ts.Format)
		}
		if ts.Dup != dup {
			return nil, fmt.Errorf("table %s: created with dup=%v, opened with dup=%v", name, ts.Dup, dup)
		}
	} else {
		ts = &tableState{Format: tableStateFormat, Dup: dup, Created: now}
	}
	ts.LastSeen = now

	raw, err := encodeTableState(ts)
	if err != nil {
		return nil, err
	}
	if err := rootB.Put(tableStateKey, raw); err != nil {
		return nil, err
	}
	return ts, nil
}

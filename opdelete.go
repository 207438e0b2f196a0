package htab

import "bytes"

// Delete removes every value stored under key. deleted is false if there
// was nothing to delete. Deleting through a secondary index deletes the
// primary records the key refers to.
func (r *Registry) Delete(h Handle, key []byte) (deleted bool, err error) {
	m, err := r.lookup(h)
	if err != nil {
		return false, tableErr(h, "", "delete", key, err)
	}
	err = m.et.Delete(key)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, r.fail(h, "delete", key, err)
	}
	return true, nil
}

// DeleteMatching removes the first value under key that equals value,
// byte for byte. Later duplicates with the same value are kept.
//
// On a secondary index, value is the primary key, and the primary record is
// deleted.
func (r *Registry) DeleteMatching(h Handle, key, value []byte) (deleted bool, err error) {
	m, err := r.lookup(h)
	if err != nil {
		return false, tableErr(h, "", "delete_matching", key, err)
	}
	c, err := m.et.Cursor()
	if err != nil {
		return false, r.fail(h, "delete_matching", key, err)
	}
	defer c.Close()

	_, v, err := c.Get(CursorSet, key)
	for err == nil {
		if bytes.Equal(v, value) {
			if err := c.Delete(); err != nil {
				return false, r.fail(h, "delete_matching", key, err)
			}
			return true, nil
		}
		_, v, err = c.Get(CursorNextDup, nil)
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, r.fail(h, "delete_matching", key, err)
}

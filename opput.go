package htab

import (
	"context"
	"log/slog"
)

// Put stores value under key. On a duplicate-mode table the value is added
// as another duplicate; otherwise it replaces the existing value. existed
// reports whether key had a value before the call.
//
// Secondary indices of the table are updated in the same engine write.
func (r *Registry) Put(h Handle, key, value []byte) (existed bool, err error) {
	m, err := r.lookup(h)
	if err != nil {
		return false, tableErr(h, "", "put", key, err)
	}
	if m.flags.Contains(Secondary) {
		return false, tableErr(h, m.loc.String(), "put", key, ErrSecondaryWrite)
	}
	existed, err = m.et.Put(key, value)
	if err != nil {
		return false, r.fail(h, "put", key, err)
	}
	if existed && !m.flags.Contains(Dup) && r.verbose {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "htab: PUT replaced existing value", slog.Any("handle", h), hexAttr("key", key))
	}
	return existed, nil
}

// PutString is Put with a string key.
func (r *Registry) PutString(h Handle, key string, value []byte) (bool, error) {
	return r.Put(h, []byte(key), value)
}

package htab

import (
	"context"
	"fmt"
	"log/slog"
)

// Associate makes secondary an index over primary. From then on, every
// write to primary stores derive(pkey, pvalue) -> pkey in secondary, and
// every delete removes the entry it stored. If secondary is empty, it is
// filled from the existing primary records first.
//
// Both tables must live in the same file (or both in memory), primary must
// not allow duplicates, and secondary becomes read-only except through
// deletes. The association lasts until either table is closed.
//
// The association belongs to the primary handle, not to the stored table:
// writes made through another handle opened on the same primary locator do
// not update secondary.
func (r *Registry) Associate(secondary, primary Handle, derive DeriveFunc) error {
	sm, err := r.lookup(secondary)
	if err != nil {
		return tableErr(secondary, "", "associate", nil, err)
	}
	pm, err := r.lookup(primary)
	if err != nil {
		return tableErr(primary, "", "associate", nil, err)
	}
	if secondary == primary {
		return tableErr(secondary, sm.loc.String(), "associate", nil, fmt.Errorf("table cannot index itself: %w", ErrInvalidAssociation))
	}
	if derive == nil {
		return tableErr(secondary, sm.loc.String(), "associate", nil, fmt.Errorf("nil derive func: %w", ErrInvalidAssociation))
	}

	prevFlags, prevDerive, prevIndexOf := sm.flags, sm.derive, sm.indexOf
	sm.derive = derive
	sm.flags |= Secondary
	sm.indexOf = pm

	// the engine calls back through the secondary's own metadata
	err = pm.et.Associate(sm.et, func(pkey, pvalue []byte) ([]byte, error) {
		return sm.derive(pkey, pvalue)
	})
	if err != nil {
		sm.flags, sm.derive, sm.indexOf = prevFlags, prevDerive, prevIndexOf
		return r.fail(secondary, "associate", nil, err)
	}
	if r.verbose {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "htab: ASSOCIATE", slog.Any("secondary", secondary), slog.Any("primary", primary))
	}
	return nil
}

// PGet looks up skey in a secondary index and returns the primary key of
// the record it refers to.
func (r *Registry) PGet(h Handle, skey []byte) (pkey []byte, found bool, err error) {
	m, err := r.lookup(h)
	if err != nil {
		return nil, false, tableErr(h, "", "pget", skey, err)
	}
	if !m.flags.Contains(Secondary) {
		return nil, false, tableErr(h, m.loc.String(), "pget", skey, fmt.Errorf("not a secondary index: %w", ErrInvalidAssociation))
	}
	pkey, _, err = m.et.PGet(skey)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, r.fail(h, "pget", skey, err)
	}
	return pkey, true, nil
}

// PGetValue is PGet that also returns the primary record's value.
func (r *Registry) PGetValue(h Handle, skey []byte) (pkey, pvalue []byte, found bool, err error) {
	m, err := r.lookup(h)
	if err != nil {
		return nil, nil, false, tableErr(h, "", "pget", skey, err)
	}
	pkey, pvalue, err = m.et.PGet(skey)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, r.fail(h, "pget", skey, err)
	}
	return pkey, pvalue, true, nil
}

package htab

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	debugLogScans = false
)

// Cursor walks the entries of a table, either all of them or only the
// duplicates of one key. Create it with Registry.Iterate and advance it with
// Next:
//
//	c, err := reg.Iterate(h, nil)
//	for c.Next() {
//		use(c.Key(), c.Value())
//	}
//	if err := c.Err(); err != nil { ... }
//
// A cursor closes itself once exhausted. Callers that stop early must call
// Close.
type Cursor struct {
	reg *Registry
	h   Handle
	ec  EngineCursor

	key       []byte
	dupOnly   bool
	secondary bool
	started   bool
	valid     bool

	k, ik, v []byte
	err      error
}

// Iterate opens a cursor over table h. A nil key visits every entry in
// engine order; a non-nil key visits the values stored under that key, in
// insertion order. On a secondary index the cursor yields the primary
// records, see Cursor.IndexKey.
func (r *Registry) Iterate(h Handle, key []byte) (*Cursor, error) {
	m, err := r.lookup(h)
	if err != nil {
		return nil, tableErr(h, "", "iterate", key, err)
	}
	ec, err := m.et.Cursor()
	if err != nil {
		return nil, r.fail(h, "iterate", key, err)
	}
	return &Cursor{
		reg:       r,
		h:         h,
		ec:        ec,
		key:       cloneBytes(key),
		dupOnly:   key != nil,
		secondary: m.flags.Contains(Secondary),
	}, nil
}

// Next advances to the next entry and reports whether there is one. It
// returns false when the walk is over, either because the entries ran out or
// because retrieval failed (see Err). The cursor is closed in both cases.
func (c *Cursor) Next() bool {
	if c.ec == nil {
		return false
	}
	var op CursorOp
	switch {
	case c.dupOnly && c.started:
		op = CursorNextDup
	case c.dupOnly:
		op = CursorSet
	case c.started:
		op = CursorNext
	default:
		op = CursorFirst
	}
	c.started = true

	var err error
	if c.secondary {
		c.ik, c.k, c.v, err = c.ec.PGet(op, c.key)
	} else {
		c.k, c.v, err = c.ec.Get(op, c.key)
		c.ik = c.k
	}
	if err != nil {
		if !isNotFound(err) {
			c.err = tableErr(c.h, "", "cursor_"+op.String(), c.key, err)
			c.reg.logger.LogAttrs(context.Background(), slog.LevelError, "htab: cursor retrieval failed", slog.Any("handle", c.h), slog.Any("err", err))
		}
		c.release()
		return false
	}
	if debugLogScans {
		c.reg.logger.LogAttrs(context.Background(), slog.LevelDebug, "htab: cursor "+op.String(), hexAttr("key", c.k), hexAttr("val", c.v))
	}
	c.valid = true
	return true
}

// Key returns the key of the current entry. On a secondary index this is
// the primary key of the referenced record.
func (c *Cursor) Key() []byte {
	return c.k
}

// IndexKey returns the key the current entry is stored under, which is the
// secondary key on a secondary index and the same as Key otherwise.
func (c *Cursor) IndexKey() []byte {
	return c.ik
}

// Value returns the value of the current entry. On a secondary index this is
// the primary record's value.
func (c *Cursor) Value() []byte {
	return c.v
}

// Err returns the retrieval error that ended the walk, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Delete removes the current entry. The cursor stays where it is; the next
// call to Next moves on to the entry that followed it.
//
// Delete fails with ErrCursorState unless the cursor is positioned on an
// entry. A closed or exhausted cursor also reports ErrCursorClosed.
func (c *Cursor) Delete() error {
	if c.ec == nil {
		return tableErr(c.h, "", "cursor_delete", nil, fmt.Errorf("%w: %w", ErrCursorClosed, ErrCursorState))
	}
	if !c.valid {
		return tableErr(c.h, "", "cursor_delete", nil, ErrCursorState)
	}
	if err := c.ec.Delete(); err != nil {
		return c.reg.fail(c.h, "cursor_delete", c.ik, err)
	}
	return nil
}

// Close releases the cursor. Closing an exhausted or closed cursor is a no-op.
func (c *Cursor) Close() error {
	if c.ec == nil {
		return nil
	}
	ec := c.ec
	c.ec = nil
	c.release()
	if err := ec.Close(); err != nil {
		return c.reg.fail(c.h, "cursor_close", nil, err)
	}
	return nil
}

func (c *Cursor) release() {
	if c.ec != nil {
		c.ec.Close()
	}
	c.ec = nil
	c.valid = false
	c.k, c.ik, c.v = nil, nil, nil
}

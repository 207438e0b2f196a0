package htab

import "os"

// Locator names a table within the storage engine. An empty File means an
// in-memory table; an empty Database means the file's default table (or, in
// memory, a private anonymous table).
type Locator struct {
	File     string
	Database string
}

func (loc Locator) String() string {
	switch {
	case loc.File == "" && loc.Database == "":
		return "<anonymous>"
	case loc.File == "":
		return ":memory:/" + loc.Database
	case loc.Database == "":
		return loc.File
	default:
		return loc.File + "/" + loc.Database
	}
}

// DeriveFunc computes the secondary index key for a primary record. It must
// be deterministic. Returning a nil key leaves the record out of the index.
type DeriveFunc func(pkey, pvalue []byte) (skey []byte, err error)

// CursorOp selects how an engine cursor moves.
type CursorOp int

const (
	// CursorFirst positions at the first entry of the table.
	CursorFirst CursorOp = iota
	// CursorNext moves to the entry after the current one (First if unpositioned).
	CursorNext
	// CursorSet positions at the first duplicate of the given key.
	CursorSet
	// CursorNextDup moves to the next duplicate of the current key.
	CursorNextDup
)

func (op CursorOp) String() string {
	switch op {
	case CursorFirst:
		return "first"
	case CursorNext:
		return "next"
	case CursorSet:
		return "set"
	case CursorNextDup:
		return "next_dup"
	default:
		return "unknown"
	}
}

// Engine is the storage engine collaborator the Registry runs on top of.
type Engine interface {
	// OpenTable opens (creating if needed) the table at loc. dup selects
	// whether the table keeps multiple values per key.
	OpenTable(loc Locator, mode os.FileMode, dup bool) (EngineTable, error)
}

// EngineTable is an open table inside an Engine.
type EngineTable interface {
	// Put stores value under key. In duplicate mode a new duplicate is always
	// appended; otherwise an existing value is replaced. existed reports
	// whether key had a value before.
	Put(key, value []byte) (existed bool, err error)

	// Get returns the first value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// PGet looks up key in a secondary index and returns the primary key and
	// primary value it refers to, or ErrNotFound.
	PGet(skey []byte) (pkey, pvalue []byte, err error)

	// Delete removes every value under key, or returns ErrNotFound. On a
	// secondary index, it deletes the referenced primary records.
	Delete(key []byte) error

	// Associate makes secondary an index of this table, maintained with derive.
	Associate(secondary EngineTable, derive DeriveFunc) error

	Cursor() (EngineCursor, error)

	Sync() error
	Close() error
}

// EngineCursor walks an EngineTable. Returned slices are owned by the caller.
type EngineCursor interface {
	// Get moves the cursor per op and returns the entry it lands on, or
	// ErrNotFound. key is only consulted by CursorSet.
	Get(op CursorOp, key []byte) (k, v []byte, err error)

	// PGet is Get on a secondary index that also resolves the primary record.
	PGet(op CursorOp, key []byte) (skey, pkey, pvalue []byte, err error)

	// Delete removes the entry the cursor is positioned at. On a secondary
	// index, it deletes the referenced primary record.
	Delete() error

	Close() error
}

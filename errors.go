package htab

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by engine tables and cursors when there is no
	// matching entry. The Registry turns it into a found=false result.
	ErrNotFound = errors.New("not found")

	// ErrKeyExist is returned when a write would store a second value under a
	// key of a table that does not allow duplicates, e.g. when two primary
	// records derive the same key of a non-duplicate secondary index.
	ErrKeyExist = errors.New("key already exists")

	ErrKeyRequired        = errors.New("key required")
	ErrBadHandle          = errors.New("invalid or closed handle")
	ErrCursorState        = errors.New("cursor is not positioned")
	ErrCursorClosed       = errors.New("cursor is closed")
	ErrItemSize           = errors.New("item size does not match table item length")
	ErrReservedID         = errors.New("id is reserved")
	ErrSecondaryWrite     = errors.New("cannot write to a secondary index directly")
	ErrInvalidAssociation = errors.New("invalid association")
	ErrTableClosed        = errors.New("table is closed")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// isExpected reports whether err is a condition callers handle inline, as
// opposed to a storage failure.
func isExpected(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrKeyExist) ||
		errors.Is(err, ErrKeyRequired) ||
		errors.Is(err, ErrBadHandle) ||
		errors.Is(err, ErrCursorState) ||
		errors.Is(err, ErrCursorClosed) ||
		errors.Is(err, ErrItemSize) ||
		errors.Is(err, ErrReservedID) ||
		errors.Is(err, ErrSecondaryWrite) ||
		errors.Is(err, ErrInvalidAssociation)
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// TableError describes a failed operation on a registry handle.
type TableError struct {
	Handle Handle
	Name   string
	Op     string
	Key    []byte
	Err    error
}

func tableErr(h Handle, name, op string, key []byte, err error) error {
	return &TableError{h, name, op, key, err}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Op)
	fmt.Fprintf(&buf, " #%d", e.Handle)
	if e.Name != "" {
		buf.WriteString(" (")
		buf.WriteString(e.Name)
		buf.WriteByte(')')
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(hexstr(e.Key))
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

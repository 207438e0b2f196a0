package htab

import (
	"context"
	"log/slog"
	"os"

	"github.com/andreyvit/htab/idm"
)

// Handle identifies an open table within a Registry. Handles are small
// integers; a closed table's handle is handed out again by a later Create.
type Handle uint32

type TableFlags uint32

const (
	// Dup allows multiple values per key, kept in insertion order.
	Dup TableFlags = 1 << iota
	// Secondary marks a table associated as a secondary index. Set by Associate.
	Secondary
)

func (f TableFlags) Contains(v TableFlags) bool {
	return (f & v) == v
}

func (f TableFlags) String() string {
	switch f {
	case 0:
		return "none"
	case Dup:
		return "dup"
	case Secondary:
		return "secondary"
	case Dup | Secondary:
		return "dup|secondary"
	default:
		return "unknown"
	}
}

type CloseFlags uint32

const (
	// NoSync skips flushing the table before closing it.
	NoSync CloseFlags = 1 << iota
)

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// OnFatal is called with every storage engine failure (anything that is
	// not a missing key, a key conflict or a caller mistake) before the error
	// is returned. Use ExitOnFatal to terminate the process instead.
	OnFatal func(err error)
}

// Registry maps handles to open engine tables and their metadata.
//
// A Registry is not safe for concurrent use.
type Registry struct {
	engine  Engine
	logger  *slog.Logger
	verbose bool
	onFatal func(err error)

	ids    idm.Allocator
	tables []*tableMeta
}

type tableMeta struct {
	handle  Handle
	loc     Locator
	et      EngineTable
	itemLen int
	flags   TableFlags
	derive  DeriveFunc
	indexOf *tableMeta

	// list-hash id allocation, see ListCreate
	ids idm.Allocator
}

func New(engine Engine, opt Options) *Registry {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Registry{
		engine:  engine,
		logger:  opt.Logger,
		verbose: opt.Verbose,
		onFatal: opt.OnFatal,
	}
}

// ExitOnFatal is an Options.OnFatal policy that terminates the process.
// The error has already been logged when it runs.
func ExitOnFatal(err error) {
	os.Exit(1)
}

func (r *Registry) bootstrap() {
	r.tables = make([]*tableMeta, 0, 16)
	r.ids.Reset()
	if r.verbose {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "htab: registry initialized")
	}
}

func (r *Registry) lookup(h Handle) (*tableMeta, error) {
	if int(h) >= len(r.tables) || r.tables[h] == nil {
		return nil, ErrBadHandle
	}
	return r.tables[h], nil
}

func (r *Registry) setSlot(h Handle, m *tableMeta) {
	for int(h) >= len(r.tables) {
		r.tables = append(r.tables, nil)
	}
	r.tables[h] = m
}

// fail wraps err for the caller. Engine failures are logged and handed to
// the fatal policy; expected conditions are returned quietly.
func (r *Registry) fail(h Handle, op string, key []byte, err error) error {
	var name string
	if m, _ := r.lookup(h); m != nil {
		name = m.loc.String()
	}
	terr := tableErr(h, name, op, key, err)
	if isExpected(err) {
		return terr
	}
	r.logger.LogAttrs(context.Background(), slog.LevelError, "htab: engine failure",
		slog.String("op", op), slog.Any("handle", h), slog.String("table", name), slog.Any("err", err))
	if r.onFatal != nil {
		r.onFatal(terr)
	}
	return terr
}

// Create opens the table at loc, creating it if needed, and returns a new
// handle for it. Only the Dup flag is honored.
func (r *Registry) Create(loc Locator, mode os.FileMode, flags TableFlags) (Handle, error) {
	if r.tables == nil {
		r.bootstrap()
	}
	h := Handle(r.ids.New())
	et, err := r.engine.OpenTable(loc, mode, flags.Contains(Dup))
	if err != nil {
		r.ids.Del(uint32(h))
		terr := tableErr(h, loc.String(), "create", nil, err)
		r.logger.LogAttrs(context.Background(), slog.LevelError, "htab: engine failure",
			slog.String("op", "create"), slog.String("table", loc.String()), slog.Any("err", err))
		if r.onFatal != nil {
			r.onFatal(terr)
		}
		return 0, terr
	}
	r.setSlot(h, &tableMeta{
		handle: h,
		loc:    loc,
		et:     et,
		flags:  flags & Dup,
	})
	if r.verbose {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "htab: CREATE", slog.Any("handle", h), slog.String("table", loc.String()), slog.String("flags", flags.String()))
	}
	return h, nil
}

// Close closes the table and releases its handle. The handle must not be
// used afterwards. The handle is released even if the engine fails to close.
func (r *Registry) Close(h Handle, flags CloseFlags) error {
	m, err := r.lookup(h)
	if err != nil {
		return tableErr(h, "", "close", nil, err)
	}
	var syncErr error
	if flags&NoSync == 0 {
		syncErr = m.et.Sync()
	}
	closeErr := m.et.Close()

	var result error
	if syncErr != nil {
		result = r.fail(h, "close", nil, syncErr)
	} else if closeErr != nil {
		result = r.fail(h, "close", nil, closeErr)
	}

	// indices of a closed primary are plain tables again
	for _, other := range r.tables {
		if other != nil && other.indexOf == m {
			other.flags &^= Secondary
			other.derive, other.indexOf = nil, nil
		}
	}
	*m = tableMeta{}
	r.tables[h] = nil
	r.ids.Del(uint32(h))
	if r.verbose {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "htab: CLOSE", slog.Any("handle", h))
	}
	return result
}

// Sync flushes the table's pending writes.
func (r *Registry) Sync(h Handle) error {
	m, err := r.lookup(h)
	if err != nil {
		return tableErr(h, "", "sync", nil, err)
	}
	if err := m.et.Sync(); err != nil {
		return r.fail(h, "sync", nil, err)
	}
	return nil
}

// Drop deletes every entry of the table, leaving it open and empty. Dropping
// a secondary index deletes the primary records it refers to.
func (r *Registry) Drop(h Handle) error {
	m, err := r.lookup(h)
	if err != nil {
		return tableErr(h, "", "drop", nil, err)
	}
	c, err := m.et.Cursor()
	if err != nil {
		return r.fail(h, "drop", nil, err)
	}
	defer c.Close()

	var n int
	op := CursorFirst
	for {
		_, _, err := c.Get(op, nil)
		if err != nil {
			if isNotFound(err) {
				break
			}
			return r.fail(h, "drop", nil, err)
		}
		if err := c.Delete(); err != nil {
			return r.fail(h, "drop", nil, err)
		}
		n++
		op = CursorNext
	}
	if r.verbose {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "htab: DROP", slog.Any("handle", h), slog.Int("deleted", n))
	}
	return nil
}

// Len returns the number of open tables.
func (r *Registry) Len() int {
	return r.ids.Live()
}

func (r *Registry) Flags(h Handle) (TableFlags, error) {
	m, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	return m.flags, nil
}

// ItemLen returns the list-hash item size of the table (0 for variable size).
func (r *Registry) ItemLen(h Handle) (int, error) {
	m, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	return m.itemLen, nil
}

func (r *Registry) Locator(h Handle) (Locator, error) {
	m, err := r.lookup(h)
	if err != nil {
		return Locator{}, err
	}
	return m.loc, nil
}

package htab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	defaultDatabase    = "_default"
	anonymousPrefix    = "anon-"
	defaultOpenTimeout = 10 * time.Second
)

// EngineOptions configures a KVEngine.
type EngineOptions struct {
	Logger  *slog.Logger
	Verbose bool

	// IsTesting trades durability for speed in Bolt files.
	IsTesting bool
	MmapSize  int
	Timeout   time.Duration

	// Metrics receives the engine's counters. A private set is created if nil.
	Metrics *metrics.Set

	Now func() time.Time
}

// KVEngine is the default Engine. Tables with a file are stored in Bolt
// databases (one per file, shared by all tables in it, with one root bucket
// per table). Tables without a file live in a single in-memory storage owned
// by the engine.
type KVEngine struct {
	opt     EngineOptions
	logger  *slog.Logger
	metrics *engineMetrics

	mu    sync.Mutex
	mem   storage
	files map[string]*engineFile
}

type engineFile struct {
	path string
	st   storage
	refs int
}

var _ Engine = (*KVEngine)(nil)

func NewKVEngine(opt EngineOptions) *KVEngine {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Timeout == 0 {
		opt.Timeout = defaultOpenTimeout
	}
	if opt.Metrics == nil {
		opt.Metrics = metrics.NewSet()
	}
	e := &KVEngine{
		opt:    opt,
		logger: opt.Logger,
		files:  make(map[string]*engineFile),
	}
	e.metrics = newEngineMetrics(opt.Metrics, e.openFileCount)
	return e
}

func (e *KVEngine) OpenTable(loc Locator, mode os.FileMode, dup bool) (EngineTable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := &kvTable{
		eng: e,
		loc: loc,
		dup: dup,
	}
	if loc.File == "" {
		if e.mem == nil {
			e.mem = newMemStorage()
		}
		t.st = e.mem
		if loc.Database == "" {
			t.name = anonymousPrefix + uuid.NewString()
			t.anonymous = true
		} else {
			t.name = loc.Database
		}
	} else {
		f, err := e.acquireFileLocked(loc.File, mode)
		if err != nil {
			return nil, err
		}
		t.file = f
		t.st = f.st
		t.name = loc.Database
		if t.name == "" {
			t.name = defaultDatabase
		}
	}

	err := updateStorage(t.st, func(tx storageTx) error {
		_, err := prepareTable(tx, t.name, dup, e.opt.Now())
		return err
	})
	if err != nil {
		if t.file != nil {
			e.releaseFileLocked(t.file)
		}
		return nil, fmt.Errorf("htab: opening %v: %w", loc, err)
	}
	e.metrics.opens.Inc()
	if e.opt.Verbose {
		e.logger.LogAttrs(context.Background(), slog.LevelDebug, "htab: OPEN", slog.String("table", loc.String()), slog.Bool("dup", dup))
	}
	return t, nil
}

func (e *KVEngine) acquireFileLocked(path string, mode os.FileMode) (*engineFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if f := e.files[abs]; f != nil {
		f.refs++
		return f, nil
	}

	bopt := *bbolt.DefaultOptions
	bopt.Timeout = e.opt.Timeout
	if e.opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if e.opt.MmapSize != 0 {
		bopt.InitialMmapSize = e.opt.MmapSize
	}
	if mode == 0 {
		mode = 0644
	}

	bdb, err := bbolt.Open(abs, mode, &bopt)
	if err != nil {
		return nil, fmt.Errorf("htab: %w", err)
	}
	f := &engineFile{path: abs, st: newBoltStorage(bdb), refs: 1}
	e.files[abs] = f
	return f, nil
}

func (e *KVEngine) releaseFileLocked(f *engineFile) error {
	f.refs--
	if f.refs > 0 {
		return nil
	}
	delete(e.files, f.path)
	return f.st.Close()
}

func (e *KVEngine) openFileCount() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(len(e.files))
}

// Close closes every storage the engine still holds. Tables opened from
// the engine must not be used afterwards.
func (e *KVEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for path, f := range e.files {
		if err := f.st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.files, path)
	}
	if e.mem != nil {
		if err := e.mem.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.mem = nil
	}
	return firstErr
}

// WriteMetrics writes the engine's counters in Prometheus text format.
func (e *KVEngine) WriteMetrics(w io.Writer) {
	e.opt.Metrics.WritePrometheus(w)
}

type engineMetrics struct {
	opens       *metrics.Counter
	puts        *metrics.Counter
	gets        *metrics.Counter
	deletes     *metrics.Counter
	indexWrites *metrics.Counter
	cursorMoves *metrics.Counter
}

func newEngineMetrics(set *metrics.Set, openFiles func() float64) *engineMetrics {
	set.GetOrCreateGauge(`htab_open_files`, openFiles)
	return &engineMetrics{
		opens:       set.GetOrCreateCounter(`htab_table_opens_total`),
		puts:        set.GetOrCreateCounter(`htab_puts_total`),
		gets:        set.GetOrCreateCounter(`htab_gets_total`),
		deletes:     set.GetOrCreateCounter(`htab_deletes_total`),
		indexWrites: set.GetOrCreateCounter(`htab_index_writes_total`),
		cursorMoves: set.GetOrCreateCounter(`htab_cursor_moves_total`),
	}
}

type kvTable struct {
	eng       *KVEngine
	st        storage
	file      *engineFile
	loc       Locator
	name      string
	dup       bool
	anonymous bool
	closed    bool

	primary *kvTable
	indices []*kvIndex
}

type kvIndex struct {
	sec    *kvTable
	derive DeriveFunc
}

var _ EngineTable = (*kvTable)(nil)

func (t *kvTable) dataBucketIn(tx storageTx) (storageBucket, error) {
	b := tx.Bucket(t.name, dataBucket)
	if b == nil {
		return nil, fmt.Errorf("%s: %w", t.name, ErrBucketNotFound)
	}
	return b, nil
}

func (t *kvTable) view(f func(tx storageTx) error) error {
	if t.closed {
		return ErrTableClosed
	}
	return viewStorage(t.st, f)
}

func (t *kvTable) update(f func(tx storageTx) error) error {
	if t.closed {
		return ErrTableClosed
	}
	return updateStorage(t.st, f)
}

func (t *kvTable) logMutation(op string, key []byte) {
	if t.eng.opt.Verbose {
		t.eng.logger.LogAttrs(context.Background(), slog.LevelDebug, "htab: "+op, slog.String("table", t.loc.String()), hexAttr("key", key))
	}
}

func (t *kvTable) Put(key, value []byte) (bool, error) {
	if t.primary != nil {
		return false, ErrSecondaryWrite
	}
	var existed bool
	err := t.update(func(tx storageTx) error {
		var err error
		existed, err = t.putTx(tx, key, value)
		return err
	})
	if err != nil {
		return false, err
	}
	t.eng.metrics.puts.Inc()
	t.logMutation("PUT", key)
	return existed, nil
}

func (t *kvTable) putTx(tx storageTx, key, value []byte) (bool, error) {
	b, err := t.dataBucketIn(tx)
	if err != nil {
		return false, err
	}
	var existed bool
	if t.dup {
		prefix := dupPrefix(nil, key)
		k, _ := b.Cursor().Seek(prefix)
		existed = k != nil && bytes.HasPrefix(k, prefix)

		seq, err := b.NextSequence()
		if err != nil {
			return false, err
		}
		if err := b.Put(dupKey(nil, key, seq), value); err != nil {
			return false, err
		}
	} else {
		if len(key) == 0 {
			return false, ErrKeyRequired
		}
		if old := b.Get(key); old != nil {
			existed = true
			if err := t.unindexTx(tx, key, cloneBytes(old)); err != nil {
				return false, err
			}
		}
		if err := b.Put(key, value); err != nil {
			return false, err
		}
	}
	return existed, t.indexTx(tx, key, value)
}

func (t *kvTable) indexTx(tx storageTx, pkey, pvalue []byte) error {
	for _, idx := range t.indices {
		skey, err := idx.derive(pkey, pvalue)
		if err != nil {
			return fmt.Errorf("deriving %s key: %w", idx.sec.loc, err)
		}
		if skey == nil {
			continue
		}
		if err := idx.sec.insertRefTx(tx, skey, pkey); err != nil {
			return err
		}
		t.eng.metrics.indexWrites.Inc()
	}
	return nil
}

func (t *kvTable) unindexTx(tx storageTx, pkey, oldValue []byte) error {
	for _, idx := range t.indices {
		skey, err := idx.derive(pkey, oldValue)
		if err != nil {
			return fmt.Errorf("deriving %s key: %w", idx.sec.loc, err)
		}
		if skey == nil {
			continue
		}
		if _, err := idx.sec.deleteMatchingTx(tx, skey, pkey); err != nil {
			return err
		}
		t.eng.metrics.indexWrites.Inc()
	}
	return nil
}

// insertRefTx adds skey -> pkey to a secondary index.
func (t *kvTable) insertRefTx(tx storageTx, skey, pkey []byte) error {
	b, err := t.dataBucketIn(tx)
	if err != nil {
		return err
	}
	if t.dup {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(dupKey(nil, skey, seq), pkey)
	}
	if len(skey) == 0 {
		return ErrKeyRequired
	}
	if old := b.Get(skey); old != nil && !bytes.Equal(old, pkey) {
		return fmt.Errorf("%s/%s: %w", t.loc, hexstr(skey), ErrKeyExist)
	}
	return b.Put(skey, pkey)
}

// deleteMatchingTx removes the first entry under key whose value equals value.
func (t *kvTable) deleteMatchingTx(tx storageTx, key, value []byte) (bool, error) {
	b, err := t.dataBucketIn(tx)
	if err != nil {
		return false, err
	}
	if !t.dup {
		if old := b.Get(key); old != nil && bytes.Equal(old, value) {
			return true, b.Delete(key)
		}
		return false, nil
	}
	prefix := dupPrefix(nil, key)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if bytes.Equal(v, value) {
			return true, b.Delete(cloneBytes(k))
		}
	}
	return false, nil
}

// dupEntries returns the raw keys and values of every duplicate of key.
func dupEntries(b storageBucket, key []byte) (raws, values [][]byte) {
	prefix := dupPrefix(nil, key)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		raws = append(raws, cloneBytes(k))
		values = append(values, cloneBytes(v))
	}
	return raws, values
}

func (t *kvTable) Get(key []byte) ([]byte, error) {
	var result []byte
	err := t.view(func(tx storageTx) error {
		b, err := t.dataBucketIn(tx)
		if err != nil {
			return err
		}
		v := t.firstValue(b, key)
		if v == nil {
			return ErrNotFound
		}
		result = cloneBytes(v)
		return nil
	})
	t.eng.metrics.gets.Inc()
	return result, err
}

func (t *kvTable) firstValue(b storageBucket, key []byte) []byte {
	if !t.dup {
		if len(key) == 0 {
			return nil
		}
		return b.Get(key)
	}
	prefix := dupPrefix(nil, key)
	k, v := b.Cursor().Seek(prefix)
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil
	}
	return v
}

func (t *kvTable) PGet(skey []byte) ([]byte, []byte, error) {
	if t.primary == nil {
		return nil, nil, fmt.Errorf("%s is not a secondary index: %w", t.loc, ErrInvalidAssociation)
	}
	var pkey, pvalue []byte
	err := t.view(func(tx storageTx) error {
		b, err := t.dataBucketIn(tx)
		if err != nil {
			return err
		}
		pk := t.firstValue(b, skey)
		if pk == nil {
			return ErrNotFound
		}
		pv, err := t.resolveTx(tx, pk)
		if err != nil {
			return err
		}
		pkey, pvalue = cloneBytes(pk), cloneBytes(pv)
		return nil
	})
	t.eng.metrics.gets.Inc()
	return pkey, pvalue, err
}

// resolveTx loads the primary record a secondary entry refers to.
func (t *kvTable) resolveTx(tx storageTx, pkey []byte) ([]byte, error) {
	pb, err := t.primary.dataBucketIn(tx)
	if err != nil {
		return nil, err
	}
	pv := t.primary.firstValue(pb, pkey)
	if pv == nil {
		return nil, dataErrf(pkey, 0, nil, "%s refers to a missing primary record", t.loc)
	}
	return pv, nil
}

func (t *kvTable) Delete(key []byte) error {
	err := t.update(func(tx storageTx) error {
		return t.deleteTx(tx, key)
	})
	if err != nil {
		return err
	}
	t.eng.metrics.deletes.Inc()
	t.logMutation("DELETE", key)
	return nil
}

func (t *kvTable) deleteTx(tx storageTx, key []byte) error {
	b, err := t.dataBucketIn(tx)
	if err != nil {
		return err
	}

	if t.primary != nil {
		var pkeys [][]byte
		if t.dup {
			_, pkeys = dupEntries(b, key)
		} else if pk := b.Get(key); pk != nil {
			pkeys = [][]byte{cloneBytes(pk)}
		}
		if len(pkeys) == 0 {
			return ErrNotFound
		}
		for _, pk := range pkeys {
			if err := t.primary.deleteTx(tx, pk); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		// entries whose primary was already gone
		if t.dup {
			raws, _ := dupEntries(b, key)
			for _, raw := range raws {
				if err := b.Delete(raw); err != nil {
					return err
				}
			}
		} else if b.Get(key) != nil {
			return b.Delete(key)
		}
		return nil
	}

	if !t.dup {
		if len(key) == 0 {
			return ErrNotFound
		}
		old := b.Get(key)
		if old == nil {
			return ErrNotFound
		}
		if err := t.unindexTx(tx, key, cloneBytes(old)); err != nil {
			return err
		}
		return b.Delete(key)
	}

	raws, values := dupEntries(b, key)
	if len(raws) == 0 {
		return ErrNotFound
	}
	for i, raw := range raws {
		if err := t.unindexTx(tx, key, values[i]); err != nil {
			return err
		}
		if err := b.Delete(raw); err != nil {
			return err
		}
	}
	return nil
}

// deleteRawTx deletes the entry stored under a raw bucket key, as found by a cursor.
func (t *kvTable) deleteRawTx(tx storageTx, raw []byte) error {
	b, err := t.dataBucketIn(tx)
	if err != nil {
		return err
	}
	v := b.Get(raw)
	if v == nil {
		return ErrNotFound
	}
	v = cloneBytes(v)

	if t.primary != nil {
		err := t.primary.deleteTx(tx, v)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if b.Get(raw) != nil {
			return b.Delete(raw)
		}
		return nil
	}

	key, err := t.userKey(raw)
	if err != nil {
		return err
	}
	if err := t.unindexTx(tx, key, v); err != nil {
		return err
	}
	return b.Delete(raw)
}

func (t *kvTable) userKey(raw []byte) ([]byte, error) {
	if !t.dup {
		return raw, nil
	}
	key, _, err := decodeDupKey(raw)
	return key, err
}

func (t *kvTable) Associate(secondary EngineTable, derive DeriveFunc) error {
	sec, ok := secondary.(*kvTable)
	switch {
	case !ok || sec.eng != t.eng:
		return fmt.Errorf("secondary belongs to a different engine: %w", ErrInvalidAssociation)
	case sec == t:
		return fmt.Errorf("table cannot index itself: %w", ErrInvalidAssociation)
	case sec.st != t.st:
		return fmt.Errorf("%s and %s live in different files: %w", t.loc, sec.loc, ErrInvalidAssociation)
	case t.dup:
		return fmt.Errorf("primary %s allows duplicates: %w", t.loc, ErrInvalidAssociation)
	case t.primary != nil:
		return fmt.Errorf("primary %s is itself a secondary index: %w", t.loc, ErrInvalidAssociation)
	case sec.primary != nil && sec.primary != t:
		return fmt.Errorf("%s already indexes %s: %w", sec.loc, sec.primary.loc, ErrInvalidAssociation)
	case derive == nil:
		return fmt.Errorf("nil derive func: %w", ErrInvalidAssociation)
	}

	idx := &kvIndex{sec: sec, derive: derive}
	err := t.update(func(tx storageTx) error {
		sb, err := sec.dataBucketIn(tx)
		if err != nil {
			return err
		}
		if k, _ := sb.Cursor().First(); k != nil {
			return nil
		}
		// empty secondary: build it from the existing primary records
		pb, err := t.dataBucketIn(tx)
		if err != nil {
			return err
		}
		c := pb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			skey, err := derive(k, v)
			if err != nil {
				return fmt.Errorf("deriving %s key: %w", sec.loc, err)
			}
			if skey == nil {
				continue
			}
			if err := sec.insertRefTx(tx, skey, cloneBytes(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	sec.primary = t
	for i, old := range t.indices {
		if old.sec == sec {
			t.indices[i] = idx
			return nil
		}
	}
	t.indices = append(t.indices, idx)
	return nil
}

func (t *kvTable) Cursor() (EngineCursor, error) {
	if t.closed {
		return nil, ErrTableClosed
	}
	return &kvCursor{t: t}, nil
}

func (t *kvTable) Sync() error {
	if t.closed {
		return ErrTableClosed
	}
	return t.st.Sync()
}

func (t *kvTable) Close() error {
	if t.closed {
		return nil
	}
	e := t.eng
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if t.anonymous {
		err = updateStorage(t.st, func(tx storageTx) error {
			return tx.DeleteBucket(t.name)
		})
	}
	if p := t.primary; p != nil {
		for i, idx := range p.indices {
			if idx.sec == t {
				p.indices = append(p.indices[:i], p.indices[i+1:]...)
				break
			}
		}
		t.primary = nil
	}
	for _, idx := range t.indices {
		idx.sec.primary = nil
	}
	t.indices = nil
	t.closed = true
	if t.file != nil {
		if ferr := e.releaseFileLocked(t.file); err == nil {
			err = ferr
		}
	}
	return err
}

// kvCursor does not hold a storage transaction between calls. It remembers
// the raw key it is positioned at and re-seeks from it on every move.
type kvCursor struct {
	t      *kvTable
	pos    []byte
	prefix []byte
	closed bool
}

func (c *kvCursor) Get(op CursorOp, key []byte) ([]byte, []byte, error) {
	var k, v []byte
	err := c.view(func(tx storageTx) error {
		raw, rv, err := c.moveTx(tx, op, key)
		if err != nil {
			return err
		}
		k, err = c.t.userKey(raw)
		if err != nil {
			return err
		}
		k, v = cloneBytes(k), cloneBytes(rv)
		return nil
	})
	return k, v, err
}

func (c *kvCursor) PGet(op CursorOp, key []byte) ([]byte, []byte, []byte, error) {
	if c.t.primary == nil {
		return nil, nil, nil, fmt.Errorf("%s is not a secondary index: %w", c.t.loc, ErrInvalidAssociation)
	}
	var skey, pkey, pvalue []byte
	err := c.view(func(tx storageTx) error {
		raw, pk, err := c.moveTx(tx, op, key)
		if err != nil {
			return err
		}
		sk, err := c.t.userKey(raw)
		if err != nil {
			return err
		}
		pv, err := c.t.resolveTx(tx, pk)
		if err != nil {
			return err
		}
		skey, pkey, pvalue = cloneBytes(sk), cloneBytes(pk), cloneBytes(pv)
		return nil
	})
	return skey, pkey, pvalue, err
}

func (c *kvCursor) view(f func(tx storageTx) error) error {
	if c.closed {
		return ErrCursorClosed
	}
	c.t.eng.metrics.cursorMoves.Inc()
	return c.t.view(f)
}

func (c *kvCursor) moveTx(tx storageTx, op CursorOp, key []byte) ([]byte, []byte, error) {
	b, err := c.t.dataBucketIn(tx)
	if err != nil {
		return nil, nil, err
	}
	bc := b.Cursor()

	var k, v []byte
	switch op {
	case CursorFirst:
		k, v = bc.First()
	case CursorNext:
		k, v = c.step(bc)
	case CursorSet:
		if c.t.dup {
			prefix := dupPrefix(nil, key)
			k, v = bc.Seek(prefix)
			if k != nil && !bytes.HasPrefix(k, prefix) {
				k = nil
			}
		} else if len(key) > 0 {
			if v = b.Get(key); v != nil {
				k = key
			}
		}
	case CursorNextDup:
		if c.t.dup && c.pos != nil {
			k, v = c.step(bc)
			if k != nil && !bytes.HasPrefix(k, c.prefix) {
				k = nil
			}
		}
	default:
		return nil, nil, fmt.Errorf("unsupported cursor op %v", op)
	}
	if k == nil {
		return nil, nil, ErrNotFound
	}

	c.pos = cloneBytes(k)
	if c.t.dup {
		ukey, err := c.t.userKey(c.pos)
		if err != nil {
			return nil, nil, err
		}
		c.prefix = dupPrefix(nil, ukey)
	}
	return k, v, nil
}

func (c *kvCursor) step(bc storageCursor) ([]byte, []byte) {
	if c.pos == nil {
		return bc.First()
	}
	k, v := bc.Seek(c.pos)
	if k != nil && bytes.Equal(k, c.pos) {
		k, v = bc.Next()
	}
	return k, v
}

func (c *kvCursor) Delete() error {
	if c.closed {
		return ErrCursorClosed
	}
	if c.pos == nil {
		return ErrCursorState
	}
	err := c.t.update(func(tx storageTx) error {
		return c.t.deleteRawTx(tx, c.pos)
	})
	if err != nil {
		return err
	}
	c.t.eng.metrics.deletes.Inc()
	return nil
}

func (c *kvCursor) Close() error {
	c.closed = true
	c.pos, c.prefix = nil, nil
	return nil
}

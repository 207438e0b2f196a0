package htab

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/btree"
)

const (
	memBucketSep   = "\x00"
	memBTreeDegree = 32
)

var errTxNotWritable = errors.New("tx not writable")

type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	closed  bool
	writer  bool
}

// newMemStorage returns a transient in-memory storage. Transactions see a
// copy-on-write snapshot of every bucket taken at BeginTx.
func newMemStorage() storage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("storage closed")
		}
		s.writer = true
	}

	snap := make(map[string]*memBucket, len(s.buckets))
	for k, b := range s.buckets {
		snap[k] = b.clone()
	}

	return &memTx{
		writable: writable,
		base:     s,
		buckets:  snap,
	}, nil
}

func (s *memStorage) Sync() error { return nil }

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memBucket
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	b := tx.buckets[memBucketKey(name, sub)]
	if b == nil {
		return nil
	}
	return memBucketHandle{tx: tx, b: b}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, errTxNotWritable
	}

	// Ensure the root exists for nested buckets (Bolt compatibility).
	rootKey := memBucketKey(name, "")
	if tx.buckets[rootKey] == nil {
		tx.buckets[rootKey] = newMemBucket()
	}

	key := memBucketKey(name, sub)
	b := tx.buckets[key]
	if b == nil {
		b = newMemBucket()
		tx.buckets[key] = b
	}
	return memBucketHandle{tx: tx, b: b}, nil
}

func (tx *memTx) DeleteBucket(name string) error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return errTxNotWritable
	}
	rootKey := memBucketKey(name, "")
	if tx.buckets[rootKey] == nil {
		return ErrBucketNotFound
	}
	for k := range tx.buckets {
		if strings.HasPrefix(k, rootKey) {
			delete(tx.buckets, k)
		}
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return errTxNotWritable
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return fmt.Errorf("storage closed")
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

type memKV struct {
	key   []byte
	value []byte
}

func memKVLess(a, b memKV) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type memBucket struct {
	tree *btree.BTreeG[memKV]
	seq  uint64
}

func newMemBucket() *memBucket {
	return &memBucket{tree: btree.NewG(memBTreeDegree, memKVLess)}
}

func (b *memBucket) clone() *memBucket {
	return &memBucket{tree: b.tree.Clone(), seq: b.seq}
}

type memBucketHandle struct {
	tx *memTx
	b  *memBucket
}

func (b memBucketHandle) Get(key []byte) []byte {
	kv, ok := b.b.tree.Get(memKV{key: key})
	if !ok {
		return nil
	}
	return kv.value
}

func (b memBucketHandle) Put(key, value []byte) error {
	if !b.tx.writable {
		return errTxNotWritable
	}
	if len(key) == 0 {
		return ErrKeyRequired
	}
	// stored values are never nil, so Get can tell an empty value from a missing key
	b.b.tree.ReplaceOrInsert(memKV{key: slices.Clone(key), value: append([]byte{}, value...)})
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if !b.tx.writable {
		return errTxNotWritable
	}
	b.b.tree.Delete(memKV{key: key})
	return nil
}

func (b memBucketHandle) Cursor() storageCursor {
	return &memCursor{b: b.b}
}

func (b memBucketHandle) NextSequence() (uint64, error) {
	if !b.tx.writable {
		return 0, errTxNotWritable
	}
	b.b.seq++
	return b.b.seq, nil
}

func (b memBucketHandle) KeyCount() int { return b.b.tree.Len() }

// memCursor remembers the key it is positioned at rather than an index, so
// deleting the current item leaves Next pointing at its successor.
type memCursor struct {
	b   *memBucket
	cur []byte
}

func (c *memCursor) land(kv memKV, ok bool) ([]byte, []byte) {
	if !ok {
		c.cur = nil
		return nil, nil
	}
	c.cur = kv.key
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) {
	return c.land(c.b.tree.Min())
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	var found memKV
	var ok bool
	c.b.tree.AscendGreaterOrEqual(memKV{key: seek}, func(kv memKV) bool {
		found, ok = kv, true
		return false
	})
	return c.land(found, ok)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.cur == nil {
		return nil, nil
	}
	var found memKV
	var ok bool
	c.b.tree.AscendGreaterOrEqual(memKV{key: c.cur}, func(kv memKV) bool {
		if bytes.Equal(kv.key, c.cur) {
			return true
		}
		found, ok = kv, true
		return false
	})
	return c.land(found, ok)
}

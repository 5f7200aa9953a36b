package tokenidx

import (
	"bytes"
	"errors"
	"maps"
	"slices"
	"sync"
)

var (
	errMemClosed  = errors.New("memory storage closed")
	errTxReadOnly = errors.New("tx not writable")
)

const txCompletedMsg = "tokenidx: memory tx used after commit or rollback"

// memStorage is the in-memory engine. Committed buckets are never mutated:
// a writable tx copies a bucket on its first write to it, and Commit swaps
// in the tx's bucket map. Read txs share the committed map as is.
type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	writing bool
	closed  bool
}

func newMemStorage() storage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for writable && s.writing && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, errMemClosed
	}
	tx := &memTx{s: s, buckets: s.buckets}
	if writable {
		s.writing = true
		tx.buckets = maps.Clone(s.buckets)
		tx.owned = make(map[string]bool)
	}
	return tx, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	s       *memStorage
	buckets map[string]*memBucket
	owned   map[string]bool // nil for read txs
	done    bool
}

func (tx *memTx) Writable() bool { return tx.owned != nil }

func (tx *memTx) Bucket(name string) storageBucket {
	if tx.done {
		panic(txCompletedMsg)
	}
	if tx.buckets[name] == nil {
		return nil
	}
	return memBucketHandle{tx, name}
}

func (tx *memTx) CreateBucket(name string) (storageBucket, error) {
	if tx.done {
		panic(txCompletedMsg)
	}
	if !tx.Writable() {
		return nil, errTxReadOnly
	}
	if tx.buckets[name] == nil {
		tx.buckets[name] = &memBucket{}
		tx.owned[name] = true
	}
	return memBucketHandle{tx, name}, nil
}

// mutable returns the tx's private copy of a bucket. Only the item slice is
// copied; keys and values are replaced on write, never modified in place.
func (tx *memTx) mutable(name string) *memBucket {
	b := tx.buckets[name]
	if !tx.owned[name] {
		b = &memBucket{items: slices.Clone(b.items)}
		tx.buckets[name] = b
		tx.owned[name] = true
	}
	return b
}

func (tx *memTx) Commit() error {
	if tx.done {
		return nil
	}
	if !tx.Writable() {
		return errTxReadOnly
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	defer tx.end()
	if tx.s.closed {
		return errMemClosed
	}
	tx.s.buckets = tx.buckets
	return nil
}

func (tx *memTx) Rollback() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.end()
	return nil
}

// end releases the writer slot; s.mu must be held.
func (tx *memTx) end() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.Writable() {
		tx.s.writing = false
		tx.s.cond.Broadcast()
	}
}

func (tx *memTx) Size() int64 { return 0 }

type memBucket struct {
	items []memKV
}

type memKV struct {
	key, value []byte
}

func searchKV(items []memKV, key []byte) (int, bool) {
	return slices.BinarySearchFunc(items, key, func(kv memKV, k []byte) int {
		return bytes.Compare(kv.key, k)
	})
}

// memBucketHandle resolves its bucket through the tx on every call, so it
// sees the tx's private copy once the bucket has been written.
type memBucketHandle struct {
	tx   *memTx
	name string
}

func (h memBucketHandle) items() []memKV {
	return h.tx.buckets[h.name].items
}

func (h memBucketHandle) Get(key []byte) []byte {
	items := h.items()
	if i, ok := searchKV(items, key); ok {
		return items[i].value
	}
	return nil
}

func (h memBucketHandle) Put(key, value []byte) error {
	if !h.tx.Writable() {
		return errTxReadOnly
	}
	b := h.tx.mutable(h.name)
	i, ok := searchKV(b.items, key)
	if ok {
		b.items[i].value = slices.Clone(value)
	} else {
		b.items = slices.Insert(b.items, i, memKV{slices.Clone(key), slices.Clone(value)})
	}
	return nil
}

func (h memBucketHandle) Delete(key []byte) error {
	if !h.tx.Writable() {
		return errTxReadOnly
	}
	if _, ok := searchKV(h.items(), key); !ok {
		return nil
	}
	b := h.tx.mutable(h.name)
	i, _ := searchKV(b.items, key)
	b.items = slices.Delete(b.items, i, i+1)
	return nil
}

func (h memBucketHandle) Cursor() storageCursor {
	return &memCursor{items: h.items(), pos: -1}
}

func (h memBucketHandle) Stats() bucketStats {
	items := h.items()
	var size int64
	for _, kv := range items {
		size += int64(len(kv.key) + len(kv.value))
	}
	return bucketStats{KeyN: len(items), LeafInuse: size, LeafAlloc: size}
}

// memCursor iterates over the items as of its creation.
type memCursor struct {
	items []memKV
	pos   int
}

func (c *memCursor) at(i int) ([]byte, []byte) {
	c.pos = i
	if i >= len(c.items) {
		return nil, nil
	}
	return c.items[i].key, c.items[i].value
}

func (c *memCursor) First() ([]byte, []byte) { return c.at(0) }

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	i, _ := searchKV(c.items, seek)
	return c.at(i)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos >= len(c.items) {
		return nil, nil
	}
	return c.at(c.pos + 1)
}

func (c *memCursor) Close() {}

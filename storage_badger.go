package tokenidx

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// Badger has no buckets; a bucket is the key prefix name+0x00, and an empty
// marker key 0x00+name records that the bucket exists.
const badgerBucketSep = 0x00

type badgerStorage struct {
	db *badger.DB
}

func openBadgerStorage(path string, opt Options) (storage, error) {
	var bopt badger.Options
	if path == "" {
		bopt = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopt = badger.DefaultOptions(path)
	}
	bopt = bopt.WithLogger(badgerLogger{opt.Logger})
	if opt.IsTesting {
		bopt = bopt.WithSyncWrites(false).WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(bopt)
	if err != nil {
		return nil, fmt.Errorf("badger: %w", err)
	}
	return &badgerStorage{db: db}, nil
}

func (s *badgerStorage) BeginTx(writable bool) (storageTx, error) {
	if s.db.IsClosed() {
		return nil, fmt.Errorf("storage closed")
	}
	return &badgerTx{txn: s.db.NewTransaction(writable), writable: writable, db: s.db}, nil
}

func (s *badgerStorage) Close() error {
	return s.db.Close()
}

type badgerTx struct {
	db       *badger.DB
	txn      *badger.Txn
	writable bool
	cursors  []*badgerCursor
}

func (tx *badgerTx) Writable() bool { return tx.writable }

func badgerBucketMarker(name string) []byte {
	return append([]byte{badgerBucketSep}, name...)
}

func (tx *badgerTx) Bucket(name string) storageBucket {
	_, err := tx.txn.Get(badgerBucketMarker(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	} else if err != nil {
		panic(fmt.Errorf("badger: bucket %s: %w", name, err))
	}
	return tx.bucket(name)
}

func (tx *badgerTx) bucket(name string) *badgerBucket {
	prefix := make([]byte, 0, len(name)+1)
	prefix = append(prefix, name...)
	prefix = append(prefix, badgerBucketSep)
	return &badgerBucket{tx: tx, prefix: prefix}
}

func (tx *badgerTx) CreateBucket(name string) (storageBucket, error) {
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	if err := tx.txn.Set(badgerBucketMarker(name), nil); err != nil {
		return nil, err
	}
	return tx.bucket(name), nil
}

func (tx *badgerTx) closeCursors() {
	for _, c := range tx.cursors {
		c.Close()
	}
	tx.cursors = nil
}

func (tx *badgerTx) Commit() error {
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.closeCursors()
	err := tx.txn.Commit()
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("badger: %w: %w", errTxConflict, err)
	}
	return err
}

func (tx *badgerTx) Rollback() error {
	tx.closeCursors()
	tx.txn.Discard()
	return nil
}

func (tx *badgerTx) Size() int64 {
	lsm, vlog := tx.db.Size()
	return lsm + vlog
}

type badgerBucket struct {
	tx     *badgerTx
	prefix []byte
}

func (b *badgerBucket) key(k []byte) []byte {
	full := make([]byte, 0, len(b.prefix)+len(k))
	full = append(full, b.prefix...)
	return append(full, k...)
}

func (b *badgerBucket) Get(key []byte) []byte {
	item, err := b.tx.txn.Get(b.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	} else if err != nil {
		panic(fmt.Errorf("badger: get %x: %w", key, err))
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		panic(fmt.Errorf("badger: value of %x: %w", key, err))
	}
	if v == nil {
		v = []byte{}
	}
	return v
}

func (b *badgerBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	// badger holds on to both slices until commit
	return b.tx.txn.Set(b.key(key), append([]byte(nil), value...))
}

func (b *badgerBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	return b.tx.txn.Delete(b.key(key))
}

func (b *badgerBucket) Cursor() storageCursor {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = b.prefix
	c := &badgerCursor{it: b.tx.txn.NewIterator(opts), prefix: b.prefix}
	b.tx.cursors = append(b.tx.cursors, c)
	return c
}

func (b *badgerBucket) Stats() bucketStats {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = b.prefix
	opts.PrefetchValues = false
	it := b.tx.txn.NewIterator(opts)
	defer it.Close()
	var st bucketStats
	for it.Seek(b.prefix); it.ValidForPrefix(b.prefix); it.Next() {
		item := it.Item()
		st.KeyN++
		st.LeafInuse += int64(len(item.Key())-len(b.prefix)) + item.ValueSize()
	}
	st.LeafAlloc = st.LeafInuse
	return st
}

type badgerCursor struct {
	it     *badger.Iterator
	prefix []byte
	closed bool
}

func (c *badgerCursor) current() ([]byte, []byte) {
	if !c.it.ValidForPrefix(c.prefix) {
		return nil, nil
	}
	item := c.it.Item()
	k := item.KeyCopy(nil)[len(c.prefix):]
	v, err := item.ValueCopy(nil)
	if err != nil {
		panic(fmt.Errorf("badger: value of %x: %w", k, err))
	}
	return k, v
}

func (c *badgerCursor) First() ([]byte, []byte) {
	c.it.Seek(c.prefix)
	return c.current()
}

func (c *badgerCursor) Seek(seek []byte) ([]byte, []byte) {
	full := make([]byte, 0, len(c.prefix)+len(seek))
	full = append(full, c.prefix...)
	c.it.Seek(append(full, seek...))
	return c.current()
}

func (c *badgerCursor) Next() ([]byte, []byte) {
	if !c.it.Valid() {
		return nil, nil
	}
	c.it.Next()
	return c.current()
}

func (c *badgerCursor) Close() {
	if !c.closed {
		c.closed = true
		c.it.Close()
	}
}

// badgerLogger routes badger's printf-style logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("badger: " + fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

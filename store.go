package tokenidx

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/andreyvit/tokenidx/driver"
	"github.com/andreyvit/tokenidx/ledger"
)

const (
	EngineBolt   = "bolt"
	EngineBadger = "badger"
	EngineMemory = "memory"
)

// MaxFetchLimit bounds FetchOptions.Limit.
const MaxFetchLimit = 1000

const maxWriteAttempts = 10

type Options struct {
	// Engine is EngineBolt (default), EngineBadger or EngineMemory.
	Engine string

	// Path is the Bolt file or the Badger directory. An empty Badger path
	// keeps the data in memory.
	Path string

	// IsTesting trades durability for speed: no fsync, small initial maps.
	IsTesting bool
	// MmapSize overrides the initial Bolt mapping size.
	MmapSize int

	// Driver executes the store's operations. If nil, the store creates one
	// from DriverOptions and closes it in Close.
	Driver        *driver.Driver
	DriverOptions driver.Options

	Logger *slog.Logger
}

// Store is the secondary index store. Every operation is asynchronous and
// returns a driver.Future.
type Store struct {
	st         storage
	schema     *Schema
	drv        *driver.Driver
	ownsDriver bool
	logger     *slog.Logger
}

func Open(schema *Schema, opt Options) (*Store, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Engine == "" {
		opt.Engine = EngineBolt
	}

	var st storage
	var err error
	switch opt.Engine {
	case EngineBolt:
		st, err = openBoltStorage(opt.Path, opt)
	case EngineBadger:
		st, err = openBadgerStorage(opt.Path, opt)
	case EngineMemory:
		st = newMemStorage()
	default:
		err = fmt.Errorf("unknown storage engine %q", opt.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("tokenidx: %w", err)
	}

	s := &Store{
		st:     st,
		schema: schema,
		logger: opt.Logger,
	}
	err = s.write(func(tx storageTx) error {
		for _, name := range s.bucketNames() {
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("tokenidx: %w", err)
	}

	if opt.Driver != nil {
		s.drv = opt.Driver
	} else {
		dopt := opt.DriverOptions
		if dopt.Logger == nil {
			dopt.Logger = opt.Logger
		}
		s.drv = driver.New(dopt)
		s.ownsDriver = true
	}
	s.logger.Debug("tokenidx: opened", "engine", opt.Engine, "path", opt.Path, "indices", len(schema.indices))
	return s, nil
}

func (s *Store) bucketNames() []string {
	names := []string{ledgersBucket, ledgerHashesBucket, metaBucket}
	for _, idx := range s.schema.indices {
		names = append(names, idx.buck, idx.keysBuck)
	}
	return names
}

func (s *Store) Schema() *Schema {
	return s.schema
}

func (s *Store) Driver() *driver.Driver {
	return s.drv
}

// Close waits for the store's own driver to drain, then closes the storage.
func (s *Store) Close() error {
	var errs []error
	if s.ownsDriver {
		errs = append(errs, s.drv.Close())
	}
	errs = append(errs, s.st.Close())
	return errors.Join(errs...)
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(tx storageTx) error, tx storageTx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

func (s *Store) read(fn func(tx storageTx) error) error {
	tx, err := s.st.BeginTx(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return safelyCall(fn, tx)
}

// write runs fn in a writable transaction. Backends that batch may call fn
// several times; so does a commit conflict, which is retried.
func (s *Store) write(fn func(tx storageTx) error) error {
	if b, ok := s.st.(batcher); ok {
		return b.Batch(func(tx storageTx) error {
			return safelyCall(fn, tx)
		})
	}
	for attempt := 1; ; attempt++ {
		err := s.tryWrite(fn)
		if err != nil && errors.Is(err, errTxConflict) && attempt < maxWriteAttempts {
			s.logger.Debug("tokenidx: retrying conflicting write", "attempt", attempt, "err", err)
			continue
		}
		return err
	}
}

func (s *Store) tryWrite(fn func(tx storageTx) error) error {
	tx, err := s.st.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := safelyCall(fn, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Ack reports the outcome of a write. Applied is false when the store
// already held a record with an equal or newer sequence; Seq is the sequence
// of the record now stored.
type Ack struct {
	Applied bool
	Seq     ledger.Seq
}

// Upsert stores rec unless the index already holds the same key at an equal
// or newer sequence. The outcome does not depend on the order in which
// concurrent upserts are issued or complete.
func (s *Store) Upsert(idx *Index, rec IndexRecord) *driver.Future[Ack] {
	if !idx.grouped && rec.Group != 0 {
		panic(fmt.Errorf("upsert into ungrouped index %s with group %d", idx.name, rec.Group))
	}
	return driver.Execute(s.drv, rec.Issuer[:], "upsert "+idx.name, func() (Ack, error) {
		var ack Ack
		err := s.write(func(tx storageTx) error {
			var err error
			ack, err = s.upsert(tx, idx, &rec)
			return err
		})
		return ack, err
	})
}

func (s *Store) upsert(tx storageTx, idx *Index, rec *IndexRecord) (Ack, error) {
	rows := nonNil(tx.Bucket(idx.buck))
	keys := nonNil(tx.Bucket(idx.keysBuck))
	rk := recordKey(idx, rec.Issuer, rec.cursor(idx))

	if loc := keys.Get(rec.Key[:]); loc != nil {
		oldIssuer, oldGroup, err := decodeKeyLocation(idx, loc)
		if err != nil {
			return Ack{}, &InternalError{idx.name, rec.Key.String(), err}
		}
		oldRK := recordKey(idx, oldIssuer, Cursor{Grouped: idx.grouped, Group: oldGroup, Key: rec.Key})
		if v := rows.Get(oldRK); v != nil {
			var old storedRecord
			if err := decodeValue(v, &old); err != nil {
				return Ack{}, &InternalError{idx.name, rec.Key.String(), err}
			}
			if old.Seq >= rec.Seq {
				return Ack{Applied: false, Seq: old.Seq}, nil
			}
			if !bytes.Equal(oldRK, rk) {
				s.logger.Debug("tokenidx: record moved", "index", idx.name, "key", rec.Key.String(), hexAttr("from", oldRK), hexAttr("to", rk))
				if err := rows.Delete(oldRK); err != nil {
					return Ack{}, err
				}
			}
		}
	}

	if err := rows.Put(rk, encodeValue(&storedRecord{Seq: rec.Seq, Blob: rec.Blob})); err != nil {
		return Ack{}, err
	}
	if err := keys.Put(rec.Key[:], keyLocation(idx, rec.Issuer, rec.Group)); err != nil {
		return Ack{}, err
	}
	return Ack{Applied: true, Seq: rec.Seq}, nil
}

type FetchOptions struct {
	Limit int

	// Cursor, if set, starts the page after this key.
	Cursor *Cursor

	// AsOf hides records written after this ledger; zero means latest.
	AsOf ledger.Seq

	// Group restricts a grouped index to one group.
	Group *uint32
}

// Page is one page of a range read. Next is set iff more records follow,
// and is the cursor of the last item.
type Page struct {
	Items []IndexRecord
	Next  *Cursor
}

type fetchResult struct {
	items []IndexRecord
	more  bool
	err   error
}

// FetchByIssuer reads up to opt.Limit records of issuer with keys strictly
// after opt.Cursor, in clustering order. Invalid options are reported
// before anything is submitted to the driver.
func (s *Store) FetchByIssuer(idx *Index, issuer ledger.AccountID, opt FetchOptions) (*driver.Future[Page], error) {
	if opt.Limit < 1 || opt.Limit > MaxFetchLimit {
		return nil, validationErrf("limit", "must be between 1 and %d, got %d", MaxFetchLimit, opt.Limit)
	}
	if opt.Group != nil && !idx.grouped {
		return nil, validationErrf("group", "%s is not grouped", idx.name)
	}
	if c := opt.Cursor; c != nil {
		if c.Grouped != idx.grouped {
			return nil, validationErrf("marker", "wrong marker format for %s", idx.name)
		}
		if opt.Group != nil && c.Group != *opt.Group {
			return nil, validationErrf("marker", "marker is outside group %d", *opt.Group)
		}
	}

	rang := rawRange{Prefix: issuerPrefix(idx, issuer, opt.Group)}
	if opt.Cursor != nil {
		rang.Lower = recordKey(idx, issuer, *opt.Cursor)
	}
	limit, asOf := opt.Limit, opt.AsOf
	label := "fetch " + idx.name

	f := driver.Execute(s.drv, issuer[:], label, func() (fetchResult, error) {
		var res fetchResult
		err := s.read(func(tx storageTx) error {
			cur := rang.newCursor(nonNil(tx.Bucket(idx.buck)).Cursor(), s.logger)
			defer cur.Close()
			for cur.Next() {
				rec, err := decodeRecord(idx, cur.Key(), cur.Value())
				if err != nil {
					res.err = err
					return nil
				}
				if asOf != 0 && rec.Seq > asOf {
					continue
				}
				if len(res.items) == limit {
					res.more = true
					break
				}
				res.items = append(res.items, rec)
			}
			return nil
		})
		return res, err
	})
	return driver.Then(f, label, func(res fetchResult) (Page, error) {
		if res.err != nil {
			s.logger.Error("tokenidx: corrupt record", "index", idx.name, "issuer", issuer.String(), "err", res.err)
			return Page{}, res.err
		}
		page := Page{Items: res.items}
		if res.more {
			c := res.items[len(res.items)-1].cursor(idx)
			page.Next = &c
		}
		return page, nil
	}), nil
}

type lookupResult[T any] struct {
	val   T
	found bool
	err   error
}

// FetchByKey looks up the record of one token key. A missing record, or one
// written after asOf (unless asOf is zero), is a *NotFoundError.
func (s *Store) FetchByKey(idx *Index, key ledger.TokenKey, asOf ledger.Seq) *driver.Future[IndexRecord] {
	label := "lookup " + idx.name
	f := driver.Execute(s.drv, key[:], label, func() (lookupResult[IndexRecord], error) {
		var res lookupResult[IndexRecord]
		err := s.read(func(tx storageTx) error {
			loc := nonNil(tx.Bucket(idx.keysBuck)).Get(key[:])
			if loc == nil {
				return nil
			}
			issuer, group, err := decodeKeyLocation(idx, loc)
			if err != nil {
				res.err = &InternalError{idx.name, key.String(), err}
				return nil
			}
			rk := recordKey(idx, issuer, Cursor{Grouped: idx.grouped, Group: group, Key: key})
			v := nonNil(tx.Bucket(idx.buck)).Get(rk)
			if v == nil {
				res.err = &InternalError{idx.name, key.String(), fmt.Errorf("dangling key entry %x", loc)}
				return nil
			}
			res.val, res.err = decodeRecord(idx, rk, v)
			res.found = res.err == nil
			return nil
		})
		return res, err
	})
	return driver.Then(f, label, func(res lookupResult[IndexRecord]) (IndexRecord, error) {
		if res.err != nil {
			s.logger.Error("tokenidx: corrupt record", "index", idx.name, "key", key.String(), "err", res.err)
			return IndexRecord{}, res.err
		}
		if !res.found || (asOf != 0 && res.val.Seq > asOf) {
			return IndexRecord{}, &NotFoundError{idx.name, key.String()}
		}
		return res.val, nil
	})
}

// Package etl feeds ledger data into a tokenidx.Store: transaction diffs of
// closed ledgers and state snapshots for the initial load.
package etl

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/andreyvit/tokenidx"
	"github.com/andreyvit/tokenidx/extract"
	"github.com/andreyvit/tokenidx/ledger"
)

const DefaultMaxInFlight = 256

type Options struct {
	// Extractor defaults to extract.Default().
	Extractor *extract.Extractor

	// MaxInFlight bounds the number of outstanding upserts of LoadSnapshot.
	MaxInFlight int

	Logger *slog.Logger
}

type Indexer struct {
	store       *tokenidx.Store
	extractor   *extract.Extractor
	indices     map[string]*tokenidx.Index
	maxInFlight int
	logger      *slog.Logger
}

// New returns an Indexer writing to store. Every index targeted by the
// extractor's rules must exist in the store's schema.
func New(store *tokenidx.Store, opt Options) (*Indexer, error) {
	if opt.Extractor == nil {
		opt.Extractor = extract.Default()
	}
	if opt.MaxInFlight <= 0 {
		opt.MaxInFlight = DefaultMaxInFlight
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	ix := &Indexer{
		store:       store,
		extractor:   opt.Extractor,
		indices:     make(map[string]*tokenidx.Index),
		maxInFlight: opt.MaxInFlight,
		logger:      opt.Logger,
	}
	for _, rule := range opt.Extractor.Rules() {
		idx := store.Schema().IndexNamed(rule.Index)
		if idx == nil {
			return nil, fmt.Errorf("etl: index %s is not defined in the store schema", rule.Index)
		}
		if rule.GroupField != nil && !idx.Grouped() {
			return nil, fmt.Errorf("etl: index %s must be grouped", rule.Index)
		}
		ix.indices[rule.Index] = idx
	}
	return ix, nil
}

// Counts summarizes the upserts of one call.
type Counts struct {
	Mutations int
	Applied   int
	Stale     int
}

// ApplyTransaction extracts the mutations of diff and upserts them
// concurrently. All upserts are waited for; their errors are joined.
func (ix *Indexer) ApplyTransaction(ctx context.Context, diff *ledger.TransactionDiff) error {
	_, err := ix.applyTransaction(ctx, diff)
	return err
}

func (ix *Indexer) applyTransaction(ctx context.Context, diff *ledger.TransactionDiff) (Counts, error) {
	muts, err := ix.extractor.FromTransaction(diff)
	if err != nil {
		return Counts{}, err
	}
	b := ix.newBatch()
	for _, m := range muts {
		b.upsert(m)
	}
	return b.wait(ctx)
}

// ApplyLedger indexes the transactions of a closed ledger and then records
// its header. Extraction of every transaction happens before the first
// write, so a malformed transaction leaves the store untouched.
func (ix *Indexer) ApplyLedger(ctx context.Context, hdr ledger.Header, txs []*ledger.TransactionDiff) error {
	if hdr.Seq == 0 {
		return errors.New("etl: ledger header without sequence")
	}
	var muts []extract.Mutation
	for i, diff := range txs {
		if diff == nil {
			return fmt.Errorf("etl: ledger %d: transaction %d is null", hdr.Seq, i)
		}
		if diff.LedgerSeq != hdr.Seq {
			return fmt.Errorf("etl: tx %v belongs to ledger %d, not %d", diff.Hash, diff.LedgerSeq, hdr.Seq)
		}
		m, err := ix.extractor.FromTransaction(diff)
		if err != nil {
			ix.logger.Error("etl: extraction failed", "ledger", hdr.Seq, "err", err)
			return err
		}
		muts = append(muts, m...)
	}

	b := ix.newBatch()
	for _, m := range muts {
		b.upsert(m)
	}
	counts, err := b.wait(ctx)
	if err != nil {
		return fmt.Errorf("etl: ledger %d: %w", hdr.Seq, err)
	}

	f := ix.store.WriteLedger(hdr)
	rang, err := f.Wait(ctx)
	f.Release()
	if err != nil {
		return fmt.Errorf("etl: ledger %d: %w", hdr.Seq, err)
	}
	ix.logger.Info("etl: ledger indexed", "ledger", hdr.Seq, "txs", len(txs), "mutations", counts.Mutations, "applied", counts.Applied, "stale", counts.Stale, "range", rang.String())
	return nil
}

// LoadSnapshot bulk-loads the state objects of ledger seq. At most
// MaxInFlight upserts are outstanding at any time. Objects that no rule
// indexes are skipped; a malformed indexed object aborts the load.
func (ix *Indexer) LoadSnapshot(ctx context.Context, seq ledger.Seq, objects iter.Seq[ledger.StateObject]) (Counts, error) {
	sem := semaphore.NewWeighted(int64(ix.maxInFlight))
	b := ix.newBatch()
	b.sem = sem

	var scanned int
	for obj := range objects {
		scanned++
		m, err := ix.extractor.FromSnapshot(seq, obj.Key, obj.Blob)
		if err != nil {
			b.abort(err)
			break
		}
		if m == nil {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			b.abort(err)
			break
		}
		b.upsert(m)
	}
	counts, err := b.wait(ctx)
	ix.logger.Info("etl: snapshot loaded", "ledger", seq, "objects", scanned, "mutations", counts.Mutations, "applied", counts.Applied, "err", err)
	return counts, err
}

func (ix *Indexer) record(m extract.Mutation) (*tokenidx.Index, tokenidx.IndexRecord) {
	idx := ix.indices[m.IndexName()]
	if idx == nil {
		panic(fmt.Errorf("etl: mutation for unknown index %s", m.IndexName()))
	}
	switch m := m.(type) {
	case extract.IssuanceCreated:
		return idx, tokenidx.IndexRecord{Issuer: m.Issuer, Key: m.Key, Seq: m.Seq, Blob: m.Blob}
	case extract.ObjectUpserted:
		return idx, tokenidx.IndexRecord{Issuer: m.Issuer, Key: m.Key, Group: m.Group, Seq: m.Seq, Blob: m.Blob}
	default:
		panic(fmt.Errorf("etl: unknown mutation %T", m))
	}
}

// batch tracks a set of concurrent upserts. Completion callbacks count
// outstanding writes and collect their errors.
type batch struct {
	ix  *Indexer
	sem *semaphore.Weighted

	mu      sync.Mutex
	pending int
	sealed  bool
	counts  Counts
	errs    []error
	done    chan struct{}
}

func (ix *Indexer) newBatch() *batch {
	return &batch{ix: ix, done: make(chan struct{})}
}

func (b *batch) upsert(m extract.Mutation) {
	idx, rec := b.ix.record(m)
	f := b.ix.store.Upsert(idx, rec)

	b.mu.Lock()
	b.pending++
	b.counts.Mutations++
	b.mu.Unlock()

	label := f.Label()
	err := f.OnComplete(func(ack tokenidx.Ack, err error) {
		b.complete(label, rec, ack, err)
	})
	if err != nil {
		panic(err)
	}
	f.Release()
}

func (b *batch) complete(label string, rec tokenidx.IndexRecord, ack tokenidx.Ack, err error) {
	if b.sem != nil {
		b.sem.Release(1)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.ix.logger.Warn("etl: upsert failed", "op", label, "key", rec.Key.String(), "seq", rec.Seq, "err", err)
		b.errs = append(b.errs, fmt.Errorf("%s %v: %w", label, rec.Key, err))
	} else if ack.Applied {
		b.counts.Applied++
	} else {
		b.counts.Stale++
	}
	b.pending--
	if b.sealed && b.pending == 0 {
		close(b.done)
	}
}

func (b *batch) abort(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, err)
}

// wait blocks until every upsert of the batch has completed, or ctx is
// done. Upserts still running when ctx is done are left to finish.
func (b *batch) wait(ctx context.Context) (Counts, error) {
	b.mu.Lock()
	b.sealed = true
	if b.pending == 0 {
		close(b.done)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
	case <-ctx.Done():
		return Counts{}, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts, errors.Join(b.errs...)
}

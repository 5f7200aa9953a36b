// Command tokenidxd serves the token secondary indices over HTTP and ingests
// closed ledgers into them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/andreyvit/tokenidx"
	"github.com/andreyvit/tokenidx/etl"
	"github.com/andreyvit/tokenidx/journal"
	"github.com/andreyvit/tokenidx/query"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokenidxd: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.Log.newLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tokenidxd: exiting", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := build(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	httpSrv := &http.Server{
		Addr:         cfg.Service.Listen,
		Handler:      a.srv.routes(),
		ReadTimeout:  time.Duration(cfg.Service.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Service.WriteTimeoutSeconds) * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("tokenidxd: listening", "addr", cfg.Service.Listen, "engine", cfg.Storage.Engine, "path", cfg.Storage.Path)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("tokenidxd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type app struct {
	srv     *server
	store   *tokenidx.Store
	journal *journal.Journal
	logger  *slog.Logger
}

// journalInvariant marks journals of ingested ledgers.
var journalInvariant = [16]byte{'t', 'o', 'k', 'e', 'n', 'i', 'd', 'x', ' ', 'l', 'e', 'd', 'g', 'e', 'r', 's'}

// build opens the store and wires the query and ingestion layers on top of
// it. If a journal is configured, its ledgers are replayed into the store
// before build returns.
func build(ctx context.Context, cfg *Config, reg *prometheus.Registry, logger *slog.Logger) (_ *app, err error) {
	opt := cfg.storeOptions()
	opt.Logger = logger
	opt.DriverOptions.IOThreads = cfg.Driver.IOThreads
	opt.DriverOptions.QueueSize = cfg.Driver.QueueSize
	opt.DriverOptions.QueueTimeout = time.Duration(cfg.Driver.QueueTimeoutSeconds) * time.Second
	opt.DriverOptions.Registerer = reg

	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.store, err = tokenidx.Open(tokenidx.DefaultSchema(), opt)
	if err != nil {
		return nil, err
	}
	queries, err := query.NewHandler(a.store, cfg.Query, logger)
	if err != nil {
		return nil, err
	}
	indexer, err := etl.New(a.store, etl.Options{MaxInFlight: cfg.Ingest.MaxInFlight, Logger: logger})
	if err != nil {
		return nil, err
	}

	if dir := cfg.Ingest.JournalDir; dir != "" {
		a.journal, err = journal.Open(dir, journal.Options{
			FileName:  "ledgers-*.wal",
			Invariant: journalInvariant,
			Sync:      cfg.Ingest.JournalSync,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("journal %s: %w", dir, err)
		}
		if err := replay(ctx, a.journal, indexer, logger); err != nil {
			return nil, err
		}
	}

	a.srv = newServer(a.store, queries, indexer, a.journal, reg, cfg, logger)
	return a, nil
}

// replay re-applies the journaled ledgers. Upserts are last-writer-wins, so
// ledgers already in a persistent store are applied as no-ops.
func replay(ctx context.Context, j *journal.Journal, indexer *etl.Indexer, logger *slog.Logger) error {
	start := time.Now()
	var n int
	err := j.Replay(ctx, func(data []byte) error {
		var req ingestLedgerRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("journal record %d: %w", n, err)
		}
		n++
		return indexer.ApplyLedger(ctx, req.Header, req.Transactions)
	})
	if err != nil {
		return fmt.Errorf("replaying journal %v: %w", j, err)
	}
	logger.Info("tokenidxd: journal replayed", "ledgers", n, "elapsed", time.Since(start))
	return nil
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Error("tokenidxd: closing journal", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("tokenidxd: closing store", "err", err)
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andreyvit/tokenidx"
	"github.com/andreyvit/tokenidx/etl"
	"github.com/andreyvit/tokenidx/extract"
	"github.com/andreyvit/tokenidx/journal"
	"github.com/andreyvit/tokenidx/ledger"
	"github.com/andreyvit/tokenidx/query"
)

const requestIDHeader = "X-Request-Id"

type server struct {
	store    *tokenidx.Store
	queries  *query.Handler
	indexer  *etl.Indexer
	journal  *journal.Journal
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	requestTimeout time.Duration
	maxBody        int64

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newServer(store *tokenidx.Store, queries *query.Handler, indexer *etl.Indexer, jrnl *journal.Journal, reg *prometheus.Registry, cfg *Config, logger *slog.Logger) *server {
	s := &server{
		store:          store,
		queries:        queries,
		indexer:        indexer,
		journal:        jrnl,
		gatherer:       reg,
		logger:         logger,
		requestTimeout: cfg.requestTimeout(),
		maxBody:        int64(cfg.Ingest.MaxBodyMB) << 20,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenidx",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tokenidx",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(s.requests, s.duration)
	return s
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/issuers/{issuer}/cft_issuances", s.handleCFTsByIssuer).Methods(http.MethodGet)
	v1.HandleFunc("/issuers/{issuer}/nfts", s.handleIssuerNFTs).Methods(http.MethodGet)
	v1.HandleFunc("/nfts/{nft_id}", s.handleNFTInfo).Methods(http.MethodGet)
	v1.HandleFunc("/ledgers", s.handleIngestLedger).Methods(http.MethodPost)
	v1.HandleFunc("/snapshots/{ledger_index:[0-9]+}", s.handleLoadSnapshot).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type loggerKey struct{}

// instrument assigns a request id, attaches a request-scoped logger and
// records the route metrics.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		logger := s.logger.With("request_id", id, "route", route)
		ctx := context.WithValue(r.Context(), loggerKey{}, logger)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(start)

		s.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.duration.WithLabelValues(route).Observe(elapsed.Seconds())
		logger.Debug("http: request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", elapsed)
	})
}

func (s *server) loggerFor(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return s.logger
}

func (s *server) handleCFTsByIssuer(w http.ResponseWriter, r *http.Request) {
	req, err := issuerRequest(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	resp, err := s.queries.CFTsByIssuer(ctx, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *server) handleIssuerNFTs(w http.ResponseWriter, r *http.Request) {
	req, err := issuerRequest(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	resp, err := s.queries.IssuerNFTs(ctx, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *server) handleNFTInfo(w http.ResponseWriter, r *http.Request) {
	sel, err := ledgerSelector(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	resp, err := s.queries.NFTInfo(ctx, query.NFTInfoRequest{
		NFTokenID:      mux.Vars(r)["nft_id"],
		LedgerSelector: sel,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type ingestLedgerRequest struct {
	Header       ledger.Header             `json:"header"`
	Transactions []*ledger.TransactionDiff `json:"transactions"`
}

type ingestLedgerResponse struct {
	LedgerIndex  ledger.Seq `json:"ledger_index"`
	LedgerHash   string     `json:"ledger_hash"`
	Transactions int        `json:"transactions"`
}

// handleIngestLedger indexes one closed ledger and then journals it.
// Ingestion is not bounded by the request timeout; it runs until the ledger
// is recorded or the client goes away.
func (s *server) handleIngestLedger(w http.ResponseWriter, r *http.Request) {
	var req ingestLedgerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.respondError(w, r, badRequest("malformed ledger: %v", err))
		return
	}
	if err := req.validate(); err != nil {
		s.respondError(w, r, err)
		return
	}

	err := s.indexer.ApplyLedger(r.Context(), req.Header, req.Transactions)
	var xe *extract.Error
	switch {
	case errors.As(err, &xe):
		s.respondError(w, r, badRequest("%v", xe))
		return
	case err != nil:
		s.respondError(w, r, err)
		return
	}
	if s.journal != nil {
		data, err := json.Marshal(&req)
		if err == nil {
			err = s.journal.Append(data)
		}
		if err != nil {
			s.respondError(w, r, fmt.Errorf("journaling ledger %d: %w", req.Header.Seq, err))
			return
		}
	}
	respondJSON(w, http.StatusOK, ingestLedgerResponse{
		LedgerIndex:  req.Header.Seq,
		LedgerHash:   req.Header.Hash.String(),
		Transactions: len(req.Transactions),
	})
}

func (req *ingestLedgerRequest) validate() error {
	if req.Header.Seq == 0 {
		return badRequest("header.ledger_index is required")
	}
	for i, tx := range req.Transactions {
		if tx == nil {
			return badRequest("transactions[%d] is null", i)
		}
		if tx.LedgerSeq != req.Header.Seq {
			return badRequest("transactions[%d] belongs to ledger %d, not %d", i, tx.LedgerSeq, req.Header.Seq)
		}
	}
	return nil
}

// handleLoadSnapshot bulk-loads a state snapshot sent as a stream of JSON
// objects, one ledger.StateObject each.
func (s *server) handleLoadSnapshot(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(mux.Vars(r)["ledger_index"], 10, 32)
	if err != nil || seq == 0 {
		s.respondError(w, r, badRequest("invalid ledger_index"))
		return
	}
	dec := json.NewDecoder(r.Body)
	var decodeErr error
	objects := iter.Seq[ledger.StateObject](func(yield func(ledger.StateObject) bool) {
		for dec.More() {
			var obj ledger.StateObject
			if err := dec.Decode(&obj); err != nil {
				decodeErr = err
				return
			}
			if !yield(obj) {
				return
			}
		}
	})

	counts, err := s.indexer.LoadSnapshot(r.Context(), ledger.Seq(seq), objects)
	var xe *extract.Error
	switch {
	case decodeErr != nil:
		s.respondError(w, r, badRequest("malformed snapshot object: %v", decodeErr))
		return
	case errors.As(err, &xe):
		s.respondError(w, r, badRequest("%v", xe))
		return
	case err != nil:
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ledger_index": seq,
		"mutations":    counts.Mutations,
		"applied":      counts.Applied,
		"stale":        counts.Stale,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	f := s.store.LedgerRange()
	defer f.Release()
	rang, err := f.Wait(ctx)
	if err != nil {
		s.loggerFor(r).Warn("http: health check failed", "err", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	indices := make(map[string]any)
	for _, idx := range s.store.Schema().Indices() {
		f := s.store.Stats(idx)
		st, err := f.Wait(ctx)
		f.Release()
		if err != nil {
			s.loggerFor(r).Warn("http: health check failed", "index", idx.Name(), "err", err)
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
		indices[idx.Name()] = map[string]any{
			"rows":        st.Rows,
			"keys":        st.Keys,
			"size_bytes":  st.TotalSize(),
			"alloc_bytes": st.TotalAlloc(),
		}
	}
	resp := map[string]any{
		"status":   "ok",
		"inflight": s.store.Driver().InFlight(),
		"indices":  indices,
	}
	if !rang.IsEmpty() {
		resp["ledger_range"] = rang.String()
	}
	respondJSON(w, http.StatusOK, resp)
}

func issuerRequest(r *http.Request) (query.IssuerRequest, error) {
	q := r.URL.Query()
	req := query.IssuerRequest{
		Issuer: mux.Vars(r)["issuer"],
		Marker: q.Get("marker"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, badRequest("limit must be an integer")
		}
		req.Limit = &n
	}
	if v := q.Get("include_deleted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, badRequest("include_deleted must be a boolean")
		}
		req.IncludeDeleted = b
	}
	if v := q.Get("nft_taxon"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return req, badRequest("nft_taxon must be a 32-bit unsigned integer")
		}
		taxon := uint32(n)
		req.Taxon = &taxon
	}
	sel, err := ledgerSelector(r)
	if err != nil {
		return req, err
	}
	req.LedgerSelector = sel
	return req, nil
}

func ledgerSelector(r *http.Request) (query.LedgerSelector, error) {
	q := r.URL.Query()
	sel := query.LedgerSelector{LedgerHash: q.Get("ledger_hash")}
	if v := q.Get("ledger_index"); v != "" {
		li, err := query.ParseLedgerIndex(v)
		if err != nil {
			return sel, badRequest("%v", err)
		}
		sel.LedgerIndex = li
	}
	return sel, nil
}

func badRequest(format string, args ...any) *query.RPCError {
	return &query.RPCError{
		Code:       query.CodeInvalidParams,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

func (s *server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	re := query.ToRPCError(err)
	if re.HTTPStatus >= http.StatusInternalServerError {
		s.loggerFor(r).Error("http: request failed", "code", re.Code, "err", err)
	}
	respondJSON(w, re.HTTPStatus, re)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

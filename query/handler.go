package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/andreyvit/tokenidx"
	"github.com/andreyvit/tokenidx/driver"
	"github.com/andreyvit/tokenidx/extract"
	"github.com/andreyvit/tokenidx/ledger"
)

type Handler struct {
	store   *tokenidx.Store
	cfts    *tokenidx.Index
	nfts    *tokenidx.Index
	cfg     Config
	headers *lru.Cache
	logger  *slog.Logger
}

// NewHandler serves queries from the extract.IndexCFTIssuances and
// extract.IndexNFTs indices of store.
func NewHandler(store *tokenidx.Store, cfg Config, logger *slog.Logger) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:   store,
		cfts:    store.Schema().IndexNamed(extract.IndexCFTIssuances),
		nfts:    store.Schema().IndexNamed(extract.IndexNFTs),
		cfg:     cfg,
		headers: must(lru.New(cfg.HeaderCacheSize)),
		logger:  logger,
	}
	if h.cfts == nil || h.nfts == nil {
		return nil, fmt.Errorf("query: store schema lacks %s or %s", extract.IndexCFTIssuances, extract.IndexNFTs)
	}
	return h, nil
}

func (h *Handler) Config() Config {
	return h.cfg
}

func (h *Handler) limit(requested *int) (int, error) {
	if requested == nil {
		return h.cfg.LimitDefault, nil
	}
	if n := *requested; n < h.cfg.LimitMin || n > h.cfg.LimitMax {
		return 0, invalidParams("limit must be between %d and %d, got %d", h.cfg.LimitMin, h.cfg.LimitMax, n)
	}
	return *requested, nil
}

// selectLedger resolves a ledger selector to a written ledger header.
func (h *Handler) selectLedger(ctx context.Context, sel LedgerSelector) (ledger.Header, error) {
	if sel.LedgerHash != "" {
		hash, err := ledger.ParseHash256(sel.LedgerHash)
		if err != nil {
			return ledger.Header{}, invalidParams("malformed ledger_hash")
		}
		if v, ok := h.headers.Get(hash); ok {
			return v.(ledger.Header), nil
		}
		hdr, err := await(ctx, h.store.LedgerByHash(hash))
		if err != nil {
			return ledger.Header{}, err
		}
		h.remember(hdr)
		return hdr, nil
	}

	rang, err := await(ctx, h.store.LedgerRange())
	if err != nil {
		return ledger.Header{}, err
	}
	if rang.IsEmpty() {
		return ledger.Header{}, &tokenidx.NotFoundError{Key: "validated"}
	}
	seq := rang.Max
	if li := sel.LedgerIndex; !li.IsZero() && !li.Validated {
		if li.Seq > rang.Max {
			return ledger.Header{}, &tokenidx.NotFoundError{Key: li.String()}
		}
		seq = li.Seq
	}

	if v, ok := h.headers.Get(seq); ok {
		return v.(ledger.Header), nil
	}
	hdr, err := await(ctx, h.store.LedgerBySeq(seq))
	if err != nil {
		return ledger.Header{}, err
	}
	h.remember(hdr)
	return hdr, nil
}

func (h *Handler) remember(hdr ledger.Header) {
	h.headers.Add(hdr.Seq, hdr)
	h.headers.Add(hdr.Hash, hdr)
}

type issuerPage struct {
	issuer ledger.AccountID
	hdr    ledger.Header
	limit  int
	page   tokenidx.Page
}

func (h *Handler) fetchIssuerPage(ctx context.Context, idx *tokenidx.Index, req *IssuerRequest, group *uint32) (*issuerPage, error) {
	if req.Issuer == "" {
		return nil, invalidParams("missing issuer")
	}
	issuer, err := ledger.ParseAccountID(req.Issuer)
	if err != nil {
		return nil, invalidParams("malformed issuer")
	}
	limit, err := h.limit(req.Limit)
	if err != nil {
		return nil, err
	}
	var cursor *tokenidx.Cursor
	if req.Marker != "" {
		c, err := tokenidx.ParseCursor(req.Marker, idx.Grouped())
		if err != nil {
			return nil, err
		}
		cursor = &c
	}

	hdr, err := h.selectLedger(ctx, req.LedgerSelector)
	if err != nil {
		return nil, err
	}

	f, err := h.store.FetchByIssuer(idx, issuer, tokenidx.FetchOptions{
		Limit:  limit,
		Cursor: cursor,
		AsOf:   hdr.Seq,
		Group:  group,
	})
	if err != nil {
		return nil, err
	}
	page, err := await(ctx, f)
	if err != nil {
		return nil, err
	}
	return &issuerPage{issuer, hdr, limit, page}, nil
}

func (p *issuerPage) marker() string {
	if p.page.Next == nil {
		return ""
	}
	return p.page.Next.Encode()
}

// CFTsByIssuer lists the token issuances created by an issuer. Deleted
// issuances are filtered out of the page after the limit is applied unless
// IncludeDeleted is set, so a page may hold fewer than Limit items while a
// marker is still returned.
func (h *Handler) CFTsByIssuer(ctx context.Context, req IssuerRequest) (*CFTsResponse, error) {
	if req.Taxon != nil {
		return nil, invalidParams("nft_taxon is not applicable to token issuances")
	}
	p, err := h.fetchIssuerPage(ctx, h.cfts, &req, nil)
	if err != nil {
		return nil, err
	}

	resp := &CFTsResponse{
		Issuer:       req.Issuer,
		LedgerHash:   p.hdr.Hash.String(),
		LedgerIndex:  p.hdr.Seq,
		Validated:    true,
		Limit:        p.limit,
		Marker:       p.marker(),
		CFTIssuances: []map[string]any{},
	}
	for _, rec := range p.page.Items {
		if rec.IsDeleted() {
			if req.IncludeDeleted {
				resp.CFTIssuances = append(resp.CFTIssuances, map[string]any{
					"deleted_ledger_index": rec.Seq,
					"CFTokenIssuanceID":    rec.Key.String(),
				})
			}
			continue
		}
		obj, err := ledger.Parse(rec.Blob)
		if err != nil {
			return nil, h.corrupt(h.cfts, rec, err)
		}
		item := obj.JSON()
		delete(item, ledger.FieldLedgerIndex.Name)
		item["ledger_index"] = rec.Seq
		item["CFTokenIssuanceID"] = rec.Key.String()
		resp.CFTIssuances = append(resp.CFTIssuances, item)
	}
	return resp, nil
}

// IssuerNFTs lists the NFTs of an issuer, ordered by taxon and token id.
func (h *Handler) IssuerNFTs(ctx context.Context, req IssuerRequest) (*NFTsResponse, error) {
	p, err := h.fetchIssuerPage(ctx, h.nfts, &req, req.Taxon)
	if err != nil {
		return nil, err
	}

	resp := &NFTsResponse{
		Issuer:      req.Issuer,
		LedgerHash:  p.hdr.Hash.String(),
		LedgerIndex: p.hdr.Seq,
		Validated:   true,
		Limit:       p.limit,
		Marker:      p.marker(),
		NFTs:        []NFT{},
	}
	for _, rec := range p.page.Items {
		if rec.IsDeleted() && !req.IncludeDeleted {
			continue
		}
		nft, err := h.nft(rec)
		if err != nil {
			return nil, err
		}
		resp.NFTs = append(resp.NFTs, nft)
	}
	return resp, nil
}

// NFTInfo describes a single NFT, including a burned one.
func (h *Handler) NFTInfo(ctx context.Context, req NFTInfoRequest) (*NFTInfoResponse, error) {
	if req.NFTokenID == "" {
		return nil, invalidParams("missing nft_id")
	}
	id, err := ledger.ParseHash256(req.NFTokenID)
	if err != nil {
		return nil, invalidParams("malformed nft_id")
	}
	hdr, err := h.selectLedger(ctx, req.LedgerSelector)
	if err != nil {
		return nil, err
	}
	rec, err := await(ctx, h.store.FetchByKey(h.nfts, id, hdr.Seq))
	if err != nil {
		return nil, err
	}
	nft, err := h.nft(rec)
	if err != nil {
		return nil, err
	}
	return &NFTInfoResponse{
		NFT:        nft,
		LedgerHash: hdr.Hash.String(),
		Validated:  true,
	}, nil
}

func (h *Handler) nft(rec tokenidx.IndexRecord) (NFT, error) {
	nft := NFT{
		NFTokenID:   rec.Key.String(),
		LedgerIndex: rec.Seq,
		IsBurned:    rec.IsDeleted(),
		Flags:       ledger.NFTokenFlags(rec.Key),
		TransferFee: ledger.NFTokenTransferFee(rec.Key),
		Issuer:      ledger.NFTokenIssuer(rec.Key).String(),
		Taxon:       ledger.NFTokenTaxon(rec.Key),
		Serial:      ledger.NFTokenSerial(rec.Key),
	}
	if nft.IsBurned {
		return nft, nil
	}
	obj, err := ledger.Parse(rec.Blob)
	if err != nil {
		return NFT{}, h.corrupt(h.nfts, rec, err)
	}
	if owner, ok := obj.Account(ledger.FieldOwner); ok {
		nft.Owner = owner.String()
	}
	if uri, ok := obj.Blob(ledger.FieldURI); ok {
		s := strings.ToUpper(fmt.Sprintf("%x", uri))
		nft.URI = &s
	}
	return nft, nil
}

func (h *Handler) corrupt(idx *tokenidx.Index, rec tokenidx.IndexRecord, err error) error {
	h.logger.Error("query: stored object does not parse", "index", idx.Name(), "key", rec.Key.String(), "seq", rec.Seq, "err", err)
	return &tokenidx.InternalError{Index: idx.Name(), Key: rec.Key.String(), Err: err}
}

// await waits for f and releases it. An abandoned wait leaves the operation
// running; the release only drops our interest in it.
func await[T any](ctx context.Context, f *driver.Future[T]) (T, error) {
	defer f.Release()
	return f.Wait(ctx)
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

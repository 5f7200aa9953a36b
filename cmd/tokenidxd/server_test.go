package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/tokenidx"
	"github.com/andreyvit/tokenidx/extract"
	"github.com/andreyvit/tokenidx/ledger"
	"github.com/andreyvit/tokenidx/query"
)

var (
	alice = ledger.AccountID{0xA1, 0x11}
	bob   = ledger.AccountID{0xB0, 0x22}
)

func newTestServer(t *testing.T) *httptest.Server {
	return startServer(t, "")
}

func startServer(t *testing.T, journalDir string) *httptest.Server {
	cfg := DefaultConfig()
	cfg.Storage = StorageConfig{Engine: tokenidx.EngineMemory}
	cfg.Ingest.JournalDir = journalDir
	require.NoError(t, cfg.validate())

	a, err := build(context.Background(), cfg, prometheus.NewRegistry(), cfg.Log.newLogger(io.Discard))
	require.NoError(t, err)
	ts := httptest.NewServer(a.srv.routes())
	t.Cleanup(func() {
		ts.Close()
		a.Close()
	})
	return ts
}

func nftBlob(issuer, owner ledger.AccountID, taxon uint32) ledger.Blob {
	return ledger.NewObject().
		SetEntryType(ledger.EntryNFToken).
		SetAccount(ledger.FieldIssuer, issuer).
		SetAccount(ledger.FieldOwner, owner).
		SetUint32(ledger.FieldNFTokenTaxon, taxon).
		Encode()
}

func issuanceBlob(issuer ledger.AccountID) ledger.Blob {
	return ledger.NewObject().
		SetEntryType(ledger.EntryCFTokenIssuance).
		SetAccount(ledger.FieldIssuer, issuer).
		Encode()
}

func ledgerBody(t *testing.T, seq ledger.Seq, txs ...*ledger.TransactionDiff) []byte {
	data, err := json.Marshal(ingestLedgerRequest{
		Header:       ledger.Header{Seq: seq, Hash: ledger.Hash256{0xCC, byte(seq)}, CloseTime: time.Unix(1700000000, 0).UTC()},
		Transactions: txs,
	})
	require.NoError(t, err)
	return data
}

func mintTx(seq ledger.Seq, id ledger.TokenKey) *ledger.TransactionDiff {
	return &ledger.TransactionDiff{
		Hash:      ledger.Hash256{0x01, byte(seq)},
		LedgerSeq: seq,
		Type:      ledger.TxNFTokenMint,
		Result:    ledger.TesSuccess,
		Account:   alice,
		Nodes: []ledger.AffectedNode{
			{EntryType: ledger.EntryNFToken, Action: ledger.Created, Key: id, After: nftBlob(alice, bob, ledger.NFTokenTaxon(id))},
		},
	}
}

func issuanceTx(seq ledger.Seq, key ledger.TokenKey) *ledger.TransactionDiff {
	return &ledger.TransactionDiff{
		Hash:      ledger.Hash256{0x02, byte(seq)},
		LedgerSeq: seq,
		Type:      ledger.TxCFTokenIssuanceCreate,
		Result:    ledger.TesSuccess,
		Account:   alice,
		Nodes: []ledger.AffectedNode{
			{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Created, Key: key, After: issuanceBlob(alice)},
		},
	}
}

func do(t *testing.T, method, url string, body []byte) (*http.Response, []byte) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func rpcError(t *testing.T, data []byte) query.RPCError {
	var re query.RPCError
	require.NoError(t, json.Unmarshal(data, &re), "%s", data)
	return re
}

func TestServer_IngestAndQuery(t *testing.T) {
	ts := newTestServer(t)
	id := ledger.MakeNFTokenID(8, 10, alice, 3, 1)
	cft := ledger.Hash256{0xCF, 0x01}

	resp, data := do(t, http.MethodPost, ts.URL+"/v1/ledgers", ledgerBody(t, 5, mintTx(5, id), issuanceTx(5, cft)))
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)
	var ingested ingestLedgerResponse
	require.NoError(t, json.Unmarshal(data, &ingested))
	assert.Equal(t, ledger.Seq(5), ingested.LedgerIndex)
	assert.Equal(t, 2, ingested.Transactions)

	resp, data = do(t, http.MethodGet, ts.URL+"/v1/issuers/"+alice.String()+"/nfts?nft_taxon=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)
	var nfts query.NFTsResponse
	require.NoError(t, json.Unmarshal(data, &nfts))
	require.Len(t, nfts.NFTs, 1)
	assert.Equal(t, id.String(), nfts.NFTs[0].NFTokenID)
	assert.Equal(t, bob.String(), nfts.NFTs[0].Owner)
	assert.Equal(t, ledger.Seq(5), nfts.LedgerIndex)

	resp, data = do(t, http.MethodGet, ts.URL+"/v1/issuers/"+alice.String()+"/cft_issuances?ledger_index=validated", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)
	var cfts query.CFTsResponse
	require.NoError(t, json.Unmarshal(data, &cfts))
	require.Len(t, cfts.CFTIssuances, 1)
	assert.Equal(t, cft.String(), cfts.CFTIssuances[0]["CFTokenIssuanceID"])

	resp, data = do(t, http.MethodGet, ts.URL+"/v1/nfts/"+id.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)
	var info query.NFTInfoResponse
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, uint32(1), info.Serial)
	assert.Equal(t, uint16(10), info.TransferFee)
	assert.False(t, info.IsBurned)
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t)
	resp, data := do(t, http.MethodPost, ts.URL+"/v1/ledgers", ledgerBody(t, 5))
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)
	issuerURL := ts.URL + "/v1/issuers/" + alice.String()

	tests := []struct {
		name   string
		method string
		url    string
		body   []byte
		status int
		code   string
	}{
		{"limit zero", http.MethodGet, issuerURL + "/cft_issuances?limit=0", nil, 400, query.CodeInvalidParams},
		{"limit not a number", http.MethodGet, issuerURL + "/cft_issuances?limit=ten", nil, 400, query.CodeInvalidParams},
		{"bad taxon", http.MethodGet, issuerURL + "/nfts?nft_taxon=-1", nil, 400, query.CodeInvalidParams},
		{"bad include_deleted", http.MethodGet, issuerURL + "/nfts?include_deleted=maybe", nil, 400, query.CodeInvalidParams},
		{"bad ledger_index", http.MethodGet, issuerURL + "/nfts?ledger_index=current", nil, 400, query.CodeInvalidParams},
		{"bad issuer", http.MethodGet, ts.URL + "/v1/issuers/nobody/nfts", nil, 400, query.CodeInvalidParams},
		{"future ledger", http.MethodGet, issuerURL + "/nfts?ledger_index=6", nil, 404, query.CodeLedgerNotFound},
		{"unknown nft", http.MethodGet, ts.URL + "/v1/nfts/" + strings.Repeat("AB", 32), nil, 404, query.CodeObjectNotFound},
		{"malformed nft id", http.MethodGet, ts.URL + "/v1/nfts/ABC", nil, 400, query.CodeInvalidParams},
		{"ledger without seq", http.MethodPost, ts.URL + "/v1/ledgers", []byte(`{"header":{}}`), 400, query.CodeInvalidParams},
		{"ledger unknown field", http.MethodPost, ts.URL + "/v1/ledgers", []byte(`{"hdr":{}}`), 400, query.CodeInvalidParams},
		{"foreign transaction", http.MethodPost, ts.URL + "/v1/ledgers", ledgerBody(t, 7, mintTx(6, ledger.MakeNFTokenID(0, 0, alice, 1, 1))), 400, query.CodeInvalidParams},
		{"null transaction", http.MethodPost, ts.URL + "/v1/ledgers", []byte(`{"header":{"ledger_index":7},"transactions":[null]}`), 400, query.CodeInvalidParams},
		{"malformed snapshot", http.MethodPost, ts.URL + "/v1/snapshots/7", []byte(`{"key": 12}`), 400, query.CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, tt.method, tt.url, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, "%s", data)
			assert.Equal(t, tt.code, rpcError(t, data).Code)
		})
	}
}

func TestServer_Snapshot(t *testing.T) {
	ts := newTestServer(t)
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for serial := uint32(1); serial <= 3; serial++ {
		id := ledger.MakeNFTokenID(0, 0, alice, 9, serial)
		require.NoError(t, enc.Encode(ledger.StateObject{Key: id, Blob: nftBlob(alice, bob, 9)}))
	}
	require.NoError(t, enc.Encode(ledger.StateObject{Key: ledger.Hash256{0x77}, Blob: ledger.NewObject().SetEntryType(ledger.EntryAccountRoot).Encode()}))

	resp, data := do(t, http.MethodPost, ts.URL+"/v1/snapshots/40", body.Bytes())
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(data, &counts))
	assert.Equal(t, 3, counts["mutations"])
	assert.Equal(t, 3, counts["applied"])

	resp, data = do(t, http.MethodPost, ts.URL+"/v1/ledgers", ledgerBody(t, 40))
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)
	resp, data = do(t, http.MethodGet, ts.URL+"/v1/issuers/"+alice.String()+"/nfts?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)
	var nfts query.NFTsResponse
	require.NoError(t, json.Unmarshal(data, &nfts))
	assert.Len(t, nfts.NFTs, 2)
	assert.Len(t, nfts.Marker, 72)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, data := do(t, http.MethodGet, ts.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health["status"])
	assert.NotContains(t, health, "ledger_range")

	do(t, http.MethodPost, ts.URL+"/v1/ledgers", ledgerBody(t, 3))
	do(t, http.MethodPost, ts.URL+"/v1/ledgers", ledgerBody(t, 4, mintTx(4, ledger.MakeNFTokenID(0, 0, alice, 1, 1))))
	_, data = do(t, http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "3-4", health["ledger_range"])
	indices := health["indices"].(map[string]any)
	require.Contains(t, indices, extract.IndexNFTs)
	require.Contains(t, indices, extract.IndexCFTIssuances)
	nfts := indices[extract.IndexNFTs].(map[string]any)
	assert.Greater(t, nfts["rows"].(float64), 0.0)
	assert.Greater(t, nfts["size_bytes"].(float64), 0.0)

	resp, data = do(t, http.MethodGet, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "tokenidx_driver_completed_operations_total")
	assert.Contains(t, string(data), `tokenidx_http_requests_total{route="/v1/ledgers",status="200"} 2`)
}

func TestServer_RequestID(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := do(t, http.MethodGet, ts.URL+"/health", nil)
	_, err := uuid.Parse(resp.Header.Get(requestIDHeader))
	assert.NoError(t, err)

	id := uuid.NewString()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, id)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, id, resp.Header.Get(requestIDHeader))

	req.Header.Set(requestIDHeader, "not a uuid")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, "not a uuid", resp.Header.Get(requestIDHeader))
}

func TestServer_JournalReplay(t *testing.T) {
	dir := t.TempDir()
	id := ledger.MakeNFTokenID(0, 0, alice, 4, 1)

	ts := startServer(t, dir)
	resp, data := do(t, http.MethodPost, ts.URL+"/v1/ledgers", ledgerBody(t, 8, mintTx(8, id)))
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)
	resp, data = do(t, http.MethodPost, ts.URL+"/v1/ledgers", ledgerBody(t, 9))
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)

	// rejected ledgers are not journaled
	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/ledgers", ledgerBody(t, 10, mintTx(3, id)))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// a fresh memory store rebuilt from the same journal
	ts2 := startServer(t, dir)
	resp, data = do(t, http.MethodGet, ts2.URL+"/v1/nfts/"+id.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s", data)
	var info query.NFTInfoResponse
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, ledger.Seq(8), info.LedgerIndex)
	assert.Equal(t, ledger.Hash256{0xCC, 9}.String(), info.LedgerHash)
}

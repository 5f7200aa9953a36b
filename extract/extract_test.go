package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/tokenidx/ledger"
)

var (
	alice = ledger.AccountID{0xA1}
	bob   = ledger.AccountID{0xB0}
)

func key(b byte) ledger.TokenKey {
	var k ledger.TokenKey
	k[31] = b
	return k
}

func issuanceBlob(issuer ledger.AccountID) ledger.Blob {
	return ledger.NewObject().
		SetEntryType(ledger.EntryCFTokenIssuance).
		SetAccount(ledger.FieldIssuer, issuer).
		SetUint64(ledger.FieldMaximumAmount, 1000).
		Encode()
}

func nftBlob(issuer ledger.AccountID, taxon uint32, uri string) ledger.Blob {
	return ledger.NewObject().
		SetEntryType(ledger.EntryNFToken).
		SetAccount(ledger.FieldIssuer, issuer).
		SetUint32(ledger.FieldNFTokenTaxon, taxon).
		SetBlob(ledger.FieldURI, []byte(uri)).
		Encode()
}

func issuanceTx(nodes ...ledger.AffectedNode) *ledger.TransactionDiff {
	return &ledger.TransactionDiff{
		Hash:      ledger.Hash256{0x77},
		LedgerSeq: 100,
		Type:      ledger.TxCFTokenIssuanceCreate,
		Result:    ledger.TesSuccess,
		Account:   alice,
		Nodes:     nodes,
	}
}

func TestFromTransaction_IssuanceCreated(t *testing.T) {
	blob := issuanceBlob(alice)
	diff := issuanceTx(
		ledger.AffectedNode{EntryType: ledger.EntryAccountRoot, Action: ledger.Modified, Key: key(9), After: ledger.Blob{0x11, 0x00, 0x61}},
		ledger.AffectedNode{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Created, Key: key(1), After: blob},
	)

	muts, err := Default().FromTransaction(diff)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, IssuanceCreated{
		Index:  IndexCFTIssuances,
		Key:    key(1),
		Issuer: alice,
		Seq:    100,
		Blob:   blob,
	}, muts[0])
}

func TestFromTransaction_IssuanceUsesSignerAndFirstMatch(t *testing.T) {
	diff := issuanceTx(
		ledger.AffectedNode{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Modified, Key: key(5), After: issuanceBlob(bob)},
		ledger.AffectedNode{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Created, Key: key(2), After: issuanceBlob(bob)},
		ledger.AffectedNode{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Created, Key: key(3), After: issuanceBlob(bob)},
	)
	muts, err := Default().FromTransaction(diff)
	require.NoError(t, err)
	require.Len(t, muts, 2)
	assert.Equal(t, key(5), muts[0].(ObjectUpserted).Key)
	m := muts[1].(IssuanceCreated)
	assert.Equal(t, key(2), m.Key)
	assert.Equal(t, alice, m.Issuer, "issuer is the signing account")
}

func TestFromTransaction_IssuanceSetAndDestroy(t *testing.T) {
	locked := ledger.NewObject().
		SetEntryType(ledger.EntryCFTokenIssuance).
		SetAccount(ledger.FieldIssuer, alice).
		SetUint64(ledger.FieldMaximumAmount, 1000).
		SetUint32(ledger.FieldFlags, 1).
		Encode()

	set := issuanceTx(ledger.AffectedNode{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Modified, Key: key(1), Before: issuanceBlob(alice), After: locked})
	set.Type = ledger.TxCFTokenIssuanceSet
	set.LedgerSeq = 101
	muts, err := Default().FromTransaction(set)
	require.NoError(t, err)
	assert.Equal(t, []Mutation{ObjectUpserted{Index: IndexCFTIssuances, Key: key(1), Issuer: alice, Seq: 101, Blob: locked}}, muts)

	destroy := issuanceTx(ledger.AffectedNode{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Deleted, Key: key(1), Before: locked})
	destroy.Type = ledger.TxCFTokenIssuanceDestroy
	destroy.LedgerSeq = 102
	muts, err = Default().FromTransaction(destroy)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	gone := muts[0].(ObjectUpserted)
	assert.Equal(t, key(1), gone.Key)
	assert.Equal(t, alice, gone.Issuer)
	assert.Equal(t, ledger.Seq(102), gone.Seq)
	assert.True(t, gone.Blob.IsTombstone())
}

func TestFromTransaction_NodeWithoutFinalState(t *testing.T) {
	nft := &ledger.TransactionDiff{
		Type: ledger.TxNFTokenModify,
		Nodes: []ledger.AffectedNode{
			{EntryType: ledger.EntryNFToken, Action: ledger.Modified, Key: key(1), Before: nftBlob(alice, 1, "a")},
		},
	}
	_, err := Default().FromTransaction(nft)
	assert.ErrorIs(t, err, errNoAfter)

	nft.Nodes[0].Action = ledger.Created
	_, err = Default().FromTransaction(nft)
	assert.ErrorIs(t, err, errNoAfter)

	set := issuanceTx(ledger.AffectedNode{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Modified, Key: key(1), Before: issuanceBlob(alice)})
	set.Type = ledger.TxCFTokenIssuanceSet
	_, err = Default().FromTransaction(set)
	var xe *Error
	require.ErrorAs(t, err, &xe)
	assert.ErrorIs(t, err, errNoAfter)
	assert.Equal(t, key(1), xe.Key)
}

func TestFromTransaction_NoMatchingNode(t *testing.T) {
	diff := issuanceTx(ledger.AffectedNode{EntryType: ledger.EntryAccountRoot, Action: ledger.Created, Key: key(1), After: ledger.Blob{0x11, 0x00, 0x61}})
	muts, err := Default().FromTransaction(diff)
	require.NoError(t, err)
	assert.Empty(t, muts)
}

func TestFromTransaction_Gating(t *testing.T) {
	node := ledger.AffectedNode{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Created, Key: key(1), After: issuanceBlob(alice)}

	failed := issuanceTx(node)
	failed.Result = ledger.TecInsufficientReserve
	muts, err := Default().FromTransaction(failed)
	require.NoError(t, err)
	assert.Empty(t, muts)

	wrongType := issuanceTx(node)
	wrongType.Type = ledger.TxCFTokenAuthorize
	muts, err = Default().FromTransaction(wrongType)
	require.NoError(t, err)
	assert.Empty(t, muts)

	// the type gate precedes node scanning, so even a malformed node is ignored
	broken := issuanceTx(ledger.AffectedNode{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Created, Key: key(1), After: ledger.Blob{0xFF}})
	broken.Type = ledger.TxPayment
	muts, err = Default().FromTransaction(broken)
	require.NoError(t, err)
	assert.Empty(t, muts)
}

func TestFromTransaction_Objects(t *testing.T) {
	before := nftBlob(bob, 3, "old")
	after := nftBlob(bob, 3, "new")
	diff := &ledger.TransactionDiff{
		Hash:      ledger.Hash256{0x01},
		LedgerSeq: 200,
		Type:      ledger.TxNFTokenModify,
		Result:    ledger.TesSuccess,
		Account:   alice,
		Nodes: []ledger.AffectedNode{
			{EntryType: ledger.EntryNFToken, Action: ledger.Modified, Key: key(7), Before: before, After: after},
			{EntryType: ledger.EntryAccountRoot, Action: ledger.Modified, Key: key(8), After: ledger.Blob{0x11, 0x00, 0x61}},
			{EntryType: ledger.EntryNFToken, Action: ledger.Deleted, Key: key(4), Before: nftBlob(alice, 9, "gone")},
			{EntryType: ledger.EntryNFToken, Action: ledger.Created, Key: key(6), After: nftBlob(alice, 1, "fresh")},
		},
	}
	muts, err := Default().FromTransaction(diff)
	require.NoError(t, err)
	require.Len(t, muts, 3)

	assert.Equal(t, ObjectUpserted{Index: IndexNFTs, Key: key(7), Issuer: bob, Group: 3, Seq: 200, Blob: after}, muts[0])

	burned := muts[1].(ObjectUpserted)
	assert.Equal(t, key(4), burned.Key)
	assert.Equal(t, alice, burned.Issuer)
	assert.EqualValues(t, 9, burned.Group)
	assert.True(t, burned.Blob.IsTombstone())

	assert.Equal(t, key(6), muts[2].TokenKey())
	assert.Equal(t, IndexNFTs, muts[2].IndexName())
}

func TestFromTransaction_Idempotent(t *testing.T) {
	diff := &ledger.TransactionDiff{
		LedgerSeq: 5,
		Type:      ledger.TxNFTokenMint,
		Nodes: []ledger.AffectedNode{
			{EntryType: ledger.EntryNFToken, Action: ledger.Created, Key: key(2), After: nftBlob(alice, 1, "a")},
			{EntryType: ledger.EntryNFToken, Action: ledger.Created, Key: key(1), After: nftBlob(alice, 1, "b")},
		},
	}
	x := Default()
	first, err := x.FromTransaction(diff)
	require.NoError(t, err)
	second, err := x.FromTransaction(diff)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 2)
}

func TestFromTransaction_Errors(t *testing.T) {
	diff := issuanceTx(ledger.AffectedNode{EntryType: ledger.EntryCFTokenIssuance, Action: ledger.Created, Key: key(1), After: ledger.Blob{0x11}})
	_, err := Default().FromTransaction(diff)
	var xe *Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, 0, xe.Node)
	assert.Equal(t, key(1), xe.Key)
	var fe *ledger.FormatError
	assert.True(t, errors.As(err, &fe))

	noIssuer := &ledger.TransactionDiff{
		Type: ledger.TxNFTokenMint,
		Nodes: []ledger.AffectedNode{
			{EntryType: ledger.EntryNFToken, Action: ledger.Created, Key: key(1), After: ledger.NewObject().SetEntryType(ledger.EntryNFToken).SetUint32(ledger.FieldNFTokenTaxon, 1).Encode()},
		},
	}
	_, err = Default().FromTransaction(noIssuer)
	assert.ErrorContains(t, err, "missing Issuer")

	noState := &ledger.TransactionDiff{
		Type:  ledger.TxNFTokenBurn,
		Nodes: []ledger.AffectedNode{{EntryType: ledger.EntryNFToken, Action: ledger.Deleted, Key: key(1)}},
	}
	_, err = Default().FromTransaction(noState)
	assert.ErrorIs(t, err, errNoState)
}

func TestFromSnapshot(t *testing.T) {
	x := Default()

	m, err := x.FromSnapshot(50, key(1), issuanceBlob(bob))
	require.NoError(t, err)
	assert.Equal(t, IssuanceCreated{Index: IndexCFTIssuances, Key: key(1), Issuer: bob, Seq: 50, Blob: issuanceBlob(bob)}, m)

	blob := nftBlob(alice, 12, "x")
	m, err = x.FromSnapshot(50, key(2), blob)
	require.NoError(t, err)
	assert.Equal(t, ObjectUpserted{Index: IndexNFTs, Key: key(2), Issuer: alice, Group: 12, Seq: 50, Blob: blob}, m)

	m, err = x.FromSnapshot(50, key(3), ledger.NewObject().SetEntryType(ledger.EntryAccountRoot).Encode())
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = x.FromSnapshot(50, key(4), nil)
	require.NoError(t, err)
	assert.Nil(t, m, "snapshots never produce tombstones")

	_, err = x.FromSnapshot(50, key(5), ledger.Blob{0x22, 0x00})
	var xe *Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, -1, xe.Node)
}

func TestFromSnapshot_MatchesTransactionShape(t *testing.T) {
	blob := nftBlob(alice, 4, "same")
	x := Default()
	fromTx, err := x.FromTransaction(&ledger.TransactionDiff{
		LedgerSeq: 9,
		Type:      ledger.TxNFTokenMint,
		Nodes:     []ledger.AffectedNode{{EntryType: ledger.EntryNFToken, Action: ledger.Created, Key: key(1), After: blob}},
	})
	require.NoError(t, err)
	fromSnap, err := x.FromSnapshot(9, key(1), blob)
	require.NoError(t, err)
	assert.Equal(t, fromTx[0], fromSnap)
}

func TestNew_RejectsBadRules(t *testing.T) {
	assert.Panics(t, func() { New(CFTIssuances, CFTIssuances) })
	assert.Panics(t, func() { New(Rule{Index: "x", Kind: KindObject, GroupField: ledger.FieldURI}) })
	assert.Panics(t, func() { New(Rule{Index: "x"}) })
}

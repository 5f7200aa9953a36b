// Package extract derives secondary index mutations from ledger data:
// transaction metadata diffs during ingestion, and raw ledger objects during
// bulk loads. Extraction is a pure function of its input.
package extract

import (
	"errors"
	"fmt"
	"slices"

	"github.com/andreyvit/tokenidx/ledger"
)

const (
	IndexCFTIssuances = "cft_issuances"
	IndexNFTs         = "nfts"
)

type Kind int

const (
	// KindIssuance rules index the object created by an issuance-creating
	// transaction, attributed to the transaction's signer. Later
	// modifications refresh the indexed state and deletion tombstones it.
	KindIssuance Kind = iota + 1

	// KindObject rules index every matching object a transaction touches.
	KindObject
)

// Rule ties one index to the ledger entries that feed it.
type Rule struct {
	Index     string
	Kind      Kind
	EntryType ledger.EntryType
	TxTypes   []ledger.TxType

	// GroupField, if set, is a UInt32 field holding the secondary grouping
	// attribute of the index.
	GroupField *ledger.Field
}

var (
	CFTIssuances = Rule{
		Index:     IndexCFTIssuances,
		Kind:      KindIssuance,
		EntryType: ledger.EntryCFTokenIssuance,
		TxTypes: []ledger.TxType{
			ledger.TxCFTokenIssuanceCreate,
			ledger.TxCFTokenIssuanceSet,
			ledger.TxCFTokenIssuanceDestroy,
		},
	}

	NFTs = Rule{
		Index:     IndexNFTs,
		Kind:      KindObject,
		EntryType: ledger.EntryNFToken,
		TxTypes: []ledger.TxType{
			ledger.TxNFTokenMint,
			ledger.TxNFTokenBurn,
			ledger.TxNFTokenAcceptOffer,
			ledger.TxNFTokenModify,
		},
		GroupField: ledger.FieldNFTokenTaxon,
	}
)

// Mutation is either IssuanceCreated or ObjectUpserted.
type Mutation interface {
	IndexName() string
	TokenKey() ledger.TokenKey
	isMutation()
}

type IssuanceCreated struct {
	Index  string
	Key    ledger.TokenKey
	Issuer ledger.AccountID
	Seq    ledger.Seq
	Blob   ledger.Blob
}

func (m IssuanceCreated) IndexName() string         { return m.Index }
func (m IssuanceCreated) TokenKey() ledger.TokenKey { return m.Key }
func (IssuanceCreated) isMutation()                 {}

// ObjectUpserted records the state of an object as of Seq; an empty Blob is
// a tombstone.
type ObjectUpserted struct {
	Index  string
	Key    ledger.TokenKey
	Issuer ledger.AccountID
	Group  uint32
	Seq    ledger.Seq
	Blob   ledger.Blob
}

func (m ObjectUpserted) IndexName() string         { return m.Index }
func (m ObjectUpserted) TokenKey() ledger.TokenKey { return m.Key }
func (ObjectUpserted) isMutation()                 {}

// Error aborts extraction of one transaction (or one snapshot object, with
// Node == -1).
type Error struct {
	TxHash ledger.Hash256
	Node   int
	Key    ledger.TokenKey
	Err    error
}

func (e *Error) Error() string {
	if e.Node < 0 {
		return fmt.Sprintf("extract: object %v: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("extract: tx %v node %d (%v): %v", e.TxHash, e.Node, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	errNoState     = errors.New("no object state")
	errEmptyCreate = errors.New("created node without fields")
	errNoAfter     = errors.New("node without final state")
)

type Extractor struct {
	rules []Rule
}

func New(rules ...Rule) *Extractor {
	seen := make(map[string]bool)
	for _, r := range rules {
		if r.Index == "" {
			panic("extract: rule without index name")
		}
		if seen[r.Index] {
			panic(fmt.Errorf("extract: duplicate rule for index %s", r.Index))
		}
		seen[r.Index] = true
		if r.Kind != KindIssuance && r.Kind != KindObject {
			panic(fmt.Errorf("extract: rule %s has invalid kind %d", r.Index, r.Kind))
		}
		if r.GroupField != nil && r.GroupField.ID.Type() != ledger.TypeUInt32 {
			panic(fmt.Errorf("extract: rule %s groups by non-UInt32 field %s", r.Index, r.GroupField.Name))
		}
	}
	return &Extractor{rules: slices.Clone(rules)}
}

// Default extracts the CFT issuance and NFT indices.
func Default() *Extractor {
	return New(CFTIssuances, NFTs)
}

func (x *Extractor) Rules() []Rule {
	return slices.Clone(x.rules)
}

// FromTransaction returns the mutations of a validated transaction, grouped
// by rule and in node order within a rule. Unsuccessful transactions, and
// transactions of a type no rule listens to, produce nothing.
func (x *Extractor) FromTransaction(diff *ledger.TransactionDiff) ([]Mutation, error) {
	if !diff.Result.IsSuccess() {
		return nil, nil
	}
	var muts []Mutation
	for i := range x.rules {
		r := &x.rules[i]
		if !slices.Contains(r.TxTypes, diff.Type) {
			continue
		}
		var err error
		switch r.Kind {
		case KindIssuance:
			muts, err = r.issuanceFromTx(muts, diff)
		case KindObject:
			muts, err = r.objectsFromTx(muts, diff)
		}
		if err != nil {
			return nil, err
		}
	}
	return muts, nil
}

func (r *Rule) issuanceFromTx(muts []Mutation, diff *ledger.TransactionDiff) ([]Mutation, error) {
	var created bool
	for i := range diff.Nodes {
		node := &diff.Nodes[i]
		if node.EntryType != r.EntryType {
			continue
		}
		switch node.Action {
		case ledger.Created:
			if created {
				continue
			}
			if node.After.IsTombstone() {
				return nil, &Error{diff.Hash, i, node.Key, errEmptyCreate}
			}
			if _, err := ledger.Parse(node.After); err != nil {
				return nil, &Error{diff.Hash, i, node.Key, err}
			}
			created = true
			muts = append(muts, IssuanceCreated{
				Index:  r.Index,
				Key:    node.Key,
				Issuer: diff.Account,
				Seq:    diff.LedgerSeq,
				Blob:   node.After,
			})
		case ledger.Modified:
			if node.After.IsTombstone() {
				return nil, &Error{diff.Hash, i, node.Key, errNoAfter}
			}
			if _, err := ledger.Parse(node.After); err != nil {
				return nil, &Error{diff.Hash, i, node.Key, err}
			}
			muts = append(muts, ObjectUpserted{
				Index:  r.Index,
				Key:    node.Key,
				Issuer: diff.Account,
				Seq:    diff.LedgerSeq,
				Blob:   node.After,
			})
		case ledger.Deleted:
			muts = append(muts, ObjectUpserted{
				Index:  r.Index,
				Key:    node.Key,
				Issuer: diff.Account,
				Seq:    diff.LedgerSeq,
			})
		}
	}
	return muts, nil
}

func (r *Rule) objectsFromTx(muts []Mutation, diff *ledger.TransactionDiff) ([]Mutation, error) {
	for i := range diff.Nodes {
		node := &diff.Nodes[i]
		if node.EntryType != r.EntryType {
			continue
		}
		if node.Action != ledger.Deleted && node.After.IsTombstone() {
			return nil, &Error{diff.Hash, i, node.Key, errNoAfter}
		}
		state := node.State()
		if state.IsTombstone() {
			return nil, &Error{diff.Hash, i, node.Key, errNoState}
		}
		issuer, group, err := r.attributes(state)
		if err != nil {
			return nil, &Error{diff.Hash, i, node.Key, err}
		}
		var blob ledger.Blob
		if node.Action != ledger.Deleted {
			blob = node.After
		}
		muts = append(muts, ObjectUpserted{
			Index:  r.Index,
			Key:    node.Key,
			Issuer: issuer,
			Group:  group,
			Seq:    diff.LedgerSeq,
			Blob:   blob,
		})
	}
	return muts, nil
}

// FromSnapshot returns the mutation for one object of a ledger state
// snapshot, or nil if no rule indexes it. An empty blob is a no-op.
func (x *Extractor) FromSnapshot(seq ledger.Seq, key ledger.TokenKey, blob ledger.Blob) (Mutation, error) {
	if blob.IsTombstone() {
		return nil, nil
	}
	et, err := ledger.ParseEntryType(blob)
	if err != nil {
		return nil, &Error{Node: -1, Key: key, Err: err}
	}
	for i := range x.rules {
		r := &x.rules[i]
		if r.EntryType != et {
			continue
		}
		issuer, group, err := r.attributes(blob)
		if err != nil {
			return nil, &Error{Node: -1, Key: key, Err: err}
		}
		if r.Kind == KindIssuance {
			return IssuanceCreated{Index: r.Index, Key: key, Issuer: issuer, Seq: seq, Blob: blob}, nil
		}
		return ObjectUpserted{Index: r.Index, Key: key, Issuer: issuer, Group: group, Seq: seq, Blob: blob}, nil
	}
	return nil, nil
}

func (r *Rule) attributes(blob ledger.Blob) (ledger.AccountID, uint32, error) {
	obj, err := ledger.Parse(blob)
	if err != nil {
		return ledger.AccountID{}, 0, err
	}
	if et, ok := obj.EntryType(); ok && et != r.EntryType {
		return ledger.AccountID{}, 0, fmt.Errorf("object is %v, expected %v", et, r.EntryType)
	}
	issuer, ok := obj.Account(ledger.FieldIssuer)
	if !ok {
		return ledger.AccountID{}, 0, fmt.Errorf("missing %s", ledger.FieldIssuer.Name)
	}
	var group uint32
	if r.GroupField != nil {
		group, ok = obj.Uint32(r.GroupField)
		if !ok {
			return ledger.AccountID{}, 0, fmt.Errorf("missing %s", r.GroupField.Name)
		}
	}
	return issuer, group, nil
}

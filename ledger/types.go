// Package ledger holds the ledger-side data model consumed by the indexer:
// account ids, 256-bit keys, sequences, transaction diffs, and a codec for the
// ledger's field-coded object serialization.
package ledger

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Seq identifies a ledger snapshot.
type Seq uint32

// Hash256 is a 256-bit identifier. Ordering is unsigned big-endian.
type Hash256 [32]byte

// TokenKey identifies a token issuance or a token object.
type TokenKey = Hash256

func (h Hash256) Compare(another Hash256) int {
	return bytes.Compare(h[:], another[:])
}

func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

func (h Hash256) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

func (h Hash256) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash256) UnmarshalText(text []byte) error {
	v, err := ParseHash256(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ParseHash256 accepts exactly 64 hex digits in either case.
func ParseHash256(s string) (Hash256, error) {
	var h Hash256
	if len(s) != 2*len(h) {
		return h, fmt.Errorf("invalid hash256 %q: wanted %d hex digits, got %d", s, 2*len(h), len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash256 %q: %w", s, err)
	}
	return h, nil
}

func Hash256FromBytes(b []byte) (Hash256, bool) {
	var h Hash256
	if len(b) != len(h) {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// EntryType is the 16-bit ledger entry type tag.
type EntryType uint16

const (
	EntryNFTokenOffer    EntryType = 0x0037
	EntryNFToken         EntryType = 0x0050
	EntryAccountRoot     EntryType = 0x0061
	EntryCFTokenIssuance EntryType = 0x007E
	EntryCFToken         EntryType = 0x007F
)

var entryTypeNames = map[EntryType]string{
	EntryNFTokenOffer:    "NFTokenOffer",
	EntryNFToken:         "NFToken",
	EntryAccountRoot:     "AccountRoot",
	EntryCFTokenIssuance: "CFTokenIssuance",
	EntryCFToken:         "CFToken",
}

func (et EntryType) String() string {
	if s, ok := entryTypeNames[et]; ok {
		return s
	}
	return fmt.Sprintf("EntryType(0x%04x)", uint16(et))
}

// TxType is the declared transaction type.
type TxType uint16

const (
	TxPayment                TxType = 0
	TxNFTokenMint            TxType = 25
	TxNFTokenBurn            TxType = 26
	TxNFTokenCreateOffer     TxType = 27
	TxNFTokenCancelOffer     TxType = 28
	TxNFTokenAcceptOffer     TxType = 29
	TxCFTokenIssuanceCreate  TxType = 54
	TxCFTokenIssuanceDestroy TxType = 55
	TxCFTokenIssuanceSet     TxType = 56
	TxCFTokenAuthorize       TxType = 57
	TxNFTokenModify          TxType = 61
)

var txTypeNames = map[TxType]string{
	TxPayment:                "Payment",
	TxNFTokenMint:            "NFTokenMint",
	TxNFTokenBurn:            "NFTokenBurn",
	TxNFTokenCreateOffer:     "NFTokenCreateOffer",
	TxNFTokenCancelOffer:     "NFTokenCancelOffer",
	TxNFTokenAcceptOffer:     "NFTokenAcceptOffer",
	TxCFTokenIssuanceCreate:  "CFTokenIssuanceCreate",
	TxCFTokenIssuanceDestroy: "CFTokenIssuanceDestroy",
	TxCFTokenIssuanceSet:     "CFTokenIssuanceSet",
	TxCFTokenAuthorize:       "CFTokenAuthorize",
	TxNFTokenModify:          "NFTokenModify",
}

func (tt TxType) String() string {
	if s, ok := txTypeNames[tt]; ok {
		return s
	}
	return fmt.Sprintf("TxType(%d)", uint16(tt))
}

// Result is a transaction engine result code.
type Result int32

const (
	TesSuccess             Result = 0
	TecNoPermission        Result = 139
	TecInsufficientReserve Result = 141
	TecObjectNotFound      Result = 160
)

func (r Result) IsSuccess() bool {
	return r == TesSuccess
}

func (r Result) String() string {
	switch r {
	case TesSuccess:
		return "tesSUCCESS"
	case TecNoPermission:
		return "tecNO_PERMISSION"
	case TecInsufficientReserve:
		return "tecINSUFFICIENT_RESERVE"
	case TecObjectNotFound:
		return "tecOBJECT_NOT_FOUND"
	default:
		return fmt.Sprintf("ter(%d)", int32(r))
	}
}

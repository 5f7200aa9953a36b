// Package query answers paginated token queries against a tokenidx.Store:
// the issuances of an issuer, the NFTs of an issuer, and single NFT lookups.
package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/andreyvit/tokenidx/ledger"
)

type Config struct {
	LimitMin     int `yaml:"limit_min"`
	LimitMax     int `yaml:"limit_max"`
	LimitDefault int `yaml:"limit_default"`

	// HeaderCacheSize is the number of ledger headers kept in memory.
	HeaderCacheSize int `yaml:"header_cache_size"`
}

func DefaultConfig() Config {
	return Config{
		LimitMin:        1,
		LimitMax:        100,
		LimitDefault:    50,
		HeaderCacheSize: 1024,
	}
}

// Validate checks that the limits form a non-empty range containing the
// default.
func (c Config) Validate() error {
	if c.LimitMin < 1 || c.LimitMax < c.LimitMin {
		return fmt.Errorf("query: invalid limit range [%d, %d]", c.LimitMin, c.LimitMax)
	}
	if c.LimitDefault < c.LimitMin || c.LimitDefault > c.LimitMax {
		return fmt.Errorf("query: default limit %d outside [%d, %d]", c.LimitDefault, c.LimitMin, c.LimitMax)
	}
	if c.HeaderCacheSize < 1 {
		return fmt.Errorf("query: invalid header cache size %d", c.HeaderCacheSize)
	}
	return nil
}

// LedgerIndex selects a ledger by sequence, or the latest validated one.
// The zero value selects nothing.
type LedgerIndex struct {
	Seq       ledger.Seq
	Validated bool
}

func (li LedgerIndex) IsZero() bool {
	return li.Seq == 0 && !li.Validated
}

func (li LedgerIndex) String() string {
	switch {
	case li.Validated:
		return "validated"
	case li.Seq == 0:
		return ""
	default:
		return strconv.FormatUint(uint64(li.Seq), 10)
	}
}

// ParseLedgerIndex accepts a decimal sequence or "validated".
func ParseLedgerIndex(s string) (LedgerIndex, error) {
	if s == "validated" {
		return LedgerIndex{Validated: true}, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return LedgerIndex{}, fmt.Errorf("invalid ledger_index %q", s)
	}
	return LedgerIndex{Seq: ledger.Seq(n)}, nil
}

func (li LedgerIndex) MarshalJSON() ([]byte, error) {
	switch {
	case li.Validated:
		return []byte(`"validated"`), nil
	case li.Seq == 0:
		return []byte("null"), nil
	default:
		return strconv.AppendUint(nil, uint64(li.Seq), 10), nil
	}
}

// UnmarshalJSON accepts a number, a numeric string or "validated".
func (li *LedgerIndex) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*li = LedgerIndex{}
		return nil
	}
	var s string
	if strings.HasPrefix(string(data), `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	v, err := ParseLedgerIndex(s)
	if err != nil {
		return err
	}
	*li = v
	return nil
}

// LedgerSelector picks the ledger a request reads as of. A hash takes
// precedence over an index; an empty selector means the latest validated
// ledger.
type LedgerSelector struct {
	LedgerHash  string      `json:"ledger_hash,omitempty"`
	LedgerIndex LedgerIndex `json:"ledger_index,omitempty"`
}

type IssuerRequest struct {
	Issuer         string `json:"issuer"`
	Limit          *int   `json:"limit,omitempty"`
	Marker         string `json:"marker,omitempty"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`

	// Taxon restricts IssuerNFTs to one NFT taxon.
	Taxon *uint32 `json:"nft_taxon,omitempty"`

	LedgerSelector
}

type NFTInfoRequest struct {
	NFTokenID string `json:"nft_id"`

	LedgerSelector
}

type CFTsResponse struct {
	Issuer       string           `json:"issuer"`
	LedgerHash   string           `json:"ledger_hash"`
	LedgerIndex  ledger.Seq       `json:"ledger_index"`
	Validated    bool             `json:"validated"`
	Limit        int              `json:"limit"`
	Marker       string           `json:"marker,omitempty"`
	CFTIssuances []map[string]any `json:"cft_issuances"`
}

type NFTsResponse struct {
	Issuer      string     `json:"issuer"`
	LedgerHash  string     `json:"ledger_hash"`
	LedgerIndex ledger.Seq `json:"ledger_index"`
	Validated   bool       `json:"validated"`
	Limit       int        `json:"limit"`
	Marker      string     `json:"marker,omitempty"`
	NFTs        []NFT      `json:"issuer_nfts"`
}

// NFT describes one token. Flags, transfer fee, issuer, taxon and serial
// are decoded from the token id; owner and URI come from the stored object
// and are absent once the token is burned.
type NFT struct {
	NFTokenID   string     `json:"nft_id"`
	LedgerIndex ledger.Seq `json:"ledger_index"`
	Owner       string     `json:"owner,omitempty"`
	IsBurned    bool       `json:"is_burned"`
	URI         *string    `json:"uri"`
	Flags       uint16     `json:"flags"`
	TransferFee uint16     `json:"transfer_fee"`
	Issuer      string     `json:"issuer"`
	Taxon       uint32     `json:"nft_taxon"`
	Serial      uint32     `json:"nft_sequence"`
}

type NFTInfoResponse struct {
	NFT
	LedgerHash string `json:"ledger_hash"`
	Validated  bool   `json:"validated"`
}

package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const rippleAlphabet = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

const accountVersion byte = 0x00

var rippleAlphabetIndex = func() (idx [256]int8) {
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(rippleAlphabet); i++ {
		idx[rippleAlphabet[i]] = int8(i)
	}
	return
}()

var bigRadix = big.NewInt(58)

// AccountID is a 160-bit account identifier.
type AccountID [20]byte

func (a AccountID) IsZero() bool {
	return a == AccountID{}
}

// String returns the base58check "r..." address.
func (a AccountID) String() string {
	payload := make([]byte, 0, 1+len(a)+4)
	payload = append(payload, accountVersion)
	payload = append(payload, a[:]...)
	payload = append(payload, checksum(payload)...)
	return encodeBase58(payload)
}

func (a AccountID) Hex() string {
	return strings.ToUpper(hex.EncodeToString(a[:]))
}

func (a AccountID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AccountID) UnmarshalText(text []byte) error {
	v, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAccountID accepts either a base58check address or 40 hex digits.
func ParseAccountID(s string) (AccountID, error) {
	var a AccountID
	if len(s) == 2*len(a) {
		if _, err := hex.Decode(a[:], []byte(s)); err == nil {
			return a, nil
		}
	}
	raw, err := decodeBase58(s)
	if err != nil {
		return a, fmt.Errorf("invalid account %q: %w", s, err)
	}
	if len(raw) != 1+len(a)+4 {
		return a, fmt.Errorf("invalid account %q: decoded length %d", s, len(raw))
	}
	if raw[0] != accountVersion {
		return a, fmt.Errorf("invalid account %q: version byte 0x%02x", s, raw[0])
	}
	body, sum := raw[:len(raw)-4], raw[len(raw)-4:]
	if !bytes.Equal(checksum(body), sum) {
		return a, fmt.Errorf("invalid account %q: checksum mismatch", s)
	}
	copy(a[:], body[1:])
	return a, nil
}

func AccountIDFromBytes(b []byte) (AccountID, bool) {
	var a AccountID
	if len(b) != len(a) {
		return a, false
	}
	copy(a[:], b)
	return a, true
}

func checksum(b []byte) []byte {
	h1 := sha256.Sum256(b)
	h2 := sha256.Sum256(h1[:])
	return h2[:4]
}

func encodeBase58(b []byte) string {
	var zeros int
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}
	n := new(big.Int).SetBytes(b)
	var out []byte
	mod := new(big.Int)
	for n.Sign() > 0 {
		n.DivMod(n, bigRadix, mod)
		out = append(out, rippleAlphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, rippleAlphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func decodeBase58(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty")
	}
	n := new(big.Int)
	for i := 0; i < len(s); i++ {
		d := rippleAlphabetIndex[s[i]]
		if d < 0 {
			return nil, fmt.Errorf("invalid character %q", s[i])
		}
		n.Mul(n, bigRadix)
		n.Add(n, big.NewInt(int64(d)))
	}
	var zeros int
	for zeros < len(s) && s[zeros] == rippleAlphabet[0] {
		zeros++
	}
	return append(make([]byte, zeros), n.Bytes()...), nil
}

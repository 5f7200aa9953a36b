package tokenidx

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/andreyvit/tokenidx/ledger"
)

const groupLen = 4

// Cursor is the resume point of a paginated read: the last key consumed.
// In grouped indices it also carries the group, which precedes the key in
// clustering order.
type Cursor struct {
	Grouped bool
	Group   uint32
	Key     ledger.TokenKey
}

// bytes returns the clustering suffix of the record key, i.e. everything
// after the issuer.
func (c Cursor) bytes() []byte {
	var buf []byte
	if c.Grouped {
		buf = make([]byte, 0, groupLen+len(c.Key))
		buf = binary.BigEndian.AppendUint32(buf, c.Group)
	} else {
		buf = make([]byte, 0, len(c.Key))
	}
	return append(buf, c.Key[:]...)
}

// Encode returns the uppercase hex form of the cursor.
func (c Cursor) Encode() string {
	return strings.ToUpper(hex.EncodeToString(c.bytes()))
}

func (c Cursor) String() string {
	return c.Encode()
}

// Compare orders cursors the way records are clustered.
func (c Cursor) Compare(another Cursor) int {
	return bytes.Compare(c.bytes(), another.bytes())
}

func encodedCursorLen(grouped bool) int {
	if grouped {
		return 2 * (groupLen + len(ledger.TokenKey{}))
	}
	return 2 * len(ledger.TokenKey{})
}

// ParseCursor decodes a marker. Any hex string of the exact width is
// accepted, whether or not a record with that key exists.
func ParseCursor(s string, grouped bool) (Cursor, error) {
	if want := encodedCursorLen(grouped); len(s) != want {
		return Cursor{}, validationErrf("marker", "expected %d hex digits, got %d", want, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Cursor{}, validationErrf("marker", "not a hex string")
	}
	c := Cursor{Grouped: grouped}
	if grouped {
		c.Group = binary.BigEndian.Uint32(raw)
		raw = raw[groupLen:]
	}
	copy(c.Key[:], raw)
	return c, nil
}

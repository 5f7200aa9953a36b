package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// Blob is a serialized ledger object. An empty blob is a tombstone.
type Blob []byte

func (b Blob) IsTombstone() bool {
	return len(b) == 0
}

func (b Blob) MarshalText() ([]byte, error) {
	return []byte(strings.ToUpper(hex.EncodeToString(b))), nil
}

func (b *Blob) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid blob: %w", err)
	}
	*b = raw
	return nil
}

// FormatError reports a malformed serialized object.
type FormatError struct {
	Off int
	Msg string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed ledger object at offset %d: %s", e.Off, e.Msg)
}

func formatErrf(off int, format string, args ...any) error {
	return &FormatError{off, fmt.Sprintf(format, args...)}
}

type objField struct {
	id  FieldID
	raw []byte
}

// Object is a decoded (or under construction) ledger object: an ordered set
// of typed fields.
type Object struct {
	fields []objField
}

func NewObject() *Object {
	return &Object{}
}

// Parse decodes a serialized object. Fields must appear in canonical order
// and at most once.
func Parse(blob Blob) (*Object, error) {
	if len(blob) == 0 {
		return nil, formatErrf(0, "empty object")
	}
	obj := &Object{}
	var prev FieldID
	for off := 0; off < len(blob); {
		start := off
		id, n, err := decodeFieldHeader(blob[off:])
		if err != nil {
			return nil, formatErrf(off, "%v", err)
		}
		off += n
		if !id.Type().known() {
			return nil, formatErrf(start, "unknown type code %d", id.Type())
		}
		if len(obj.fields) > 0 && id <= prev {
			return nil, formatErrf(start, "field %v out of canonical order", id)
		}
		prev = id

		var size int
		if sz, ok := id.Type().fixedSize(); ok {
			size = sz
		} else {
			sz, n, err := decodeVL(blob[off:])
			if err != nil {
				return nil, formatErrf(off, "%v: %v", id, err)
			}
			off += n
			size = sz
			if id.Type() == TypeAccount && size != len(AccountID{}) {
				return nil, formatErrf(off, "%v: account length %d", id, size)
			}
		}
		if len(blob)-off < size {
			return nil, formatErrf(off, "%v: %d bytes remaining, %d wanted", id, len(blob)-off, size)
		}
		obj.fields = append(obj.fields, objField{id, blob[off : off+size]})
		off += size
	}
	return obj, nil
}

// ParseEntryType returns the entry type tag of a serialized object.
func ParseEntryType(blob Blob) (EntryType, error) {
	obj, err := Parse(blob)
	if err != nil {
		return 0, err
	}
	et, ok := obj.EntryType()
	if !ok {
		return 0, formatErrf(0, "missing %s", FieldLedgerEntryType.Name)
	}
	return et, nil
}

func (o *Object) find(id FieldID) (int, bool) {
	return slices.BinarySearchFunc(o.fields, id, func(f objField, id FieldID) int {
		return int(f.id) - int(id)
	})
}

func (o *Object) raw(f *Field, tc TypeCode) ([]byte, bool) {
	if f.ID.Type() != tc {
		panic(fmt.Errorf("field %s has type %d, accessed as %d", f.Name, f.ID.Type(), tc))
	}
	i, ok := o.find(f.ID)
	if !ok {
		return nil, false
	}
	return o.fields[i].raw, true
}

func (o *Object) Has(f *Field) bool {
	_, ok := o.find(f.ID)
	return ok
}

func (o *Object) Len() int {
	return len(o.fields)
}

func (o *Object) Uint16(f *Field) (uint16, bool) {
	raw, ok := o.raw(f, TypeUInt16)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(raw), true
}

func (o *Object) Uint32(f *Field) (uint32, bool) {
	raw, ok := o.raw(f, TypeUInt32)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(raw), true
}

func (o *Object) Uint64(f *Field) (uint64, bool) {
	raw, ok := o.raw(f, TypeUInt64)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

func (o *Object) Hash256(f *Field) (Hash256, bool) {
	raw, ok := o.raw(f, TypeHash256)
	if !ok {
		return Hash256{}, false
	}
	return Hash256FromBytes(raw)
}

func (o *Object) Account(f *Field) (AccountID, bool) {
	raw, ok := o.raw(f, TypeAccount)
	if !ok {
		return AccountID{}, false
	}
	return AccountIDFromBytes(raw)
}

func (o *Object) Blob(f *Field) ([]byte, bool) {
	return o.raw(f, TypeBlob)
}

func (o *Object) EntryType() (EntryType, bool) {
	v, ok := o.Uint16(FieldLedgerEntryType)
	return EntryType(v), ok
}

func (o *Object) set(f *Field, raw []byte) *Object {
	i, ok := o.find(f.ID)
	if ok {
		o.fields[i].raw = raw
	} else {
		o.fields = slices.Insert(o.fields, i, objField{f.ID, raw})
	}
	return o
}

func (o *Object) SetUint16(f *Field, v uint16) *Object {
	mustType(f, TypeUInt16)
	return o.set(f, binary.BigEndian.AppendUint16(nil, v))
}

func (o *Object) SetUint32(f *Field, v uint32) *Object {
	mustType(f, TypeUInt32)
	return o.set(f, binary.BigEndian.AppendUint32(nil, v))
}

func (o *Object) SetUint64(f *Field, v uint64) *Object {
	mustType(f, TypeUInt64)
	return o.set(f, binary.BigEndian.AppendUint64(nil, v))
}

func (o *Object) SetHash256(f *Field, v Hash256) *Object {
	mustType(f, TypeHash256)
	return o.set(f, slices.Clone(v[:]))
}

func (o *Object) SetAccount(f *Field, v AccountID) *Object {
	mustType(f, TypeAccount)
	return o.set(f, slices.Clone(v[:]))
}

func (o *Object) SetBlob(f *Field, v []byte) *Object {
	mustType(f, TypeBlob)
	return o.set(f, slices.Clone(v))
}

func (o *Object) SetEntryType(et EntryType) *Object {
	return o.SetUint16(FieldLedgerEntryType, uint16(et))
}

func mustType(f *Field, tc TypeCode) {
	if f.ID.Type() != tc {
		panic(fmt.Errorf("field %s has type %d, set as %d", f.Name, f.ID.Type(), tc))
	}
}

// Encode serializes the object in canonical field order.
func (o *Object) Encode() Blob {
	var buf []byte
	for _, f := range o.fields {
		buf = appendFieldHeader(buf, f.id)
		if _, fixed := f.id.Type().fixedSize(); !fixed {
			buf = appendVL(buf, len(f.raw))
		}
		buf = append(buf, f.raw...)
	}
	return buf
}

// JSON renders the object the way the ledger's JSON API does: field names as
// keys, accounts as addresses, hashes and blobs as uppercase hex.
func (o *Object) JSON() map[string]any {
	m := make(map[string]any, len(o.fields))
	for _, f := range o.fields {
		name := f.id.String()
		switch f.id.Type() {
		case TypeUInt16:
			v := binary.BigEndian.Uint16(f.raw)
			if f.id == FieldLedgerEntryType.ID {
				m[name] = EntryType(v).String()
			} else if f.id == FieldTransactionType.ID {
				m[name] = TxType(v).String()
			} else {
				m[name] = v
			}
		case TypeUInt32:
			m[name] = binary.BigEndian.Uint32(f.raw)
		case TypeUInt64:
			// 64-bit amounts are strings in the ledger JSON format
			m[name] = fmt.Sprintf("%d", binary.BigEndian.Uint64(f.raw))
		case TypeAccount:
			a, _ := AccountIDFromBytes(f.raw)
			m[name] = a.String()
		default:
			m[name] = strings.ToUpper(hex.EncodeToString(f.raw))
		}
	}
	return m
}

func appendFieldHeader(buf []byte, id FieldID) []byte {
	tc, code := uint8(id.Type()), id.Code()
	switch {
	case tc < 16 && code < 16:
		return append(buf, tc<<4|code)
	case tc < 16:
		return append(buf, tc<<4, code)
	case code < 16:
		return append(buf, code, tc)
	default:
		return append(buf, 0, tc, code)
	}
}

func decodeFieldHeader(buf []byte) (FieldID, int, error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("truncated field header")
	}
	b := buf[0]
	tc, code := b>>4, b&0x0F
	n := 1
	if tc == 0 {
		if len(buf) < n+1 {
			return 0, 0, fmt.Errorf("truncated field header")
		}
		tc = buf[n]
		n++
		if tc < 16 {
			return 0, 0, fmt.Errorf("non-canonical field header")
		}
	}
	if code == 0 {
		if len(buf) < n+1 {
			return 0, 0, fmt.Errorf("truncated field header")
		}
		code = buf[n]
		n++
		if code < 16 {
			return 0, 0, fmt.Errorf("non-canonical field header")
		}
	}
	return MakeFieldID(TypeCode(tc), code), n, nil
}

const (
	vlMax1 = 192
	vlMax2 = 12480
	vlMax3 = 918744
)

func appendVL(buf []byte, n int) []byte {
	switch {
	case n <= vlMax1:
		return append(buf, byte(n))
	case n <= vlMax2:
		n -= vlMax1 + 1
		return append(buf, byte(193+(n>>8)), byte(n))
	case n <= vlMax3:
		n -= vlMax2 + 1
		return append(buf, byte(241+(n>>16)), byte(n>>8), byte(n))
	default:
		panic(fmt.Errorf("variable-length field too long: %d", n))
	}
}

func decodeVL(buf []byte) (int, int, error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("truncated length prefix")
	}
	b0 := int(buf[0])
	switch {
	case b0 <= 192:
		return b0, 1, nil
	case b0 <= 240:
		if len(buf) < 2 {
			return 0, 0, fmt.Errorf("truncated length prefix")
		}
		return vlMax1 + 1 + (b0-193)*256 + int(buf[1]), 2, nil
	case b0 <= 254:
		if len(buf) < 3 {
			return 0, 0, fmt.Errorf("truncated length prefix")
		}
		return vlMax2 + 1 + (b0-241)*65536 + int(buf[1])*256 + int(buf[2]), 3, nil
	default:
		return 0, 0, fmt.Errorf("invalid length prefix 0x%02x", b0)
	}
}

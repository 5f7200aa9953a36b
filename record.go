package tokenidx

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/tokenidx/ledger"
)

// IndexRecord is the latest known state of one token object of an issuer.
// An empty Blob marks the object deleted as of Seq.
type IndexRecord struct {
	Issuer ledger.AccountID
	Key    ledger.TokenKey
	Group  uint32
	Seq    ledger.Seq
	Blob   ledger.Blob
}

func (r *IndexRecord) IsDeleted() bool {
	return r.Blob.IsTombstone()
}

func (r *IndexRecord) cursor(idx *Index) Cursor {
	return Cursor{Grouped: idx.grouped, Group: r.Group, Key: r.Key}
}

// storedRecord is the value of a record row.
type storedRecord struct {
	Seq  ledger.Seq `msgpack:"s"`
	Blob []byte     `msgpack:"b"`
}

const issuerLen = len(ledger.AccountID{})

// Record rows are keyed issuer ‖ [group] ‖ key, so that one issuer's records
// are contiguous and ordered by (group,) key.
func recordKey(idx *Index, issuer ledger.AccountID, c Cursor) []byte {
	bb := bytesBuilder{make([]byte, 0, issuerLen+groupLen+len(c.Key))}
	bb.Write(issuer[:])
	if idx.grouped {
		bb.AppendFixedUint32(c.Group)
	}
	bb.Write(c.Key[:])
	return bb.Buf
}

func issuerPrefix(idx *Index, issuer ledger.AccountID, group *uint32) []byte {
	bb := bytesBuilder{make([]byte, 0, issuerLen+groupLen)}
	bb.Write(issuer[:])
	if group != nil {
		if !idx.grouped {
			panic(fmt.Errorf("%s is not grouped", idx.name))
		}
		bb.AppendFixedUint32(*group)
	}
	return bb.Buf
}

func decodeRecordKey(idx *Index, k []byte) (issuer ledger.AccountID, c Cursor, err error) {
	d := makeByteDecoder(k)
	raw, err := d.Raw(issuerLen)
	if err != nil {
		return
	}
	copy(issuer[:], raw)
	c.Grouped = idx.grouped
	if idx.grouped {
		c.Group, err = d.FixedUint32()
		if err != nil {
			return
		}
	}
	raw, err = d.Raw(len(c.Key))
	if err != nil {
		return
	}
	copy(c.Key[:], raw)
	err = d.End()
	return
}

// The key lookup bucket maps a token key to issuer ‖ [group].
func keyLocation(idx *Index, issuer ledger.AccountID, group uint32) []byte {
	bb := bytesBuilder{make([]byte, 0, issuerLen+groupLen)}
	bb.Write(issuer[:])
	if idx.grouped {
		bb.AppendFixedUint32(group)
	}
	return bb.Buf
}

func decodeKeyLocation(idx *Index, v []byte) (issuer ledger.AccountID, group uint32, err error) {
	d := makeByteDecoder(v)
	raw, err := d.Raw(issuerLen)
	if err != nil {
		return
	}
	copy(issuer[:], raw)
	if idx.grouped {
		group, err = d.FixedUint32()
		if err != nil {
			return
		}
	}
	err = d.End()
	return
}

func encodeValue(v any) []byte {
	bb := bytesBuilder{}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %T using MsgPack: %w", v, err))
	}
	return bb.Buf
}

func decodeValue(buf []byte, v any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", v)
	}
	return nil
}

// decodeRecord decodes a record row; the result does not alias k or v.
func decodeRecord(idx *Index, k, v []byte) (IndexRecord, error) {
	issuer, c, err := decodeRecordKey(idx, k)
	if err != nil {
		return IndexRecord{}, &InternalError{idx.name, hexstr(k), err}
	}
	var sr storedRecord
	if err := decodeValue(v, &sr); err != nil {
		return IndexRecord{}, &InternalError{idx.name, c.Key.String(), err}
	}
	if len(sr.Blob) == 0 {
		sr.Blob = nil
	}
	return IndexRecord{
		Issuer: issuer,
		Key:    c.Key,
		Group:  c.Group,
		Seq:    sr.Seq,
		Blob:   sr.Blob,
	}, nil
}

package tokenidx

import (
	"encoding/binary"
	"fmt"

	"github.com/andreyvit/tokenidx/driver"
	"github.com/andreyvit/tokenidx/ledger"
)

var rangeMetaKey = []byte("range")

// LedgerRange is the span of ledger sequences written so far.
type LedgerRange struct {
	Min ledger.Seq `msgpack:"min"`
	Max ledger.Seq `msgpack:"max"`
}

func (r LedgerRange) IsEmpty() bool {
	return r.Max == 0
}

func (r LedgerRange) Contains(seq ledger.Seq) bool {
	return !r.IsEmpty() && seq >= r.Min && seq <= r.Max
}

func (r LedgerRange) String() string {
	if r.IsEmpty() {
		return "empty"
	}
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

func seqKey(seq ledger.Seq) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), uint32(seq))
}

// WriteLedger records a closed ledger. Ingestion calls it after every
// mutation of the ledger has been applied; rewriting a ledger replaces it.
func (s *Store) WriteLedger(hdr ledger.Header) *driver.Future[LedgerRange] {
	if hdr.Seq == 0 {
		panic("ledger sequence 0")
	}
	sk := seqKey(hdr.Seq)
	return driver.Execute(s.drv, sk, "write ledger", func() (LedgerRange, error) {
		var rang LedgerRange
		err := s.write(func(tx storageTx) error {
			ledgers := nonNil(tx.Bucket(ledgersBucket))
			hashes := nonNil(tx.Bucket(ledgerHashesBucket))
			meta := nonNil(tx.Bucket(metaBucket))

			if v := ledgers.Get(sk); v != nil {
				var old ledger.Header
				if err := decodeValue(v, &old); err != nil {
					return err
				}
				if old.Hash != hdr.Hash {
					ensure(hashes.Delete(old.Hash[:]))
				}
			}
			ensure(ledgers.Put(sk, encodeValue(&hdr)))
			ensure(hashes.Put(hdr.Hash[:], sk))

			rang = LedgerRange{}
			if v := meta.Get(rangeMetaKey); v != nil {
				if err := decodeValue(v, &rang); err != nil {
					return err
				}
			}
			if rang.IsEmpty() || hdr.Seq < rang.Min {
				rang.Min = hdr.Seq
			}
			if hdr.Seq > rang.Max {
				rang.Max = hdr.Seq
			}
			return meta.Put(rangeMetaKey, encodeValue(&rang))
		})
		if err == nil {
			s.logger.Debug("tokenidx: ledger written", "seq", hdr.Seq, "hash", hdr.Hash.String(), "range", rang.String())
		}
		return rang, err
	})
}

// LedgerBySeq returns the header of a written ledger, or a *NotFoundError.
func (s *Store) LedgerBySeq(seq ledger.Seq) *driver.Future[ledger.Header] {
	sk := seqKey(seq)
	f := driver.Execute(s.drv, sk, "ledger by seq", func() (lookupResult[ledger.Header], error) {
		var res lookupResult[ledger.Header]
		err := s.read(func(tx storageTx) error {
			res.found, res.err = getHeader(tx, sk, &res.val)
			return nil
		})
		return res, err
	})
	return driver.Then(f, "ledger by seq", func(res lookupResult[ledger.Header]) (ledger.Header, error) {
		if res.err != nil {
			return ledger.Header{}, &InternalError{ledgersBucket, fmt.Sprint(seq), res.err}
		}
		if !res.found {
			return ledger.Header{}, &NotFoundError{Key: fmt.Sprint(seq)}
		}
		return res.val, nil
	})
}

// LedgerByHash returns the header of the ledger with the given hash, or a
// *NotFoundError.
func (s *Store) LedgerByHash(hash ledger.Hash256) *driver.Future[ledger.Header] {
	f := driver.Execute(s.drv, hash[:], "ledger by hash", func() (lookupResult[ledger.Header], error) {
		var res lookupResult[ledger.Header]
		err := s.read(func(tx storageTx) error {
			sk := tx.Bucket(ledgerHashesBucket).Get(hash[:])
			if sk == nil {
				return nil
			}
			res.found, res.err = getHeader(tx, sk, &res.val)
			if res.err == nil && !res.found {
				res.err = fmt.Errorf("dangling hash entry %x", sk)
			}
			return nil
		})
		return res, err
	})
	return driver.Then(f, "ledger by hash", func(res lookupResult[ledger.Header]) (ledger.Header, error) {
		if res.err != nil {
			return ledger.Header{}, &InternalError{ledgerHashesBucket, hash.String(), res.err}
		}
		if !res.found {
			return ledger.Header{}, &NotFoundError{Key: hash.String()}
		}
		return res.val, nil
	})
}

func getHeader(tx storageTx, sk []byte, hdr *ledger.Header) (bool, error) {
	v := nonNil(tx.Bucket(ledgersBucket)).Get(sk)
	if v == nil {
		return false, nil
	}
	if err := decodeValue(v, hdr); err != nil {
		return false, err
	}
	return true, nil
}

// LedgerRange returns the range of written ledgers; it is empty before the
// first WriteLedger.
func (s *Store) LedgerRange() *driver.Future[LedgerRange] {
	return driver.Execute(s.drv, rangeMetaKey, "ledger range", func() (LedgerRange, error) {
		var rang LedgerRange
		err := s.read(func(tx storageTx) error {
			if v := nonNil(tx.Bucket(metaBucket)).Get(rangeMetaKey); v != nil {
				return decodeValue(v, &rang)
			}
			return nil
		})
		return rang, err
	})
}

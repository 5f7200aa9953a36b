package tokenidx

import (
	"github.com/andreyvit/tokenidx/driver"
)

type IndexStats struct {
	Rows int
	Keys int

	DataSize  int64
	DataAlloc int64
	KeysSize  int64
	KeysAlloc int64
}

func (st *IndexStats) TotalSize() int64 {
	return st.DataSize + st.KeysSize
}

func (st *IndexStats) TotalAlloc() int64 {
	return st.DataAlloc + st.KeysAlloc
}

// Stats counts the rows of an index. Rows includes tombstones.
func (s *Store) Stats(idx *Index) *driver.Future[IndexStats] {
	return driver.Execute(s.drv, []byte(idx.name), "stats "+idx.name, func() (IndexStats, error) {
		var result IndexStats
		err := s.read(func(tx storageTx) error {
			bs := nonNil(tx.Bucket(idx.buck)).Stats()
			result.Rows = bs.KeyN
			result.DataSize = bs.LeafInuse
			result.DataAlloc = bs.TotalAlloc()

			bs = nonNil(tx.Bucket(idx.keysBuck)).Stats()
			result.Keys = bs.KeyN
			result.KeysSize = bs.LeafInuse
			result.KeysAlloc = bs.TotalAlloc()
			return nil
		})
		return result, err
	})
}

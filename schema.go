package tokenidx

import (
	"fmt"
	"strings"

	"github.com/andreyvit/tokenidx/extract"
)

const (
	ledgersBucket      = "ledgers"
	ledgerHashesBucket = "ledger_hashes"
	metaBucket         = "meta"
	keysBucketSuffix   = ".keys"
)

var reservedBuckets = map[string]bool{
	ledgersBucket:      true,
	ledgerHashesBucket: true,
	metaBucket:         true,
}

type Schema struct {
	indices       []*Index
	indicesByName map[string]*Index
}

func NewSchema() *Schema {
	return &Schema{
		indicesByName: make(map[string]*Index),
	}
}

// DefaultSchema defines the indices fed by extract.Default.
func DefaultSchema() *Schema {
	scm := NewSchema()
	AddIndex(scm, extract.IndexCFTIssuances, IndexOpts{})
	AddIndex(scm, extract.IndexNFTs, IndexOpts{Grouped: true})
	return scm
}

func (scm *Schema) Indices() []*Index {
	return append([]*Index(nil), scm.indices...)
}

func (scm *Schema) IndexNamed(name string) *Index {
	return scm.indicesByName[name]
}

type IndexOpts struct {
	// Grouped indices cluster each issuer's records by a uint32 group
	// before the token key.
	Grouped bool
}

// Index is an issuer-partitioned, key-ordered collection of IndexRecords.
type Index struct {
	name     string
	grouped  bool
	buck     string
	keysBuck string
}

func AddIndex(scm *Schema, name string, opt IndexOpts) *Index {
	if name == "" || strings.ContainsAny(name, "\x00/") || strings.HasSuffix(name, keysBucketSuffix) {
		panic(fmt.Errorf("invalid index name %q", name))
	}
	if reservedBuckets[name] {
		panic(fmt.Errorf("index name %q is reserved", name))
	}
	if scm.indicesByName[name] != nil {
		panic(fmt.Errorf("duplicate index %s", name))
	}
	idx := &Index{
		name:     name,
		grouped:  opt.Grouped,
		buck:     name,
		keysBuck: name + keysBucketSuffix,
	}
	scm.indices = append(scm.indices, idx)
	scm.indicesByName[name] = idx
	return idx
}

func (idx *Index) Name() string   { return idx.name }
func (idx *Index) Grouped() bool  { return idx.grouped }
func (idx *Index) String() string { return idx.name }

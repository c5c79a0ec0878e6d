package bgzf

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/v2pro/plz/countlog"
)

// Index is the block-offset table loaded from a .gzi sidecar: one
// (compressed address, uncompressed address) pair per block boundary,
// with the implicit (0, 0) entry for the first block prepended.
//
// An Index is immutable once loaded and is shared by reference among every
// Reader opened against the same data file. Readers never own it; the owner
// that loaded it decides its lifetime.
type Index struct {
	offs []offsetPair
}

type offsetPair struct {
	caddr uint64 // compressed address
	uaddr uint64 // uncompressed address
}

// LoadIndex parses a .gzi sidecar without touching the data file it belongs
// to: a little-endian uint64 entry count followed by that many address pairs.
func LoadIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("bgzf: map %s: %v: %w", path, err, ErrTruncatedIndex)
	}
	defer m.Unmap()
	if len(m) < 8 {
		return nil, fmt.Errorf("bgzf: %s: missing entry count: %w", path, ErrTruncatedIndex)
	}
	n := binary.LittleEndian.Uint64(m[:8])
	if n != uint64(len(m)-8)/16 || (len(m)-8)%16 != 0 {
		return nil, fmt.Errorf("bgzf: %s: %d entries announced, %d bytes present: %w",
			path, n, len(m), ErrTruncatedIndex)
	}
	offs := make([]offsetPair, n+1)
	offs[0] = offsetPair{0, 0}
	for i := uint64(0); i < n; i++ {
		at := 8 + 16*i
		offs[i+1] = offsetPair{
			caddr: binary.LittleEndian.Uint64(m[at : at+8]),
			uaddr: binary.LittleEndian.Uint64(m[at+8 : at+16]),
		}
		if offs[i+1].caddr < offs[i].caddr || offs[i+1].uaddr < offs[i].uaddr {
			return nil, fmt.Errorf("bgzf: %s: entry %d not monotonic: %w", path, i+1, ErrTruncatedIndex)
		}
	}
	countlog.Trace("event!bgzf.index_loaded", "path", path, "blocks", len(offs))
	return &Index{offs: offs}, nil
}

// NumBlocks reports how many block boundaries the table covers.
func (idx *Index) NumBlocks() int {
	return len(idx.offs)
}

// blockAt returns the latest boundary at or before uncompressed offset uoff.
func (idx *Index) blockAt(uoff int64) offsetPair {
	i := sort.Search(len(idx.offs), func(i int) bool {
		return idx.offs[i].uaddr > uint64(uoff)
	})
	return idx.offs[i-1]
}

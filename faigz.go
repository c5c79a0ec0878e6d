// Package faigz is a reentrant random-access retrieval engine for indexed,
// line-wrapped FASTA/FASTQ files, plain or BGZF block-compressed.
//
// The sidecar indexes (.fai record table, .gzi block-offset table) are parsed
// once into an immutable, reference-counted Meta. Any number of goroutines
// then mint their own Reader from it; each Reader owns a private positioned
// stream into the data file while sharing the index tables by reference, so
// concurrent fetches never contend on a lock.
package faigz

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/v2pro/plz/countlog"

	"github.com/waveygang/faigz/bgzf"
	"github.com/waveygang/faigz/ref"
)

// Format discriminates the indexed file's record layout.
type Format int

const (
	// FormatFasta indexes sequence data only.
	FormatFasta Format = iota
	// FormatFastq indexes sequence plus per-base quality data.
	FormatFastq
)

// Meta is the shared, immutable index over one data file: the name table,
// the per-sequence layout records and, for block-compressed files, the
// block-offset table. Construction hands the caller one reference; every
// Reader takes another. The last release disposes the tables.
//
// All read accessors are safe for unsynchronized concurrent use, nothing is
// mutated after Load returns.
type Meta struct {
	refCnt  *ref.ReferenceCounted
	names   []string
	records map[string]faiRecord
	format  Format

	path    string // data file
	faiPath string
	gziPath string

	// blockIdx is non-nil exactly when the data file is BGZF compressed.
	// It is owned here; readers only ever borrow it.
	blockIdx *bgzf.Index
}

// Load builds a Meta from the sidecar indexes of the data file at path.
// The record table is read from path+".fai"; if the data file turns out to
// be block-compressed, the block-offset table is read from path+".gzi" and
// its absence is a format error, not a silent downgrade.
func Load(path string, format Format) (*Meta, error) {
	meta := &Meta{
		format:  format,
		path:    path,
		faiPath: path + ".fai",
		gziPath: path + ".gzi",
	}
	var err error
	meta.names, meta.records, err = loadFai(meta.faiPath, format)
	if err != nil {
		return nil, err
	}
	compressed, err := sniffBgzf(path)
	if err != nil {
		return nil, err
	}
	if compressed {
		meta.blockIdx, err = bgzf.LoadIndex(meta.gziPath)
		if err != nil {
			// missing or malformed sidecar is a format fault, plain I/O
			// failures keep their own identity
			if os.IsNotExist(err) || errors.Is(err, bgzf.ErrTruncatedIndex) {
				return nil, fmt.Errorf("faigz: %s is block-compressed but %s is unusable: %v: %w",
					path, meta.gziPath, err, ErrFormat)
			}
			return nil, err
		}
	}
	meta.refCnt = ref.NewReferenceCounted("faigz.meta", ref.CloserFunc(func() error {
		countlog.Trace("event!faigz.meta_disposed", "path", path)
		meta.names = nil
		meta.records = nil
		meta.blockIdx = nil
		return nil
	}))
	countlog.Trace("event!faigz.load",
		"path", path,
		"sequences", len(meta.names),
		"compressed", compressed)
	return meta, nil
}

// Ref takes an additional reference and returns the same handle, or nil if
// the meta has already been disposed.
func (meta *Meta) Ref() *Meta {
	if !meta.refCnt.Acquire() {
		return nil
	}
	return meta
}

// Close releases one reference. The tables are freed when the last holder,
// reader or otherwise, has released its reference.
func (meta *Meta) Close() error {
	return meta.refCnt.Close()
}

// NumSeqs reports the number of indexed sequences.
func (meta *Meta) NumSeqs() int {
	return len(meta.names)
}

// SeqName returns the name of the i-th sequence in file order, or "" when i
// is out of range.
func (meta *Meta) SeqName(i int) string {
	if i < 0 || i >= len(meta.names) {
		return ""
	}
	return meta.names[i]
}

// SeqLen reports the payload length of the named sequence.
func (meta *Meta) SeqLen(name string) (int64, error) {
	rec, found := meta.records[name]
	if !found {
		return -1, fmt.Errorf("faigz: %q: %w", name, ErrNotFound)
	}
	return rec.len, nil
}

// HasSeq reports whether the named sequence is indexed.
func (meta *Meta) HasSeq(name string) bool {
	_, found := meta.records[name]
	return found
}

// Name2ID reports the ordinal of the named sequence, or -1 when absent.
// This is the resolution callback handed to external region parsers.
func (meta *Meta) Name2ID(name string) int {
	rec, found := meta.records[name]
	if !found {
		return -1
	}
	return rec.id
}

// Format reports the record layout the meta was loaded with.
func (meta *Meta) Format() Format {
	return meta.format
}

// Path reports the data file path the meta indexes.
func (meta *Meta) Path() string {
	return meta.path
}

// sniffBgzf classifies the data file's storage: BGZF block-compressed, plain
// (uncompressed), or unseekable plain gzip, which is rejected outright.
func sniffBgzf(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var header [12]byte
	n, err := f.Read(header[:])
	if n < len(header) {
		// too short to carry a gzip header, treat as plain text
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if header[0] != 0x1f || header[1] != 0x8b {
		return false, nil
	}
	if header[3]&0x04 != 0 {
		xlen := int(binary.LittleEndian.Uint16(header[10:12]))
		extra := make([]byte, xlen)
		if _, err := f.ReadAt(extra, int64(len(header))); err == nil {
			for len(extra) >= 4 {
				slen := int(binary.LittleEndian.Uint16(extra[2:4]))
				if extra[0] == 'B' && extra[1] == 'C' && slen == 2 {
					return true, nil
				}
				if len(extra) < 4+slen {
					break
				}
				extra = extra[4+slen:]
			}
		}
	}
	return false, fmt.Errorf("faigz: %s is gzip but not block-compressed, cannot be random-accessed: %w",
		path, ErrFormat)
}

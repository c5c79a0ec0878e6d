// Package bgzf reads BGZF block-compressed files: gzip members of bounded
// size whose compressed length is recorded in a header extra field, so that
// any uncompressed offset can be reached by decompressing a single block
// found through a shared block-offset table.
package bgzf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/flate"
)

var (
	ErrTruncatedIndex = errors.New("bgzf: truncated or malformed block index")
	ErrBlockCorrupt   = errors.New("bgzf: corrupt block")
	ErrNoIndex        = errors.New("bgzf: no block index attached")
)

const (
	// MaxBlockSize bounds both the compressed and uncompressed size of one block.
	MaxBlockSize = 0x10000

	headerSize = 12
	footerSize = 8

	// DefaultCacheBlocks is the per-reader decompressed block cache size.
	DefaultCacheBlocks = 16
)

// Reader is a positioned stream over one BGZF file. It holds a private file
// handle and a non-owning reference to a shared Index; Close detaches that
// reference before releasing anything of its own.
//
// Reader is not thread safe, can only be used from one goroutine.
type Reader struct {
	f     *os.File
	idx   *Index
	cache *lru.ARCCache

	block     []byte // current decompressed block
	blockUsed int    // read cursor within block
	blockAddr int64  // compressed address of current block, -1 when none
	nextAddr  int64  // compressed address of the block after the current one
	eof       bool
}

type cachedBlock struct {
	data []byte
	next int64
}

// Open opens path for reading and attaches idx by reference. The index stays
// owned by the caller; closing the returned Reader never invalidates it.
func Open(path string, idx *Index, cacheBlocks int) (*Reader, error) {
	if cacheBlocks <= 0 {
		cacheBlocks = DefaultCacheBlocks
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	cache, err := lru.NewARC(cacheBlocks)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, idx: idx, cache: cache, blockAddr: -1}, nil
}

// Useek positions the reader at the given uncompressed offset. The block
// containing the offset is located through the shared table, then the reader
// walks forward block by block if the table is sparse around the target.
func (reader *Reader) Useek(uoff int64) error {
	if uoff < 0 {
		return fmt.Errorf("bgzf: seek to negative offset %d", uoff)
	}
	if reader.idx == nil {
		return ErrNoIndex
	}
	pair := reader.idx.blockAt(uoff)
	reader.eof = false
	if err := reader.loadBlockAt(int64(pair.caddr)); err != nil {
		return err
	}
	skip := uoff - int64(pair.uaddr)
	for skip > int64(len(reader.block)) {
		if len(reader.block) == 0 {
			return io.ErrUnexpectedEOF
		}
		skip -= int64(len(reader.block))
		if err := reader.advance(); err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	reader.blockUsed = int(skip)
	return nil
}

func (reader *Reader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if reader.blockUsed >= len(reader.block) {
			err := reader.advance()
			if err == io.EOF {
				if total > 0 {
					return total, nil
				}
				return 0, io.EOF
			}
			if err != nil {
				return total, err
			}
			continue
		}
		n := copy(p[total:], reader.block[reader.blockUsed:])
		reader.blockUsed += n
		total += n
	}
	return total, nil
}

// Close detaches the shared index, then releases the private resources.
func (reader *Reader) Close() error {
	reader.idx = nil
	reader.block = nil
	reader.cache.Purge()
	return reader.f.Close()
}

func (reader *Reader) advance() error {
	if reader.eof {
		return io.EOF
	}
	next := reader.nextAddr
	if reader.blockAddr < 0 {
		next = 0
	}
	err := reader.loadBlockAt(next)
	if err == io.EOF {
		reader.eof = true
		reader.block = nil
		reader.blockUsed = 0
		// a later Useek back into the last block must reload it, not hit
		// the current-block early return against the nil buffer
		reader.blockAddr = -1
	}
	return err
}

func (reader *Reader) loadBlockAt(addr int64) error {
	if addr == reader.blockAddr {
		reader.blockUsed = 0
		return nil
	}
	if cached, found := reader.cache.Get(addr); found {
		blk := cached.(cachedBlock)
		reader.block, reader.nextAddr = blk.data, blk.next
		reader.blockAddr, reader.blockUsed = addr, 0
		return nil
	}
	data, next, err := reader.readBlockAt(addr)
	if err != nil {
		return err
	}
	reader.cache.Add(addr, cachedBlock{data: data, next: next})
	reader.block, reader.nextAddr = data, next
	reader.blockAddr, reader.blockUsed = addr, 0
	return nil
}

// readBlockAt decompresses the block starting at compressed address addr and
// returns its payload together with the address of the successor block.
func (reader *Reader) readBlockAt(addr int64) ([]byte, int64, error) {
	var header [headerSize]byte
	if _, err := reader.f.ReadAt(header[:], addr); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	if header[0] != 0x1f || header[1] != 0x8b || header[2] != 8 || header[3]&0x04 == 0 {
		return nil, 0, fmt.Errorf("bgzf: bad magic at %d: %w", addr, ErrBlockCorrupt)
	}
	xlen := int(binary.LittleEndian.Uint16(header[10:12]))
	extra := make([]byte, xlen)
	if _, err := reader.f.ReadAt(extra, addr+headerSize); err != nil {
		return nil, 0, fmt.Errorf("bgzf: truncated extra field at %d: %w", addr, ErrBlockCorrupt)
	}
	bsize, err := blockSize(extra)
	if err != nil {
		return nil, 0, fmt.Errorf("bgzf: block at %d: %w", addr, err)
	}
	cdataLen := bsize - headerSize - xlen - footerSize
	if cdataLen < 0 || bsize > MaxBlockSize {
		return nil, 0, fmt.Errorf("bgzf: implausible block size %d at %d: %w", bsize, addr, ErrBlockCorrupt)
	}
	body := make([]byte, cdataLen+footerSize)
	if _, err := reader.f.ReadAt(body, addr+int64(headerSize+xlen)); err != nil {
		return nil, 0, fmt.Errorf("bgzf: truncated block at %d: %w", addr, ErrBlockCorrupt)
	}
	wantCRC := binary.LittleEndian.Uint32(body[cdataLen : cdataLen+4])
	isize := binary.LittleEndian.Uint32(body[cdataLen+4:])
	if isize > MaxBlockSize {
		return nil, 0, fmt.Errorf("bgzf: implausible uncompressed size %d at %d: %w", isize, addr, ErrBlockCorrupt)
	}
	data := make([]byte, isize)
	fr := flate.NewReader(bytes.NewReader(body[:cdataLen]))
	if _, err := io.ReadFull(fr, data); err != nil {
		fr.Close()
		return nil, 0, fmt.Errorf("bgzf: inflate block at %d: %v: %w", addr, err, ErrBlockCorrupt)
	}
	fr.Close()
	if crc32.ChecksumIEEE(data) != wantCRC {
		return nil, 0, fmt.Errorf("bgzf: checksum mismatch at %d: %w", addr, ErrBlockCorrupt)
	}
	return data, addr + int64(bsize), nil
}

// blockSize extracts the total block size from the BC extra subfield.
func blockSize(extra []byte) (int, error) {
	for len(extra) >= 4 {
		si1, si2 := extra[0], extra[1]
		slen := int(binary.LittleEndian.Uint16(extra[2:4]))
		if len(extra) < 4+slen {
			break
		}
		if si1 == 'B' && si2 == 'C' && slen == 2 {
			return int(binary.LittleEndian.Uint16(extra[4:6])) + 1, nil
		}
		extra = extra[4+slen:]
	}
	return 0, fmt.Errorf("no BC subfield: %w", ErrBlockCorrupt)
}

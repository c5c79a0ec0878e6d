package faigz

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/v2pro/plz"
	"github.com/v2pro/plz/countlog"

	"github.com/waveygang/faigz/bgzf"
)

// dataStream is the positioned stream a Reader fetches through: seek to an
// uncompressed offset, then read forward. The bgzf backend resolves offsets
// through the shared block table; the plain backend seeks the file directly.
type dataStream interface {
	io.ReadCloser
	Useek(uoff int64) error
}

// rawStream adapts an uncompressed data file to the stream contract.
type rawStream struct {
	f *os.File
}

func (s *rawStream) Useek(uoff int64) error {
	_, err := s.f.Seek(uoff, io.SeekStart)
	return err
}

func (s *rawStream) Read(p []byte) (int, error) { return s.f.Read(p) }

func (s *rawStream) Close() error { return s.f.Close() }

// Reader is one consumer's handle: a reference on the shared Meta plus a
// private positioned stream into the data file. Mint one per goroutine.
//
// Reader is not thread safe, can only be used from one goroutine.
type Reader struct {
	meta   *Meta
	stream dataStream
}

// NewReader opens a private stream against the meta's data file and pins the
// meta for the reader's lifetime. The reference is released again if the
// stream cannot be opened.
func (meta *Meta) NewReader() (*Reader, error) {
	if meta.Ref() == nil {
		return nil, errors.New("faigz: meta already disposed")
	}
	var stream dataStream
	if meta.blockIdx != nil {
		bgzfReader, err := bgzf.Open(meta.path, meta.blockIdx, 0)
		if err != nil {
			meta.Close()
			return nil, err
		}
		stream = bgzfReader
	} else {
		f, err := os.Open(meta.path)
		if err != nil {
			meta.Close()
			return nil, err
		}
		stream = &rawStream{f: f}
	}
	countlog.Trace("event!faigz.reader_created", "path", meta.path)
	return &Reader{meta: meta, stream: stream}, nil
}

// Close tears the reader down: the stream goes first (the bgzf backend
// detaches the shared block table before touching its own resources), then
// the meta reference is released.
func (reader *Reader) Close() error {
	streamErr := reader.stream.Close()
	return plz.MergeErrors(streamErr, reader.meta.Close())
}

// Meta returns the shared index this reader fetches against.
func (reader *Reader) Meta() *Meta {
	return reader.meta
}

// FetchSeq returns the sequence bytes of name in the inclusive logical range
// [beg, end]. Out-of-range coordinates are clamped to the sequence; a
// reversed range yields an empty result.
func (reader *Reader) FetchSeq(name string, beg, end int64) ([]byte, error) {
	rec, beg, end, err := reader.meta.adjustPosition(name, 1, beg, end)
	if err != nil {
		return nil, err
	}
	return reader.retrieve(rec, rec.seqOffset, beg, end)
}

// FetchQual is FetchSeq against the quality payload. Only FASTQ metas carry
// quality data.
func (reader *Reader) FetchQual(name string, beg, end int64) ([]byte, error) {
	if reader.meta.format != FormatFastq {
		return nil, fmt.Errorf("faigz: %q: %w", name, ErrUnsupported)
	}
	rec, beg, end, err := reader.meta.adjustPosition(name, 1, beg, end)
	if err != nil {
		return nil, err
	}
	return reader.retrieve(rec, rec.qualOffset, beg, end)
}

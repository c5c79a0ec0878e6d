package faigz

import (
	"fmt"
	"io"
	"math"

	"github.com/v2pro/plz/countlog"
)

// maxRegionSize caps a single fetch below the platform allocation limit.
const maxRegionSize = math.MaxInt - 2

// adjustPosition resolves name and normalizes an inclusive public range onto
// the sequence: a reversed range collapses to empty, begin clamps to
// [0, len], end clamps to [0, len-endAdjust]. The returned range is
// end-exclusive and always satisfies beg <= end.
func (meta *Meta) adjustPosition(name string, endAdjust int64, beg, end int64) (faiRecord, int64, int64, error) {
	rec, found := meta.records[name]
	if !found {
		return faiRecord{}, 0, 0, fmt.Errorf("faigz: %q: %w", name, ErrNotFound)
	}
	empty := end < beg
	if empty {
		beg = end
	}
	if beg < 0 {
		beg = 0
	} else if beg > rec.len {
		beg = rec.len
	}
	if end < 0 {
		end = 0
	} else if end >= rec.len {
		end = rec.len - endAdjust
	}
	end += endAdjust
	if empty || end < beg {
		end = beg
	}
	return rec, beg, end, nil
}

// retrieve reconstructs the contiguous logical range [beg, end) of a record
// from its line-wrapped physical layout, reading through the private stream.
// The output buffer is over-allocated by one terminator width so that full
// physical lines, terminator included, land in a single read each; only
// payload bytes advance the write cursor, the following read overwrites the
// terminator tail.
func (reader *Reader) retrieve(rec faiRecord, offset uint64, beg, end int64) ([]byte, error) {
	if uint64(end)-uint64(beg) >= maxRegionSize {
		return nil, fmt.Errorf("faigz: range [%d, %d): %w", beg, end, ErrOverflow)
	}
	if end == beg {
		return []byte{}, nil
	}
	lineLen := int64(rec.lineLen)
	lineBlen := int64(rec.lineBlen)
	if lineBlen <= 0 {
		// rejected at load time, kept as a guard against a corrupted record
		return nil, fmt.Errorf("faigz: record with zero line payload width: %w", ErrFormat)
	}
	if err := reader.stream.Useek(int64(offset) + beg/lineBlen*lineLen + beg%lineBlen); err != nil {
		countlog.Error("event!faigz.seek_failed", "path", reader.meta.path, "err", err)
		return nil, err
	}

	remaining := end - beg
	buf := make([]byte, remaining+(lineLen-lineBlen))
	firstBlen := lineBlen - beg%lineBlen

	// whole range inside one physical line
	if remaining <= firstBlen {
		if err := reader.readFull(buf[:remaining]); err != nil {
			return nil, err
		}
		return buf[:remaining], nil
	}

	w := int64(0)
	firstLen := lineLen - beg%lineBlen
	if err := reader.readFull(buf[w : w+firstLen]); err != nil {
		return nil, err
	}
	w += firstBlen
	remaining -= firstBlen
	for remaining > lineBlen {
		if err := reader.readFull(buf[w : w+lineLen]); err != nil {
			return nil, err
		}
		w += lineBlen
		remaining -= lineBlen
	}
	if remaining > 0 {
		if err := reader.readFull(buf[w : w+remaining]); err != nil {
			return nil, err
		}
		w += remaining
	}
	return buf[:w], nil
}

func (reader *Reader) readFull(p []byte) error {
	_, err := io.ReadFull(reader.stream, p)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		countlog.Error("event!faigz.short_read", "path", reader.meta.path, "want", len(p))
		return fmt.Errorf("faigz: wanted %d bytes: %w", len(p), ErrShortRead)
	}
	return err
}

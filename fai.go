package faigz

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// faiRecord describes one sequence's physical layout inside the data file,
// as recorded by one line of the .fai sidecar.
type faiRecord struct {
	id         int    // ordinal position in the sidecar
	lineLen    uint32 // bytes per wrapped line, terminator included
	lineBlen   uint32 // payload bytes per wrapped line
	len        int64  // total payload length
	seqOffset  uint64 // byte offset of the first sequence byte
	qualOffset uint64 // byte offset of the first quality byte (FASTQ only)
}

// loadFai parses the record-table sidecar: one tab-separated line per
// sequence, five columns for FASTA and six (trailing quality offset) for
// FASTQ. Geometry is validated here so the fetch path can divide by
// lineBlen without checking.
func loadFai(path string, format Format) ([]string, map[string]faiRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("faigz: %s: %v: %w", path, err, ErrFormat)
		}
		return nil, nil, err
	}
	defer f.Close()

	wantFields := 5
	if format == FormatFastq {
		wantFields = 6
	}
	var names []string
	records := map[string]faiRecord{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != wantFields {
			return nil, nil, faiError(path, lineno, "expected %d columns, found %d", wantFields, len(fields))
		}
		name := fields[0]
		if name == "" {
			return nil, nil, faiError(path, lineno, "empty sequence name")
		}
		if _, dup := records[name]; dup {
			return nil, nil, faiError(path, lineno, "duplicate sequence name %q", name)
		}
		seqLen, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || seqLen < 0 {
			return nil, nil, faiError(path, lineno, "bad sequence length %q", fields[1])
		}
		seqOffset, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, nil, faiError(path, lineno, "bad sequence offset %q", fields[2])
		}
		lineBlen, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return nil, nil, faiError(path, lineno, "bad line payload width %q", fields[3])
		}
		lineLen, err := strconv.ParseUint(fields[4], 10, 32)
		if err != nil {
			return nil, nil, faiError(path, lineno, "bad line width %q", fields[4])
		}
		if seqLen > 0 && lineBlen == 0 {
			return nil, nil, faiError(path, lineno, "zero line payload width for non-empty sequence %q", name)
		}
		if lineLen < lineBlen {
			return nil, nil, faiError(path, lineno, "line width %d below payload width %d", lineLen, lineBlen)
		}
		rec := faiRecord{
			id:        len(names),
			lineLen:   uint32(lineLen),
			lineBlen:  uint32(lineBlen),
			len:       seqLen,
			seqOffset: seqOffset,
		}
		if format == FormatFastq {
			qualOffset, err := strconv.ParseUint(fields[5], 10, 64)
			if err != nil {
				return nil, nil, faiError(path, lineno, "bad quality offset %q", fields[5])
			}
			rec.qualOffset = qualOffset
		}
		names = append(names, name)
		records[name] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return names, records, nil
}

func faiError(path string, lineno int, format string, args ...interface{}) error {
	detail := fmt.Sprintf(format, args...)
	return fmt.Errorf("faigz: %s line %d: %s: %w", path, lineno, detail, ErrFormat)
}

package faigz

import "errors"

var (
	// ErrNotFound reports a sequence name absent from the index.
	ErrNotFound = errors.New("faigz: sequence not found")
	// ErrFormat reports a missing or malformed sidecar, or invalid line geometry.
	ErrFormat = errors.New("faigz: malformed index")
	// ErrOverflow reports a requested region too large to allocate.
	ErrOverflow = errors.New("faigz: region exceeds addressable size")
	// ErrUnsupported reports a quality fetch against a sequence-only index.
	ErrUnsupported = errors.New("faigz: format carries no quality data")
	// ErrShortRead reports a data stream that ended inside a requested region.
	ErrShortRead = errors.New("faigz: short read from data stream")
)

package faigz

// RegionParser is the signature of an external region-string parser: handed
// a name resolution callback and a "name:begin-end" style string, it returns
// the sequence ordinal and coordinate pair. The grammar lives entirely with
// the parser; this package only supplies the callback.
type RegionParser func(name2id func(name string) int, region string) (tid int, beg, end int64, err error)

// ParseRegion resolves a region string through an external parser, binding
// the meta's name table as the resolution callback.
func (meta *Meta) ParseRegion(region string, parse RegionParser) (int, int64, int64, error) {
	return parse(meta.Name2ID, region)
}

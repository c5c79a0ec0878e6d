package faigz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"github.com/v2pro/plz/countlog"
)

func TestMain(m *testing.M) {
	countlog.SetMinLevel(countlog.LevelDebug)
	m.Run()
}

type testSeq struct {
	name string
	seq  string
	qual string
}

func wrapLines(buf *bytes.Buffer, s string, wrap int) {
	for i := 0; i < len(s); i += wrap {
		j := i + wrap
		if j > len(s) {
			j = len(s)
		}
		buf.WriteString(s[i:j])
		buf.WriteByte('\n')
	}
}

func writeFasta(t *testing.T, dir, base string, wrap int, seqs []testSeq) string {
	var data, fai bytes.Buffer
	for _, s := range seqs {
		fmt.Fprintf(&data, ">%s\n", s.name)
		fmt.Fprintf(&fai, "%s\t%d\t%d\t%d\t%d\n", s.name, len(s.seq), data.Len(), wrap, wrap+1)
		wrapLines(&data, s.seq, wrap)
	}
	path := filepath.Join(dir, base)
	require.NoError(t, os.WriteFile(path, data.Bytes(), 0o644))
	require.NoError(t, os.WriteFile(path+".fai", fai.Bytes(), 0o644))
	return path
}

func writeFastq(t *testing.T, dir, base string, wrap int, seqs []testSeq) string {
	var data, fai bytes.Buffer
	for _, s := range seqs {
		fmt.Fprintf(&data, "@%s\n", s.name)
		seqOff := data.Len()
		wrapLines(&data, s.seq, wrap)
		data.WriteString("+\n")
		qualOff := data.Len()
		wrapLines(&data, s.qual, wrap)
		fmt.Fprintf(&fai, "%s\t%d\t%d\t%d\t%d\t%d\n", s.name, len(s.seq), seqOff, wrap, wrap+1, qualOff)
	}
	path := filepath.Join(dir, base)
	require.NoError(t, os.WriteFile(path, data.Bytes(), 0o644))
	require.NoError(t, os.WriteFile(path+".fai", fai.Bytes(), 0o644))
	return path
}

func appendBgzfBlock(t *testing.T, file []byte, payload []byte) []byte {
	var cdata bytes.Buffer
	fw, err := flate.NewWriter(&cdata, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	bsize := 12 + 6 + cdata.Len() + 8
	header := []byte{
		0x1f, 0x8b, 8, 4,
		0, 0, 0, 0,
		0, 0xff,
		6, 0,
		'B', 'C', 2, 0, 0, 0,
	}
	binary.LittleEndian.PutUint16(header[16:18], uint16(bsize-1))
	file = append(file, header...)
	file = append(file, cdata.Bytes()...)
	var footer [8]byte
	binary.LittleEndian.PutUint32(footer[:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(footer[4:], uint32(len(payload)))
	return append(file, footer[:]...)
}

// bgzfCompress rewrites the plain fixture as a BGZF file with its .gzi and
// .fai sidecars next to it, and returns the compressed data path.
func bgzfCompress(t *testing.T, plainPath string, blockSize int) string {
	content, err := os.ReadFile(plainPath)
	require.NoError(t, err)
	var file []byte
	var pairs []uint64
	for off := 0; off < len(content); off += blockSize {
		tail := off + blockSize
		if tail > len(content) {
			tail = len(content)
		}
		if off > 0 {
			pairs = append(pairs, uint64(len(file)), uint64(off))
		}
		file = appendBgzfBlock(t, file, content[off:tail])
	}
	file = appendBgzfBlock(t, file, nil)

	gzPath := plainPath + ".gz"
	require.NoError(t, os.WriteFile(gzPath, file, 0o644))

	gzi := make([]byte, 8+8*len(pairs))
	binary.LittleEndian.PutUint64(gzi[:8], uint64(len(pairs)/2))
	for i, v := range pairs {
		binary.LittleEndian.PutUint64(gzi[8+8*i:], v)
	}
	require.NoError(t, os.WriteFile(gzPath+".gzi", gzi, 0o644))

	fai, err := os.ReadFile(plainPath + ".fai")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(gzPath+".fai", fai, 0o644))
	return gzPath
}

func repeatSeq(alphabet string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[i%len(alphabet)])
	}
	return b.String()
}

func testSeqs() []testSeq {
	return []testSeq{
		{name: "chr1", seq: repeatSeq("ACGT", 1420)},
		{name: "chr2", seq: repeatSeq("GATTACA", 60)},
		{name: "empty", seq: ""},
		{name: "chrM", seq: repeatSeq("TTAGGC", 59)},
	}
}

func Test_load_and_accessors(t *testing.T) {
	should := require.New(t)
	path := writeFasta(t, t.TempDir(), "ref.fa", 60, testSeqs())
	meta, err := Load(path, FormatFasta)
	should.NoError(err)
	defer meta.Close()

	should.Equal(4, meta.NumSeqs())
	should.Equal("chr1", meta.SeqName(0))
	should.Equal("chrM", meta.SeqName(3))
	should.Equal("", meta.SeqName(4))
	should.Equal("", meta.SeqName(-1))

	n, err := meta.SeqLen("chr1")
	should.NoError(err)
	should.Equal(int64(1420), n)
	n, err = meta.SeqLen("empty")
	should.NoError(err)
	should.Equal(int64(0), n)
	_, err = meta.SeqLen("chrX")
	should.ErrorIs(err, ErrNotFound)

	should.True(meta.HasSeq("chr2"))
	should.False(meta.HasSeq("chrX"))
	should.Equal(1, meta.Name2ID("chr2"))
	should.Equal(-1, meta.Name2ID("chrX"))
	should.Equal(FormatFasta, meta.Format())
	should.Equal(path, meta.Path())
}

func Test_load_missing_sidecar(t *testing.T) {
	should := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.fa")
	should.NoError(os.WriteFile(path, []byte(">chr1\nACGT\n"), 0o644))
	_, err := Load(path, FormatFasta)
	should.ErrorIs(err, ErrFormat)
}

func Test_load_malformed_sidecar(t *testing.T) {
	should := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.fa")
	should.NoError(os.WriteFile(path, []byte(">chr1\nACGT\n"), 0o644))
	for _, fai := range []string{
		"chr1\t4\t6\n",                  // too few columns
		"chr1\t4\t6\t60\t61\nchr1\t4\t6\t60\t61\n", // duplicate name
		"chr1\tx\t6\t60\t61\n",          // non-numeric length
		"chr1\t4\t6\t0\t1\n",            // zero payload width, non-empty sequence
		"chr1\t4\t6\t61\t60\n",          // payload wider than the line
	} {
		should.NoError(os.WriteFile(path+".fai", []byte(fai), 0o644))
		_, err := Load(path, FormatFasta)
		should.ErrorIs(err, ErrFormat, "fai: %q", fai)
	}
}

func Test_load_bgzf_without_block_index(t *testing.T) {
	should := require.New(t)
	plain := writeFasta(t, t.TempDir(), "ref.fa", 60, testSeqs())
	gzPath := bgzfCompress(t, plain, 128)
	should.NoError(os.Remove(gzPath + ".gzi"))
	_, err := Load(gzPath, FormatFasta)
	should.ErrorIs(err, ErrFormat)
}

func Test_load_bgzf_with_malformed_block_index(t *testing.T) {
	should := require.New(t)
	plain := writeFasta(t, t.TempDir(), "ref.fa", 60, testSeqs())
	gzPath := bgzfCompress(t, plain, 128)
	garbage := make([]byte, 8+16)
	binary.LittleEndian.PutUint64(garbage[:8], 99) // announces entries it does not have
	should.NoError(os.WriteFile(gzPath+".gzi", garbage, 0o644))
	_, err := Load(gzPath, FormatFasta)
	should.ErrorIs(err, ErrFormat)
}

func Test_load_plain_gzip_rejected(t *testing.T) {
	should := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.fa.gz")
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(">chr1\nACGT\n"))
	should.NoError(err)
	should.NoError(gw.Close())
	should.NoError(os.WriteFile(path, buf.Bytes(), 0o644))
	should.NoError(os.WriteFile(path+".fai", []byte("chr1\t4\t6\t60\t61\n"), 0o644))
	_, err = Load(path, FormatFasta)
	should.ErrorIs(err, ErrFormat)
}

func Test_reference_counting(t *testing.T) {
	should := require.New(t)
	path := writeFasta(t, t.TempDir(), "ref.fa", 60, testSeqs())
	meta, err := Load(path, FormatFasta)
	should.NoError(err)
	should.Equal(uint32(1), meta.refCnt.Count())

	const n = 8
	readers := make([]*Reader, n)
	for i := range readers {
		readers[i], err = meta.NewReader()
		should.NoError(err)
	}
	should.Equal(uint32(n+1), meta.refCnt.Count())
	for _, reader := range readers {
		should.NoError(reader.Close())
	}
	should.Equal(uint32(1), meta.refCnt.Count())

	should.NoError(meta.Close())
	should.Equal(uint32(0), meta.refCnt.Count())
	should.Nil(meta.Ref())
	_, err = meta.NewReader()
	should.Error(err)
}

func Test_reader_survives_meta_release(t *testing.T) {
	should := require.New(t)
	path := writeFasta(t, t.TempDir(), "ref.fa", 60, testSeqs())
	meta, err := Load(path, FormatFasta)
	should.NoError(err)
	reader, err := meta.NewReader()
	should.NoError(err)

	// the reader's reference keeps the tables alive past the load reference
	should.NoError(meta.Close())
	got, err := reader.FetchSeq("chr2", 0, 6)
	should.NoError(err)
	should.Equal("GATTACA", string(got))
	should.NoError(reader.Close())
}

func Test_ref_on_live_meta_hands_off(t *testing.T) {
	should := require.New(t)
	path := writeFasta(t, t.TempDir(), "ref.fa", 60, testSeqs())
	meta, err := Load(path, FormatFasta)
	should.NoError(err)

	other := meta.Ref()
	should.NotNil(other)
	should.NoError(meta.Close())
	should.True(other.HasSeq("chr1"))
	should.NoError(other.Close())
}

func Test_parse_region_pass_through(t *testing.T) {
	should := require.New(t)
	path := writeFasta(t, t.TempDir(), "ref.fa", 60, testSeqs())
	meta, err := Load(path, FormatFasta)
	should.NoError(err)
	defer meta.Close()

	parser := func(name2id func(string) int, region string) (int, int64, int64, error) {
		at := strings.IndexByte(region, ':')
		tid := name2id(region[:at])
		if tid < 0 {
			return -1, 0, 0, ErrNotFound
		}
		return tid, 10, 20, nil
	}
	tid, beg, end, err := meta.ParseRegion("chr2:10-20", parser)
	should.NoError(err)
	should.Equal(1, tid)
	should.Equal(int64(10), beg)
	should.Equal(int64(20), end)

	_, _, _, err = meta.ParseRegion("chrX:10-20", parser)
	should.ErrorIs(err, ErrNotFound)
}

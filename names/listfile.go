package names

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/meigma/casc/jenkins"
)

// Frame magics recognized at the start of a list file.
var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

const maxLineSize = 1 << 20

// LoadListFile reads the list file at path into reg.
//
// A missing file is not an error: the result has Missing set.
func LoadListFile(ctx context.Context, path string, exists ExistsFunc, reg *Registry, opts ...Option) (Stats, error) {
	o := newOptions(opts)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		o.logger.Debug("list file not found", "path", path)
		return Stats{Missing: true}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("names: open list file: %w", err)
	}
	defer f.Close()

	var total int64
	if fi, err := f.Stat(); err == nil {
		total = fi.Size()
	}
	st, err := readListFile(ctx, f, total, exists, reg, o)
	if err != nil {
		return st, fmt.Errorf("names: list file %s: %w", path, err)
	}
	return st, nil
}

// ReadListFile reads list file content from r into reg.
//
// Each non-empty line holds a path, optionally prefixed by a numeric file id
// and ';'. Lines starting with '#' are comments. Content may be UTF-8 with a
// byte order mark and may be wrapped in a zstd or lz4 frame.
func ReadListFile(ctx context.Context, r io.Reader, exists ExistsFunc, reg *Registry, opts ...Option) (Stats, error) {
	return readListFile(ctx, r, 0, exists, reg, newOptions(opts))
}

func readListFile(ctx context.Context, r io.Reader, total int64, exists ExistsFunc, reg *Registry, o *options) (Stats, error) {
	if exists == nil || reg == nil {
		return Stats{}, errors.New("names: list file needs an exists func and a registry")
	}

	counter := &countingReader{r: r}
	br := bufio.NewReader(counter)
	src, closeFn, err := decompress(br)
	if err != nil {
		return Stats{}, err
	}
	defer closeFn()

	text := transform.NewReader(src, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	sc := bufio.NewScanner(text)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var st Stats
	var lines int
	for sc.Scan() {
		if lines%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			if o.progress != nil {
				o.progress(counter.n, total)
			}
		}
		lines++

		p := listPath(sc.Text())
		if p == "" {
			continue
		}
		st.Rows++
		h := jenkins.HashPath(p)
		if !exists(h) {
			st.Skipped++
			continue
		}
		reg.Add(h, p)
		st.Added++
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read: %w", err)
	}
	if o.progress != nil {
		o.progress(counter.n, total)
	}

	o.logger.Debug("list file loaded", "lines", lines, "added", st.Added, "skipped", st.Skipped)
	return st, nil
}

// decompress unwraps a zstd or lz4 frame when br starts with one.
func decompress(br *bufio.Reader) (io.Reader, func(), error) {
	magic, _ := br.Peek(4)
	switch {
	case bytes.Equal(magic, zstdMagic):
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return dec, dec.Close, nil
	case bytes.Equal(magic, lz4Magic):
		return lz4.NewReader(br), func() {}, nil
	default:
		return br, func() {}, nil
	}
}

// listPath extracts the path from one list file line.
func listPath(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return ""
	}
	if i := strings.IndexByte(line, ';'); i > 0 && isDigits(line[:i]) {
		line = strings.TrimSpace(line[i+1:])
	}
	return line
}

func isDigits(s string) bool {
	for i := range len(s) {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// countingReader counts bytes read from the underlying file.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

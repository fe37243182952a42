package archive

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/casc/jenkins"
	"github.com/meigma/casc/storage"
)

// Top-level source directories with this prefix hold file variants rather
// than paths: "@enUS/a/b.txt" is the enUS variant of a\b.txt and
// "@alternate/a/b.txt" its alternate variant.
const (
	variantPrefix = "@"
	alternateDir  = "@alternate"
)

// Create builds an archive from the contents of dir.
//
// File contents are written to dataW in walk order; the index, with entries
// sorted by name hash, is written to indexW. Paths are stored only as name
// hashes, except for files selected by CreateWithInstall which are also
// listed in the install manifest.
//
// Files under a top-level "@<locale>" directory become variants for that
// locale; "@alternate" holds alternate variants. All other files serve every
// locale. Empty directories and symbolic links are skipped.
//
// The context can be used for cancellation of long-running archive creation.
func Create(ctx context.Context, dir string, indexW, dataW io.Writer, opts ...CreateOption) error {
	cfg := createConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer root.Close()

	w := &writer{cfg: cfg, logger: cfg.logger}
	w.log().Info("creating archive", "dir", dir, "compression", cfg.compression.String())

	files, err := w.enumerate(ctx, root)
	if err != nil {
		return err
	}

	hasher := sha256.New()
	entries, install, dataSize, err := w.writeData(ctx, root, files, io.MultiWriter(dataW, hasher))
	if err != nil {
		return err
	}
	w.log().Debug("archive data written", "file_count", len(entries), "install_count", len(install), "data_size", dataSize)

	// Stable: variants of one name keep walk order, which breaks SetFlags ties.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].NameHash < entries[j].NameHash })

	_, err = indexW.Write(buildIndex(cfg.build, entries, install, dataSize, hasher.Sum(nil)))
	return err
}

// sourceFile is a file found by enumerate.
type sourceFile struct {
	fsPath  string
	path    string
	locale  storage.LocaleFlags
	content storage.ContentFlags
}

// writer holds state for archive creation.
type writer struct {
	cfg    createConfig
	logger *slog.Logger
}

// log returns the logger, falling back to a discard logger if nil.
func (w *writer) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.logger
}

func (w *writer) report(percent int, message string) {
	if w.cfg.progress != nil {
		w.cfg.progress(percent, message)
	}
}

// enumerate walks dir and maps each regular file to its archive path and variant.
func (w *writer) enumerate(ctx context.Context, root *os.Root) ([]sourceFile, error) {
	maxFiles := w.cfg.maxFiles
	if maxFiles == 0 {
		maxFiles = DefaultMaxFiles
	}

	var files []sourceFile
	err := fs.WalkDir(root.FS(), ".", func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			w.log().Debug("skipped non-regular file", "path", path)
			return nil
		}
		if maxFiles > 0 && len(files) >= maxFiles {
			return ErrTooManyFiles
		}
		f, err := sourceFileFor(path)
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.report(0, fmt.Sprintf("found %d files", len(files)))
	return files, nil
}

// sourceFileFor parses a slash-separated source path.
func sourceFileFor(path string) (sourceFile, error) {
	f := sourceFile{
		fsPath: filepath.FromSlash(path),
		locale: storage.LocaleAll,
	}
	rel := path
	if top, rest, ok := strings.Cut(path, "/"); ok && strings.HasPrefix(top, variantPrefix) {
		switch {
		case strings.EqualFold(top, alternateDir):
			f.content = storage.ContentAlternate
		default:
			locale, err := storage.ParseLocale(strings.TrimPrefix(top, variantPrefix))
			if err != nil {
				return sourceFile{}, fmt.Errorf("variant directory %s: %w", top, err)
			}
			f.locale = locale
		}
		rel = rest
	}
	f.path = strings.ReplaceAll(rel, "/", `\`)
	return f, nil
}

// writeData writes each file's content and returns the unsorted entries,
// the install manifest and the data size.
func (w *writer) writeData(ctx context.Context, root *os.Root, files []sourceFile, data io.Writer) ([]Entry, []InstallEntry, uint64, error) {
	var enc *zstd.Encoder
	if w.cfg.compression != CompressionNone {
		var err error
		enc, err = zstd.NewWriter(io.Discard, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if err != nil {
			return nil, nil, 0, fmt.Errorf("create zstd encoder: %w", err)
		}
	}
	buf := make([]byte, 32*1024)

	entries := make([]Entry, 0, len(files))
	var install []InstallEntry
	ids := make(map[uint64]uint32)
	listed := make(map[uint64]bool)
	var total uint64

	for i, f := range files {
		hash := jenkins.HashPath(f.path)
		id, ok := ids[hash]
		if !ok {
			id = uint32(len(ids) + 1) //nolint:gosec // bounded by maxFiles
			ids[hash] = id
		}

		e, err := w.writeEntry(ctx, root, data, enc, buf, f)
		if err != nil {
			return nil, nil, 0, err
		}
		if e.DataSize > ^uint64(0)-total {
			return nil, nil, 0, ErrSizeOverflow
		}
		e.NameHash = hash
		e.FileID = id
		e.DataOffset = total
		total += e.DataSize
		entries = append(entries, e)

		if !listed[hash] && isInstall(f.path, w.cfg.install) {
			listed[hash] = true
			install = append(install, InstallEntry{Name: f.path, NameHash: hash})
		}
		w.report((i+1)*100/len(files), f.path)
	}
	return entries, install, total, nil
}

// writeEntry writes one file's content to data and returns its entry without
// name hash, id or offset.
func (w *writer) writeEntry(ctx context.Context, root *os.Root, data io.Writer, enc *zstd.Encoder, buf []byte, f sourceFile) (Entry, error) {
	file, err := root.Open(f.fsPath)
	if err != nil {
		return Entry{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Entry{}, err
	}
	if !info.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("not a regular file: %s", f.fsPath)
	}

	compression := w.cfg.compression
	if compression != CompressionNone && shouldSkip(f.fsPath, info, w.cfg.skipCompression) {
		compression = CompressionNone
	}

	var stream *zstd.Encoder
	if compression == CompressionZstd {
		stream = enc
	}
	dataSize, originalSize, key, err := writeContent(ctx, file, data, stream, buf, info.Size())
	if err != nil {
		return Entry{}, fmt.Errorf("write %s: %w", f.fsPath, err)
	}

	return Entry{
		Locale:       f.locale,
		Content:      f.content,
		Key:          key,
		DataSize:     dataSize,
		OriginalSize: originalSize,
		Compression:  compression,
	}, nil
}

// writeContent streams size bytes of src through sha256 and, when enc is not
// nil, zstd compression. It returns (dataSize, originalSize, key, error).
func writeContent(ctx context.Context, src io.Reader, w io.Writer, enc *zstd.Encoder, buf []byte, size int64) (dataSize, originalSize uint64, key []byte, err error) {
	if size < 0 {
		return 0, 0, nil, errors.New("negative file size")
	}

	hasher := sha256.New()
	cw := &countingWriter{w: w}
	in := io.TeeReader(io.LimitReader(src, size), hasher)

	if enc == nil {
		originalSize, err = copyWithContext(ctx, cw, in, buf)
		if err != nil {
			return 0, 0, nil, err
		}
	} else {
		enc.Reset(cw)
		originalSize, err = copyWithContext(ctx, enc, in, buf)
		if err != nil {
			enc.Close()
			return 0, 0, nil, err
		}
		if err := enc.Close(); err != nil {
			return 0, 0, nil, fmt.Errorf("close zstd encoder: %w", err)
		}
	}

	if originalSize != uint64(size) {
		return 0, 0, nil, fmt.Errorf("file size changed during archive creation: expected %d, got %d", size, originalSize)
	}
	return cw.n, originalSize, hasher.Sum(nil), nil
}

// copyWithContext copies from src to dst until EOF or error, checking for
// context cancellation between reads. It returns the number of bytes read.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (uint64, error) {
	var n uint64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			if ew != nil {
				return n, ew
			}
			if nw != nr {
				return n, io.ErrShortWrite
			}
			n += uint64(nr) //nolint:gosec // nr is non-negative
		}
		if er != nil {
			if errors.Is(er, io.EOF) {
				return n, nil
			}
			return n, er
		}
	}
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n) //nolint:gosec // n is non-negative
	return n, err
}

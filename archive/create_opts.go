package archive

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/meigma/casc/storage"
)

// DefaultMaxFiles is the default limit used when no MaxFiles option is set.
const DefaultMaxFiles = 200_000

// SkipCompressionFunc returns true when a file should be stored uncompressed.
// It is called once per file and should be inexpensive.
type SkipCompressionFunc func(path string, info fs.FileInfo) bool

// InstallFunc reports whether the file at path belongs to the install
// manifest. Paths use the archive separator.
type InstallFunc func(path string) bool

// createConfig holds configuration for archive creation.
type createConfig struct {
	compression     Compression
	skipCompression []SkipCompressionFunc
	install         []InstallFunc
	build           string
	maxFiles        int
	progress        storage.ProgressFunc
	logger          *slog.Logger
}

// CreateOption configures archive creation.
type CreateOption func(*createConfig)

// CreateWithCompression sets the compression algorithm to use.
// Use CompressionNone to store files uncompressed, CompressionZstd for zstd.
func CreateWithCompression(c Compression) CreateOption {
	return func(cfg *createConfig) {
		cfg.compression = c
	}
}

// CreateWithSkipCompression adds predicates that decide to store a file uncompressed.
// If any predicate returns true, compression is skipped for that file.
func CreateWithSkipCompression(fns ...SkipCompressionFunc) CreateOption {
	return func(cfg *createConfig) {
		cfg.skipCompression = append(cfg.skipCompression, fns...)
	}
}

// CreateWithInstall adds predicates selecting install manifest files. A file
// is listed when any predicate returns true.
func CreateWithInstall(fns ...InstallFunc) CreateOption {
	return func(cfg *createConfig) {
		cfg.install = append(cfg.install, fns...)
	}
}

// CreateWithBuild records a build name in the index.
func CreateWithBuild(name string) CreateOption {
	return func(cfg *createConfig) {
		cfg.build = name
	}
}

// CreateWithMaxFiles limits the number of files included in the archive.
// Zero uses DefaultMaxFiles. Negative means no limit.
func CreateWithMaxFiles(n int) CreateOption {
	return func(cfg *createConfig) {
		cfg.maxFiles = n
	}
}

// CreateWithProgress reports progress as files are written.
func CreateWithProgress(fn storage.ProgressFunc) CreateOption {
	return func(cfg *createConfig) {
		cfg.progress = fn
	}
}

// CreateWithLogger sets the logger for archive creation.
func CreateWithLogger(logger *slog.Logger) CreateOption {
	return func(cfg *createConfig) {
		cfg.logger = logger
	}
}

// DefaultSkipCompression returns a SkipCompressionFunc that skips small files
// and known already-compressed extensions.
func DefaultSkipCompression(minSize int64) SkipCompressionFunc {
	return func(path string, info fs.FileInfo) bool {
		if info != nil && minSize > 0 && info.Size() < minSize {
			return true
		}
		ext := strings.ToLower(filepath.Ext(path))
		_, ok := skipCompressionExts[ext]
		return ok
	}
}

// InstallPrefix returns an InstallFunc selecting files under any of the
// given folders. Matching is case-insensitive.
func InstallPrefix(folders ...string) InstallFunc {
	prefixes := make([]string, len(folders))
	for i, f := range folders {
		prefixes[i] = strings.ToUpper(strings.TrimSuffix(strings.ReplaceAll(f, "/", `\`), `\`)) + `\`
	}
	return func(path string) bool {
		upper := strings.ToUpper(path)
		for _, p := range prefixes {
			if strings.HasPrefix(upper, p) {
				return true
			}
		}
		return false
	}
}

func shouldSkip(path string, info fs.FileInfo, predicates []SkipCompressionFunc) bool {
	for _, fn := range predicates {
		if fn != nil && fn(path, info) {
			return true
		}
	}
	return false
}

func isInstall(path string, predicates []InstallFunc) bool {
	for _, fn := range predicates {
		if fn != nil && fn(path) {
			return true
		}
	}
	return false
}

// Game data ships many of these already compressed.
var skipCompressionExts = map[string]struct{}{
	".avi":  {},
	".blp":  {},
	".bz2":  {},
	".gz":   {},
	".jpg":  {},
	".mp3":  {},
	".ogg":  {},
	".png":  {},
	".webm": {},
	".zip":  {},
	".zst":  {},
}

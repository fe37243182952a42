package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/meigma/casc/storage"
)

// Remote fetches archives of online builds.
type Remote interface {
	// PullIndex returns the verified index blob of build.
	PullIndex(ctx context.Context, cfg *storage.Config, build storage.Build) ([]byte, error)

	// DataSource returns random access to the data blob of build.
	DataSource(ctx context.Context, cfg *storage.Config, build storage.Build) (ByteSource, error)
}

// Engine opens archives for the loading pipeline. Local configs open
// Data/archive/<key> under the base path; online configs go through the
// Remote.
type Engine struct {
	remote      Remote
	blocks      BlockCache
	archiveOpts []Option
	logger      *slog.Logger
}

// BlockCache wraps remote data sources with a read cache.
type BlockCache interface {
	Wrap(src ByteSource) (ByteSource, error)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// EngineWithRemote sets the remote used for online configs.
func EngineWithRemote(r Remote) EngineOption {
	return func(e *Engine) {
		e.remote = r
	}
}

// EngineWithBlockCache caches remote data reads in c.
func EngineWithBlockCache(c BlockCache) EngineOption {
	return func(e *Engine) {
		e.blocks = c
	}
}

// EngineWithArchiveOptions sets options applied to every opened archive.
func EngineWithArchiveOptions(opts ...Option) EngineOption {
	return func(e *Engine) {
		e.archiveOpts = append(e.archiveOpts, opts...)
	}
}

// EngineWithLogger sets the logger for the engine and opened archives.
func EngineWithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// log returns the logger, falling back to a discard logger if nil.
func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

func (e *Engine) options(extra ...Option) []Option {
	opts := make([]Option, 0, len(e.archiveOpts)+len(extra)+1)
	if e.logger != nil {
		opts = append(opts, WithLogger(e.logger))
	}
	opts = append(opts, e.archiveOpts...)
	return append(opts, extra...)
}

// Open opens the active build of cfg.
func (e *Engine) Open(ctx context.Context, cfg *storage.Config, progress storage.ProgressFunc) (storage.Handle, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	build, ok := cfg.Build()
	if !ok {
		return nil, errors.New("archive: config has no active build")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !cfg.Online {
		progress(0, "opening local archive "+build.Key)
		a, err := OpenLocal(cfg.BasePath, build.Key, e.options()...)
		if err != nil {
			return nil, err
		}
		progress(100, "opened "+build.Name)
		e.log().Info("opened local archive", "base", cfg.BasePath, "build", build.Name, "entries", a.Len())
		return a, nil
	}

	if e.remote == nil {
		return nil, ErrNoRemote
	}
	progress(0, "fetching index of "+build.Name)
	indexData, err := e.remote.PullIndex(ctx, cfg, build)
	if err != nil {
		return nil, fmt.Errorf("pull index: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress(50, "connecting to data of "+build.Name)
	source, err := e.remote.DataSource(ctx, cfg, build)
	if err != nil {
		return nil, fmt.Errorf("data source: %w", err)
	}

	var extra []Option
	closer, owned := source.(io.Closer)
	if owned {
		extra = append(extra, withCloser(closer))
	}
	if e.blocks != nil {
		cached, err := e.blocks.Wrap(source)
		if err != nil {
			if owned {
				closer.Close()
			}
			return nil, fmt.Errorf("block cache: %w", err)
		}
		source = cached
	}
	a, err := New(indexData, source, e.options(extra...)...)
	if err != nil {
		if owned {
			closer.Close()
		}
		return nil, err
	}
	progress(100, "opened "+build.Name)
	e.log().Info("opened remote archive", "repository", cfg.Repository, "build", build.Name, "entries", a.Len())
	return a, nil
}

// Interface compliance.
var _ storage.Engine = (*Engine)(nil)

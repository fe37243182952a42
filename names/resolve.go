package names

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"github.com/meigma/casc/jenkins"
	"github.com/meigma/casc/rowtable"
)

// Columns of the FileDataComplete table.
const (
	PathColumn = 0
	NameColumn = 1
)

// FileDataSchema is the schema Resolve reads rows with.
var FileDataSchema = rowtable.Schema{rowtable.TypeString, rowtable.TypeString}

// checkEvery is how many rows or lines pass between context checks.
const checkEvery = 1024

// ExistsFunc reports whether the storage engine holds a file with hash.
type ExistsFunc func(hash uint64) bool

// Stats summarizes one resolution pass.
type Stats struct {
	// Rows is the number of candidates examined.
	Rows int

	// Added is the number of candidates recorded in the registry.
	Added int

	// Skipped is the number of candidates the engine did not confirm.
	Skipped int

	// Missing is set by LoadListFile when the list file does not exist.
	Missing bool
}

// Option configures Resolve and LoadListFile.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	progress func(done, total int64)
}

// WithLogger sets the logger for the pass summary.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithProgress sets a callback reporting work done. Resolve reports rows,
// LoadListFile reports bytes. total is zero when unknown.
func WithProgress(fn func(done, total int64)) Option {
	return func(o *options) {
		o.progress = fn
	}
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Resolve records the path of every row whose hash exists in storage.
//
// Each row contributes path column + name column as one candidate. The
// candidate is hashed with [jenkins.HashPath] and added to reg only when
// exists confirms the hash; later rows overwrite earlier ones. Unconfirmed
// candidates are skipped silently. A row decode error aborts the pass.
func Resolve(ctx context.Context, rows iter.Seq2[rowtable.Row, error], exists ExistsFunc, reg *Registry, opts ...Option) (Stats, error) {
	if exists == nil || reg == nil {
		return Stats{}, errors.New("names: resolve needs an exists func and a registry")
	}
	o := newOptions(opts)

	var st Stats
	for row, err := range rows {
		if err != nil {
			return st, err
		}
		if st.Rows%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			if o.progress != nil {
				o.progress(int64(st.Rows), 0)
			}
		}
		st.Rows++

		dir, err := row.Str(PathColumn)
		if err != nil {
			return st, err
		}
		name, err := row.Str(NameColumn)
		if err != nil {
			return st, err
		}
		full := dir + name
		h := jenkins.HashPath(full)
		if !exists(h) {
			st.Skipped++
			continue
		}
		reg.Add(h, full)
		st.Added++
	}

	o.logger.Debug("names resolved", "rows", st.Rows, "added", st.Added, "skipped", st.Skipped)
	return st, nil
}

package casc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/meigma/casc/names"
	"github.com/meigma/casc/rowtable"
	"github.com/meigma/casc/storage"
)

// Overall progress at the start of each stage.
const (
	percentConfig       = 0
	percentSelect       = 5
	percentOpen         = 10
	percentFlags        = 60
	percentListFile     = 60
	percentSupplemental = 75
	percentMerge        = 90
	percentDone         = 100
)

// Loader runs the loading pipeline against a storage engine.
//
// A Loader runs at most one load at a time.
type Loader struct {
	engine   storage.Engine
	configs  ConfigLoader
	selector BuildSelector
	settings Settings
	logger   *slog.Logger

	busy atomic.Bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithSelector sets the collaborator choosing the build of online loads.
// Defaults to SelectActive.
func WithSelector(s BuildSelector) Option {
	return func(l *Loader) {
		l.selector = s
	}
}

// WithSettings sets the locale, override and list file applied by loads.
func WithSettings(s Settings) Option {
	return func(l *Loader) {
		l.settings = s
	}
}

// WithLogger sets the logger for pipeline diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a Loader opening storage with engine and resolving
// configurations with configs.
func NewLoader(engine storage.Engine, configs ConfigLoader, opts ...Option) *Loader {
	l := &Loader{
		engine:   engine,
		configs:  configs,
		selector: SelectActive(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// log returns the logger, falling back to a discard logger if nil.
func (l *Loader) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

// LoadOption configures a synchronous load.
type LoadOption func(*loadConfig)

type loadConfig struct {
	progress ProgressFunc
}

// LoadWithProgress sets a callback receiving every progress event on the
// loading goroutine.
func LoadWithProgress(fn ProgressFunc) LoadOption {
	return func(cfg *loadConfig) {
		cfg.progress = fn
	}
}

// Load runs the pipeline on the calling goroutine.
//
// Cancelling ctx aborts the run at the next stage boundary. Errors are
// *StageError values wrapping ErrConfig, ErrOpen, ErrFormat, ErrCancelled
// or the underlying cause.
func (l *Loader) Load(ctx context.Context, req LoadRequest, opts ...LoadOption) (*Result, error) {
	cfg := loadConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !l.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer l.busy.Store(false)

	report := func(ProgressEvent) {}
	if cfg.progress != nil {
		report = cfg.progress
	}
	return l.execute(ctx, req, uuid.Must(uuid.NewV7()).String(), report)
}

// Start runs the pipeline on a new goroutine. Follow it through the
// returned Run.
func (l *Loader) Start(ctx context.Context, req LoadRequest) (*Run, error) {
	if !l.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(ctx)
	run := newRun(uuid.Must(uuid.NewV7()).String(), cancel)
	go func() {
		defer cancel()
		res, err := l.execute(ctx, req, run.id, run.publish)
		l.busy.Store(false)
		run.finish(res, err)
	}()
	return run, nil
}

// execute runs the stages and reports the terminal event.
func (l *Loader) execute(ctx context.Context, req LoadRequest, id string, report ProgressFunc) (*Result, error) {
	p := &pipeline{
		loader: l,
		log:    l.log().With("run_id", id),
		report: report,
	}
	req = req.withDefaults()
	p.log.Info("load started", "online", req.Online, "product", req.Product, "region", req.Region, "path", req.LocalPath)

	res, err := p.run(ctx, req)
	switch {
	case err == nil:
		p.emit(StateDone, percentDone, "")
		p.log.Info("load finished", "files", res.Root.FileCount(), "names", res.Names.Len())
		return res, nil
	case errors.Is(err, ErrCancelled) || ctx.Err() != nil:
		err = p.cancelled(ctx, err)
		p.emit(StateCancelled, p.percent, "")
		p.log.Info("load cancelled", "stage", p.state.String())
	default:
		err = &StageError{State: p.state, Err: err}
		p.emit(StateFailed, p.percent, err.Error())
		p.log.Warn("load failed", "stage", p.state.String(), "error", err)
	}
	return nil, err
}

// pipeline is the state of one run.
type pipeline struct {
	loader  *Loader
	log     *slog.Logger
	report  ProgressFunc
	state   State
	percent int
}

func (p *pipeline) emit(state State, percent int, msg string) {
	p.percent = percent
	p.report(ProgressEvent{State: state, Percent: percent, Message: msg})
}

// enter moves to the next stage unless the run was cancelled.
func (p *pipeline) enter(ctx context.Context, state State, percent int, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.state = state
	p.emit(state, percent, msg)
	p.log.Debug("stage entered", "stage", state.String())
	return nil
}

// cancelled returns the error reported for a cancelled run.
func (p *pipeline) cancelled(ctx context.Context, err error) error {
	if !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}
	return &StageError{State: p.state, Err: err}
}

// scaled maps done of total into the percent range [from, to].
func scaled(from, to int, done, total int64) int {
	if total <= 0 || done <= 0 {
		return from
	}
	if done > total {
		done = total
	}
	return from + int(int64(to-from)*done/total)
}

func (p *pipeline) run(ctx context.Context, req LoadRequest) (res *Result, err error) {
	l := p.loader

	if err := p.enter(ctx, StateConfigLoading, percentConfig, "loading config"); err != nil {
		return nil, err
	}
	cfg, err := p.loadConfig(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.Online {
		if err := p.enter(ctx, StateBuildSelecting, percentSelect, "selecting build"); err != nil {
			return nil, err
		}
		if err := p.selectBuild(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if err := p.enter(ctx, StateOpening, percentOpen, "opening storage"); err != nil {
		return nil, err
	}
	handle, err := l.engine.Open(ctx, cfg, func(percent int, msg string) {
		p.emit(StateOpening, scaled(percentOpen, percentFlags, int64(percent), 100), msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	// No handle reaches the caller unless the run is done.
	defer func() {
		if err != nil {
			if cerr := handle.Close(); cerr != nil {
				p.log.Warn("close storage", "error", cerr)
			}
		}
	}()

	if err := p.enter(ctx, StateRootFlagSetup, percentFlags, "setting flags"); err != nil {
		return nil, err
	}
	locale := l.settings.Locale
	if locale == 0 {
		locale = storage.LocaleAll
	}
	handle.SetFlags(locale, l.settings.Override)

	reg := names.NewRegistry()
	if err := p.enter(ctx, StateNameListLoading, percentListFile, "loading list file"); err != nil {
		return nil, err
	}
	if err := p.loadListFile(ctx, handle, reg); err != nil {
		return nil, err
	}

	if err := p.enter(ctx, StateSupplementalNameResolution, percentSupplemental, "resolving names"); err != nil {
		return nil, err
	}
	if handle.FileExistsPath(SupplementalTablePath) {
		if err := p.resolveSupplemental(ctx, handle, reg); err != nil {
			return nil, err
		}
	} else {
		p.log.Debug("supplemental table absent", "path", SupplementalTablePath)
	}

	if err := p.enter(ctx, StateInstallMerge, percentMerge, "merging install"); err != nil {
		return nil, err
	}
	root := handle.Folder(reg)
	handle.MergeInstall(root)

	// Last boundary: a cancel during the merge still wins.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Handle: handle, Root: root, Names: reg, Config: cfg}, nil
}

func (p *pipeline) loadConfig(ctx context.Context, req LoadRequest) (*storage.Config, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	var (
		cfg *storage.Config
		err error
	)
	if req.Online {
		cfg, err = p.loader.configs.LoadRemote(ctx, req.Product, req.Region)
	} else {
		cfg, err = p.loader.configs.LoadLocal(ctx, req.LocalPath, req.Product)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: no configuration", ErrConfig)
	}
	p.log.Debug("config loaded", "product", cfg.Product, "builds", len(cfg.Builds), "online", cfg.Online)
	return cfg, nil
}

func (p *pipeline) selectBuild(ctx context.Context, cfg *storage.Config) error {
	if len(cfg.Builds) == 0 {
		return fmt.Errorf("%w: no builds for %s", ErrConfig, cfg.Product)
	}
	idx, ok, err := p.loader.selector.SelectBuild(ctx, cfg)
	if err != nil {
		return fmt.Errorf("select build: %w", err)
	}
	if !ok {
		return ErrSelectionCancelled
	}
	if idx < 0 || idx >= len(cfg.Builds) {
		return fmt.Errorf("select build: index %d out of range [0,%d)", idx, len(cfg.Builds))
	}
	cfg.ActiveBuild = idx
	p.log.Info("build selected", "build", cfg.Builds[idx].Name)
	return nil
}

func (p *pipeline) loadListFile(ctx context.Context, h storage.Handle, reg *names.Registry) error {
	path := p.loader.settings.ListFile
	if path == "" {
		return nil
	}
	st, err := names.LoadListFile(ctx, path, h.FileExists, reg,
		names.WithLogger(p.log),
		names.WithProgress(func(done, total int64) {
			p.emit(StateNameListLoading, scaled(percentListFile, percentSupplemental, done, total), "loading list file")
		}),
	)
	if err != nil {
		return err
	}
	if st.Missing {
		p.log.Debug("list file missing", "path", path)
	}
	return nil
}

// resolveSupplemental names files from the supplemental table. The table
// stream is closed on every path.
func (p *pipeline) resolveSupplemental(ctx context.Context, h storage.Handle, reg *names.Registry) error {
	rc, err := h.OpenPath(SupplementalTablePath)
	if err != nil {
		return fmt.Errorf("open supplemental table: %w", err)
	}
	defer rc.Close()

	table, err := rowtable.NewReader(rc, names.FileDataSchema, rowtable.WithLogger(p.log))
	if err != nil {
		return err
	}
	defer table.Close()

	total := int64(table.Len())
	_, err = names.Resolve(ctx, table.Rows(), h.FileExists, reg,
		names.WithLogger(p.log),
		names.WithProgress(func(done, _ int64) {
			p.emit(StateSupplementalNameResolution, scaled(percentSupplemental, percentMerge, done, total), "resolving names")
		}),
	)
	return err
}

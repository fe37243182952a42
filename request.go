package casc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/meigma/casc/names"
	"github.com/meigma/casc/storage"
	"github.com/meigma/casc/tree"
)

// SupplementalTablePath is the table whose rows name otherwise unnamed files.
const SupplementalTablePath = `DBFilesClient\FileDataComplete.db2`

// DefaultRegion is the catalog region of online requests that name none.
const DefaultRegion = "eu"

// LoadRequest selects the storage to load.
type LoadRequest struct {
	// Online selects the remote catalog instead of a local install.
	Online bool

	// LocalPath is the install directory when Online is false.
	LocalPath string

	// Product is the product code, for example "wow".
	Product string

	// Region is the catalog region when Online is set. Empty selects
	// DefaultRegion.
	Region string
}

func (r LoadRequest) withDefaults() LoadRequest {
	if r.Online && r.Region == "" {
		r.Region = DefaultRegion
	}
	return r
}

func (r LoadRequest) validate() error {
	switch {
	case r.Product == "":
		return errors.New("no product")
	case !r.Online && r.LocalPath == "":
		return errors.New("no local path")
	}
	return nil
}

// ConfigLoader resolves storage configurations.
type ConfigLoader interface {
	// LoadLocal reads the configuration of a local install.
	LoadLocal(ctx context.Context, basePath, product string) (*storage.Config, error)

	// LoadRemote lists the remote builds of product in region.
	LoadRemote(ctx context.Context, product, region string) (*storage.Config, error)
}

// Configs adapts two functions to a ConfigLoader. A nil function reports
// that the source is not configured.
type Configs struct {
	Local  func(ctx context.Context, basePath, product string) (*storage.Config, error)
	Remote func(ctx context.Context, product, region string) (*storage.Config, error)
}

// LoadLocal calls c.Local.
func (c Configs) LoadLocal(ctx context.Context, basePath, product string) (*storage.Config, error) {
	if c.Local == nil {
		return nil, errors.New("no local config source")
	}
	return c.Local(ctx, basePath, product)
}

// LoadRemote calls c.Remote.
func (c Configs) LoadRemote(ctx context.Context, product, region string) (*storage.Config, error) {
	if c.Remote == nil {
		return nil, errors.New("no remote config source")
	}
	return c.Remote(ctx, product, region)
}

var _ ConfigLoader = Configs{}

// BuildSelector chooses the build to open from cfg.Builds.
//
// It returns the index of the chosen build, or ok false when the choice was
// declined.
type BuildSelector interface {
	SelectBuild(ctx context.Context, cfg *storage.Config) (index int, ok bool, err error)
}

// SelectBuildFunc adapts a function to a BuildSelector.
type SelectBuildFunc func(ctx context.Context, cfg *storage.Config) (int, bool, error)

// SelectBuild calls f.
func (f SelectBuildFunc) SelectBuild(ctx context.Context, cfg *storage.Config) (int, bool, error) {
	return f(ctx, cfg)
}

// SelectActive keeps the build the config loader preselected.
func SelectActive() BuildSelector {
	return SelectBuildFunc(func(_ context.Context, cfg *storage.Config) (int, bool, error) {
		if _, ok := cfg.Build(); !ok {
			return 0, false, nil
		}
		return cfg.ActiveBuild, true, nil
	})
}

// SelectBuildName picks the build named name. An unknown name is an error.
func SelectBuildName(name string) BuildSelector {
	return SelectBuildFunc(func(_ context.Context, cfg *storage.Config) (int, bool, error) {
		for i, b := range cfg.Builds {
			if b.Name == name || b.Version == name {
				return i, true, nil
			}
		}
		return 0, false, fmt.Errorf("build %q not found", name)
	})
}

// Settings are the persisted user settings a load applies.
type Settings struct {
	// Locale selects the active file variants. Zero means every locale.
	Locale storage.LocaleFlags

	// Override prefers alternate variants over regular ones.
	Override bool

	// ListFile is the path of a list file naming files. Empty skips it.
	ListFile string
}

// Result is the outcome of a successful run.
//
// Names stays valid until Close.
type Result struct {
	Handle storage.Handle
	Root   *tree.Folder
	Names  *names.Registry
	Config *storage.Config
}

// FS returns the loaded namespace as an fs.FS reading through the handle.
func (r *Result) FS() fs.FS {
	return tree.NewFS(r.Root, func(f *tree.File) (io.ReadCloser, error) {
		return r.Handle.OpenFile(f.Hash)
	})
}

// Close releases the handle and invalidates the names.
func (r *Result) Close() error {
	r.Names.Invalidate()
	return r.Handle.Close()
}

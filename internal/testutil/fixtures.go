package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/meigma/casc/rowtable"
	"github.com/meigma/casc/storage"
)

// FileDataTable encodes a FileDataComplete table holding one (path, name)
// pair per row.
func FileDataTable(tb testing.TB, rows ...[2]string) []byte {
	tb.Helper()
	table := &rowtable.Table{
		Schema: rowtable.Schema{rowtable.TypeString, rowtable.TypeString},
	}
	for i, row := range rows {
		table.Records = append(table.Records, rowtable.Record{
			ID:     uint32(i + 1), //nolint:gosec // small test tables
			Values: []rowtable.Value{rowtable.StringValue(row[0]), rowtable.StringValue(row[1])},
		})
	}
	var buf bytes.Buffer
	if err := rowtable.Encode(&buf, table); err != nil {
		tb.Fatalf("encode table: %v", err)
	}
	return buf.Bytes()
}

// WriteTree writes files, keyed by slash-separated relative path, under dir.
func WriteTree(tb testing.TB, dir string, files map[string]string) {
	tb.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			tb.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			tb.Fatalf("write %s: %v", name, err)
		}
	}
}

// Configs is a config loader returning fixed configurations.
type Configs struct {
	// Local is returned by LoadLocal.
	Local *storage.Config

	// Remote is returned by LoadRemote.
	Remote *storage.Config

	// Err fails both loads when set.
	Err error
}

// LoadLocal returns c.Local with its base path set.
func (c *Configs) LoadLocal(_ context.Context, basePath, product string) (*storage.Config, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	cfg := *c.Local
	cfg.BasePath, cfg.Product = basePath, product
	return &cfg, nil
}

// LoadRemote returns c.Remote.
func (c *Configs) LoadRemote(_ context.Context, product, region string) (*storage.Config, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	cfg := *c.Remote
	cfg.Product, cfg.Region = product, region
	return &cfg, nil
}

// NewConfigs returns loaders for one local build and the given remote builds.
func NewConfigs(remote ...string) *Configs {
	c := &Configs{
		Local: &storage.Config{Builds: []storage.Build{{Name: "local", Key: "0123456789abcdef0123456789abcdef"}}},
	}
	c.Remote = &storage.Config{Online: true, Repository: "registry.test/eu/wow"}
	for _, name := range remote {
		c.Remote.Builds = append(c.Remote.Builds, storage.Build{Name: name})
	}
	return c
}

// Package buildinfo reads and writes the .build.info file of a local
// installation.
//
// The file is a pipe separated table (BPSV). The first line declares the
// columns as Name!TYPE:size, following lines hold one build each and lines
// starting with "##" carry metadata such as the sequence number.
package buildinfo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/meigma/casc/storage"
)

// FileName is the name of the build info file in an installation directory.
const FileName = ".build.info"

// Well-known column names.
const (
	ColumnBranch        = "Branch"
	ColumnActive        = "Active"
	ColumnBuildKey      = "Build Key"
	ColumnVersion       = "Version"
	ColumnProduct       = "Product"
	ColumnLastActivated = "Last Activated"
	ColumnBuildName     = "Build Name"
)

var (
	// ErrMalformed is returned when the file is not valid BPSV.
	ErrMalformed = errors.New("buildinfo: malformed file")

	// ErrNoProduct is returned when no row lists the requested product.
	ErrNoProduct = errors.New("buildinfo: product not installed")
)

// Column is one declared column.
type Column struct {
	Name string
	Type string
	Size int
}

func (c Column) String() string {
	return fmt.Sprintf("%s!%s:%d", c.Name, c.Type, c.Size)
}

// File is a parsed build info table.
type File struct {
	Columns []Column
	Rows    [][]string
	Seqn    int
}

// Parse reads a BPSV table from r.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		switch {
		case strings.TrimSpace(text) == "":
			continue
		case strings.HasPrefix(text, "##"):
			parseMeta(f, text)
			continue
		case f.Columns == nil:
			cols, err := parseColumns(text)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
			}
			f.Columns = cols
			continue
		}
		row := strings.Split(text, "|")
		if len(row) != len(f.Columns) {
			return nil, fmt.Errorf("%w: line %d: %d fields, want %d", ErrMalformed, line, len(row), len(f.Columns))
		}
		f.Rows = append(f.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if f.Columns == nil {
		return nil, fmt.Errorf("%w: no header", ErrMalformed)
	}
	return f, nil
}

func parseMeta(f *File, text string) {
	key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(text, "##")), "=")
	if !ok || strings.TrimSpace(key) != "seqn" {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		f.Seqn = n
	}
}

func parseColumns(text string) ([]Column, error) {
	parts := strings.Split(text, "|")
	cols := make([]Column, 0, len(parts))
	for _, p := range parts {
		name, spec, ok := strings.Cut(p, "!")
		if !ok || name == "" {
			return nil, fmt.Errorf("column %q", p)
		}
		typ, size, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("column %q", p)
		}
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", p, err)
		}
		cols = append(cols, Column{Name: name, Type: strings.ToUpper(typ), Size: n})
	}
	return cols, nil
}

// Write writes the table in BPSV form.
func (f *File) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	header := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		header[i] = c.String()
	}
	fmt.Fprintln(bw, strings.Join(header, "|"))
	if f.Seqn != 0 {
		fmt.Fprintf(bw, "## seqn = %d\n", f.Seqn)
	}
	for _, row := range f.Rows {
		fmt.Fprintln(bw, strings.Join(row, "|"))
	}
	return bw.Flush()
}

// column returns the index of the named column.
func (f *File) column(name string) int {
	for i, c := range f.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value of the named column in row i.
func (f *File) Get(i int, name string) (string, bool) {
	c := f.column(name)
	if c < 0 || i < 0 || i >= len(f.Rows) {
		return "", false
	}
	return f.Rows[i][c], true
}

// Builds returns the builds listed for product and the index of the active one.
// The active build is the first row with Active set, or the first row.
func (f *File) Builds(product string) ([]storage.Build, int, error) {
	var builds []storage.Build
	active := -1
	for i := range f.Rows {
		if p, ok := f.Get(i, ColumnProduct); ok && !strings.EqualFold(p, product) {
			continue
		}
		b := storage.Build{}
		b.Key, _ = f.Get(i, ColumnBuildKey)
		b.Version, _ = f.Get(i, ColumnVersion)
		b.Branch, _ = f.Get(i, ColumnBranch)
		b.Name, _ = f.Get(i, ColumnBuildName)
		if b.Name == "" {
			b.Name = b.Version
		}
		if ts, ok := f.Get(i, ColumnLastActivated); ok && ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				b.Created = t
			}
		}
		if a, _ := f.Get(i, ColumnActive); a == "1" && active < 0 {
			active = len(builds)
		}
		builds = append(builds, b)
	}
	if len(builds) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoProduct, product)
	}
	if active < 0 {
		active = 0
	}
	return builds, active, nil
}

// Read parses the build info file at path.
func Read(path string) (*File, error) {
	fh, err := os.Open(path) //nolint:gosec // User-provided path is intentional
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(fh)
}

// LoadLocal resolves the storage configuration of the installation in
// basePath for product.
func LoadLocal(ctx context.Context, basePath, product string) (*storage.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := Read(filepath.Join(basePath, FileName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}
	builds, active, err := f.Builds(product)
	if err != nil {
		return nil, err
	}
	return &storage.Config{
		Product:     product,
		BasePath:    basePath,
		Builds:      builds,
		ActiveBuild: active,
	}, nil
}

// defaultColumns is the layout written for new files.
var defaultColumns = []Column{
	{Name: ColumnBranch, Type: "STRING", Size: 0},
	{Name: ColumnActive, Type: "DEC", Size: 1},
	{Name: ColumnBuildKey, Type: "HEX", Size: 16},
	{Name: ColumnVersion, Type: "STRING", Size: 0},
	{Name: ColumnProduct, Type: "STRING", Size: 0},
	{Name: ColumnLastActivated, Type: "STRING", Size: 0},
	{Name: ColumnBuildName, Type: "STRING", Size: 0},
}

// Activate records build as the active build of product in the build info
// file at path, creating the file when missing. Other builds of the product
// are marked inactive and a row with the same key is replaced.
func Activate(path, product string, build storage.Build) error {
	f, err := Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		f = &File{Columns: append([]Column(nil), defaultColumns...)}
	case err != nil:
		return err
	}
	for _, c := range defaultColumns {
		if f.column(c.Name) < 0 {
			f.addColumn(c)
		}
	}

	created := build.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	values := map[string]string{
		ColumnBranch:        build.Branch,
		ColumnActive:        "1",
		ColumnBuildKey:      build.Key,
		ColumnVersion:       build.Version,
		ColumnProduct:       product,
		ColumnLastActivated: created.Format(time.RFC3339),
		ColumnBuildName:     build.Name,
	}

	productCol, keyCol, activeCol := f.column(ColumnProduct), f.column(ColumnBuildKey), f.column(ColumnActive)
	rows := make([][]string, 0, len(f.Rows)+1)
	for _, row := range f.Rows {
		if strings.EqualFold(row[productCol], product) {
			if row[keyCol] == build.Key {
				continue
			}
			row[activeCol] = "0"
		}
		rows = append(rows, row)
	}
	row := make([]string, len(f.Columns))
	for name, v := range values {
		row[f.column(name)] = v
	}
	f.Rows = append([][]string{row}, rows...)
	f.Seqn++

	return writeFileAtomic(path, f)
}

func (f *File) addColumn(c Column) {
	f.Columns = append(f.Columns, c)
	for i := range f.Rows {
		f.Rows[i] = append(f.Rows[i], "")
	}
}

// writeFileAtomic writes f to a temp file then renames it to target.
func writeFileAtomic(target string, f *File) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".build.info-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := f.Write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

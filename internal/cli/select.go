package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/meigma/casc"
	"github.com/meigma/casc/storage"
)

// promptSelector asks the user to pick a build.
type promptSelector struct {
	in  io.Reader
	out io.Writer
}

// SelectBuild implements casc.BuildSelector. Aborting the prompt declines
// the selection.
func (p *promptSelector) SelectBuild(ctx context.Context, cfg *storage.Config) (int, bool, error) {
	idx := cfg.ActiveBuild
	options := make([]huh.Option[int], len(cfg.Builds))
	for i, b := range cfg.Builds {
		options[i] = huh.NewOption(buildLabel(b), i)
	}
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[int]().
			Title(fmt.Sprintf("Build of %s (%s)", cfg.Product, cfg.Region)).
			Options(options...).
			Value(&idx),
	)).WithInput(p.in).WithOutput(p.out)

	err := form.RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return idx, true, nil
}

func buildLabel(b storage.Build) string {
	label := b.Name
	if b.Version != "" && b.Version != b.Name {
		label += " (" + b.Version + ")"
	}
	if b.Branch != "" {
		label += " [" + b.Branch + "]"
	}
	if !b.Created.IsZero() {
		label += " " + b.Created.Format("2006-01-02")
	}
	return label
}

// selector picks how the build of an online load is chosen: by name when
// given, interactively on a terminal, else the newest build.
func selector(name string, in io.Reader, out io.Writer) casc.BuildSelector {
	switch {
	case name != "":
		return casc.SelectBuildName(name)
	case isTerminal(in):
		return &promptSelector{in: in, out: out}
	default:
		return casc.SelectActive()
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // descriptors fit in int
}

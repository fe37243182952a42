package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/meigma/casc"
	"github.com/meigma/casc/archive"
	"github.com/meigma/casc/archive/blockcache"
	"github.com/meigma/casc/buildinfo"
	"github.com/meigma/casc/tree"
)

// OpenOptions holds flags for the open command.
type OpenOptions struct {
	*RootOptions
	Local   string
	Online  bool
	Product string
	Region  string
	Build   string
	List    string
	Cat     string
}

// NewOpenCommand creates the open command.
func NewOpenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OpenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Load storage and name its files",
		Long: `Load a local install or a remote build, resolve file names and
print a summary of the namespace.

Ctrl-C cancels the load at the next stage.

Examples:
  cascload open --local /games/wow --product wow
  cascload open --online --product wow --region eu --build 11.0.2
  cascload open --local /games/wow --product wow --ls Interface
  cascload open --local /games/wow --product wow --cat 'Data\install.txt'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOpen(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Local, "local", "", "local install directory")
	cmd.Flags().BoolVar(&opts.Online, "online", false, "load from the remote catalog")
	cmd.Flags().StringVar(&opts.Product, "product", "", "product code (required)")
	cmd.Flags().StringVar(&opts.Region, "region", "", "catalog region (defaults to the settings)")
	cmd.Flags().StringVar(&opts.Build, "build", "", "remote build name, skipping the prompt")
	cmd.Flags().StringVar(&opts.List, "ls", "", "list a folder of the loaded namespace")
	cmd.Flags().StringVar(&opts.Cat, "cat", "", "write a file of the loaded namespace to stdout")
	_ = cmd.MarkFlagRequired("product")
	cmd.MarkFlagsMutuallyExclusive("local", "online")
	cmd.MarkFlagsOneRequired("local", "online")
	cmd.MarkFlagsMutuallyExclusive("ls", "cat")

	return cmd
}

func runOpen(cmd *cobra.Command, opts *OpenOptions) error {
	settings, err := opts.Settings.loader()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid settings", err)
	}
	req := casc.LoadRequest{
		Online:    opts.Online,
		LocalPath: opts.Local,
		Product:   opts.Product,
		Region:    opts.Region,
	}
	if req.Region == "" {
		req.Region = opts.Settings.Region
	}

	engineOpts := []archive.EngineOption{archive.EngineWithLogger(opts.Logger)}
	configs := casc.Configs{Local: buildinfo.LoadLocal}
	if opts.Online {
		client, err := opts.catalogClient()
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, archive.EngineWithRemote(client))
		configs.Remote = client.LoadRemote

		if dir := opts.Settings.CacheDir; dir != "" {
			blocks, err := blockcache.New(dir,
				blockcache.WithMaxBytes(opts.Settings.CacheMaxBytes),
				blockcache.WithLogger(opts.Logger),
			)
			if err != nil {
				return WrapExitError(ExitFailure, "open block cache", err)
			}
			engineOpts = append(engineOpts, archive.EngineWithBlockCache(blocks))
		}
	}

	loader := casc.NewLoader(archive.NewEngine(engineOpts...), configs,
		casc.WithSelector(selector(opts.Build, cmd.InOrStdin(), cmd.ErrOrStderr())),
		casc.WithSettings(settings),
		casc.WithLogger(opts.Logger),
	)
	run, err := loader.Start(cmd.Context(), req)
	if err != nil {
		return WrapExitError(ExitFailure, "start load", err)
	}
	printProgress(cmd.ErrOrStderr(), run.Progress())

	res, err := run.Wait()
	switch {
	case errors.Is(err, casc.ErrCancelled):
		return WrapExitError(ExitCancelled, "load cancelled", err)
	case errors.Is(err, casc.ErrConfig):
		return WrapExitError(ExitCommandError, "load failed", err)
	case err != nil:
		return WrapExitError(ExitFailure, "load failed", err)
	}
	defer res.Close()

	out := cmd.OutOrStdout()
	switch {
	case opts.Cat != "":
		return catFile(out, res, opts.Cat)
	case cmd.Flags().Changed("ls"):
		return listFolder(out, res.Root, opts.List)
	default:
		return printSummary(out, res)
	}
}

// printProgress writes one line per status change until events closes.
func printProgress(w io.Writer, events <-chan casc.ProgressEvent) {
	var last string
	for ev := range events {
		msg := ev.Message
		if msg == "" {
			msg = ev.State.String()
		}
		if msg == last {
			continue
		}
		last = msg
		fmt.Fprintf(w, "[%3d%%] %s\n", ev.Percent, msg)
	}
}

func printSummary(w io.Writer, res *casc.Result) error {
	if build, ok := res.Config.Build(); ok {
		fmt.Fprintf(w, "build:   %s\n", build.Name)
	}
	fmt.Fprintf(w, "files:   %d\n", res.Root.FileCount())
	fmt.Fprintf(w, "named:   %d\n", res.Names.Len())
	unknown := 0
	if dir, ok := res.Root.Folder(archive.UnknownFolder); ok {
		unknown = dir.FileCount()
	}
	fmt.Fprintf(w, "unnamed: %d\n", unknown)
	for _, dir := range res.Root.Folders() {
		fmt.Fprintf(w, "  %s%s (%d)\n", dir.Name(), tree.Separator, dir.FileCount())
	}
	return nil
}

func listFolder(w io.Writer, root *tree.Folder, path string) error {
	dir, ok := root.Folder(path)
	if !ok {
		return WrapExitError(ExitCommandError, "ls", fmt.Errorf("%s: no such folder", path))
	}
	for _, sub := range dir.Folders() {
		fmt.Fprintf(w, "%s%s\n", sub.Name(), tree.Separator)
	}
	for _, f := range dir.Files() {
		fmt.Fprintf(w, "%-40s %10d  %016x\n", f.Name, f.Size, f.Hash)
	}
	return nil
}

func catFile(w io.Writer, res *casc.Result, path string) error {
	f, ok := res.Root.File(path)
	if !ok {
		return WrapExitError(ExitCommandError, "cat", fmt.Errorf("%s: %w", path, casc.ErrNotFound))
	}
	rc, err := res.Handle.OpenFile(f.Hash)
	if err != nil {
		return WrapExitError(ExitFailure, "cat", err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return WrapExitError(ExitFailure, "cat", err)
	}
	return nil
}

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meigma/casc/archive"
	"github.com/meigma/casc/storage"
)

// minCompressSize is the size below which files are stored uncompressed.
const minCompressSize = 512

// PackOptions holds archive creation flags shared by pack and push.
type PackOptions struct {
	*RootOptions
	Build       string
	Version     string
	Branch      string
	Compression string
	Install     []string
}

func (o *PackOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Build, "build", "", "build name (required)")
	cmd.Flags().StringVar(&o.Version, "version", "", "build version (defaults to the build name)")
	cmd.Flags().StringVar(&o.Branch, "branch", "", "release branch")
	cmd.Flags().StringVar(&o.Compression, "compression", "zstd", "content compression (zstd|none)")
	cmd.Flags().StringSliceVar(&o.Install, "install", nil, "folders listed in the install manifest")
	_ = cmd.MarkFlagRequired("build")
}

func (o *PackOptions) build() storage.Build {
	return storage.Build{Name: o.Build, Version: o.Version, Branch: o.Branch}
}

// createOptions returns the archive options, reporting progress to w.
func (o *PackOptions) createOptions(w io.Writer) ([]archive.CreateOption, error) {
	compression, err := parseCompression(o.Compression)
	if err != nil {
		return nil, err
	}
	opts := []archive.CreateOption{
		archive.CreateWithCompression(compression),
		archive.CreateWithSkipCompression(archive.DefaultSkipCompression(minCompressSize)),
		archive.CreateWithLogger(o.Logger),
		archive.CreateWithProgress(func(percent int, msg string) {
			fmt.Fprintf(w, "[%3d%%] %s\n", percent, msg)
		}),
	}
	if len(o.Install) > 0 {
		opts = append(opts, archive.CreateWithInstall(archive.InstallPrefix(o.Install...)))
	}
	return opts, nil
}

func parseCompression(s string) (archive.Compression, error) {
	switch strings.ToLower(s) {
	case "zstd":
		return archive.CompressionZstd, nil
	case "none", "":
		return archive.CompressionNone, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

type packOptions struct {
	PackOptions
	Product string
}

// NewPackCommand creates the pack command.
func NewPackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &packOptions{PackOptions: PackOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "pack <src-dir> <install-dir>",
		Short: "Pack a directory as a local install",
		Long: `Pack a directory into an archive under <install-dir>/Data/archive
and mark it as the active build of the product in .build.info.

Top-level "@<locale>" folders hold locale variants, "@alternate" holds
alternate variants.

Example:
  cascload pack ./content /games/wow --product wow --build 11.0.2 --install Data`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(cmd, opts, args[0], args[1])
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().StringVar(&opts.Product, "product", "", "product code (required)")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

func runPack(cmd *cobra.Command, opts *packOptions, src, dest string) error {
	createOpts, err := opts.createOptions(cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "pack", err)
	}
	build, err := archive.WriteLocal(cmd.Context(), src, dest, opts.Product, opts.build(), createOpts...)
	if err != nil {
		return WrapExitError(ExitFailure, "pack", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "packed %s as %s\n", build.Name, build.Key)
	return nil
}

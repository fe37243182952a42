package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"oras.land/oras-go/v2/registry"

	"github.com/meigma/casc/archive"
	"github.com/meigma/casc/catalog"
)

type pushOptions struct {
	PackOptions
	Tags []string
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &pushOptions{PackOptions: PackOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "push <src-dir> <repository>",
		Short: "Publish a directory as a remote build",
		Long: `Pack a directory and publish it as a build to a catalog repository.
The build name is the tag.

Example:
  cascload push ./content ghcr.io/myorg/eu/wow --build 11.0.2 --tag latest`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, opts, args[0], args[1])
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "additional tags")

	return cmd
}

func runPush(cmd *cobra.Command, opts *pushOptions, src, repo string) error {
	ref, err := registry.ParseReference(repo)
	if err != nil || ref.Reference != "" {
		return WrapExitError(ExitCommandError, "push", fmt.Errorf("%q is not a repository: %w", repo, catalog.ErrInvalidReference))
	}
	createOpts, err := opts.createOptions(cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "push", err)
	}

	// The archive is staged on disk; the data blob can exceed memory.
	dir, err := os.MkdirTemp("", "cascload-push-*")
	if err != nil {
		return WrapExitError(ExitFailure, "push", err)
	}
	defer os.RemoveAll(dir)
	indexPath := filepath.Join(dir, "archive"+archive.IndexExt)
	dataPath := filepath.Join(dir, "archive"+archive.DataExt)
	if err := createFiles(cmd, src, indexPath, dataPath, append(createOpts, archive.CreateWithBuild(opts.Build))); err != nil {
		return WrapExitError(ExitFailure, "push", err)
	}

	a, err := archive.OpenFile(indexPath, dataPath, archive.WithLogger(opts.Logger))
	if err != nil {
		return WrapExitError(ExitFailure, "push", err)
	}
	defer a.Close()

	client := opts.newCatalogClient(ref.Registry)
	build, err := client.Push(cmd.Context(), ref.Registry+"/"+ref.Repository, opts.build(), a, catalog.PushWithTags(opts.Tags...))
	if err != nil {
		return WrapExitError(ExitFailure, "push", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pushed %s@%s\n", repo, build.Key)
	return nil
}

func createFiles(cmd *cobra.Command, src, indexPath, dataPath string, opts []archive.CreateOption) error {
	indexFile, err := os.Create(indexPath)
	if err != nil {
		return err
	}
	defer indexFile.Close()
	dataFile, err := os.Create(dataPath)
	if err != nil {
		return err
	}
	defer dataFile.Close()

	if err := archive.Create(cmd.Context(), src, indexFile, dataFile, opts...); err != nil {
		return err
	}
	if err := indexFile.Close(); err != nil {
		return err
	}
	return dataFile.Close()
}

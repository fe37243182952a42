package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// BuildsOptions holds flags for the builds command.
type BuildsOptions struct {
	*RootOptions
	Product string
	Region  string
}

// NewBuildsCommand creates the builds command.
func NewBuildsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "builds",
		Short: "List remote builds",
		Long: `List the builds of a product in the remote catalog, newest first.

Example:
  cascload builds --registry ghcr.io/myorg --product wow --region eu`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuilds(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Product, "product", "", "product code (required)")
	cmd.Flags().StringVar(&opts.Region, "region", "", "catalog region (defaults to the settings)")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

func runBuilds(cmd *cobra.Command, opts *BuildsOptions) error {
	client, err := opts.catalogClient()
	if err != nil {
		return err
	}
	region := opts.Region
	if region == "" {
		region = opts.Settings.Region
	}
	builds, err := client.Builds(cmd.Context(), opts.Product, region)
	if err != nil {
		return WrapExitError(ExitFailure, "list builds", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tBRANCH\tCREATED\tKEY")
	for _, b := range builds {
		created := "-"
		if !b.Created.IsZero() {
			created = b.Created.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Name, b.Version, b.Branch, created, b.Key)
	}
	return tw.Flush()
}

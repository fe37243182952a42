// Package cli implements the cascload command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meigma/casc/catalog"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose      bool
	SettingsPath string
	Registry     string
	PlainHTTP    bool

	// Loaded by the root command before any subcommand runs.
	Settings Settings
	Logger   *slog.Logger
}

// NewRootCommand creates the root command of cascload.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cascload",
		Short: "Load and browse game-asset archives",
		Long: `cascload opens archives from a local install or a remote build
catalog, names their files and lets you browse and extract them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.SettingsPath, "config", DefaultSettingsPath(), "settings file")
	cmd.PersistentFlags().StringVar(&opts.Registry, "registry", "", "registry hosting the build catalog")
	cmd.PersistentFlags().BoolVar(&opts.PlainHTTP, "plain-http", false, "use plain HTTP for the registry")

	cmd.AddCommand(NewOpenCommand(opts))
	cmd.AddCommand(NewBuildsCommand(opts))
	cmd.AddCommand(NewPackCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))

	return cmd
}

// setup loads settings, applies flag overrides and installs the logger.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	s, err := LoadSettings(o.SettingsPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load settings", err)
	}
	flags := cmd.Flags()
	if flags.Changed("registry") {
		s.Registry = o.Registry
	}
	if flags.Changed("plain-http") {
		s.PlainHTTP = o.PlainHTTP
	}
	o.Settings = s
	o.Logger = newLogger(cmd.ErrOrStderr(), o.Verbose)
	return nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// catalogClient builds the client of the configured registry.
func (o *RootOptions) catalogClient() (*catalog.Client, error) {
	if o.Settings.Registry == "" {
		return nil, WrapExitError(ExitCommandError, "no registry", fmt.Errorf("set --registry or registry in %s", o.SettingsPath))
	}
	return o.newCatalogClient(o.Settings.Registry), nil
}

// newCatalogClient builds a registry client using Docker credentials when
// available.
func (o *RootOptions) newCatalogClient(registry string) *catalog.Client {
	copts := []catalog.Option{
		catalog.WithPlainHTTP(o.Settings.PlainHTTP),
		catalog.WithLogger(o.Logger),
	}
	if store, err := catalog.DockerCredentials(); err == nil {
		copts = append(copts, catalog.WithCredentials(store))
	} else {
		o.Logger.Warn("docker credentials unavailable, using anonymous access", "error", err)
	}
	return catalog.New(registry, copts...)
}

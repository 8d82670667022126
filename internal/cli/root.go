// Package cli implements fpctl, the operator command line for the demo's
// store: inspecting and deleting visitors, paging through events, applying
// the schema, seeding demo data and managing database snapshots.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"example.com/fpdemo/internal/config"
	"example.com/fpdemo/internal/logging"
	"example.com/fpdemo/internal/storage"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	Database    string
	SnapshotDir string
	Format      string // "json" | "text"
	Verbose     bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for fpctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fpctl",
		Short: "Operate the fingerprint demo store",
		Long:  "Inspect visitors and events, apply the schema and manage sqlite snapshots.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return setupError(fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file (defaults to $FPDEMO_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database URL or sqlite file path (overrides DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.SnapshotDir, "snapshot-dir", "", "snapshot bucket directory (overrides SNAPSHOT_DIR)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log diagnostics to stderr")

	cmd.AddCommand(NewVisitorsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}

// loadConfig resolves configuration and applies the global flag overrides.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, setupError("failed to load config", err)
	}
	if o.Database != "" {
		cfg.DatabaseURL = o.Database
	}
	if o.SnapshotDir != "" {
		cfg.Snapshot.Dir = o.SnapshotDir
	}
	return cfg, nil
}

func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	if !o.Verbose {
		return logging.Discard()
	}
	return logging.NewWithWriter(cmd.ErrOrStderr(), "console", "debug")
}

// openStore opens the configured store. Opening applies the schema.
func (o *RootOptions) openStore(ctx context.Context, cmd *cobra.Command) (*storage.DB, config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	db, err := storage.Open(ctx, storage.Options{
		URL:       cfg.DatabaseURL,
		AuthToken: cfg.DatabaseAuthToken,
		Logger:    o.logger(cmd),
	})
	if err != nil {
		return nil, config.Config{}, setupError("failed to open database", err)
	}
	return db, cfg, nil
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

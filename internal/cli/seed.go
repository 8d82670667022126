package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"example.com/fpdemo/internal/ingest"
	"example.com/fpdemo/internal/seed"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	Visitors int
	Events   int
	Span     time.Duration
	Seed     int64
}

// NewSeedCommand fills the store with random demo visitors and events.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Ingest random demo events",
		Long: `Generate webhook-shaped identification events and ingest them
through the same path as real deliveries.

Examples:
  fpctl seed --db ./data/fingerprint.db
  fpctl seed --visitors 20 --events 200 --span 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Visitors, "visitors", 5, "number of new visitors")
	cmd.Flags().IntVar(&opts.Events, "events", 25, "number of events to spread over the visitors")
	cmd.Flags().DurationVar(&opts.Span, "span", 30*24*time.Hour, "how far back event timestamps may fall")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed (defaults to the current time)")

	return cmd
}

func runSeed(opts *SeedOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	db, _, err := opts.openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	logger := opts.logger(cmd)
	summary, err := seed.Run(ctx, ingest.NewService(db, logger), seed.New(opts.Seed, nil), seed.Options{
		Visitors: opts.Visitors,
		Events:   opts.Events,
		Span:     opts.Span,
		Logger:   logger,
	})
	if err != nil {
		return serviceError("failed to seed", err)
	}
	return opts.output(cmd).Emit(summary, func(w io.Writer) {
		fmt.Fprintf(w, "seeded %d visitors with %d events\n", summary.Visitors, summary.Inserted)
	})
}

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"example.com/fpdemo/internal/visitor"
)

// EventsOptions holds flags for the events commands.
type EventsOptions struct {
	*RootOptions
	VisitorID string
	Limit     int
	Offset    int
}

// NewEventsCommand groups the event subcommands.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Page through stored events",
	}
	cmd.AddCommand(newEventsListCommand(rootOpts))
	return cmd
}

func newEventsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		Long: `List one page of events, newest first.

Examples:
  fpctl events list --db ./data/fingerprint.db
  fpctl events list --visitor abc123 --limit 50
  fpctl events list --offset 20 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventsList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.VisitorID, "visitor", "", "only events of this visitor")
	cmd.Flags().IntVar(&opts.Limit, "limit", visitor.DefaultPageSize, "page size (1-100)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "rows to skip")

	return cmd
}

func runEventsList(opts *EventsOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	db, _, err := opts.openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	page, err := visitor.NewQueryService(db, opts.logger(cmd)).Events(ctx, visitor.Filter{VisitorID: opts.VisitorID}, opts.Limit, opts.Offset)
	if err != nil {
		return serviceError("failed to list events", err)
	}
	return opts.output(cmd).Emit(page, func(w io.Writer) {
		writeEvents(w, page.Events)
		p := page.Pagination
		fmt.Fprintf(w, "\nshowing %d of %d (offset %d, more: %t)\n", len(page.Events), p.Total, p.Offset, p.HasMore)
	})
}

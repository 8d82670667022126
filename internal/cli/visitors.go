package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"example.com/fpdemo/internal/vendor"
	"example.com/fpdemo/internal/visitor"
)

// NewVisitorsCommand groups the visitor subcommands.
func NewVisitorsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visitors",
		Short: "Inspect and delete visitors",
	}
	cmd.AddCommand(newVisitorsListCommand(rootOpts))
	cmd.AddCommand(newVisitorsShowCommand(rootOpts))
	cmd.AddCommand(newVisitorsDeleteCommand(rootOpts))
	return cmd
}

func newVisitorsListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List visitors, most recently seen first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, _, err := opts.openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			visitors, err := visitor.NewQueryService(db, opts.logger(cmd)).Visitors(ctx)
			if err != nil {
				return serviceError("failed to list visitors", err)
			}
			return opts.output(cmd).Emit(map[string]any{
				"visitorCount": len(visitors),
				"visitors":     visitors,
			}, func(w io.Writer) {
				fmt.Fprintln(w, "VISITOR\tVISITS\tEVENTS\tFIRST SEEN\tLAST SEEN")
				for _, v := range visitors {
					events := 0
					if v.EventCount != nil {
						events = *v.EventCount
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", v.VisitorID, v.VisitCount, events, formatTime(v.FirstSeen), formatTime(v.LastSeen))
				}
			})
		},
	}
}

func newVisitorsShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <visitor-id>",
		Short: "Show a visitor and its latest events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, _, err := opts.openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			v, events, err := visitor.NewQueryService(db, opts.logger(cmd)).Visitor(ctx, args[0])
			if err != nil {
				return serviceError("failed to show visitor", err)
			}
			return opts.output(cmd).Emit(map[string]any{
				"visitor": v,
				"events":  events,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "visitor:\t%s\n", v.VisitorID)
				fmt.Fprintf(w, "visits:\t%d\n", v.VisitCount)
				fmt.Fprintf(w, "first seen:\t%s\n", formatTime(v.FirstSeen))
				fmt.Fprintf(w, "last seen:\t%s\n\n", formatTime(v.LastSeen))
				writeEvents(w, events)
			})
		},
	}
}

func newVisitorsDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <visitor-id>",
		Short: "Delete a visitor and all of its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, _, err := opts.openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			deleted, err := visitor.NewQueryService(db, opts.logger(cmd)).DeleteVisitor(ctx, args[0])
			if err != nil {
				return serviceError("failed to delete visitor", err)
			}
			return opts.output(cmd).Emit(map[string]any{
				"visitorId":     args[0],
				"eventsDeleted": deleted,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted visitor %s and %d events\n", args[0], deleted)
			})
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeEvents(w io.Writer, events []visitor.Event) {
	fmt.Fprintln(w, "ID\tVISITOR\tREQUEST\tTIME\tIP\tINCOGNITO\tBROWSER\tOS\tBOT\tVPN\tURL")
	for _, ev := range events {
		var sig vendor.Signals
		if ev.Signals != nil {
			sig = *ev.Signals
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\t%s\t%s\n",
			ev.ID, ev.VisitorID, deref(ev.RequestID), ev.EventTime, deref(ev.IP), ev.Incognito,
			orDash(sig.Browser), orDash(sig.OS), orDash(sig.Bot), flag(sig.VPN), deref(ev.URL))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func flag(b *bool) string {
	if b == nil {
		return "-"
	}
	return fmt.Sprint(*b)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

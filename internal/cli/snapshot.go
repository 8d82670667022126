package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"example.com/fpdemo/internal/blob"
	"example.com/fpdemo/internal/config"
	"example.com/fpdemo/internal/snapshot"
	"example.com/fpdemo/internal/storage"
)

// NewMigrateCommand applies the schema to the configured store.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, _, err := opts.openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			// Open applies the schema as well; Init is idempotent.
			if err := db.Init(ctx); err != nil {
				return setupError("failed to apply schema", err)
			}
			return opts.output(cmd).Emit(map[string]any{
				"dialect": db.Dialect(),
				"status":  "ok",
			}, func(w io.Writer) {
				fmt.Fprintf(w, "schema up to date (%s)\n", db.Dialect())
			})
		},
	}
}

// SnapshotOptions holds flags for the snapshot commands.
type SnapshotOptions struct {
	*RootOptions
	Force bool
	Keep  int
}

// NewSnapshotCommand groups the snapshot subcommands.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage sqlite snapshots in the snapshot bucket",
	}

	push := &cobra.Command{
		Use:   "push",
		Short: "Upload a consistent copy of the local database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotPush(opts, cmd)
		},
	}
	push.Flags().BoolVar(&opts.Force, "force", false, "move LATEST even if another writer published since this file's base")

	pull := &cobra.Command{
		Use:   "pull",
		Short: "Replace the local database with the latest snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotPull(opts, cmd)
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotPrune(opts, cmd)
		},
	}
	prune.Flags().IntVar(&opts.Keep, "keep", 0, "snapshots to keep (defaults to SNAPSHOT_KEEP)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotList(opts, cmd)
		},
	}

	cmd.AddCommand(push, pull, prune, list)
	return cmd
}

func (o *SnapshotOptions) snapshotter(cmd *cobra.Command, cfg config.Config) (*snapshot.Snapshotter, error) {
	if cfg.Snapshot.Dir == "" {
		return nil, setupError("no snapshot bucket configured: set --snapshot-dir or SNAPSHOT_DIR", nil)
	}
	bucket, err := blob.NewDirBucket(cfg.Snapshot.Dir)
	if err != nil {
		return nil, setupError("failed to open snapshot bucket", err)
	}
	return snapshot.New(bucket, snapshot.Options{Keep: cfg.Snapshot.Keep, Logger: o.logger(cmd)}), nil
}

func sqlitePath(cfg config.Config) (string, error) {
	if cfg.DatabaseURL == "" || storage.DetectDialect(cfg.DatabaseURL) != storage.DialectSQLite {
		return "", setupError("snapshots need a sqlite file database: set --db or DATABASE_URL", nil)
	}
	return storage.SQLitePath(cfg.DatabaseURL), nil
}

func runSnapshotPush(opts *SnapshotOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	path, err := sqlitePath(cfg)
	if err != nil {
		return err
	}
	snap, err := opts.snapshotter(cmd, cfg)
	if err != nil {
		return err
	}
	if err := snap.Track(path); err != nil {
		return setupError("failed to read snapshot base", err)
	}

	db, _, err := opts.openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	obj, err := snap.Push(ctx, db, opts.Force)
	if errors.Is(err, snapshot.ErrSnapshotConflict) {
		return failure("a newer snapshot exists; pull it or push with --force", err)
	}
	if err != nil {
		return setupError("failed to push snapshot", err)
	}
	return opts.output(cmd).Emit(obj, func(w io.Writer) {
		fmt.Fprintf(w, "uploaded %s (%d bytes)\n", obj.Key, obj.Size)
	})
}

func runSnapshotPull(opts *SnapshotOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	path, err := sqlitePath(cfg)
	if err != nil {
		return err
	}
	snap, err := opts.snapshotter(cmd, cfg)
	if err != nil {
		return err
	}

	restored, err := snap.Pull(ctx, path)
	if err != nil {
		return setupError("failed to pull snapshot", err)
	}
	if !restored {
		return failure("no snapshot found", nil)
	}
	return opts.output(cmd).Emit(map[string]any{"path": path, "restored": true}, func(w io.Writer) {
		fmt.Fprintf(w, "restored latest snapshot to %s\n", path)
	})
}

func runSnapshotPrune(opts *SnapshotOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	snap, err := opts.snapshotter(cmd, cfg)
	if err != nil {
		return err
	}

	deleted, err := snap.Prune(ctx, opts.Keep)
	if err != nil {
		return setupError("failed to prune snapshots", err)
	}
	return opts.output(cmd).Emit(map[string]any{"deleted": deleted}, func(w io.Writer) {
		fmt.Fprintf(w, "deleted %d snapshots\n", deleted)
	})
}

func runSnapshotList(opts *SnapshotOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	snap, err := opts.snapshotter(cmd, cfg)
	if err != nil {
		return err
	}

	objects, err := snap.List(ctx)
	if err != nil {
		return setupError("failed to list snapshots", err)
	}
	latest, _, err := snap.Latest(ctx)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return setupError("failed to read latest pointer", err)
	}
	return opts.output(cmd).Emit(map[string]any{"latest": latest, "snapshots": objects}, func(w io.Writer) {
		fmt.Fprintln(w, "KEY\tSIZE\tUPDATED\tLATEST")
		for _, obj := range objects {
			fmt.Fprintf(w, "%s\t%d\t%s\t%t\n", obj.Key, obj.Size, formatTime(obj.Updated), obj.Key == latest)
		}
	})
}

// Package snapshot persists the embedded sqlite database file to a blob bucket.
//
// The file is owned by a single process. On startup the latest snapshot is
// restored if no local file exists; on shutdown a consistent copy is uploaded.
// The LATEST pointer is only moved with a generation precondition, so a
// snapshot taken from a stale base is rejected instead of silently replacing a
// newer one.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/fpdemo/internal/blob"
	"example.com/fpdemo/internal/storage"
)

const (
	DefaultPrefix = "fingerprint-database/"
	DefaultKeep   = 5
	latestName    = "LATEST"
	dataSuffix    = ".db"
	// baseSuffix names the sidecar recording which LATEST generation the
	// local file descends from.
	baseSuffix = ".snapshot-base"
)

// ErrSnapshotConflict means another writer moved LATEST since this process
// restored or last pushed.
var ErrSnapshotConflict = errors.New("snapshot: newer snapshot exists")

// Options configures a Snapshotter.
type Options struct {
	Prefix string
	Keep   int
	Logger *slog.Logger
	Now    func() time.Time
}

// Snapshotter moves sqlite files between local disk and a bucket.
type Snapshotter struct {
	bucket blob.Bucket
	prefix string
	keep   int
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	// base is the LATEST generation this process built on; "" means none.
	base string
}

// New returns a Snapshotter over bucket. Zero options take the defaults.
func New(bucket blob.Bucket, opts Options) *Snapshotter {
	s := &Snapshotter{
		bucket: bucket,
		prefix: opts.Prefix,
		keep:   opts.Keep,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if !strings.HasSuffix(s.prefix, "/") {
		s.prefix += "/"
	}
	if s.keep <= 0 {
		s.keep = DefaultKeep
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Snapshotter) latestKey() string { return s.prefix + latestName }

// Latest returns the key LATEST points to and the pointer's generation.
func (s *Snapshotter) Latest(ctx context.Context) (string, string, error) {
	data, obj, err := s.bucket.Get(ctx, s.latestKey())
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(string(data)), obj.Generation, nil
}

// Restore downloads the latest snapshot to path when path does not exist yet.
// It reports whether a snapshot was restored.
func (s *Snapshotter) Restore(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		s.logger.Debug("local database present, skipping restore", "path", path)
		return false, s.Track(path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return s.pull(ctx, path)
}

// Track adopts the base generation recorded next to the local file at path,
// so a later Push is checked against the snapshot the file came from. A file
// without a record has no base.
func (s *Snapshotter) Track(path string) error {
	raw, err := os.ReadFile(path + baseSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot base: %w", err)
	}
	s.mu.Lock()
	s.base = strings.TrimSpace(string(raw))
	s.mu.Unlock()
	return nil
}

func writeBase(path, gen string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path+baseSuffix, []byte(gen), 0o644)
}

// Pull downloads the latest snapshot to path, replacing any local file.
func (s *Snapshotter) Pull(ctx context.Context, path string) (bool, error) {
	return s.pull(ctx, path)
}

func (s *Snapshotter) pull(ctx context.Context, path string) (bool, error) {
	key, gen, err := s.Latest(ctx)
	if errors.Is(err, blob.ErrNotFound) {
		s.logger.Info("no snapshot found, starting with an empty database")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read latest pointer: %w", err)
	}
	data, _, err := s.bucket.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create database directory: %w", err)
	}
	tmp := path + ".restore"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("install snapshot: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(path + suffix)
	}

	if err := writeBase(path, gen); err != nil {
		return false, fmt.Errorf("record snapshot base: %w", err)
	}
	s.mu.Lock()
	s.base = gen
	s.mu.Unlock()
	s.logger.Info("snapshot restored", "key", key, "bytes", len(data), "path", path)
	return true, nil
}

// Push uploads a consistent copy of db and moves LATEST to it. With force the
// pointer is moved even when another writer published in between.
func (s *Snapshotter) Push(ctx context.Context, db *storage.DB, force bool) (blob.Object, error) {
	if db.Dialect() != storage.DialectSQLite {
		return blob.Object{}, fmt.Errorf("snapshot: %s databases are not file based", db.Dialect())
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, currentGen, err := s.Latest(ctx)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return blob.Object{}, fmt.Errorf("read latest pointer: %w", err)
	}
	if !force && currentGen != s.base {
		return blob.Object{}, fmt.Errorf("%w: base %q, current %q", ErrSnapshotConflict, s.base, currentGen)
	}

	data, err := copyDatabase(ctx, db)
	if err != nil {
		return blob.Object{}, err
	}
	key := fmt.Sprintf("%s%020d%s", s.prefix, s.now().UnixNano(), dataSuffix)
	obj, err := s.bucket.Put(ctx, key, data, blob.Conditions{DoesNotExist: true})
	if err != nil {
		return blob.Object{}, fmt.Errorf("upload %s: %w", key, err)
	}

	cond := blob.Conditions{IfGenerationMatch: currentGen}
	if currentGen == "" {
		cond = blob.Conditions{DoesNotExist: true}
	}
	pointer, err := s.bucket.Put(ctx, s.latestKey(), []byte(key), cond)
	if err != nil {
		if delErr := s.bucket.Delete(ctx, key); delErr != nil {
			s.logger.Warn("remove orphaned snapshot failed", "key", key, "error", delErr)
		}
		if errors.Is(err, blob.ErrPreconditionFailed) {
			return blob.Object{}, fmt.Errorf("%w: %v", ErrSnapshotConflict, err)
		}
		return blob.Object{}, fmt.Errorf("update latest pointer: %w", err)
	}
	s.base = pointer.Generation
	if err := writeBase(db.Path(), pointer.Generation); err != nil {
		s.logger.Warn("record snapshot base failed", "path", db.Path(), "error", err)
	}
	s.logger.Info("snapshot uploaded", "key", key, "bytes", obj.Size)
	return obj, nil
}

// copyDatabase writes a transactionally consistent copy with VACUUM INTO.
func copyDatabase(ctx context.Context, db *storage.DB) ([]byte, error) {
	dir, err := os.MkdirTemp("", "fpdemo-snapshot-")
	if err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	defer os.RemoveAll(dir)

	target := filepath.Join(dir, "snapshot.db")
	if _, err := db.Conn().Run(ctx, `VACUUM INTO ?`, target); err != nil {
		return nil, fmt.Errorf("vacuum into snapshot: %w", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read snapshot copy: %w", err)
	}
	return data, nil
}

// Prune deletes all but the newest keep snapshots. The snapshot LATEST points
// to is never deleted. It returns the number of deleted objects.
func (s *Snapshotter) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		keep = s.keep
	}
	objects, err := s.bucket.List(ctx, s.prefix)
	if err != nil {
		return 0, err
	}
	latest, _, err := s.Latest(ctx)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return 0, fmt.Errorf("read latest pointer: %w", err)
	}

	var snaps []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, dataSuffix) {
			snaps = append(snaps, obj.Key)
		}
	}
	// Keys embed a zero-padded timestamp, so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(snaps)))

	deleted := 0
	for i, key := range snaps {
		if i < keep || key == latest {
			continue
		}
		if err := s.bucket.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return deleted, fmt.Errorf("delete %s: %w", key, err)
		}
		deleted++
	}
	s.logger.Info("snapshots pruned", "kept", len(snaps)-deleted, "deleted", deleted)
	return deleted, nil
}

// List returns the stored snapshot objects, newest first.
func (s *Snapshotter) List(ctx context.Context) ([]blob.Object, error) {
	objects, err := s.bucket.List(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	out := objects[:0]
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, dataSuffix) {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

// Start pushes a snapshot of db every interval until ctx is done or the
// returned stop function is called; stop waits for the loop to exit. A
// conflict ends the loop: every later push from this base would conflict too.
func (s *Snapshotter) Start(ctx context.Context, db *storage.DB, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.logger.Info("snapshot loop started", "interval", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("snapshot loop stopped", "reason", ctx.Err())
				return
			case <-ticker.C:
				_, err := s.Push(ctx, db, false)
				switch {
				case err == nil:
				case errors.Is(err, ErrSnapshotConflict):
					s.logger.Error("periodic snapshot conflicts with a newer one; loop stopped", "error", err)
					return
				case ctx.Err() != nil:
					return
				default:
					s.logger.Error("periodic snapshot failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Attach uploads a snapshot whenever db is closed.
func (s *Snapshotter) Attach(db *storage.DB) {
	db.OnClose(func(ctx context.Context, db *storage.DB) error {
		_, err := s.Push(ctx, db, false)
		return err
	})
}

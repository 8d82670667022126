package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/fpdemo/internal/blob"
	"example.com/fpdemo/internal/logging"
	"example.com/fpdemo/internal/storage"
	"example.com/fpdemo/internal/testutil"
)

func newSnapshotter(t *testing.T, bucket blob.Bucket, clock *testutil.Clock) *Snapshotter {
	t.Helper()
	return New(bucket, Options{Logger: logging.Discard(), Now: clock.Now})
}

func openDB(t *testing.T, path string) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Options{URL: path, Logger: logging.Discard()})
	require.NoError(t, err)
	return db
}

func insertVisitor(t *testing.T, db *storage.DB, id string) {
	t.Helper()
	_, err := db.Conn().Run(context.Background(),
		`INSERT INTO visitors (visitor_id, first_seen, last_seen, visit_count) VALUES (?, ?, ?, ?)`, id, 1, 1, 1)
	require.NoError(t, err)
}

func countVisitors(t *testing.T, db *storage.DB) int {
	t.Helper()
	var n int
	_, err := db.Conn().Get(context.Background(), `SELECT COUNT(*) FROM visitors`, nil, &n)
	require.NoError(t, err)
	return n
}

func TestPushThenRestore(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	clock := testutil.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	srcPath := filepath.Join(t.TempDir(), "fingerprint.db")
	src := openDB(t, srcPath)
	insertVisitor(t, src, "v1")

	snap := newSnapshotter(t, bucket, clock)
	obj, err := snap.Push(ctx, src, false)
	require.NoError(t, err)
	assert.Contains(t, obj.Key, DefaultPrefix)
	require.NoError(t, src.Close())

	dstPath := filepath.Join(t.TempDir(), "restored", "fingerprint.db")
	restored, err := newSnapshotter(t, bucket, clock).Restore(ctx, dstPath)
	require.NoError(t, err)
	assert.True(t, restored)

	dst := openDB(t, dstPath)
	defer dst.Close()
	assert.Equal(t, 1, countVisitors(t, dst))
}

func TestRestore_SkipsExistingFile(t *testing.T) {
	bucket, err := blob.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "fingerprint.db")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	restored, err := New(bucket, Options{Logger: logging.Discard()}).Restore(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestRestore_EmptyBucket(t *testing.T) {
	bucket, err := blob.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	restored, err := New(bucket, Options{Logger: logging.Discard()}).Restore(context.Background(), filepath.Join(t.TempDir(), "fp.db"))
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestPush_StaleBaseConflicts(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	clock := testutil.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	seed := openDB(t, filepath.Join(t.TempDir(), "seed.db"))
	_, err = newSnapshotter(t, bucket, clock).Push(ctx, seed, false)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	// Two instances restore the same base.
	pathA := filepath.Join(t.TempDir(), "a.db")
	pathB := filepath.Join(t.TempDir(), "b.db")
	snapA := newSnapshotter(t, bucket, clock)
	snapB := newSnapshotter(t, bucket, clock)
	_, err = snapA.Restore(ctx, pathA)
	require.NoError(t, err)
	_, err = snapB.Restore(ctx, pathB)
	require.NoError(t, err)

	dbA := openDB(t, pathA)
	defer dbA.Close()
	dbB := openDB(t, pathB)
	defer dbB.Close()
	insertVisitor(t, dbA, "from-a")
	insertVisitor(t, dbB, "from-b")

	clock.Advance(time.Second)
	_, err = snapA.Push(ctx, dbA, false)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = snapB.Push(ctx, dbB, false)
	require.ErrorIs(t, err, ErrSnapshotConflict)

	// The winner's data is what LATEST serves.
	restorePath := filepath.Join(t.TempDir(), "check.db")
	_, err = newSnapshotter(t, bucket, clock).Restore(ctx, restorePath)
	require.NoError(t, err)
	check := openDB(t, restorePath)
	defer check.Close()
	var id string
	found, err := check.Conn().Get(ctx, `SELECT visitor_id FROM visitors`, nil, &id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "from-a", id)

	// The losing upload does not linger.
	snaps, err := snapB.List(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestPrune_KeepsNewestAndLatest(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	clock := testutil.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	db := openDB(t, filepath.Join(t.TempDir(), "fp.db"))
	defer db.Close()
	snap := newSnapshotter(t, bucket, clock)
	for i := 0; i < 7; i++ {
		clock.Advance(time.Minute)
		_, err := snap.Push(ctx, db, false)
		require.NoError(t, err)
	}

	deleted, err := snap.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)

	snaps, err := snap.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	latest, _, err := snap.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, snaps[0].Key, latest)
}

func TestAttach_UploadsOnClose(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	clock := testutil.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	db := openDB(t, filepath.Join(t.TempDir(), "fp.db"))
	snap := newSnapshotter(t, bucket, clock)
	snap.Attach(db)
	insertVisitor(t, db, "v1")
	require.NoError(t, db.Close())

	snaps, err := snap.List(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestRestart_PushesOnTopOfOwnSnapshot(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	clock := testutil.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "fp.db")

	first := newSnapshotter(t, bucket, clock)
	_, err = first.Restore(ctx, path)
	require.NoError(t, err)
	db := openDB(t, path)
	first.Attach(db)
	insertVisitor(t, db, "v1")
	require.NoError(t, db.Close())

	// The local file survives the restart, so nothing is downloaded, but the
	// recorded base still lets the next shutdown push succeed.
	clock.Advance(time.Minute)
	second := newSnapshotter(t, bucket, clock)
	restored, err := second.Restore(ctx, path)
	require.NoError(t, err)
	assert.False(t, restored)
	db = openDB(t, path)
	defer db.Close()
	insertVisitor(t, db, "v2")
	_, err = second.Push(ctx, db, false)
	require.NoError(t, err)

	snaps, err := second.List(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestTrack_NoRecordMeansNoBase(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	clock := testutil.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	seed := openDB(t, filepath.Join(t.TempDir(), "seed.db"))
	_, err = newSnapshotter(t, bucket, clock).Push(ctx, seed, false)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	path := filepath.Join(t.TempDir(), "other.db")
	db := openDB(t, path)
	defer db.Close()
	snap := newSnapshotter(t, bucket, clock)
	require.NoError(t, snap.Track(path))

	clock.Advance(time.Second)
	_, err = snap.Push(ctx, db, false)
	require.ErrorIs(t, err, ErrSnapshotConflict)

	_, err = snap.Push(ctx, db, true)
	require.NoError(t, err)
}

func TestStart_PushesPeriodically(t *testing.T) {
	bucket, err := blob.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	db := openDB(t, filepath.Join(t.TempDir(), "fp.db"))
	defer db.Close()

	snap := New(bucket, Options{Logger: logging.Discard()})
	stop := snap.Start(context.Background(), db, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		snaps, err := snap.List(context.Background())
		return err == nil && len(snaps) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	stop()
}

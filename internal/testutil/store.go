package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"example.com/fpdemo/internal/storage"
)

// OpenStore opens a sqlite store in a per-test directory and closes it when
// the test ends.
func OpenStore(tb testing.TB) *storage.DB {
	tb.Helper()
	db, err := storage.Open(context.Background(), storage.Options{
		URL: filepath.Join(tb.TempDir(), "fingerprint.db"),
	})
	if err != nil {
		tb.Fatalf("open temp store: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

// Package blob is a small object store: named byte blobs with list/get/put/delete
// and generation preconditions on writes.
package blob

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("blob: object not found")
	ErrPreconditionFailed = errors.New("blob: precondition failed")
)

// Object describes one stored blob.
type Object struct {
	Key string `json:"key"`
	// Generation changes on every successful write of the key.
	Generation string    `json:"generation"`
	Size       int64     `json:"size"`
	Updated    time.Time `json:"updated"`
}

// Conditions guard a Put. The zero value writes unconditionally.
type Conditions struct {
	// IfGenerationMatch requires the current generation to equal this value.
	IfGenerationMatch string
	// DoesNotExist requires the key to be absent.
	DoesNotExist bool
}

// Bucket is the durable object store used for database snapshots.
type Bucket interface {
	// List returns objects whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	Get(ctx context.Context, key string) ([]byte, Object, error)
	Put(ctx context.Context, key string, data []byte, cond Conditions) (Object, error)
	Delete(ctx context.Context, key string) error
}

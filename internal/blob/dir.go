package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	genSuffix = ".gen"
	tmpSuffix = ".tmp"
	lockName  = ".bucket.lock"

	lockRetry = 20 * time.Millisecond
	// staleLock is how old a lock file may get before it is treated as abandoned.
	staleLock = 30 * time.Second
)

// DirBucket stores blobs as files under a root directory. Each key has a
// sidecar file holding its generation. Writers in this process are serialized
// by a mutex; writers in other processes by an exclusive lock file.
type DirBucket struct {
	root string
	mu   sync.Mutex
}

// NewDirBucket creates the root directory when needed.
func NewDirBucket(root string) (*DirBucket, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blob: empty bucket directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket directory: %w", err)
	}
	return &DirBucket{root: root}, nil
}

func (b *DirBucket) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	if strings.HasSuffix(clean, genSuffix) || strings.HasSuffix(clean, tmpSuffix) || filepath.Base(clean) == lockName {
		return "", fmt.Errorf("blob: reserved key %q", key)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *DirBucket) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == lockName || strings.HasSuffix(name, genSuffix) || strings.HasSuffix(name, tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		obj, err := b.stat(key, p)
		if err != nil {
			return err
		}
		out = append(out, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *DirBucket) Get(ctx context.Context, key string) ([]byte, Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, Object{}, err
	}
	p, err := b.path(key)
	if err != nil {
		return nil, Object{}, err
	}
	// Put writes data and generation in two renames; hold the lock so both
	// reads see the same write.
	unlock, err := b.lock(ctx)
	if err != nil {
		return nil, Object{}, err
	}
	defer unlock()

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, Object{}, fmt.Errorf("read %s: %w", key, err)
	}
	obj, err := b.stat(key, p)
	if err != nil {
		return nil, Object{}, err
	}
	return data, obj, nil
}

func (b *DirBucket) Put(ctx context.Context, key string, data []byte, cond Conditions) (Object, error) {
	p, err := b.path(key)
	if err != nil {
		return Object{}, err
	}
	unlock, err := b.lock(ctx)
	if err != nil {
		return Object{}, err
	}
	defer unlock()

	current, err := readGeneration(p)
	if err != nil {
		return Object{}, err
	}
	if cond.DoesNotExist && current != "" {
		return Object{}, fmt.Errorf("%w: %s exists", ErrPreconditionFailed, key)
	}
	if cond.IfGenerationMatch != "" && cond.IfGenerationMatch != current {
		return Object{}, fmt.Errorf("%w: %s generation is %q, want %q", ErrPreconditionFailed, key, current, cond.IfGenerationMatch)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Object{}, fmt.Errorf("create parent for %s: %w", key, err)
	}
	if err := writeAtomic(p, data); err != nil {
		return Object{}, fmt.Errorf("write %s: %w", key, err)
	}
	gen := uuid.NewString()
	if err := writeAtomic(p+genSuffix, []byte(gen)); err != nil {
		return Object{}, fmt.Errorf("write generation for %s: %w", key, err)
	}
	return b.stat(key, p)
}

func (b *DirBucket) Delete(ctx context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	unlock, err := b.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if err := os.Remove(p + genSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete generation for %s: %w", key, err)
	}
	return nil
}

func (b *DirBucket) stat(key, p string) (Object, error) {
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Object{}, fmt.Errorf("stat %s: %w", key, err)
	}
	gen, err := readGeneration(p)
	if err != nil {
		return Object{}, err
	}
	return Object{Key: key, Generation: gen, Size: info.Size(), Updated: info.ModTime().UTC()}, nil
}

// lock takes the in-process mutex and then the cross-process lock file.
func (b *DirBucket) lock(ctx context.Context) (func(), error) {
	b.mu.Lock()
	lockPath := filepath.Join(b.root, lockName)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() {
				os.Remove(lockPath)
				b.mu.Unlock()
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			b.mu.Unlock()
			return nil, fmt.Errorf("acquire bucket lock: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLock {
			os.Remove(lockPath)
			continue
		}
		select {
		case <-ctx.Done():
			b.mu.Unlock()
			return nil, fmt.Errorf("acquire bucket lock: %w", ctx.Err())
		case <-time.After(lockRetry):
		}
	}
}

func readGeneration(p string) (string, error) {
	raw, err := os.ReadFile(p + genSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read generation: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func writeAtomic(p string, data []byte) error {
	tmp := p + "." + uuid.NewString()[:8] + tmpSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

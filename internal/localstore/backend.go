package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Backend is the key-value storage the Store is built on. Values are JSON text.
type Backend interface {
	// Get returns the value stored under key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	// Update replaces the value under key with the result of fn. No other
	// writer of key, in this process or another one sharing the storage, can
	// interleave between the read and the write. An error from fn aborts the
	// update and is returned unchanged.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// UpdateFunc maps the current value of a key to its replacement.
type UpdateFunc func(value string, ok bool) (string, error)

// errUnchanged is returned from an UpdateFunc to skip the write.
var errUnchanged = errors.New("value unchanged")

// MemoryBackend keeps values in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string]string)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.values[key]
	return value, ok, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

func (b *MemoryBackend) Update(_ context.Context, key string, fn UpdateFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.values[key]
	next, err := fn(value, ok)
	if err != nil {
		return err
	}
	b.values[key] = next
	return nil
}

// FileBackend stores each key in its own file under a directory. Writes go
// through a temp file and a rename so a crash never leaves a torn value.
// Update holds an advisory lock on "<file>.lock" so processes sharing the
// directory serialize their read-modify-write cycles.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(b.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (b *FileBackend) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := b.pathFor(key)
	tmp, err := os.CreateTemp(b.dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (b *FileBackend) Update(ctx context.Context, key string, fn UpdateFunc) error {
	unlock, err := lockFile(ctx, b.pathFor(key)+".lock")
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	value, ok, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(value, ok)
	if err != nil {
		return err
	}
	return b.Set(ctx, key, next)
}

// pathFor maps "olt/users" to "<dir>/olt_users.json".
func (b *FileBackend) pathFor(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(b.dir, name+".json")
}

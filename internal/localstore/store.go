// Package localstore keeps a device's roster, selected user, auto-sync flag
// and pending progress queue in durable key-value storage.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"example.com/activitysync/internal/domain"
)

// Storage keys.
const (
	KeyUsers         = "olt/users"
	KeyCurrentUser   = "olt/currentUser"
	KeyProgressQueue = "olt/progressQueue"
	KeyAutoSync      = "olt/autoSync"
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Store is the device's durable state. Each key is guarded by its own lock,
// and read-modify-write cycles also go through Backend.Update so several
// processes can share one store. There are no transactions across keys.
type Store struct {
	backend Backend
	logger  logrus.FieldLogger
	locks   map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for degraded reads.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wraps a backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  logrus.StandardLogger(),
		locks: map[string]*sync.Mutex{
			KeyUsers:         {},
			KeyCurrentUser:   {},
			KeyProgressQueue: {},
			KeyAutoSync:      {},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open builds a Store on the named driver. path is a directory for the file
// driver and a database file for sqlite; the memory driver ignores it.
func Open(driver, path string, opts ...Option) (*Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory:
		return New(NewMemoryBackend(), opts...), nil
	case DriverFile, "":
		backend, err := NewFileBackend(path)
		if err != nil {
			return nil, err
		}
		return New(backend, opts...), nil
	case DriverSQLite:
		backend, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return New(backend, opts...), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// Close releases the backend if it holds resources.
func (s *Store) Close() error {
	if closer, ok := s.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Users returns the local roster in insertion order.
func (s *Store) Users(ctx context.Context) []string {
	unlock := s.lock(KeyUsers)
	defer unlock()
	return s.usersLocked(ctx)
}

// AddUser appends name to the roster if absent and selects it. It returns the
// trimmed name.
func (s *Store) AddUser(ctx context.Context, name string) (string, error) {
	name, err := domain.NormalizeUserName(name)
	if err != nil {
		return "", err
	}

	if _, err := s.MergeUsers(ctx, []string{name}); err != nil {
		return "", err
	}
	if err := s.SetCurrentUser(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

// MergeUsers unions names into the roster and returns the result.
func (s *Store) MergeUsers(ctx context.Context, names []string) ([]string, error) {
	var merged []string
	err := update(ctx, s, KeyUsers, func(users []string) ([]string, error) {
		if users == nil {
			users = []string{}
		}
		merged = domain.MergeUsers(users, names)
		if len(merged) == len(users) {
			return nil, errUnchanged
		}
		return merged, nil
	})
	if err != nil {
		return s.Users(ctx), err
	}
	return merged, nil
}

// CurrentUser returns the selected user, if any.
func (s *Store) CurrentUser(ctx context.Context) (string, bool) {
	unlock := s.lock(KeyCurrentUser)
	defer unlock()

	var name string
	if !s.read(ctx, KeyCurrentUser, &name) || name == "" {
		return "", false
	}
	return name, true
}

// SetCurrentUser selects a user. The name does not have to be in the roster.
func (s *Store) SetCurrentUser(ctx context.Context, name string) error {
	name, err := domain.NormalizeUserName(name)
	if err != nil {
		return err
	}
	unlock := s.lock(KeyCurrentUser)
	defer unlock()
	return s.write(ctx, KeyCurrentUser, name)
}

// AutoSync reports whether the queue drains automatically on reconnect. Defaults to false.
func (s *Store) AutoSync(ctx context.Context) bool {
	unlock := s.lock(KeyAutoSync)
	defer unlock()

	var enabled bool
	if !s.read(ctx, KeyAutoSync, &enabled) {
		return false
	}
	return enabled
}

// SetAutoSync persists the auto-sync flag.
func (s *Store) SetAutoSync(ctx context.Context, enabled bool) error {
	unlock := s.lock(KeyAutoSync)
	defer unlock()
	return s.write(ctx, KeyAutoSync, enabled)
}

// Queue returns the pending entries, oldest first.
func (s *Store) Queue(ctx context.Context) []domain.ProgressEntry {
	unlock := s.lock(KeyProgressQueue)
	defer unlock()
	return s.queueLocked(ctx)
}

// Enqueue appends entries to the queue. Entries are never reordered or deduplicated.
func (s *Store) Enqueue(ctx context.Context, entries ...domain.ProgressEntry) error {
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return err
		}
	}
	if len(entries) == 0 {
		return nil
	}

	return update(ctx, s, KeyProgressQueue, func(queue []domain.ProgressEntry) ([]domain.ProgressEntry, error) {
		return append(queue, entries...), nil
	})
}

// ClearQueue empties the queue.
func (s *Store) ClearQueue(ctx context.Context) error {
	unlock := s.lock(KeyProgressQueue)
	defer unlock()
	return s.write(ctx, KeyProgressQueue, []domain.ProgressEntry{})
}

// RemoveSubmitted drops every queued entry whose dedup key matches one of the
// submitted entries. The server holds those keys, so removing them by key is
// safe no matter how the queue changed since the drain read it: entries
// appended meanwhile, or already removed by another drain, are handled alike.
func (s *Store) RemoveSubmitted(ctx context.Context, submitted []domain.ProgressEntry) error {
	if len(submitted) == 0 {
		return nil
	}
	done := make(map[domain.DedupKey]struct{}, len(submitted))
	for _, entry := range submitted {
		done[entry.Key()] = struct{}{}
	}

	return update(ctx, s, KeyProgressQueue, func(queue []domain.ProgressEntry) ([]domain.ProgressEntry, error) {
		kept := make([]domain.ProgressEntry, 0, len(queue))
		for _, entry := range queue {
			if _, ok := done[entry.Key()]; !ok {
				kept = append(kept, entry)
			}
		}
		if len(kept) == len(queue) {
			return nil, errUnchanged
		}
		return kept, nil
	})
}

// SyncPayload returns the full roster and queue as one batch.
func (s *Store) SyncPayload(ctx context.Context) domain.Batch {
	return domain.Batch{
		Users:    s.Users(ctx),
		Progress: s.Queue(ctx),
	}
}

func (s *Store) usersLocked(ctx context.Context) []string {
	var users []string
	if !s.read(ctx, KeyUsers, &users) || users == nil {
		return []string{}
	}
	return users
}

func (s *Store) queueLocked(ctx context.Context) []domain.ProgressEntry {
	var queue []domain.ProgressEntry
	if !s.read(ctx, KeyProgressQueue, &queue) || queue == nil {
		return []domain.ProgressEntry{}
	}
	return queue
}

func (s *Store) lock(key string) func() {
	mu := s.locks[key]
	mu.Lock()
	return mu.Unlock
}

// read decodes the value under key into dst. Missing keys, backend errors and
// corrupt values all leave dst untouched and report false.
func (s *Store) read(ctx context.Context, key string, dst any) bool {
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("local store read failed, using default")
		return false
	}
	return s.decode(key, raw, ok, dst)
}

func (s *Store) decode(key, raw string, ok bool, dst any) bool {
	if !ok || strings.TrimSpace(raw) == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("local store value is corrupt, using default")
		return false
	}
	return true
}

func (s *Store) write(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("localstore: write %s: %w", key, err)
	}
	if err := s.backend.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("localstore: write %s: %w", key, err)
	}
	return nil
}

// update runs fn on the decoded value of key and stores the result. A missing
// or corrupt value reaches fn as the zero value. Returning errUnchanged from fn
// skips the write.
func update[T any](ctx context.Context, s *Store, key string, fn func(T) (T, error)) error {
	unlock := s.lock(key)
	defer unlock()

	err := s.backend.Update(ctx, key, func(raw string, ok bool) (string, error) {
		var current, decoded T
		if s.decode(key, raw, ok, &decoded) {
			current = decoded
		}
		next, err := fn(current)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return fmt.Errorf("localstore: write %s: %w", key, err)
	}
	return nil
}

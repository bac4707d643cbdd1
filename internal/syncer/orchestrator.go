// Package syncer decides when a device sends its data to the canonical store
// and keeps every recorded entry in the local queue until the store has it.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/activitysync/internal/connectivity"
	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/observability"
)

var (
	// ErrSyncInProgress is returned when a drain is requested while another is running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrNoCurrentUser is returned when progress is recorded with no user selected.
	ErrNoCurrentUser = errors.New("no user selected")
	// ErrDuplicateActivity is returned when one Record call answers the same
	// activity twice. Both answers would share a dedup key and the server
	// would keep only the first.
	ErrDuplicateActivity = errors.New("activity answered twice in one recording")
)

// Transport sends batches to the canonical store.
type Transport interface {
	SubmitBatch(ctx context.Context, batch domain.Batch) (domain.Ack, error)
	FetchCanonicalUsers(ctx context.Context) ([]string, error)
}

// LocalStore is the device state the orchestrator reads and writes.
type LocalStore interface {
	Users(ctx context.Context) []string
	AddUser(ctx context.Context, name string) (string, error)
	MergeUsers(ctx context.Context, names []string) ([]string, error)
	CurrentUser(ctx context.Context) (string, bool)
	SetCurrentUser(ctx context.Context, name string) error
	AutoSync(ctx context.Context) bool
	SetAutoSync(ctx context.Context, enabled bool) error
	Queue(ctx context.Context) []domain.ProgressEntry
	Enqueue(ctx context.Context, entries ...domain.ProgressEntry) error
	RemoveSubmitted(ctx context.Context, submitted []domain.ProgressEntry) error
	SyncPayload(ctx context.Context) domain.Batch
}

// State is the drain state of the orchestrator.
type State int32

const (
	StateIdle State = iota
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures an Orchestrator.
type Options struct {
	// RequestTimeout bounds every transport call. Defaults to 10s.
	RequestTimeout time.Duration
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

// SubmitResult tells the caller where submitted entries ended up.
type SubmitResult struct {
	// Queued is true when the entries were written to the local queue
	// instead of being acknowledged by the server.
	Queued bool
	// Cause is the transport error that forced queueing, if any.
	Cause error
	Ack   domain.Ack
}

// Answer is one activity response to record for the current user.
type Answer struct {
	ActivityID string
	Given      string
	// Expected grades the answer when set.
	Expected string
}

// Status is a point-in-time view of the device.
type Status struct {
	State       State
	Online      bool
	AutoSync    bool
	QueueDepth  int
	CurrentUser string
	LastSyncAt  time.Time
	LastError   string
}

// OfflineAccumulating reports whether entries are piling up locally.
func (s Status) OfflineAccumulating() bool {
	return !s.Online && s.State == StateIdle
}

// Orchestrator coordinates the local store, transport and connectivity signal.
type Orchestrator struct {
	store     LocalStore
	transport Transport
	observer  connectivity.Observer
	logger    logrus.FieldLogger
	timeout   time.Duration
	now       func() time.Time

	state  atomic.Int32
	online atomic.Bool

	mu          sync.Mutex
	lastSyncAt  time.Time
	lastErr     string
	closed      bool
	unsubscribe func()
	wg          sync.WaitGroup
}

// New constructs an Orchestrator. observer may be nil, in which case
// connectivity is reported through HandleConnectivity only.
func New(store LocalStore, transport Transport, observer connectivity.Observer, opts Options) *Orchestrator {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:     store,
		transport: transport,
		observer:  observer,
		logger:    opts.Logger,
		timeout:   opts.RequestTimeout,
		now:       opts.Now,
	}
}

// Start subscribes to the connectivity observer. Reconnect work runs on
// background goroutines bound to ctx; Close waits for them.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.observer == nil {
		return
	}
	unsubscribe := o.observer.Observe(func(online bool) {
		if o.setOnline(online) {
			o.goReconnect(ctx)
		}
	})

	o.mu.Lock()
	o.unsubscribe = unsubscribe
	o.mu.Unlock()

	if o.observer.Online() && o.setOnline(true) {
		o.goReconnect(ctx)
	}
}

// Close stops observing connectivity and waits for in-flight reconnect work.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	o.wg.Wait()
}

// HandleConnectivity records the connectivity status. Going from offline to
// online refreshes the roster from the server and drains the queue when
// auto-sync is on.
func (o *Orchestrator) HandleConnectivity(ctx context.Context, online bool) {
	if o.setOnline(online) {
		o.reconnect(ctx)
	}
}

// Online returns the last known connectivity status.
func (o *Orchestrator) Online() bool {
	return o.online.Load()
}

// State returns the current drain state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Status reports the device state.
func (o *Orchestrator) Status(ctx context.Context) Status {
	current, _ := o.store.CurrentUser(ctx)
	o.mu.Lock()
	lastSyncAt, lastErr := o.lastSyncAt, o.lastErr
	o.mu.Unlock()

	return Status{
		State:       o.State(),
		Online:      o.Online(),
		AutoSync:    o.store.AutoSync(ctx),
		QueueDepth:  len(o.store.Queue(ctx)),
		CurrentUser: current,
		LastSyncAt:  lastSyncAt,
		LastError:   lastErr,
	}
}

// Record grades answers for the current user and submits them. All entries
// of one call share a timestamp, so each activity may appear only once.
func (o *Orchestrator) Record(ctx context.Context, answers ...Answer) ([]domain.ProgressEntry, SubmitResult, error) {
	user, ok := o.store.CurrentUser(ctx)
	if !ok {
		return nil, SubmitResult{}, ErrNoCurrentUser
	}
	seen := make(map[string]struct{}, len(answers))
	for _, a := range answers {
		if _, dup := seen[a.ActivityID]; dup {
			return nil, SubmitResult{}, fmt.Errorf("%w: %s", ErrDuplicateActivity, a.ActivityID)
		}
		seen[a.ActivityID] = struct{}{}
	}

	recordedAt := o.now()
	entries := make([]domain.ProgressEntry, 0, len(answers))
	for _, a := range answers {
		entry, err := domain.NewEntry(user, a.ActivityID, a.Given, recordedAt)
		if err != nil {
			return nil, SubmitResult{}, err
		}
		if a.Expected != "" {
			entry = entry.Grade(a.Expected)
		}
		entries = append(entries, entry)
	}

	result, err := o.Submit(ctx, entries...)
	return entries, result, err
}

// Submit sends entries to the server when online and queues them otherwise.
// A transport failure is not an error: the entries are queued and the cause
// is reported in the result. Only a failed queue write is returned.
func (o *Orchestrator) Submit(ctx context.Context, entries ...domain.ProgressEntry) (SubmitResult, error) {
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return SubmitResult{}, err
		}
	}
	if len(entries) == 0 {
		return SubmitResult{}, nil
	}

	if !o.Online() {
		return o.enqueue(ctx, "offline", entries, nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	ack, err := o.transport.SubmitBatch(reqCtx, domain.Batch{Users: []string{}, Progress: entries})
	cancel()
	if err != nil {
		o.logger.WithError(err).WithField("entries", len(entries)).Warn("submit failed, queueing entries")
		return o.enqueue(ctx, "send_failed", entries, err)
	}
	return SubmitResult{Ack: ack}, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, reason string, entries []domain.ProgressEntry, cause error) (SubmitResult, error) {
	if err := o.store.Enqueue(ctx, entries...); err != nil {
		return SubmitResult{Cause: cause}, err
	}
	observability.RecordQueued(reason, len(entries))
	observability.RecordQueueDepth(len(o.store.Queue(ctx)))
	return SubmitResult{Queued: true, Cause: cause}, nil
}

// AddUser adds a user locally and selects it, then pushes the name to the
// server when online. A failed push is logged; the user exists locally
// either way and reaches the server with the next drain.
func (o *Orchestrator) AddUser(ctx context.Context, name string) (string, error) {
	name, err := o.store.AddUser(ctx, name)
	if err != nil {
		return "", err
	}
	if !o.Online() {
		return name, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if _, err := o.transport.SubmitBatch(reqCtx, domain.Batch{Users: []string{name}, Progress: []domain.ProgressEntry{}}); err != nil {
		o.logger.WithError(err).WithField("user", name).Warn("failed to push new user")
	}
	return name, nil
}

// SelectUser makes name the current user.
func (o *Orchestrator) SelectUser(ctx context.Context, name string) error {
	return o.store.SetCurrentUser(ctx, name)
}

// SetAutoSync persists the flag. Turning it on while online with a
// non-empty queue drains immediately; a failed drain is logged only.
func (o *Orchestrator) SetAutoSync(ctx context.Context, enabled bool) error {
	if err := o.store.SetAutoSync(ctx, enabled); err != nil {
		return err
	}
	if enabled && o.Online() && len(o.store.Queue(ctx)) > 0 {
		o.drainLogged(ctx, "auto-sync enabled")
	}
	return nil
}

// SyncNow submits the roster and the whole queue as one batch. On success the
// submitted entries are removed from the queue by dedup key, so entries
// recorded during the request stay queued even when another process drained
// the same store meanwhile. On failure the queue is untouched. Overlapping
// calls on one Orchestrator are rejected; drains from separate processes may
// overlap and only resend entries the server already deduplicates.
func (o *Orchestrator) SyncNow(ctx context.Context) (domain.Ack, error) {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateSyncing)) {
		return domain.Ack{}, ErrSyncInProgress
	}
	defer o.state.Store(int32(StateIdle))

	payload := o.store.SyncPayload(ctx)

	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	ack, err := o.transport.SubmitBatch(reqCtx, payload)
	cancel()
	if err != nil {
		observability.RecordDrain(false, time.Time{})
		o.setLastError(err)
		return domain.Ack{}, err
	}

	if err := o.store.RemoveSubmitted(ctx, payload.Progress); err != nil {
		// The server has the entries; resubmitting them later is harmless.
		o.setLastError(err)
		return ack, fmt.Errorf("remove submitted entries: %w", err)
	}

	at := o.now()
	o.mu.Lock()
	o.lastSyncAt = at
	o.lastErr = ""
	o.mu.Unlock()

	observability.RecordDrain(true, at)
	observability.RecordQueueDepth(len(o.store.Queue(ctx)))
	o.logger.WithFields(logrus.Fields{
		"users":    ack.SavedUsers,
		"progress": ack.SavedProgress,
	}).Info("queue drained")
	return ack, nil
}

// RefreshServerUsers fetches the canonical user list and merges it into the
// local roster. It returns the server's list.
func (o *Orchestrator) RefreshServerUsers(ctx context.Context) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	users, err := o.transport.FetchCanonicalUsers(reqCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		if _, err := o.store.MergeUsers(ctx, users); err != nil {
			return users, err
		}
	}
	return users, nil
}

// setOnline stores the status and reports whether this was an offline to online transition.
func (o *Orchestrator) setOnline(online bool) bool {
	prev := o.online.Swap(online)
	return online && !prev
}

func (o *Orchestrator) goReconnect(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.reconnect(ctx)
	}()
}

func (o *Orchestrator) reconnect(ctx context.Context) {
	if _, err := o.RefreshServerUsers(ctx); err != nil {
		o.logger.WithError(err).Warn("failed to refresh server users")
	}
	if !o.Online() || !o.store.AutoSync(ctx) || len(o.store.Queue(ctx)) == 0 {
		return
	}
	o.drainLogged(ctx, "reconnected")
}

func (o *Orchestrator) drainLogged(ctx context.Context, trigger string) {
	_, err := o.SyncNow(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		o.logger.WithField("trigger", trigger).Debug("drain already running")
	default:
		o.logger.WithError(err).WithField("trigger", trigger).Warn("automatic drain failed")
	}
}

func (o *Orchestrator) setLastError(err error) {
	o.mu.Lock()
	o.lastErr = err.Error()
	o.mu.Unlock()
}

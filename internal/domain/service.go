package domain

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CanonicalRepository persists the canonical document.
type CanonicalRepository interface {
	// Load returns the current document. Missing storage yields an empty document.
	Load(ctx context.Context) (Document, error)
	// Update applies fn to the current document and persists the result
	// atomically with respect to other Update calls. Nothing is written when
	// fn returns an error.
	Update(ctx context.Context, fn func(*Document) error) error
}

// Publisher announces progress entries that became part of the canonical store.
type Publisher interface {
	PublishRecorded(ctx context.Context, entries []ProgressEntry) error
}

// SyncResult describes the outcome of merging one submission.
type SyncResult struct {
	// OfferedUsers and OfferedProgress are the sizes of the submitted arrays.
	OfferedUsers    int
	OfferedProgress int
	// AddedUsers and AddedProgress hold what was actually new.
	AddedUsers    []string
	AddedProgress []ProgressEntry
}

// Ack converts the result into the wire acknowledgement, which reports offered counts.
func (r SyncResult) Ack() Ack {
	return Ack{OK: true, SavedUsers: r.OfferedUsers, SavedProgress: r.OfferedProgress}
}

// DefaultPublishTimeout bounds event publication after a merge. It is kept
// well below client request timeouts so a broker outage never turns a
// persisted sync into a client-side timeout.
const DefaultPublishTimeout = 2 * time.Second

// ServiceOption configures optional behaviour for the Service.
type ServiceOption func(*Service)

// WithPublisher sets the publisher notified after each successful merge.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithPublishTimeout overrides DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger logrus.FieldLogger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithIDGenerator overrides how missing entry identifiers are filled in.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		s.newID = fn
	}
}

// Service merges device submissions into the canonical store.
type Service struct {
	repo           CanonicalRepository
	publisher      Publisher
	publishTimeout time.Duration
	logger         logrus.FieldLogger
	newID          func() string

	// mu serializes check-and-append across submissions handled by this process.
	mu sync.Mutex
}

// NewService constructs a Service.
func NewService(repo CanonicalRepository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:           repo,
		publishTimeout: DefaultPublishTimeout,
		logger:         logrus.StandardLogger(),
		newID:          NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync merges the submission and persists the result before returning.
func (s *Service) Sync(ctx context.Context, sub Submission) (SyncResult, error) {
	result := SyncResult{
		OfferedUsers:    len(sub.Users),
		OfferedProgress: len(sub.Progress),
	}

	s.mu.Lock()
	err := s.repo.Update(ctx, func(doc *Document) error {
		before := len(doc.Users)
		doc.Users = MergeUsers(doc.Users, sub.Users)
		result.AddedUsers = append([]string(nil), doc.Users[before:]...)

		doc.Progress, result.AddedProgress = MergeProgress(doc.Progress, sub.Progress, s.newID)
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return SyncResult{}, err
	}

	if s.publisher != nil && len(result.AddedProgress) > 0 {
		s.publish(ctx, result.AddedProgress)
	}
	return result, nil
}

// publish runs detached from the caller's cancellation: the entries are
// already durable, so a client hanging up does not skip the event.
func (s *Service) publish(ctx context.Context, entries []ProgressEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.PublishRecorded(ctx, entries); err != nil {
		s.logger.WithError(err).WithField("entries", len(entries)).Warn("publish recorded progress failed")
	}
}

// Snapshot returns the full canonical document.
func (s *Service) Snapshot(ctx context.Context) (Document, error) {
	doc, err := s.repo.Load(ctx)
	if err != nil {
		return Document{}, err
	}
	return doc.Normalize(), nil
}

package connectivity

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/activitysync/internal/domain"
)

type healthChecker interface {
	Health(ctx context.Context) (domain.Health, error)
}

// Probe polls the server health endpoint and turns the results into
// connectivity transitions. The status is unknown until the first probe.
type Probe struct {
	*Manual

	checker          healthChecker
	interval         time.Duration
	timeout          time.Duration
	logger           logrus.FieldLogger
	shutdownComplete chan struct{}
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithLogger sets the probe logger.
func WithLogger(logger logrus.FieldLogger) ProbeOption {
	return func(p *Probe) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTimeout bounds each health request.
func WithTimeout(timeout time.Duration) ProbeOption {
	return func(p *Probe) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// NewProbe constructs a Probe.
func NewProbe(checker healthChecker, interval time.Duration, opts ...ProbeOption) *Probe {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p := &Probe{
		Manual:           newUnknown(),
		checker:          checker,
		interval:         interval,
		timeout:          interval,
		logger:           logrus.StandardLogger(),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs the polling loop until ctx is cancelled. It should be called in a goroutine.
func (p *Probe) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer func() {
		ticker.Stop()
		close(p.shutdownComplete)
	}()

	for {
		p.CheckOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start returns.
func (p *Probe) Wait() {
	<-p.shutdownComplete
}

// CheckOnce performs one health request and publishes the result.
func (p *Probe) CheckOnce(ctx context.Context) bool {
	if ctx.Err() != nil {
		return p.Online()
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	_, err := p.checker.Health(reqCtx)
	cancel()
	if ctx.Err() != nil {
		// Shutting down; a cancelled request says nothing about the network.
		return p.Online()
	}

	online := err == nil
	if p.Set(online) {
		entry := p.logger.WithField("online", online)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Info("connectivity changed")
	}
	return online
}

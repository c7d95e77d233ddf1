package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/mail-to-telegram/stats"
)

type SessionOptions struct {
	PollInterval     time.Duration
	ReconnectBackoff time.Duration
	// CycleTimeout bounds a single poll cycle. A cycle that runs out of time
	// counts as a connection failure. Zero picks a default derived from
	// PollInterval.
	CycleTimeout time.Duration
}

const minCycleTimeout = 2 * time.Minute

// Session supervises the poll loop: it connects, runs cycles with a fixed
// pause between them and reconnects after a backoff whenever the connection
// or a cycle fails. It stops only when its context is cancelled.
type Session struct {
	dialer Dialer
	loop   *Loop
	opts   SessionOptions
	logger *slog.Logger
	stats  *stats.Collector
	since  time.Time
}

func NewSession(d Dialer, loop *Loop, opts SessionOptions, logger *slog.Logger) (*Session, error) {
	if d == nil {
		return nil, fmt.Errorf("dialer must not be nil")
	}
	if loop == nil {
		return nil, fmt.Errorf("loop must not be nil")
	}
	if opts.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if opts.ReconnectBackoff <= 0 {
		return nil, fmt.Errorf("reconnect backoff must be positive")
	}
	if opts.CycleTimeout < 0 {
		return nil, fmt.Errorf("cycle timeout must not be negative")
	}
	if opts.CycleTimeout == 0 {
		opts.CycleTimeout = max(10*opts.PollInterval, minCycleTimeout)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		dialer: d,
		loop:   loop,
		opts:   opts,
		logger: logger,
		stats:  stats.NewCollector(),
	}, nil
}

// Run blocks until ctx is cancelled. It returns nil on a graceful stop.
func (s *Session) Run(ctx context.Context) error {
	s.since = time.Now()
	defer s.logSummary()

	for attempt := 1; ; attempt++ {
		err := s.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.stats.Record(stats.Event{Type: stats.EventTypeError, Err: err})
		s.logger.Error("session failed, reconnecting", "attempt", attempt, "backoff", s.opts.ReconnectBackoff, "err", err)

		if !sleep(ctx, s.opts.ReconnectBackoff) {
			return nil
		}
	}
}

// RunOnce connects, runs a single cycle and disconnects.
func (s *Session) RunOnce(ctx context.Context) error {
	s.since = time.Now()
	defer s.logSummary()

	mb, err := s.dialer.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer s.disconnect(mb)

	return s.cycle(ctx, mb)
}

// Summary returns the totals across all cycles run so far.
func (s *Session) Summary() stats.Summary {
	return s.stats.Snapshot()
}

func (s *Session) serve(ctx context.Context) error {
	mb, err := s.dialer.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer s.disconnect(mb)
	s.logger.Info("mailbox connected")

	for {
		if err := s.cycle(ctx, mb); err != nil {
			return err
		}
		if !sleep(ctx, s.opts.PollInterval) {
			return ctx.Err()
		}
	}
}

func (s *Session) cycle(ctx context.Context, mb Mailbox) error {
	started := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, s.opts.CycleTimeout)
	defer cancel()

	summary, err := s.loop.RunCycle(cycleCtx, mb)
	s.stats.Merge(summary)
	if err != nil {
		return fmt.Errorf("poll cycle: %w", err)
	}

	tracked := s.loop.Tracked()
	attrs := append(summary.LogAttrs(), "tracked", tracked.Live, "evicted", tracked.Evicted, "duration", time.Since(started))
	if summary.Delivered > 0 || summary.Errors > 0 || summary.DeliveryFailed > 0 || summary.ExtractFailed > 0 {
		s.logger.Info("poll cycle finished", attrs...)
	} else {
		s.logger.Debug("poll cycle finished", attrs...)
	}
	return nil
}

func (s *Session) disconnect(mb Mailbox) {
	if err := mb.Close(); err != nil {
		s.logger.Warn("mailbox close failed", "err", err)
		return
	}
	s.logger.Debug("mailbox disconnected")
}

func (s *Session) logSummary() {
	attrs := append(s.stats.Snapshot().LogAttrs(), "duration", time.Since(s.since))
	s.logger.Info("session stopped", attrs...)
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// IsStop reports whether err only signals that the session was asked to stop.
func IsStop(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-to-telegram/classify"
	"github.com/dhcgn/mail-to-telegram/filter"
	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/state"
	"github.com/dhcgn/mail-to-telegram/stats"
)

type LoopOptions struct {
	Destination string
	// Now is the clock used for the search cutoff. Defaults to time.Now.
	Now func() time.Time
}

// Loop runs single poll cycles against an open mailbox.
type Loop struct {
	tracker     state.Tracker
	filter      *filter.Filter
	deliverer   Deliverer
	destination string
	now         func() time.Time
	logger      *slog.Logger
}

func NewLoop(tracker state.Tracker, f *filter.Filter, d Deliverer, opts LoopOptions, logger *slog.Logger) (*Loop, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if f == nil {
		return nil, fmt.Errorf("filter must not be nil")
	}
	if d == nil {
		return nil, fmt.Errorf("deliverer must not be nil")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loop{
		tracker:     tracker,
		filter:      f,
		deliverer:   d,
		destination: opts.Destination,
		now:         now,
		logger:      logger,
	}, nil
}

// RunCycle searches for today's unread messages and handles each one that is
// not already tracked. A search failure is returned and means the connection
// is unusable; failures of individual messages are logged and counted.
func (l *Loop) RunCycle(ctx context.Context, mb Mailbox) (stats.Summary, error) {
	collector := stats.NewCollector()
	logger := l.logger.With("cycle", uuid.NewString())

	criteria := model.SearchCriteria{Since: model.StartOfDay(l.now()), Unseen: true}
	ids, err := mb.Search(ctx, criteria)
	if err != nil {
		return collector.Snapshot(), fmt.Errorf("search unread since %s: %w", criteria.Since.Format(time.DateOnly), err)
	}
	logger.Debug("poll cycle started", "candidates", len(ids), "since", criteria.Since.Format(time.DateOnly))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return collector.Snapshot(), err
		}
		l.process(ctx, mb, id, collector, logger.With("uid", id.String()))
	}

	summary := collector.Snapshot()
	summary.Cycles = 1
	return summary, nil
}

func (l *Loop) process(ctx context.Context, mb Mailbox, id model.MessageID, collector *stats.Collector, logger *slog.Logger) {
	collector.Record(stats.Event{Type: stats.EventTypeScanned, MessageID: id})

	if !l.tracker.TryAdd(id) {
		collector.Record(stats.Event{Type: stats.EventTypeDuplicate, MessageID: id})
		logger.Debug("message already handled")
		return
	}

	msg, err := mb.FetchFull(ctx, id)
	if err != nil {
		// fetch failures are retried on the next cycle
		l.tracker.Remove(id)
		collector.Record(stats.Event{Type: stats.EventTypeError, MessageID: id, Err: err})
		logger.Error("fetch message failed", "err", err)
		return
	}

	logger = logger.With("sender", msg.FromName, "received", msg.ReceivedAt.Format(time.RFC3339))

	if !l.filter.AllowsSender(msg.From) {
		collector.Record(stats.Event{Type: stats.EventTypeSkipped, MessageID: id, Detail: "sender"})
		logger.Debug("sender not allowed", "from", msg.From)
		return
	}
	if !l.filter.AllowsSubject(msg.Subject) {
		collector.Record(stats.Event{Type: stats.EventTypeSkipped, MessageID: id, Detail: "subject"})
		logger.Debug("subject excluded", "subject", msg.Subject)
		return
	}

	kind := classify.Classify(msg.Subject)
	if kind == classify.KindNone {
		collector.Record(stats.Event{Type: stats.EventTypeSkipped, MessageID: id, Detail: "kind"})
		logger.Debug("no notification kind matches", "subject", msg.Subject)
		return
	}

	notification, err := classify.Extract(kind, msg.Body)
	if err != nil {
		collector.Record(stats.Event{Type: stats.EventTypeExtractFailed, MessageID: id, Err: err})
		logger.Warn("extraction failed, keeping message unread", "kind", kind.String(), "err", err)
		l.retryLater(ctx, mb, id, logger)
		return
	}

	if err := l.deliverer.Deliver(ctx, l.destination, notification); err != nil {
		collector.Record(stats.Event{Type: stats.EventTypeDeliveryFailed, MessageID: id, Err: err})
		logger.Error("delivery failed, keeping message unread", "kind", kind.String(), "err", err)
		l.retryLater(ctx, mb, id, logger)
		return
	}

	collector.Record(stats.Event{Type: stats.EventTypeDelivered, MessageID: id})
	logger.Info("notification delivered", "kind", kind.String(), "subject", msg.Subject)

	if err := mb.SetRead(ctx, id); err != nil {
		// the tracker entry still prevents a second delivery within TTL
		logger.Warn("mark read failed", "err", err)
	}
}

// Tracked reports the state of the dedup registry.
func (l *Loop) Tracked() state.Snapshot {
	return l.tracker.Snapshot()
}

// retryLater reverts the message to unread and forgets it, so the next cycle
// finds it through search and processes it again from fetch onward.
func (l *Loop) retryLater(ctx context.Context, mb Mailbox, id model.MessageID, logger *slog.Logger) {
	if err := mb.SetUnread(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("mark unread failed", "err", err)
	}
	l.tracker.Remove(id)
}

package stats

import (
	"sync"

	"github.com/dhcgn/mail-to-telegram/model"
)

type EventType string

const (
	EventTypeScanned        EventType = "scanned"
	EventTypeDuplicate      EventType = "duplicate"
	EventTypeSkipped        EventType = "skipped"
	EventTypeExtractFailed  EventType = "extract_failed"
	EventTypeDelivered      EventType = "delivered"
	EventTypeDeliveryFailed EventType = "delivery_failed"
	EventTypeError          EventType = "error"
)

type Event struct {
	Type      EventType
	MessageID model.MessageID
	Err       error
	Detail    string
}

type Summary struct {
	Cycles         int
	Scanned        int
	Duplicates     int
	Skipped        int
	ExtractFailed  int
	Delivered      int
	DeliveryFailed int
	Errors         int
	LastError      error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"duplicates", s.Duplicates,
		"skipped", s.Skipped,
		"extractFailed", s.ExtractFailed,
		"delivered", s.Delivered,
		"deliveryFailed", s.DeliveryFailed,
		"errors", s.Errors,
	}
	if s.Cycles > 0 {
		attrs = append(attrs, "cycles", s.Cycles)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Add merges other into s. LastError is taken from other when set.
func (s *Summary) Add(other Summary) {
	s.Cycles += other.Cycles
	s.Scanned += other.Scanned
	s.Duplicates += other.Duplicates
	s.Skipped += other.Skipped
	s.ExtractFailed += other.ExtractFailed
	s.Delivered += other.Delivered
	s.DeliveryFailed += other.DeliveryFailed
	s.Errors += other.Errors
	if other.LastError != nil {
		s.LastError = other.LastError
	}
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeExtractFailed:
		c.summary.ExtractFailed++
	case EventTypeDelivered:
		c.summary.Delivered++
	case EventTypeDeliveryFailed:
		c.summary.DeliveryFailed++
	case EventTypeError:
		c.summary.Errors++
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err
	}
}

// Merge folds a finished cycle summary into the collector.
func (c *Collector) Merge(s Summary) {
	c.mu.Lock()
	c.summary.Add(s)
	c.mu.Unlock()
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

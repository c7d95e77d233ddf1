package model

import (
	"strconv"
	"time"
)

// MessageID is the UID the mailbox assigned to a message. It is stable for as
// long as the message stays in the selected mailbox.
type MessageID uint32

func (id MessageID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// RawMessage represents a single fetched message, already decoded.
type RawMessage struct {
	ID         MessageID
	Subject    string
	From       string
	FromName   string
	Body       string
	ReceivedAt time.Time
}

// SearchCriteria selects candidate messages for one poll cycle.
type SearchCriteria struct {
	Since  time.Time
	Unseen bool
}

// FormatHint tells the delivery endpoint how to render the text.
type FormatHint string

const (
	FormatPlain FormatHint = ""
	FormatHTML  FormatHint = "HTML"
)

// Notification is the payload forwarded for one message.
type Notification struct {
	Kind   string
	Text   string
	Format FormatHint
}

// StartOfDay returns local midnight of the day t falls on.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

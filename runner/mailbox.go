package runner

import (
	"context"

	"github.com/dhcgn/mail-to-telegram/model"
)

// Mailbox is one authenticated connection to the selected mailbox. It is
// owned by a single session and never shared.
type Mailbox interface {
	Search(ctx context.Context, criteria model.SearchCriteria) ([]model.MessageID, error)
	FetchFull(ctx context.Context, id model.MessageID) (model.RawMessage, error)
	SetRead(ctx context.Context, id model.MessageID) error
	SetUnread(ctx context.Context, id model.MessageID) error
	Close() error
}

// Dialer opens new mailbox connections.
type Dialer interface {
	Connect(ctx context.Context) (Mailbox, error)
}

// Deliverer forwards one notification to a chat destination. Any transport
// failure or rejection by the endpoint is returned as an error.
type Deliverer interface {
	Deliver(ctx context.Context, destination string, n model.Notification) error
}

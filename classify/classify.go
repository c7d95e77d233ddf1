// Package classify maps message subjects to notification kinds and turns
// message bodies into notification text.
package classify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dhcgn/mail-to-telegram/model"
)

var (
	ErrExtractionFailed = errors.New("no extractable fragment in message body")
	ErrUnknownKind      = errors.New("unknown notification kind")
)

// Classify returns the first kind, in priority order, whose token occurs in
// the normalised subject. KindNone means the message is irrelevant.
func Classify(subject string) Kind {
	normalized := Normalize(subject)
	if normalized == "" {
		return KindNone
	}
	for _, k := range priority {
		for _, token := range kinds[k].tokens {
			if strings.Contains(normalized, token) {
				return k
			}
		}
	}
	return KindNone
}

// Extract renders the notification for a message already classified as kind.
// ErrExtractionFailed means the body did not carry the expected fragment and
// the message should be retried later.
func Extract(kind Kind, body string) (model.Notification, error) {
	def, ok := kinds[kind]
	if !ok {
		return model.Notification{}, fmt.Errorf("extract %d: %w", int(kind), ErrUnknownKind)
	}
	fragment, ok := def.extract(body)
	if !ok {
		return model.Notification{}, fmt.Errorf("extract %s: %w", def.name, ErrExtractionFailed)
	}
	return model.Notification{
		Kind:   def.name,
		Text:   def.render(fragment),
		Format: def.format,
	}, nil
}

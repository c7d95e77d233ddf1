package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/parse"
	"github.com/dhcgn/mail-to-telegram/runner"
)

var ErrUnknownMessage = errors.New("message not in archive")

// Mailbox serves the messages of an mbox archive as if they were an IMAP
// folder. Ids are 1-based positions in the archive. Seen flags live in memory
// only; every message starts unread. Search ignores the date cutoff so that
// old archives can be replayed.
type Mailbox struct {
	mu     sync.Mutex
	raw    [][]byte
	seen   map[model.MessageID]bool
	logger *slog.Logger
}

// Open reads every message of the archive at path into memory.
func Open(path string, logger *slog.Logger) (*Mailbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return Load(file, logger)
}

// Load reads every message from r.
func Load(r io.Reader, logger *slog.Logger) (*Mailbox, error) {
	reader := mboxlib.NewReader(r)
	mb := &Mailbox{seen: make(map[model.MessageID]bool), logger: logger}

	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}
		mb.raw = append(mb.raw, raw)
	}

	if logger != nil {
		logger.Debug("mbox loaded", "messages", len(mb.raw))
	}
	return mb, nil
}

// Len returns the number of messages in the archive.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.raw)
}

// Connect returns the mailbox itself; it satisfies runner.Dialer.
func (m *Mailbox) Connect(ctx context.Context) (runner.Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mailbox) Search(_ context.Context, criteria model.SearchCriteria) ([]model.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]model.MessageID, 0, len(m.raw))
	for i := range m.raw {
		id := model.MessageID(i + 1)
		if criteria.Unseen && m.seen[id] {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Mailbox) FetchFull(_ context.Context, id model.MessageID) (model.RawMessage, error) {
	raw, err := m.rawMessage(id)
	if err != nil {
		return model.RawMessage{}, err
	}
	return parse.Message(id, raw)
}

func (m *Mailbox) SetRead(_ context.Context, id model.MessageID) error {
	return m.setSeen(id, true)
}

func (m *Mailbox) SetUnread(_ context.Context, id model.MessageID) error {
	return m.setSeen(id, false)
}

// Seen reports the in-memory seen flag of id.
func (m *Mailbox) Seen(id model.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[id]
}

func (m *Mailbox) Close() error {
	return nil
}

func (m *Mailbox) rawMessage(id model.MessageID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || int(id) > len(m.raw) {
		return nil, fmt.Errorf("message %s: %w", id, ErrUnknownMessage)
	}
	return bytes.Clone(m.raw[id-1]), nil
}

func (m *Mailbox) setSeen(id model.MessageID, seen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || int(id) > len(m.raw) {
		return fmt.Errorf("message %s: %w", id, ErrUnknownMessage)
	}
	m.seen[id] = seen
	return nil
}

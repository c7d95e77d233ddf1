package runner

import (
	"context"
	"errors"
	"sync"

	"github.com/dhcgn/mail-to-telegram/model"
)

type fakeMailbox struct {
	mu        sync.Mutex
	messages  map[model.MessageID]model.RawMessage
	order     []model.MessageID
	unread    map[model.MessageID]bool
	fetchErr  map[model.MessageID]error
	searchErr error
	// stallSearch makes Search block until its context ends.
	stallSearch bool

	fetches  map[model.MessageID]int
	setRead  []model.MessageID
	setUnrd  []model.MessageID
	searches int
	closed   bool
}

func newFakeMailbox(msgs ...model.RawMessage) *fakeMailbox {
	mb := &fakeMailbox{
		messages: make(map[model.MessageID]model.RawMessage),
		unread:   make(map[model.MessageID]bool),
		fetchErr: make(map[model.MessageID]error),
		fetches:  make(map[model.MessageID]int),
	}
	for _, m := range msgs {
		mb.messages[m.ID] = m
		mb.order = append(mb.order, m.ID)
		mb.unread[m.ID] = true
	}
	return mb
}

func (m *fakeMailbox) Search(ctx context.Context, criteria model.SearchCriteria) ([]model.MessageID, error) {
	m.mu.Lock()
	m.searches++
	stall := m.stallSearch
	m.mu.Unlock()
	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	var ids []model.MessageID
	for _, id := range m.order {
		if criteria.Unseen && !m.unread[id] {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *fakeMailbox) FetchFull(_ context.Context, id model.MessageID) (model.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[id]++
	if err := m.fetchErr[id]; err != nil {
		return model.RawMessage{}, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return model.RawMessage{}, errors.New("no such message")
	}
	return msg, nil
}

func (m *fakeMailbox) SetRead(_ context.Context, id model.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unread[id] = false
	m.setRead = append(m.setRead, id)
	return nil
}

func (m *fakeMailbox) SetUnread(_ context.Context, id model.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unread[id] = true
	m.setUnrd = append(m.setUnrd, id)
	return nil
}

func (m *fakeMailbox) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type delivery struct {
	destination string
	n           model.Notification
}

type fakeDeliverer struct {
	mu         sync.Mutex
	deliveries []delivery
	fail       map[string]error
}

func (d *fakeDeliverer) Deliver(_ context.Context, destination string, n model.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, delivery{destination: destination, n: n})
	if err, ok := d.fail[n.Text]; ok {
		return err
	}
	return nil
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deliveries)
}

type fakeDialer struct {
	mu       sync.Mutex
	mailbox  *fakeMailbox
	errs     []error
	connects int
	// onConnect runs after every successful connect.
	onConnect func(n int)
}

func (d *fakeDialer) Connect(ctx context.Context) (Mailbox, error) {
	d.mu.Lock()
	d.connects++
	n := d.connects
	var err error
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if d.onConnect != nil {
		d.onConnect(n)
	}
	return d.mailbox, nil
}

func (d *fakeDialer) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

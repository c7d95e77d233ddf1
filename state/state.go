package state

import (
	"sync"
	"time"

	"github.com/dhcgn/mail-to-telegram/model"
)

// Tracker remembers which messages were already handled recently.
type Tracker interface {
	Exists(id model.MessageID) bool
	Add(id model.MessageID)
	TryAdd(id model.MessageID) bool
	Remove(id model.MessageID)
	Snapshot() Snapshot
}

type Snapshot struct {
	Live    int
	Evicted int
}

type Options struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
}

const staleSlack = 16

type entry struct {
	id model.MessageID
	at time.Time
}

// Registry is a time-bounded set of message ids. An entry inserted at t is
// visible while now-t < TTL. With MaxEntries > 0 the oldest entries are
// dropped once the limit is exceeded.
type Registry struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	entries map[model.MessageID]time.Time
	// order holds insertions oldest first; refreshed ids leave stale
	// records behind that are skipped when popped.
	order   []entry
	evicted int
}

func NewRegistry(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	max := opts.MaxEntries
	if max < 0 {
		max = 0
	}
	return &Registry{
		ttl:     opts.TTL,
		max:     max,
		now:     now,
		entries: make(map[model.MessageID]time.Time),
	}
}

func (r *Registry) Exists(id model.MessageID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked(id, r.now())
}

func (r *Registry) Add(id model.MessageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(id, r.now())
}

// TryAdd inserts id unless an unexpired entry is already present. It reports
// whether the insert happened.
func (r *Registry) TryAdd(id model.MessageID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.liveLocked(id, now) {
		return false
	}
	r.insertLocked(id, now)
	return true
}

// Remove forgets id. The loop uses it to roll back a TryAdd.
func (r *Registry) Remove(id model.MessageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.entries, id)
	if n := len(r.order); n > 0 && r.order[n-1].id == id && r.order[n-1].at.Equal(at) {
		r.order[n-1] = entry{}
		r.order = r.order[:n-1]
	}
	r.dropStaleLocked()
}

// Len returns the number of unexpired entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, at := range r.entries {
		if !r.expired(at, now) {
			n++
		}
	}
	return n
}

func (r *Registry) Snapshot() Snapshot {
	live := r.Len()
	r.mu.Lock()
	evicted := r.evicted
	r.mu.Unlock()
	return Snapshot{Live: live, Evicted: evicted}
}

func (r *Registry) liveLocked(id model.MessageID, now time.Time) bool {
	at, ok := r.entries[id]
	return ok && !r.expired(at, now)
}

func (r *Registry) expired(at, now time.Time) bool {
	if r.ttl <= 0 {
		return true
	}
	return now.Sub(at) >= r.ttl
}

func (r *Registry) insertLocked(id model.MessageID, now time.Time) {
	r.entries[id] = now
	r.order = append(r.order, entry{id: id, at: now})
	r.purgeLocked(now)
	r.dropStaleLocked()
}

func (r *Registry) purgeLocked(now time.Time) {
	for len(r.order) > 0 {
		head := r.order[0]
		at, ok := r.entries[head.id]
		switch {
		case !ok || !at.Equal(head.at):
			// removed or refreshed since this record was written
		case r.expired(at, now):
			delete(r.entries, head.id)
		case r.max > 0 && len(r.entries) > r.max:
			delete(r.entries, head.id)
			r.evicted++
		default:
			r.compactLocked()
			return
		}
		r.order[0] = entry{}
		r.order = r.order[1:]
	}
	r.compactLocked()
}

// dropStaleLocked rewrites the queue once records of removed or refreshed ids
// outnumber the live ones, keeping it within twice the entry count.
func (r *Registry) dropStaleLocked() {
	if len(r.order) <= 2*len(r.entries)+staleSlack {
		return
	}
	kept := make([]entry, 0, 2*len(r.entries)+staleSlack)
	for _, e := range r.order {
		if at, ok := r.entries[e.id]; ok && at.Equal(e.at) {
			kept = append(kept, e)
		}
	}
	r.order = kept
}

// compactLocked copies the queue once the dead prefix of its backing array
// dominates, so memory stays proportional to the live set.
func (r *Registry) compactLocked() {
	if cap(r.order) > 64 && len(r.order) < cap(r.order)/4 {
		order := make([]entry, len(r.order), len(r.order)*2)
		copy(order, r.order)
		r.order = order
	}
}

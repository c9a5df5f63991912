// Package events fans thread and completion notifications out to the owning
// user's subscribers.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	TurnAccepted       Type = "turn.accepted"
	CompletionStarted  Type = "completion.started"
	CompletionChunk    Type = "completion.chunk"
	CompletionFinished Type = "completion.finished"
	ThreadCompacted    Type = "thread.compacted"
	ThreadUpdated      Type = "thread.updated"
	ContextTruncated   Type = "context.truncated"
)

// Event is one notification.
type Event struct {
	Type     Type              `json:"type"`
	UserID   string            `json:"user_id"`
	ThreadID string            `json:"thread_id"`
	CallID   string            `json:"call_id,omitempty"`
	Seq      int64             `json:"seq,omitempty"`
	Data     string            `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Time     time.Time         `json:"time"`
}

// Filter selects events for a subscription. Empty fields match everything.
type Filter struct {
	Types    []Type
	ThreadID string
	// Metadata entries must all be present with equal values.
	Metadata map[string]string
}

func (f Filter) match(ev Event) bool {
	if f.ThreadID != "" && f.ThreadID != ev.ThreadID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for k, v := range f.Metadata {
		if ev.Metadata[k] != v {
			return false
		}
	}
	return true
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

type subscriber struct {
	id     uint64
	filter Filter
	ch     chan Event
}

// Broker delivers events to per-user subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Broker struct {
	buffer int
	now    func() time.Time

	mu      sync.Mutex
	nextID  uint64
	subs    map[string]map[uint64]*subscriber
	dropped uint64
}

// NewBroker creates a broker. buffer <= 0 uses DefaultBuffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{buffer: buffer, now: time.Now, subs: make(map[string]map[uint64]*subscriber)}
}

// Subscribe registers for userID's events matching f. The channel is closed
// when ctx ends or the returned cancel function is called.
func (b *Broker) Subscribe(ctx context.Context, userID string, f Filter) (<-chan Event, func()) {
	b.mu.Lock()
	b.nextID++
	s := &subscriber{id: b.nextID, filter: f, ch: make(chan Event, b.buffer)}
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[uint64]*subscriber)
	}
	b.subs[userID][s.id] = s
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], s.id)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			close(s.ch)
			b.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return s.ch, func() {
		stop()
		unsubscribe()
	}
}

// Publish delivers ev to ev.UserID's matching subscribers.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[ev.UserID] {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the number of live subscriptions for userID.
func (b *Broker) Subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broker) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

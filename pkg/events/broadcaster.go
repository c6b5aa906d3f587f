package events

import (
	"sync"
	"time"

	"avatarforge/pkg/domain"
)

type EventType string

const (
	EventProgress  EventType = "progress"
	EventStatus    EventType = "status"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is one progress/status notification for an avatar.
type Event struct {
	Type       EventType           `json:"type"`
	AvatarID   string              `json:"avatarId"`
	JobID      string              `json:"jobId,omitempty"`
	Status     domain.AvatarStatus `json:"status,omitempty"`
	Progress   int                 `json:"progress"`
	Step       string              `json:"step,omitempty"`
	Message    string              `json:"message,omitempty"`
	ErrorCode  string              `json:"errorCode,omitempty"`
	Retryable  bool                `json:"retryable,omitempty"`
	OccurredAt time.Time           `json:"occurredAt"`
}

const defaultSubscriptionBuffer = 16

// Subscription receives events for one avatar on C until Close.
type Subscription struct {
	C        <-chan Event
	ch       chan Event
	avatarID string
	b        *Broadcaster
	once     sync.Once
}

// Close detaches the subscription; C is never closed so late reads
// simply block, and pending buffered events stay readable.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s.avatarID, s)
	})
}

// Broadcaster fans events out to in-process subscribers keyed by
// avatar ID. Delivery is at-most-once: a subscriber whose buffer is
// full misses the event, and a late joiner must query current avatar
// state to catch up.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers interest in one avatar's events.
func (b *Broadcaster) Subscribe(avatarID string) *Subscription {
	ch := make(chan Event, defaultSubscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, avatarID: avatarID, b: b}
	b.mu.Lock()
	set, ok := b.subs[avatarID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[avatarID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broadcaster) remove(avatarID string, sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[avatarID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, avatarID)
		}
	}
	b.mu.Unlock()
}

// Publish delivers evt to current subscribers of its avatar without
// blocking; slow subscribers drop the event.
func (b *Broadcaster) Publish(evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[evt.AvatarID] {
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// SubscriberCount reports how many subscriptions exist for an avatar.
func (b *Broadcaster) SubscriberCount(avatarID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[avatarID])
}

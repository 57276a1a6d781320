package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventItemPlanned     = "itemPlanned"
	EventItemDeleted     = "itemDeleted"
	EventItemDateUpdated = "itemDateUpdated"
	EventRecipeRenamed   = "recipeRenamed"
)

// ScopeGlobal receives every event regardless of household or user.
const ScopeGlobal = "global"

// Topic is the channel name an event is published on.
func Topic(name, scope string) string {
	return name + ":" + scope
}

func HouseholdScope(householdID string) string {
	return "household:" + householdID
}

func UserScope(userID string) string {
	return "user:" + userID
}

// Event represents a lightweight domain event.
type Event struct {
	ID        string
	Name      string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Subscription delivers events of one topic until Close is called.
// C is never closed; consumers select on it together with their own cancellation.
type Subscription struct {
	C     <-chan *Event
	ch    chan *Event
	done  chan struct{}
	once  sync.Once
	bus   *Bus
	topic string
	id    uint64
}

// Close detaches the subscription. Pending publishers stop waiting on it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.unsubscribe(s.topic, s.id)
	})
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Bus provides in-process topic pub/sub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	buffer int
}

// NewBus constructs an empty bus. buffer is the per-subscription channel capacity.
func NewBus(buffer int) *Bus {
	if buffer < 0 {
		buffer = 0
	}
	return &Bus{subs: make(map[string]map[uint64]*Subscription), buffer: buffer}
}

// Subscribe registers a new subscription for topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan *Event, b.buffer)
	sub := &Subscription{
		C:     ch,
		ch:    ch,
		done:  make(chan struct{}),
		bus:   b,
		topic: topic,
		id:    b.nextID,
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish delivers the event to every current subscriber of topic. It blocks while a
// subscriber's buffer is full, until the subscriber reads, closes, or ctx is done.
func (b *Bus) Publish(ctx context.Context, topic string, event *Event) error {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.Topic = topic

	for _, s := range subs {
		select {
		case s.ch <- event:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// PublishJSON serializes the payload and publishes it as event name on topic.
func (b *Bus) PublishJSON(ctx context.Context, topic, name string, payload any) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return b.Publish(ctx, topic, &Event{Name: name, Payload: raw})
}

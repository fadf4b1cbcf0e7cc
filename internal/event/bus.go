package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/sessioncore/internal/logging"
)

// EventType represents the type of event.
type EventType string

const (
	SessionDisposed   EventType = "session.disposed"
	SessionTitle      EventType = "session.title"
	TurnAdded         EventType = "turn.added"
	TurnRemoved       EventType = "turn.removed"
	CheckpointChanged EventType = "checkpoint.changed"
	ResponseChanged   EventType = "response.changed"
	ResponseCompleted EventType = "response.completed"
	StoreFlushed      EventType = "store.flushed"
)

// streamTopic is the watermill topic every published event is mirrored to.
const streamTopic = "sessioncore.events"

// Event represents an event to be published.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionID,omitempty"`
	Data      any       `json:"data"`
}

// StreamEvent is an event as seen by stream consumers: the payload is
// already encoded.
type StreamEvent struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionID,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id      uint64
	session string
	fn      Subscriber
}

// streamBuffer is how many events a Stream consumer may lag behind.
const streamBuffer = 256

// Bus delivers events to in-process subscribers directly, preserving the
// payload's Go type, and mirrors each event as JSON onto a watermill
// gochannel for streaming consumers such as SSE.
type Bus struct {
	mu sync.RWMutex

	pubsub  *gochannel.GoChannel
	streams int64

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            100,
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.subscribe(eventType, "", fn)
}

// SubscribeSession registers a subscriber for one event type scoped to a
// single session.
func (b *Bus) SubscribeSession(eventType EventType, sessionID string, fn Subscriber) func() {
	return b.subscribe(eventType, sessionID, fn)
}

func (b *Bus) subscribe(eventType EventType, sessionID string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, session: sessionID, fn: fn})

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribeGlobal(id)
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			break
		}
	}
}

// collect returns the subscribers interested in event, or nil when closed.
func (b *Bus) collect(event Event) ([]Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, false
	}

	subs := make([]Subscriber, 0, len(b.subscribers[event.Type])+len(b.global))
	for _, entry := range b.subscribers[event.Type] {
		if entry.session != "" && entry.session != event.SessionID {
			continue
		}
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs, true
}

// Publish sends an event to all subscribers asynchronously.
// Each subscriber is called in its own goroutine.
func (b *Bus) Publish(event Event) {
	subs, ok := b.collect(event)
	if !ok {
		return
	}
	for _, sub := range subs {
		go sub(event)
	}
	b.mirror(event)
}

// PublishSync sends an event to all subscribers synchronously, in
// subscription order, before returning.
func (b *Bus) PublishSync(event Event) {
	subs, ok := b.collect(event)
	if !ok {
		return
	}
	for _, sub := range subs {
		sub(event)
	}
	b.mirror(event)
}

// mirror forwards the event to stream consumers, if there are any.
func (b *Bus) mirror(event Event) {
	if atomic.LoadInt64(&b.streams) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		logging.Warn().Err(err).Str("type", string(event.Type)).Msg("event not streamable")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(event.Type))
	msg.Metadata.Set("session", event.SessionID)
	if err := b.pubsub.Publish(streamTopic, msg); err != nil {
		logging.Warn().Err(err).Str("type", string(event.Type)).Msg("event stream publish failed")
	}
}

// Stream returns a channel of encoded events that stays open until ctx is
// done or the bus is closed. sessionID filters to one session when set.
// Events that do not fit into the channel buffer are dropped, so a slow
// consumer never holds up publishers.
func (b *Bus) Stream(ctx context.Context, sessionID string) (<-chan StreamEvent, error) {
	msgs, err := b.pubsub.Subscribe(ctx, streamTopic)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&b.streams, 1)

	out := make(chan StreamEvent, streamBuffer)
	go func() {
		defer close(out)
		defer atomic.AddInt64(&b.streams, -1)

		dropped := 0
		for msg := range msgs {
			msg.Ack()

			var ev StreamEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			if sessionID != "" && ev.SessionID != sessionID {
				continue
			}
			select {
			case out <- ev:
				if dropped > 0 {
					logging.Warn().Int("dropped", dropped).Msg("event stream consumer fell behind")
					dropped = 0
				}
			default:
				dropped++
			}
		}
	}()
	return out, nil
}

// Close closes the bus and all its subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

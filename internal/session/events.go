package session

import (
	"context"
	"sync"
	"time"

	"github.com/decentralchat/engine/internal/messages"
	"github.com/decentralchat/engine/internal/presence"
)

// EventType enumerates the façade's outbound event kinds.
type EventType string

const (
	// EventMessage carries one chat message, local or remote.
	EventMessage EventType = "message"
	// EventPresence carries the refreshed online-members view.
	EventPresence EventType = "presence"
	// EventChatSwitched announces the active room or direct channel.
	EventChatSwitched EventType = "chat-switched"
)

// Event is one unit of the presentation stream. Exactly one payload field
// is set, matching Type.
type Event struct {
	Type      EventType         `json:"type"`
	RoomID    string            `json:"roomId,omitempty"`
	ChannelID string            `json:"channelId,omitempty"`
	Own       bool              `json:"own,omitempty"`
	Message   *messages.Message `json:"message,omitempty"`
	Presence  []presence.Record `json:"presence,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventDispatcher fans session events out to presentation subscribers.
// Slow subscribers lose events rather than stalling the engine.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

// NewEventDispatcher constructs a dispatcher with a small per-subscriber
// buffer.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  64,
	}
}

// Subscribe registers a listener. The cleanup runs automatically when ctx
// is cancelled, or explicitly via the returned function.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(subscriber)
	cleanup := func() {
		d.unregister(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber, dropping it for any
// whose buffer is full.
func (d *EventDispatcher) Publish(event Event) {
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) register(subscriber *eventSubscriber) {
	d.mu.Lock()
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()
}

func (d *EventDispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}

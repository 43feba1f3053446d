// Package events carries the bridge's operator-facing telemetry: session
// lifecycle, catalog and state changes, command dispatch, and fulfillment
// traffic. Three emitters ship: the in-memory Bus (single pod), RedisBus
// (cross-pod fan-out), and PubSubBus (durable export).
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types published by the bridge.
const (
	TypeSessionConnected     = "bridge.session.connected"
	TypeSessionAuthenticated = "bridge.session.authenticated"
	TypeSessionClosed        = "bridge.session.closed"
	TypeDevicesChanged       = "bridge.devices.changed"
	TypeStateChanged         = "bridge.state.changed"
	TypeCommandSent          = "bridge.command.sent"
	TypeFulfillmentRequest   = "bridge.fulfillment.request"
	TypeWatchdogOffline      = "bridge.watchdog.offline"
)

// Emitter is what components hold to publish telemetry. Subject is the user
// id when the event concerns one user, the session id otherwise.
type Emitter interface {
	Emit(eventType, subject string, data map[string]any)
}

// Event is the envelope delivered to subscribers and exported off-pod.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Subject string         `json:"subject,omitempty"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an envelope with an id and the current time.
func NewEvent(eventType, subject string, data map[string]any) *Event {
	return &Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event as one Server-Sent Events message.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Bus is the in-process fan-out. Subscriber channels are buffered and sends
// never block: a full subscriber misses events rather than stalling the
// publisher, which may be inside a repository's serialized section.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]chan *Event // event type -> channels
	allSubs    []chan *Event
	bufferSize int
	dropped    atomic.Uint64
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[string][]chan *Event),
		bufferSize: 128,
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when no types are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subs[et] = append(b.subs[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subs {
		b.subs[et] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

func removeChan(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish fans an event out to matching subscribers without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event.Type] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped on full subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, subject string, data map[string]any) {
	b.Publish(NewEvent(eventType, subject, data))
}

// SubscriberCount reports active subscriptions, for health surfaces.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}

// NoopEmitter drops everything; components treat a nil emitter as this.
type NoopEmitter struct{}

func (NoopEmitter) Emit(string, string, map[string]any) {}

var _ Emitter = (*Bus)(nil)
var _ Emitter = NoopEmitter{}

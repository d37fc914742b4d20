// Package eventbus provides the broadcast channel carrying registry state
// changes to RPC stream subscribers and HTTP SSE clients.
//
// Each subscriber owns a bounded queue. A slow subscriber loses its oldest
// events (never anyone else's), and the producer never blocks on delivery.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event type values. These are part of the wire contract: they appear
// verbatim in the SSE "event:" line and in the RPC stream's event_type.
const (
	TypeServiceRegistered = "service_registered"
	TypeStatusChange      = "status_change"
	TypeSubscribed        = "subscribed"
	TypeConnection        = "connection"
)

// Event is one registry state change.
type Event struct {
	Type string
	Data map[string]any
}

// ServiceRegistered builds the event emitted on first-time registration.
func ServiceRegistered(id, name string) Event {
	return Event{
		Type: TypeServiceRegistered,
		Data: map[string]any{
			"service_id":   id,
			"service_name": name,
			"status":       "online",
		},
	}
}

// StatusChange builds the event emitted when a stored status actually
// changes. reason is optional and omitted when empty.
func StatusChange(id, name, status, reason string) Event {
	data := map[string]any{
		"service_id":   id,
		"service_name": name,
		"status":       status,
	}
	if reason != "" {
		data["reason"] = reason
	}
	return Event{Type: TypeStatusChange, Data: data}
}

// queueCap bounds each subscriber's queue. Chosen to ride out a burst of
// fleet-wide status flaps without letting one stuck consumer hoard memory.
const queueCap = 100

// Subscriber receives events on C until Unsubscribe is called.
type Subscriber struct {
	// C delivers events in publish order, minus any dropped while the
	// subscriber lagged.
	C <-chan Event

	ch      chan Event
	filter  string
	skipped atomic.Int64
}

// Bus is the multi-subscriber broadcast primitive. The zero value is not
// usable; construct with New.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
	log  *slog.Logger
}

// New returns an empty Bus logging lag notices through log.
func New(log *slog.Logger) *Bus {
	return &Bus{
		subs: make(map[*Subscriber]struct{}),
		log:  log,
	}
}

// Subscribe attaches a new subscriber. A non-empty filter restricts
// delivery to events for that service name; events without a service name
// (connection, subscribed) are always delivered.
func (b *Bus) Subscribe(filter string) *Subscriber {
	s := &Subscriber{
		ch:     make(chan Event, queueCap),
		filter: filter,
	}
	s.C = s.ch

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe detaches s. Events already queued remain readable on s.C;
// no further events arrive. Safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Count reports the number of attached subscribers.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish fans evt out to every matching subscriber without blocking.
// When a subscriber's queue is full its oldest event is dropped to make
// room, and the lag is logged.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.matches(evt) {
			continue
		}
		b.push(s, evt)
	}
}

// Send delivers evt to a single subscriber, bypassing filters. Used for
// the per-stream head events (subscribed, connection).
func (b *Bus) Send(s *Subscriber, evt Event) {
	b.push(s, evt)
}

func (b *Bus) push(s *Subscriber, evt Event) {
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		// Queue full: drop the oldest event for this subscriber only.
		select {
		case <-s.ch:
			b.log.Warn("subscriber lagged, dropping oldest event", "skipped", s.skipped.Add(1))
		default:
		}
	}
}

func (s *Subscriber) matches(evt Event) bool {
	if s.filter == "" {
		return true
	}
	name, ok := evt.Data["service_name"].(string)
	if !ok {
		return true
	}
	return name == s.filter
}

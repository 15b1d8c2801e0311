// Package bus implements the room-scoped publish/subscribe fabric used for
// coordination events and observer sessions.
//
// Delivery is at-most-once per subscriber with no replay: a late joiner sees
// events from the point of join. Within a room, events published by the same
// publisher arrive at each subscriber in publication order; cross-publisher
// ordering is not guaranteed. A subscriber whose buffer is full drops the
// event and increments its Dropped counter rather than blocking the
// publisher.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber channel capacity when the caller
// does not specify one.
const DefaultBufferSize = 256

// ErrSubscriberExists is returned when subscribing with a session id that is
// already active.
var ErrSubscriberExists = errors.New("subscriber already exists")

// ErrSubscriberNotFound is returned for operations on unknown session ids.
var ErrSubscriberNotFound = errors.New("subscriber not found")

// Filter narrows the events delivered to a subscriber. Zero-value fields
// match everything; set fields must all match.
type Filter struct {
	Types   []EventType `json:"types,omitempty"`
	SwarmID string      `json:"swarm_id,omitempty"`
	AgentID string      `json:"agent_id,omitempty"`
}

// Match reports whether the event passes the filter.
func (f *Filter) Match(evt Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if evt.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SwarmID != "" && evt.SwarmID != f.SwarmID {
		return false
	}
	if f.AgentID != "" && evt.AgentID != f.AgentID {
		return false
	}
	return true
}

// Subscriber is an observer session attached to the bus. Events arrive on
// Events(); a full buffer drops instead of blocking.
type Subscriber struct {
	id      string
	ch      chan Event
	dropped atomic.Uint64

	mu     sync.Mutex
	filter *Filter
	rooms  map[string]bool
	closed bool
}

// ID returns the session id.
func (s *Subscriber) ID() string { return s.id }

// Events is the delivery channel. It is closed on Unsubscribe.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Dropped returns the number of events discarded because the buffer was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// SetFilter replaces the subscriber's filter. A nil filter matches all.
func (s *Subscriber) SetFilter(f *Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

// Rooms returns the rooms the subscriber has joined.
func (s *Subscriber) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// deliver applies the filter and attempts a non-blocking send. A filtered
// event counts as delivered for ordering purposes.
func (s *Subscriber) deliver(evt Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	pass := s.filter.Match(evt)
	s.mu.Unlock()

	if !pass {
		return
	}
	select {
	case s.ch <- evt:
	default:
		s.dropped.Add(1)
	}
}

// Bus is the in-process event fabric.
type Bus struct {
	mu sync.RWMutex

	subscribers map[string]*Subscriber
	rooms       map[string]map[string]*Subscriber

	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		rooms:       make(map[string]map[string]*Subscriber),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a new session. buffer ≤ 0 selects DefaultBufferSize.
func (b *Bus) Subscribe(sessionID string, buffer int) (*Subscriber, error) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sessionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriberExists, sessionID)
	}
	sub := &Subscriber{
		id:    sessionID,
		ch:    make(chan Event, buffer),
		rooms: make(map[string]bool),
	}
	b.subscribers[sessionID] = sub
	b.logger.Debug("subscriber attached", "session_id", sessionID, "buffer", buffer)
	return sub, nil
}

// Unsubscribe detaches a session from every room and closes its channel.
// Idempotent.
func (b *Bus) Unsubscribe(sessionID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, sessionID)
	for room := range sub.rooms {
		delete(b.rooms[room], sessionID)
		if len(b.rooms[room]) == 0 {
			delete(b.rooms, room)
		}
	}
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()

	b.logger.Debug("subscriber detached", "session_id", sessionID, "dropped", sub.Dropped())
}

// Join adds a session to a room.
func (b *Bus) Join(sessionID, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, sessionID)
	}
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[string]*Subscriber)
	}
	b.rooms[room][sessionID] = sub

	sub.mu.Lock()
	sub.rooms[room] = true
	sub.mu.Unlock()
	return nil
}

// Leave removes a session from a room. Unknown memberships are ignored.
func (b *Bus) Leave(sessionID, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, sessionID)
	}
	if members, ok := b.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}

	sub.mu.Lock()
	delete(sub.rooms, room)
	sub.mu.Unlock()
	return nil
}

// SetFilter replaces the filter of a session.
func (b *Bus) SetFilter(sessionID string, f *Filter) error {
	b.mu.RLock()
	sub, ok := b.subscribers[sessionID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, sessionID)
	}
	sub.SetFilter(f)
	return nil
}

// Publish delivers an event to every member of a room. The fan-out runs
// under the read lock so that two sequential publishes by the same caller
// cannot reorder; the per-subscriber send never blocks.
func (b *Bus) Publish(room string, evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.rooms[room] {
		sub.deliver(evt)
	}
}

// PublishSwarm publishes into a swarm's room.
func (b *Bus) PublishSwarm(swarmID string, evt Event) {
	b.Publish(RoomForSwarm(swarmID), evt)
}

// Broadcast delivers an event to every subscriber regardless of room
// membership. Used for system-wide notices.
func (b *Bus) Broadcast(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		sub.deliver(evt)
	}
}

// SubscriberCount returns the number of attached sessions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// RoomCount returns the number of rooms with at least one member.
func (b *Bus) RoomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}

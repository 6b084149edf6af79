// Package events is the in-process publish/subscribe bus shared by a node,
// its registry and its peers.
package events

import (
	"sort"
	"sync"

	"github.com/danmuck/netron/internal/logging"
)

// Well-known event names.
const (
	ContextAttach  = "context:attach"
	ContextDetach  = "context:detach"
	TaskResult     = "task:result"
	PeerConnect    = "peer:connect"
	PeerDisconnect = "peer:disconnect"
)

// Event is one emitted notification. Origin is the id of the peer or node
// that produced it.
type Event struct {
	Name   string
	Origin string
	Data   any
}

// PeerEvent is the payload of peer:connect and peer:disconnect.
type PeerEvent struct {
	ID string `json:"id"`
}

type Handler func(Event)

// Subscription identifies one handler registration.
type Subscription struct {
	ID   uint64
	Name string
}

type entry struct {
	id uint64
	h  Handler
}

// Bus delivers events to handlers in subscription order. Handlers run on
// the emitting goroutine, outside the bus lock.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[string][]entry
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]entry)}
}

func (b *Bus) Subscribe(name string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[name] = append(b.subs[name], entry{id: b.next, h: h})
	return Subscription{ID: b.next, Name: name}
}

// Unsubscribe removes sub and reports whether it was registered.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.Name]
	for i, e := range list {
		if e.id != sub.ID {
			continue
		}
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, sub.Name)
		} else {
			b.subs[sub.Name] = next
		}
		return true
	}
	return false
}

func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	list := b.subs[ev.Name]
	b.mu.RUnlock()
	for _, e := range list {
		deliver(e.h, ev)
	}
}

// Count returns the number of handlers registered for name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Names lists event names with at least one handler.
func (b *Bus) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for name := range b.subs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clear drops every handler.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = make(map[string][]entry)
	b.mu.Unlock()
}

// Once returns a channel receiving the first event named name that passes
// match (nil matches everything). cancel must be called when done.
func (b *Bus) Once(name string, match func(Event) bool) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	var once sync.Once
	sub := b.Subscribe(name, func(ev Event) {
		if match != nil && !match(ev) {
			return
		}
		once.Do(func() { ch <- ev })
	})
	return ch, func() { b.Unsubscribe(sub) }
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log := logging.Logger("events")
			log.Error().Str("event", ev.Name).Interface("panic", r).Msg("handler panicked")
		}
	}()
	h(ev)
}

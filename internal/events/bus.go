// Package events provides a small in-process pub/sub bus used to decouple
// the job store, degradation controller, and monitoring: publishers never
// hold references to subscribers, and publishing never blocks.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event is anything published on the bus. Concrete payloads live in
// internal/domain (JobStatusChanged, DegradationChanged, ...).
type Event any

// Subscription delivers events on C until Close. Events published while the
// buffer is full are dropped (and counted); slow subscribers never stall
// publishers.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	bus  *Bus
	id   int
	once sync.Once
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
		close(s.ch)
	})
}

// Bus fan-outs events to bounded per-subscriber buffers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b, id: id}
	if b.closed {
		// Late subscribers on a closed bus get a closed channel.
		close(ch)
		return sub
	}
	b.subs[id] = sub
	return sub
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers ev to every subscriber without blocking. Full buffers
// drop the event; the drop count surfaces in Dropped.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events dropped due to full buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close shuts the bus down; all subscriber channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	if n := b.dropped.Load(); n > 0 {
		slog.Debug("event bus closed with dropped events", slog.Int64("dropped", n))
	}
}

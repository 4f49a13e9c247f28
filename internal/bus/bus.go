// Package bus provides the in-process broadcast fanout that distributes
// accepted chat messages to every live connection. Each subscriber owns an
// independent bounded backlog: publishing never blocks on a slow consumer,
// and a consumer that stops draining loses its own oldest entries without
// affecting anyone else. There is no replay; a subscriber only sees messages
// published after it subscribed.
package bus

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the per-subscriber backlog size.
const DefaultCapacity = 100

// Bus fans out published payloads to all current subscribers.
type Bus struct {
	mu       sync.Mutex
	capacity int
	subs     map[*Subscriber]struct{}
}

// Subscriber is one receive handle on the bus. Payloads are consumed from C()
// in publish order.
type Subscriber struct {
	bus     *Bus
	ch      chan []byte
	dropped atomic.Int64
	once    sync.Once
}

// New creates a Bus whose subscribers each get a backlog of the given
// capacity. A capacity of zero or less falls back to DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new receive handle. The caller must call Close on the
// returned Subscriber when done, or the handle leaks and keeps accumulating
// drops.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		bus: b,
		ch:  make(chan []byte, b.capacity),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers the payload to every current subscriber. When a
// subscriber's backlog is full its oldest undelivered entry is discarded to
// make room, so Publish never waits on a consumer. The bus lock serializes
// publishers, which keeps delivery order identical for every subscriber.
func (b *Bus) Publish(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		for {
			select {
			case s.ch <- payload:
			default:
				// Backlog full: evict the oldest entry and retry. A consumer
				// draining concurrently may win the race for the slot, in
				// which case the retry succeeds without an eviction.
				select {
				case <-s.ch:
					s.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Len returns the number of current subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return n
}

// C returns the receive channel. The channel is closed by Close; any entries
// still buffered at that point can be drained before the channel reports
// closed.
func (s *Subscriber) C() <-chan []byte {
	return s.ch
}

// Dropped returns how many payloads this subscriber lost to backlog overflow.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Close removes the subscriber from the bus and closes its channel. It is
// safe to call more than once and safe to call concurrently with Publish.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		// Closing under the bus lock guarantees no Publish is mid-send on
		// this channel.
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Package eventbus provides the bounded, lossy broadcast bus that fans
// mnemoevent.Event records out to every subscriber. Each subscriber keeps
// its own fixed-capacity ring buffer so that a slow subscriber never
// blocks the publisher: once the ring is full, the oldest buffered event
// is overwritten and a drop counter increments. When the subscriber's
// consuming goroutine catches up, it first receives exactly one synthetic
// GapNotice event, then the retained events in publish order.
package eventbus

import (
	"context"
	"sync"

	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

// DefaultCapacity is the default per-subscriber ring capacity.
const DefaultCapacity = 1000

// subscriber holds one consumer's ring buffer and forwarder state.
type subscriber struct {
	mu      sync.Mutex
	ring    []mnemoevent.Event
	start   int // index of oldest retained event
	size    int // number of retained events
	dropped int // events overwritten since the last gap notice was sent

	out    chan mnemoevent.Event
	notify chan struct{} // signalled (non-blocking) on every Publish
}

func newSubscriber(capacity int) *subscriber {
	return &subscriber{
		ring:   make([]mnemoevent.Event, capacity),
		out:    make(chan mnemoevent.Event),
		notify: make(chan struct{}, 1),
	}
}

// push appends event to the ring, overwriting the oldest entry and
// incrementing the drop counter if the ring is already full.
func (s *subscriber) push(event mnemoevent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ringCap := len(s.ring)
	if s.size < ringCap {
		s.ring[(s.start+s.size)%ringCap] = event
		s.size++
	} else {
		s.ring[s.start] = event
		s.start = (s.start + 1) % ringCap
		s.dropped++
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest retained event, if any.
func (s *subscriber) pop() (mnemoevent.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		return mnemoevent.Event{}, false
	}
	event := s.ring[s.start]
	s.start = (s.start + 1) % len(s.ring)
	s.size--
	return event, true
}

// peek returns the oldest retained event without removing it, so a
// pending send can be abandoned and re-decided without losing data.
func (s *subscriber) peek() (mnemoevent.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return mnemoevent.Event{}, false
	}
	return s.ring[s.start], true
}

// peekGap returns the current drop count without resetting it.
func (s *subscriber) peekGap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// commitGap subtracts n, the count reported by a gap notice that was just
// successfully delivered, from the drop counter (clamped at zero so a
// concurrent reset can't drive it negative).
func (s *subscriber) commitGap(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped -= n
	if s.dropped < 0 {
		s.dropped = 0
	}
}

// forward drains the ring into s.out, blocking on the downstream consumer
// but never on the publisher, until ctx is cancelled.
//
// It never commits to a decision (reducing the drop counter, or removing
// an event from the ring) until the corresponding send on s.out has
// actually completed. Both the gap-notice-or-event choice and the value
// sent are re-derived from scratch every time the pending send is
// interrupted by s.notify, so a subscriber that only starts draining long
// after an overflow can never observe a stale pre-overflow event ahead of
// its gap notice: whatever was decided before the ring overflowed is
// abandoned, unsent, and recomputed against current state.
func (s *subscriber) forward(ctx context.Context) {
	for {
		if gap := s.peekGap(); gap > 0 {
			notice := mnemoevent.New("eventbus", 0, mnemoevent.KindGapNotice, 5, map[string]any{
				"dropped_count": gap,
			})
			select {
			case s.out <- notice:
				s.commitGap(gap)
			case <-ctx.Done():
				return
			case <-s.notify:
				// State changed before this notice could be delivered;
				// loop back and recompute rather than deliver a stale count.
			}
			continue
		}

		event, ok := s.peek()
		if !ok {
			select {
			case <-s.notify:
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case s.out <- event:
			s.pop()
		case <-ctx.Done():
			return
		case <-s.notify:
			// Ring may have overflowed since event was peeked; loop back
			// and let the gap-notice check above take priority if so.
		}
	}
}

// Bus is a bounded, lossy broadcast bus. Publish never blocks.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	capacity int
	done     chan struct{}
	closeMu  sync.Once
}

// New creates a Bus with the given per-subscriber ring capacity. A
// capacity <= 0 falls back to DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[*subscriber]struct{}),
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

// Subscribe returns a channel delivering every event published after the
// call to Subscribe (subject to ring overflow, signalled via GapNotice).
// The channel is closed when ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) <-chan mnemoevent.Event {
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		ch := make(chan mnemoevent.Event)
		close(ch)
		return ch
	default:
	}

	sub := newSubscriber(b.capacity)
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	log.SafeGo("eventbus.forward", func() { sub.forward(subCtx) })

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		cancel()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
		}
		close(sub.out)
	}()

	return sub.out
}

// Publish broadcasts event to every subscriber's ring buffer. Never
// blocks: a slow subscriber has its oldest buffered event overwritten
// instead.
func (b *Bus) Publish(event mnemoevent.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	for sub := range b.subs {
		sub.push(event)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the bus. Subscriber channels are closed by their own
// cleanup goroutines once they observe done.
func (b *Bus) Close() {
	b.closeMu.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		close(b.done)
	})
}

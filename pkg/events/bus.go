// Package events implements the observation channel: an in-memory fan-out
// of core.Event values to any number of subscribers.
//
// Publish never blocks. A subscriber whose buffer is full misses the event
// and the miss is counted.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/jdziat/command-queue/pkg/core"
)

// DefaultBuffer is used when Subscribe is called with a non-positive buffer.
const DefaultBuffer = 100

type subscriber struct {
	ch chan core.Event
}

// Bus is a non-blocking publish/subscribe hub. The zero value is not usable;
// create one with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New returns an empty bus. It owns no goroutines.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e core.Event) {
	if e == nil {
		return
	}
	b.published.Add(1)

	// Sends are non-blocking, so holding the read lock is short and keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber and returns its channel together with a
// function that unsubscribes and closes the channel. The function is safe
// to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan core.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan core.Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.seq++
	id := b.seq
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats reports how many events were published and how many deliveries
// were dropped across all subscribers.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close unsubscribes everyone and closes their channels. Later subscribers
// receive an already closed channel.
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
}

// Package events fans out terminal run events to subscribers and keeps a
// short history for the API.
package events

import (
	"sync"

	"github.com/joescharf/reviewd/internal/models"
)

// DefaultHistory is the number of recent events retained.
const DefaultHistory = 200

// Bus is a non-blocking publish/subscribe hub. A subscriber that falls
// behind loses events rather than stalling the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan models.RunEvent
	nextID  int
	history []models.RunEvent
	size    int
}

// NewBus creates a bus retaining up to history recent events.
func NewBus(history int) *Bus {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Bus{subs: make(map[int]chan models.RunEvent), size: history}
}

// Publish records ev and delivers it to every subscriber with room.
func (b *Bus) Publish(ev models.RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, ev)
	if len(b.history) > b.size {
		b.history = b.history[len(b.history)-b.size:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan models.RunEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.RunEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Recent returns up to limit of the newest events, newest first. A limit of
// zero returns the whole history.
func (b *Bus) Recent(limit int) []models.RunEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.RunEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.history[i])
	}
	return out
}

package broadcast

import (
	"context"
	"sync"

	"dismissal/internal/metrics"
)

const defaultBuffer = 64

type subscriber struct {
	ch chan Event
}

// InMemory fans events out to subscribers of this process only. It is the
// dev/test backend and the single-node fallback.
type InMemory struct {
	buffer int

	mu    sync.RWMutex
	rooms map[string]map[*subscriber]struct{}
}

// NewInMemory creates a bus whose subscriber channels hold up to buffer events.
func NewInMemory(buffer int) *InMemory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &InMemory{buffer: buffer, rooms: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers evt to every subscriber of its rooms without blocking.
func (b *InMemory) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[*subscriber]struct{})
	for _, room := range RoomsFor(evt) {
		for sub := range b.rooms[room.String()] {
			if _, ok := seen[sub]; ok {
				continue
			}
			seen[sub] = struct{}{}
			select {
			case sub.ch <- evt:
			default:
				metrics.EventsDropped.WithLabelValues("memory").Inc()
			}
		}
	}
	metrics.EventsPublished.WithLabelValues(evt.Name).Inc()
	return nil
}

// Subscribe registers for rooms until ctx is done.
func (b *InMemory) Subscribe(ctx context.Context, rooms ...Room) (<-chan Event, error) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	for _, room := range rooms {
		key := room.String()
		if b.rooms[key] == nil {
			b.rooms[key] = make(map[*subscriber]struct{})
		}
		b.rooms[key][sub] = struct{}{}
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, room := range rooms {
			key := room.String()
			delete(b.rooms[key], sub)
			if len(b.rooms[key]) == 0 {
				delete(b.rooms, key)
			}
		}
		close(sub.ch)
	}()
	return sub.ch, nil
}

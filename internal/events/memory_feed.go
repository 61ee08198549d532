package events

import (
	"context"
	"sync"
)

// MemoryFeed fans events out to in-process subscribers. Slow subscribers
// drop events instead of blocking publishers.
type MemoryFeed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	buffer int
}

func NewMemoryFeed(buffer int) *MemoryFeed {
	if buffer < 1 {
		buffer = 64
	}
	return &MemoryFeed{subs: make(map[int]chan Event), buffer: buffer}
}

func (f *MemoryFeed) Publish(_ context.Context, event Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, f.buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

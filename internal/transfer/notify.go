package transfer

import (
	"sort"
	"sync"

	"transferkit/internal/domain"
)

// Observer receives manager notifications. Delivery is fire-and-forget:
// observers must not call back into the manager synchronously from a
// notification and are expected to throttle progress updates themselves.
type Observer interface {
	TaskUpdated(snap domain.TaskSnapshot)
	ActiveTasksChanged(snaps []domain.TaskSnapshot)
	CompletedTasksChanged(snaps []domain.TaskSnapshot)
	BatchUpdated(progress float64, state domain.BatchState)
}

type event interface {
	deliver(o Observer)
}

type taskEvent struct{ snap domain.TaskSnapshot }

func (e taskEvent) deliver(o Observer) { o.TaskUpdated(e.snap) }

type activeListEvent struct{ snaps []domain.TaskSnapshot }

func (e activeListEvent) deliver(o Observer) { o.ActiveTasksChanged(e.snaps) }

type completedListEvent struct{ snaps []domain.TaskSnapshot }

func (e completedListEvent) deliver(o Observer) { o.CompletedTasksChanged(e.snaps) }

type batchEvent struct {
	progress float64
	state    domain.BatchState
}

func (e batchEvent) deliver(o Observer) { o.BatchUpdated(e.progress, e.state) }

// bus multicasts events to registered observers. Observers are held behind
// removal tokens, never owned: after remove returns, the observer will not be
// called again and no reference to it survives.
//
// Events are staged with enqueue while the producer still holds the manager
// lock, so the queue order equals production order. flush drains the queue
// outside the manager lock; a single deliverer at a time keeps each observer's
// event order equal to production order even with concurrent producers.
type bus struct {
	mu        sync.Mutex
	observers map[int64]Observer
	nextToken int64
	queue     []event

	deliver sync.Mutex
}

func newBus() *bus {
	return &bus{observers: make(map[int64]Observer)}
}

func (b *bus) add(o Observer) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	b.observers[b.nextToken] = o
	return b.nextToken
}

func (b *bus) remove(token int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, token)
}

func (b *bus) enqueue(events []event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, events...)
	b.mu.Unlock()
}

// flush drains the staged queue to every observer, in token order. The deliver
// mutex admits one flusher at a time; a blocked flusher's events are picked up
// by the active one, so by the time flush returns the caller's own events have
// been delivered.
func (b *bus) flush() {
	b.deliver.Lock()
	defer b.deliver.Unlock()
	for {
		b.mu.Lock()
		events := b.queue
		b.queue = nil
		tokens := make([]int64, 0, len(b.observers))
		for t := range b.observers {
			tokens = append(tokens, t)
		}
		sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
		targets := make([]Observer, len(tokens))
		for i, t := range tokens {
			targets[i] = b.observers[t]
		}
		b.mu.Unlock()

		if len(events) == 0 {
			return
		}
		for _, e := range events {
			for _, o := range targets {
				e.deliver(o)
			}
		}
	}
}

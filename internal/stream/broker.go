package stream

import (
	"strings"
	"sync"
	"time"
)

const completedRunRetention = 30 * time.Second

// Broker manages per-run event channels.
type Broker struct {
	mu     sync.RWMutex
	events map[string]chan Event
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{events: make(map[string]chan Event)}
}

// Allocate creates and registers a new event channel for a run.
func (b *Broker) Allocate(runID string, size int) chan Event {
	if size <= 0 {
		size = 1
	}
	ch := make(chan Event, size)
	b.mu.Lock()
	b.events[strings.TrimSpace(runID)] = ch
	b.mu.Unlock()
	return ch
}

// Get returns the event channel for a run.
func (b *Broker) Get(runID string) (chan Event, bool) {
	b.mu.RLock()
	ch, ok := b.events[strings.TrimSpace(runID)]
	b.mu.RUnlock()
	return ch, ok
}

// Close closes a run's channel so watchers finish their streams.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	if ch, ok := b.events[strings.TrimSpace(runID)]; ok {
		close(ch)
		delete(b.events, strings.TrimSpace(runID))
	}
	b.mu.Unlock()
}

// ScheduleCleanup removes a run's event channel after a retention period.
func (b *Broker) ScheduleCleanup(runID string) {
	time.AfterFunc(completedRunRetention, func() {
		b.Close(runID)
	})
}

package events

import (
	"sync"

	"grid-core/pkg/logger"
)

var busLog = logger.Component("bus")

// Bus is the in-process broker for account-scoped fan-out: strategy actions,
// risk transitions and stream health. Publishing never blocks; a subscriber
// that stops draining loses messages rather than stalling the trading path.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic]map[int]chan any
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Topic]map[int]chan any)}
}

// Subscribe registers a listener and returns its channel plus an unsubscribe
// function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[t] == nil {
		b.subs[t] = make(map[int]chan any)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan any, buffer)
	b.subs[t][id] = ch

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[t][id]; ok {
				delete(b.subs[t], id)
				close(c)
			}
		})
	}
	return ch, unsub
}

// Publish fans the payload out to every subscriber of the topic.
func (b *Bus) Publish(t Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[t] {
		select {
		case ch <- payload:
		default:
			busLog.WithField("topic", string(t)).Warn("slow subscriber, event dropped")
		}
	}
}

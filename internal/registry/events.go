package registry

import (
	"sync"
	"time"
)

// EventKind classifies status events.
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventHealthCheck     EventKind = "health-check"
	EventFailover        EventKind = "failover"
	EventReconnected     EventKind = "reconnected"
	EventReconnectFailed EventKind = "reconnect-failed"
)

// StatusEvent is published after every change to an instance's status.
type StatusEvent struct {
	Kind       EventKind      `json:"kind"`
	InstanceID string         `json:"instanceId"`
	Status     InstanceStatus `json:"status"`
	At         time.Time      `json:"at"`
}

type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan StatusEvent
	nextID int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan StatusEvent)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan StatusEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StatusEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *broadcaster) publish(ev StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

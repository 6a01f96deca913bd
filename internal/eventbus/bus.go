// Package eventbus is an in-process fanout used to decouple the dispatch
// pipeline from its observers (metrics, reminders, logging).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the engine.
const (
	DevicePublished  = "device.published"
	DeviceFailed     = "device.failed"
	DispatchDone     = "dispatch.done"
	DispatchFailed   = "dispatch.failed"
	ScheduleWarning  = "schedule.warning"
	ScheduleRebuilt  = "schedule.rebuilt"
	IngressProcessed = "ingress.processed"
	IngressRejected  = "ingress.rejected"
)

// Event is a small, in-memory signal.
//
// Publish never blocks; a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Deliver under the read lock so unsubscribe cannot close a channel
	// mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Publish is a nil-safe helper for optional buses.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

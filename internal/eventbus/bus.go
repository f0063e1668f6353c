package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the reminder pipeline.
const (
	ReminderDispatched  = "reminder.dispatched"
	ReminderSkipped     = "reminder.skipped"
	ReminderMalformed   = "reminder.malformed"
	ReminderRearmed     = "reminder.rearmed"
	ReminderRearmFailed = "reminder.rearm_failed"

	AlarmFired         = "alarm.fired"
	AlarmEnqueueFailed = "alarm.enqueue_failed"
	PeriodicFired      = "periodic.fired"
	TaskDone           = "task.done"
	TaskFailed         = "task.failed"
	NotifierSent       = "notifier.sent"
	NotifierFailed     = "notifier.failed"
	NotifierDedup      = "notifier.deduped"
	NotifierDrop       = "notifier.dropped"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events.
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
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
}

// Publish sends under the read lock; unsubscribe closes a channel only
// while holding the write lock, so a send never races a close.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Publish is a nil-safe helper for components that treat the bus as optional.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full. Buses that do not count drops report 0.
func Dropped(b Bus) uint64 {
	if d, ok := b.(interface{ Dropped() uint64 }); ok {
		return d.Dropped()
	}
	return 0
}

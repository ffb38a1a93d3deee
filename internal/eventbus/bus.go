// Package eventbus is an in-memory, non-blocking fanout used to decouple
// presence, scheduling and observability.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the daemon.
const (
	PresenceTransition = "presence.transition"
	ProviderFailed     = "presence.provider_failed"
	JobFired           = "job.fired"
	JobFailed          = "job.failed"
	JobGated           = "job.gated"
	ArrivalFired       = "arrival.fired"
	ConfigReloaded     = "config.reloaded"
)

// Event is a small in-memory signal. Publish never blocks; subscribers that
// fall behind lose events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Transition is the Data of a PresenceTransition event.
type Transition struct {
	PersonID int64
	Name     string
	From, To string
}

// JobOutcome is the Data of job.* events.
type JobOutcome struct {
	JobID  int64
	RuleID int64
	Cron   bool
	Err    string
}

// ArrivalOutcome is the Data of an ArrivalFired event.
type ArrivalOutcome struct {
	PersonID int64
	RuleID   int64
	Err      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

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
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// the write lock excludes in-flight Publish calls, so close is safe
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

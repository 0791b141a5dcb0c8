// Package eventbus fans scheduler events out to in-process listeners
// (service manager status, debug endpoints).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	// PassDone carries the scheduler.PassReport of a finished pass.
	PassDone Kind = "pass.done"
	// CircuitOpened carries the time.Time until which ActionUID is deferred.
	CircuitOpened Kind = "action.circuit_open"
)

// Event is a small in-memory signal. Publish never blocks: a subscriber
// whose buffer is full misses the event and it is counted in Dropped.
type Event struct {
	Kind      Kind
	Time      time.Time
	ActionUID string
	Data      any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events of the given kinds (all
	// kinds when none are given) and a func that closes it.
	Subscribe(buffer int, kinds ...Kind) (<-chan Event, func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]struct{}
}

func (s *subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is short and keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

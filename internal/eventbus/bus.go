// Package eventbus is the in-process fanout used by the scheduler and the
// moderation engine to report what they did.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by guardbot components.
const (
	TickStarted      = "scheduler.tick"
	ActionFired      = "scheduler.fired"
	ActionFailed     = "scheduler.failed"
	VerdictApplied   = "moderation.verdict"
	CommandHandled   = "dispatch.command"
	TransportStatus  = "transport.status"
	DirectiveSkipped = "directive.skipped"
)

// Event is a small in-memory signal. Publish never blocks; a subscriber whose
// buffer is full misses events.
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
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
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
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Publish is a nil-safe helper for components with an optional bus.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}

// Counters tallies events by type and remembers the last one of each kind.
type Counters struct {
	mu    sync.Mutex
	count map[string]uint64
	last  map[string]Event
}

func NewCounters() *Counters {
	return &Counters{count: map[string]uint64{}, last: map[string]Event{}}
}

// Run consumes ch until it is closed.
func (c *Counters) Run(ch <-chan Event) {
	for e := range ch {
		c.Observe(e)
	}
}

func (c *Counters) Observe(e Event) {
	c.mu.Lock()
	c.count[e.Type]++
	c.last[e.Type] = e
	c.mu.Unlock()
}

// Snapshot returns counts for types with the given prefix ("" for all).
func (c *Counters) Snapshot(prefix string) map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]uint64{}
	for k, v := range c.count {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

func (c *Counters) Last(typ string) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.last[typ]
	return e, ok
}

// Package telemetry is a small in-process publish/subscribe bus. The
// pipeline emits an event at every execution boundary; sinks attach with
// glob patterns over dotted topics ("pipeline.*", "command.stop"). A
// failing or panicking sink never affects execution, and an async sink
// never blocks the emitter; a sync sink runs inline in Emit.
package telemetry

import (
	"sync"

	"github.com/gobwas/glob"
)

// Event is a single emission on the bus.
type Event struct {
	// Topic is a dotted name such as "pipeline.start" or "command.stop".
	Topic string
	// Payload carries the event fields described in the pipeline contract.
	Payload map[string]interface{}
}

// SinkFunc receives matching events.
type SinkFunc func(Event)

// SinkOpts control delivery for one sink.
type SinkOpts struct {
	// Async delivers events on a dedicated goroutine per sink, preserving
	// FIFO order relative to emissions. Sync sinks run inline.
	Async bool
	// Buffer is the queue depth for async sinks. Defaults to 64. When the
	// queue is full events for this sink are dropped rather than blocking
	// the emitter.
	Buffer int
}

type sink struct {
	id       string
	patterns []glob.Glob
	fn       SinkFunc
	ch       chan Event
}

func (s *sink) matches(topic string) bool {
	for _, p := range s.patterns {
		if p.Match(topic) {
			return true
		}
	}
	return false
}

// Bus is the sink registry. The zero value is not usable; call NewBus.
type Bus struct {
	mu     sync.Mutex
	sinks  map[string]*sink
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{sinks: map[string]*sink{}}
}

// Attach registers a sink under id for the given topic patterns. Patterns
// use glob syntax with "." as the only meaningful separator. Re-attaching
// an existing id replaces the previous registration.
func (b *Bus) Attach(id string, patterns []string, fn SinkFunc, opts SinkOpts) error {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return err
		}
		compiled = append(compiled, g)
	}

	s := &sink{id: id, patterns: compiled, fn: fn}
	if opts.Async {
		buffer := opts.Buffer
		if buffer <= 0 {
			buffer = 64
		}
		s.ch = make(chan Event, buffer)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for ev := range s.ch {
				safeDeliver(fn, ev)
			}
		}()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		if s.ch != nil {
			close(s.ch)
		}
		return nil
	}
	if prev, ok := b.sinks[id]; ok && prev.ch != nil {
		close(prev.ch)
	}
	b.sinks[id] = s
	return nil
}

// Detach removes a sink. Unknown ids are ignored.
func (b *Bus) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sinks[id]; ok {
		if s.ch != nil {
			close(s.ch)
		}
		delete(b.sinks, id)
	}
}

// Emit publishes an event to every matching sink. Emission is synchronous
// from the producer's point of view; async sinks queue.
func (b *Bus) Emit(topic string, payload map[string]interface{}) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.Lock()
	matched := make([]*sink, 0, len(b.sinks))
	for _, s := range b.sinks {
		if s.matches(topic) {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()

	for _, s := range matched {
		if s.ch != nil {
			select {
			case s.ch <- ev:
			default:
				// sink is backed up; drop rather than stall the pipeline
			}
			continue
		}
		safeDeliver(s.fn, ev)
	}
}

// Close detaches every sink and waits for async deliveries to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	for id, s := range b.sinks {
		if s.ch != nil {
			close(s.ch)
		}
		delete(b.sinks, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func safeDeliver(fn SinkFunc, ev Event) {
	defer func() {
		// a panicking sink must not take down the pipeline
		_ = recover()
	}()
	fn(ev)
}

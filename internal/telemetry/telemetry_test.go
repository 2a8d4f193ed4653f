package telemetry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusMatchesGlobPatterns(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	err := bus.Attach("t", []string{"pipeline.*"}, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Topic)
		mu.Unlock()
	}, SinkOpts{})
	require.NoError(t, err)

	bus.Emit("pipeline.start", nil)
	bus.Emit("task.start", nil)
	bus.Emit("pipeline.stop", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pipeline.start", "pipeline.stop"}, got)
}

func TestBusDetachStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	require.NoError(t, bus.Attach("t", []string{"*"}, func(Event) { count++ }, SinkOpts{}))
	bus.Emit("task.start", nil)
	bus.Detach("t")
	bus.Emit("task.stop", nil)

	assert.Equal(t, 1, count)
}

func TestBusSinkPanicDoesNotPropagate(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	require.NoError(t, bus.Attach("bad", []string{"*"}, func(Event) { panic("sink bug") }, SinkOpts{}))
	delivered := false
	require.NoError(t, bus.Attach("good", []string{"*"}, func(Event) { delivered = true }, SinkOpts{}))

	assert.NotPanics(t, func() { bus.Emit("task.start", nil) })
	assert.True(t, delivered)
}

func TestBusAsyncSinkPreservesOrder(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []string
	require.NoError(t, bus.Attach("a", []string{"command.*"}, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Topic)
		mu.Unlock()
	}, SinkOpts{Async: true}))

	bus.Emit("command.start", nil)
	bus.Emit("command.stop", nil)
	bus.Close()

	assert.Equal(t, []string{"command.start", "command.stop"}, got)
}

func TestBusRejectsBadPattern(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	err := bus.Attach("t", []string{"["}, func(Event) {}, SinkOpts{})
	assert.Error(t, err)
}

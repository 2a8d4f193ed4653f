package sshpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	alive  int32
	closed int32
}

func (f *fakeConn) Alive(context.Context) bool { return atomic.LoadInt32(&f.alive) == 1 }
func (f *fakeConn) Close() error               { atomic.StoreInt32(&f.closed, 1); return nil }

func liveDialer(dials *int32) Dialer {
	return func() (Conn, error) {
		atomic.AddInt32(dials, 1)
		return &fakeConn{alive: 1}, nil
	}
}

func TestWithConnectionReusesIdle(t *testing.T) {
	var dials int32
	p := New("web1", 2, liveDialer(&dials), nil)
	defer p.Close()

	for i := 0; i < 5; i++ {
		err := p.WithConnection(context.Background(), func(Conn) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var dials int32
	p := New("web1", 2, liveDialer(&dials), nil)
	defer p.Close()

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.WithConnection(context.Background(), func(Conn) error {
				now := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.LessOrEqual(t, atomic.LoadInt32(&dials), int32(2))
}

func TestDeadConnectionReplaced(t *testing.T) {
	var dials int32
	dead := &fakeConn{alive: 0}
	dialer := func() (Conn, error) {
		n := atomic.AddInt32(&dials, 1)
		if n == 1 {
			return dead, nil
		}
		return &fakeConn{alive: 1}, nil
	}
	p := New("web1", 1, dialer, nil)
	defer p.Close()

	// first checkout dials the doomed conn, uses it (fresh conns skip the
	// probe), and parks it idle
	require.NoError(t, p.WithConnection(context.Background(), func(Conn) error { return nil }))
	// second checkout finds it dead, discards it and dials a replacement
	require.NoError(t, p.WithConnection(context.Background(), func(Conn) error { return nil }))

	assert.Equal(t, int32(1), atomic.LoadInt32(&dead.closed))
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials))
}

func TestExhaustedAfterRepeatedDeadConns(t *testing.T) {
	var conns []*fakeConn
	var mu sync.Mutex
	dialer := func() (Conn, error) {
		c := &fakeConn{alive: 1}
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}
	p := New("web1", 3, dialer, nil)
	defer p.Close()

	// park three connections idle by holding all three at once
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.WithConnection(context.Background(), func(Conn) error {
				<-gate
				return nil
			})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	// the whole idle set goes dark at once
	mu.Lock()
	for _, c := range conns {
		atomic.StoreInt32(&c.alive, 0)
	}
	mu.Unlock()

	err := p.WithConnection(context.Background(), func(Conn) error { return nil })
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestDialErrorNotCached(t *testing.T) {
	var dials int32
	dialer := func() (Conn, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return nil, errors.New("connection refused")
		}
		return &fakeConn{alive: 1}, nil
	}
	p := New("web1", 1, dialer, nil)
	defer p.Close()

	err := p.WithConnection(context.Background(), func(Conn) error { return nil })
	assert.Error(t, err)

	// the slot went back to Empty; the next caller redials
	err = p.WithConnection(context.Background(), func(Conn) error { return nil })
	assert.NoError(t, err)
}

func TestConnectionReleasedOnPanic(t *testing.T) {
	var dials int32
	p := New("web1", 1, liveDialer(&dials), nil)
	defer p.Close()

	assert.Panics(t, func() {
		_ = p.WithConnection(context.Background(), func(Conn) error {
			panic("step blew up")
		})
	})

	// the slot must be usable again
	done := make(chan error, 1)
	go func() {
		done <- p.WithConnection(context.Background(), func(Conn) error { return nil })
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection leaked by panicking fn")
	}
}

func TestFnErrorStillReleases(t *testing.T) {
	var dials int32
	p := New("web1", 1, liveDialer(&dials), nil)
	defer p.Close()

	boom := errors.New("boom")
	err := p.WithConnection(context.Background(), func(Conn) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = p.WithConnection(context.Background(), func(Conn) error { return nil })
	assert.NoError(t, err)
}

func TestCloseRejectsAcquisitions(t *testing.T) {
	var dials int32
	p := New("web1", 1, liveDialer(&dials), nil)
	p.Close()

	err := p.WithConnection(context.Background(), func(Conn) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWaiterCancellation(t *testing.T) {
	var dials int32
	p := New("web1", 1, liveDialer(&dials), nil)
	defer p.Close()

	holding := make(chan struct{})
	released := make(chan struct{})
	go func() {
		_ = p.WithConnection(context.Background(), func(Conn) error {
			close(holding)
			<-released
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.WithConnection(ctx, func(Conn) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(released)
}

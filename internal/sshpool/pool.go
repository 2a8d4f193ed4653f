// Package sshpool maintains a bounded pool of reusable SSH connections
// per host. Connections are created lazily, health-checked whenever an
// idle one is checked out, and handed to callers one at a time; callers past the bound
// queue FIFO until a connection is released.
package sshpool

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// ErrPoolClosed is returned for acquisitions after Close.
var ErrPoolClosed = errors.New("ssh pool is closed")

// ErrPoolExhausted is returned when repeated checkouts only produced dead
// connections.
var ErrPoolExhausted = errors.New("ssh pool exhausted: connections repeatedly failed health checks")

// DefaultSize is the per-host connection bound.
const DefaultSize = 4

// Conn is what the pool knows about a connection. The concrete type is
// *sshconn.Connection; consumers assert the execution surface they need.
type Conn interface {
	Alive(ctx context.Context) bool
	Close() error
}

// Dialer creates one new authenticated connection.
type Dialer func() (Conn, error)

// Pool is a bounded pool for a single host.
type Pool struct {
	host   string
	size   int
	dial   Dialer
	logger hclog.Logger

	mu      sync.Mutex
	idle    []Conn
	numOpen int
	waiters []chan Conn
	closed  bool
}

// New creates a pool bounded at size connections (DefaultSize when <= 0).
func New(host string, size int, dial Dialer, logger hclog.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Pool{
		host:   host,
		size:   size,
		dial:   dial,
		logger: logger.Named("pool").With("host", host),
	}
}

// WithConnection acquires a connection (dialing lazily up to the bound,
// otherwise blocking until one is released), passes it to fn, and returns
// fn's result. The connection is released on every exit path, including a
// panicking fn.
func (p *Pool) WithConnection(ctx context.Context, fn func(Conn) error) error {
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer p.release(conn)
	return fn(conn)
}

// acquire hands out a healthy connection. A checkout that fails its
// liveness probe is discarded and replaced; after two such retries the
// acquisition surfaces ErrPoolExhausted.
func (p *Pool) acquire(ctx context.Context) (Conn, error) {
	for attempt := 0; attempt <= 2; attempt++ {
		conn, fresh, err := p.take(ctx)
		if err != nil {
			return nil, err
		}
		// a just-dialed connection is alive by construction
		if fresh || conn.Alive(ctx) {
			return conn, nil
		}
		p.logger.Debug("discarding dead connection", "attempt", attempt)
		p.discard(conn)
	}
	return nil, ErrPoolExhausted
}

// take returns an idle connection, dials a new one if under the bound, or
// waits FIFO for a release. fresh is true when the connection was dialed
// by this call.
func (p *Pool) take(ctx context.Context) (conn Conn, fresh bool, err error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false, ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			conn = p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return conn, false, nil
		}
		if p.numOpen < p.size {
			p.numOpen++
			p.mu.Unlock()
			conn, err = p.dial()
			if err != nil {
				// creation failures are not cached; the slot goes back to
				// Empty so the next caller retries
				p.mu.Lock()
				p.numOpen--
				p.wakeOneLocked()
				p.mu.Unlock()
				return nil, false, err
			}
			return conn, true, nil
		}

		w := make(chan Conn, 1)
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.abandonWaiter(w)
			return nil, false, ctx.Err()
		case handed := <-w:
			if handed != nil {
				return handed, false, nil
			}
			// capacity opened up instead of a direct handoff; loop to dial
		}
	}
}

// release returns a connection to the pool, handing it directly to the
// longest-waiting caller when one exists.
func (p *Pool) release(conn Conn) {
	p.mu.Lock()
	if p.closed {
		p.numOpen--
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		// w is buffered; handing off under the lock keeps the queue state
		// and the channel state consistent for abandonWaiter
		w <- conn
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// discard drops a dead connection, freeing its slot.
func (p *Pool) discard(conn Conn) {
	_ = conn.Close()
	p.mu.Lock()
	p.numOpen--
	p.wakeOneLocked()
	p.mu.Unlock()
}

// wakeOneLocked tells the front waiter that capacity opened up.
func (p *Pool) wakeOneLocked() {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- nil
	}
}

// abandonWaiter removes w from the queue; if a connection was already
// handed to it, the connection goes back to the pool.
func (p *Pool) abandonWaiter(w chan Conn) {
	p.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	// already dequeued: a handoff may be in flight
	select {
	case handed := <-w:
		if handed != nil {
			p.release(handed)
		}
	default:
	}
}

// Close shuts the pool down: idle connections are closed, queued waiters
// fail, and subsequent acquisitions return ErrPoolClosed. Checked-out
// connections are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, conn := range idle {
		_ = conn.Close()
	}
	for _, w := range waiters {
		w <- nil
	}
}

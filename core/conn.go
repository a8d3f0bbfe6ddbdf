package core

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnState is the lifecycle position of a Connection
type ConnState int32

// Connection states. Transitions only move forward, one step at a time,
// except that any state may jump to StateClosed.
const (
	StateAccepted ConnState = iota
	StateReading
	StateParsed
	StateDispatching
	StateResponding
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateParsed:
		return "parsed"
	case StateDispatching:
		return "dispatching"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Connection is one accepted socket. It is owned by a single worker from
// dequeue to close.
type Connection struct {
	ID         string
	RemoteAddr string
	AcceptedAt time.Time

	conn      net.Conn
	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

func newConnection(c net.Conn) *Connection {
	conn := &Connection{
		ID:         uuid.NewString(),
		AcceptedAt: time.Now(),
		conn:       c,
	}
	if addr := c.RemoteAddr(); addr != nil {
		conn.RemoteAddr = addr.String()
	}
	return conn
}

// State returns the current state
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// advance moves the connection to next. It fails on backward or skipping
// transitions and on any transition out of StateClosed.
func (c *Connection) advance(next ConnState) error {
	for {
		cur := ConnState(c.state.Load())
		if cur == StateClosed || (next != StateClosed && next != cur+1) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			return nil
		}
	}
}

// Close closes the socket and marks the connection closed
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// closeLinger half-closes the socket and drains unread input for a short
// while before closing, so a peer still sending does not get a reset
// before it has read the response.
func (c *Connection) closeLinger() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			c.conn.SetReadDeadline(time.Now().Add(lingerTimeout))
			io.Copy(io.Discard, io.LimitReader(c.conn, lingerMaxBytes))
		}
	}
	return c.Close()
}

func (c *Connection) setReadDeadline(d time.Duration) {
	if d > 0 {
		c.conn.SetReadDeadline(time.Now().Add(d))
	}
}

func (c *Connection) setWriteDeadline(d time.Duration) {
	if d > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(d))
	}
}

// connTracker keeps every connection between accept and close so a forced
// shutdown can reach them.
type connTracker struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[*Connection]struct{})}
}

func (t *connTracker) add(c *Connection) {
	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
}

func (t *connTracker) del(c *Connection) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *connTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// closeAll force-closes every tracked connection and returns how many
func (t *connTracker) closeAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.conns)
	for c := range t.conns {
		c.Close()
		delete(t.conns, c)
	}
	return n
}

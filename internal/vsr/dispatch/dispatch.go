// Package dispatch implements the non-blocking I/O event loop that
// multiplexes all connection readiness notifications onto a single epoll
// instance, and the bounded connection pool admission-controls how many
// concurrent connections a replica will track at once. The bounded
// worker/slot-limited shape follows internal/webhooks/dispatcher.go in the
// teacher repository; epoll usage follows the readiness-driven consumption
// style of its internal/ringbuf event loop, swapped from a ring buffer
// fd to arbitrary registered connection fds via golang.org/x/sys/unix.
package dispatch

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ocx/vsrchat/internal/vsr/vsrerr"
)

// MaxConnections bounds how many connections a single replica dispatch
// loop will admit at once.
const MaxConnections = 64

// ConnState is a connection's lifecycle stage within the pool.
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateConnected
	StateClosed
)

// String implements fmt.Stringer.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one tracked socket.
type Connection struct {
	FD         int
	RemoteAddr string
	State      ConnState
}

// Pool admission-controls the set of live connections a dispatch loop
// serves, rejecting new connections once MaxConnections is reached rather
// than growing unbounded.
type Pool struct {
	mu    sync.Mutex
	conns map[int]*Connection
	max   int
}

// NewPool returns an empty Pool bounded at max connections.
func NewPool(max int) *Pool {
	if max <= 0 {
		max = MaxConnections
	}
	return &Pool{conns: make(map[int]*Connection), max: max}
}

// Admit registers fd as a new connection in StateConnecting. Returns
// vsrerr.ErrTooManyConnections if the pool is already at capacity.
func (p *Pool) Admit(fd int, remoteAddr string) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) >= p.max {
		return nil, vsrerr.ErrTooManyConnections
	}
	c := &Connection{FD: fd, RemoteAddr: remoteAddr, State: StateConnecting}
	p.conns[fd] = c
	return c, nil
}

// MarkConnected transitions fd to StateConnected.
func (p *Pool) MarkConnected(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[fd]; ok {
		c.State = StateConnected
	}
}

// Remove drops fd from the pool, marking it closed first so a caller
// holding a *Connection reference observes the transition.
func (p *Pool) Remove(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[fd]; ok {
		c.State = StateClosed
	}
	delete(p.conns, fd)
}

// Len returns the number of connections currently tracked.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Get returns the tracked Connection for fd, if any.
func (p *Pool) Get(fd int) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[fd]
	return c, ok
}

// Loop is a single-threaded epoll-based readiness multiplexer. It owns no
// connections itself — Pool does that — it only reports which registered
// fds became readable or writable.
type Loop struct {
	epfd int
}

// NewLoop creates a fresh epoll instance.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Loop{epfd: epfd}, nil
}

// Register starts monitoring fd for read and write readiness.
func (l *Loop) Register(fd int) error {
	event := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event)
}

// Deregister stops monitoring fd.
func (l *Loop) Deregister(fd int) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Ready is one fd's readiness notification from a single Poll call.
type Ready struct {
	FD     int
	Events uint32
}

// Poll blocks for up to timeoutMS milliseconds (or indefinitely if
// negative) and returns the fds that became ready. A timeout with no
// ready fds returns an empty, non-nil slice. EINTR is retried internally
// rather than surfaced as an error, since a signal arriving mid-wait is
// routine, not exceptional.
func (l *Loop) Poll(timeoutMS int) ([]Ready, error) {
	events := make([]unix.EpollEvent, MaxConnections)
	for {
		n, err := unix.EpollWait(l.epfd, events, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		out := make([]Ready, n)
		for i := 0; i < n; i++ {
			out[i] = Ready{FD: int(events[i].Fd), Events: events[i].Events}
		}
		return out, nil
	}
}

// Close releases the epoll instance.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

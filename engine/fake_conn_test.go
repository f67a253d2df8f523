package engine

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-scenario/connection"
)

// fakeConn is an in-memory device. Frames pushed with reply are returned by
// ReceiveUntil one at a time; an empty read waits readTimeout.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	sendErr error
	recvErr error

	frames      chan []byte
	readTimeout time.Duration
	onSend      func(c *fakeConn, data []byte)
	reads       atomic.Int64
	closed      atomic.Bool
}

var _ connection.Connection = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:      make(chan []byte, 64),
		readTimeout: 5 * time.Millisecond,
	}
}

// echo makes the device answer every write with reply after delay.
func (c *fakeConn) echo(reply string, delay time.Duration) *fakeConn {
	c.onSend = func(c *fakeConn, _ []byte) {
		time.AfterFunc(delay, func() { c.reply(reply) })
	}

	return c
}

func (c *fakeConn) reply(frame string) {
	c.frames <- []byte(frame)
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) setRecvErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvErr = err
}

func (c *fakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.written))
	copy(out, c.written)

	return out
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	err := c.sendErr
	if err == nil {
		c.written = append(c.written, bytes.Clone(data))
	}
	onSend := c.onSend
	c.mu.Unlock()

	if err != nil {
		return errors.Join(connection.ErrWrite, err)
	}
	if onSend != nil {
		onSend(c, data)
	}

	return nil
}

func (c *fakeConn) ReceiveUntil(buf []byte, delim byte) (int, error) {
	c.reads.Add(1)

	c.mu.Lock()
	err := c.recvErr
	c.mu.Unlock()
	if err != nil {
		return 0, errors.Join(connection.ErrRead, err)
	}

	select {
	case frame := <-c.frames:
		n := copy(buf, frame)
		if i := bytes.IndexByte(buf[:n], delim); i >= 0 {
			n = i + 1
		}

		return n, nil
	case <-time.After(c.readTimeout):
		return 0, nil
	}
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) String() string { return "fake" }

package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// NetConn is a Connection over a stream-oriented net.Conn, normally a TCP socket.
type NetConn struct {
	conn   net.Conn
	name   string
	cfg    *Config
	closed atomic.Bool
}

var _ Connection = (*NetConn)(nil)

// OpenTCP dials the TCP endpoint described by target.
func OpenTCP(ctx context.Context, target TCPTarget, opts ...Option) (*NetConn, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	if target.Address == "" {
		return nil, fmt.Errorf("%w: %s: empty address", ErrOpen, target)
	}
	if target.Port <= 0 || target.Port > 65535 {
		return nil, fmt.Errorf("%w: %s: port out of range [1, 65535]", ErrOpen, target)
	}

	dialer := net.Dialer{Timeout: cfg.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, target, err)
	}

	cfg.logger.Debug("tcp connection established", "local", conn.LocalAddr().String(), "remote", conn.RemoteAddr().String())

	return newNetConn(conn, target.String(), cfg), nil
}

// NewNetConn wraps an already established stream connection, e.g. one side of
// net.Pipe or an accepted socket.
func NewNetConn(conn net.Conn, opts ...Option) (*NetConn, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	name := "net"
	if addr := conn.RemoteAddr(); addr != nil {
		name = addr.Network() + ":" + addr.String()
	}

	return newNetConn(conn, name, cfg), nil
}

func newNetConn(conn net.Conn, name string, cfg *Config) *NetConn {
	return &NetConn{conn: conn, name: name, cfg: cfg}
}

// Send writes all bytes of data, bounded by the write timeout when set.
func (c *NetConn) Send(data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", ErrWrite, ErrClosed)
	}

	if c.cfg.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
	}

	return writeAll(c.conn, data)
}

// ReceiveUntil reads a frame, waiting at most the read timeout for the whole call.
// An expired deadline ends the frame without error; EOF is a failure since the
// peer closed the stream.
func (c *NetConn) ReceiveUntil(buf []byte, delim byte) (int, error) {
	if c.closed.Load() {
		return 0, fmt.Errorf("%w: %w", ErrRead, ErrClosed)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.readTimeout)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRead, err)
	}

	return receiveUntil(c.conn, buf, delim, isTimeoutError)
}

// Close closes the socket. Closing twice is a no-op.
func (c *NetConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

func (c *NetConn) String() string { return c.name }

func isTimeoutError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

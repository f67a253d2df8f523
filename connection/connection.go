package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Sentinel errors for the connection package.
var (
	// ErrOpen indicates the port is absent or the address is unreachable.
	ErrOpen = errors.New("connection: open failed")
	// ErrWrite indicates the payload could not be fully written.
	ErrWrite = errors.New("connection: write failed")
	// ErrRead indicates the underlying stream failed while reading.
	ErrRead = errors.New("connection: read failed")
	// ErrClosed indicates the connection has already been closed.
	ErrClosed = errors.New("connection: closed")
	// ErrUnknownTarget indicates a Target variant Open does not handle.
	ErrUnknownTarget = errors.New("connection: unknown target")
)

// Connection is a transport-agnostic byte stream.
//
// A Connection is owned by exactly one goroutine (the runner); it is not safe
// for concurrent use except for Close.
type Connection interface {
	// Send writes all bytes of data, blocking until they are written or the
	// write fails. Failures wrap ErrWrite.
	Send(data []byte) error

	// ReceiveUntil reads into buf until delim is read (inclusive), buf is
	// full, or the stream yields no byte within the read timeout. It returns
	// the number of bytes copied into buf; a short or zero count is not an
	// error. Failures wrap ErrRead.
	ReceiveUntil(buf []byte, delim byte) (int, error)

	// Close releases the transport handle.
	Close() error

	// String describes the remote end for logs.
	String() string
}

// Target selects and describes the transport to open.
// The set of variants is closed: SerialTarget and TCPTarget.
type Target interface {
	fmt.Stringer
	isTarget()
}

// SerialTarget describes a serial (USB) port.
type SerialTarget struct {
	Port     string
	BaudRate int
}

func (t SerialTarget) String() string { return fmt.Sprintf("serial:%s@%d", t.Port, t.BaudRate) }
func (SerialTarget) isTarget()        {}

// TCPTarget describes a TCP endpoint.
type TCPTarget struct {
	Address string
	Port    int
}

func (t TCPTarget) String() string { return fmt.Sprintf("tcp:%s", t.Addr()) }
func (TCPTarget) isTarget()        {}

// Addr returns "host:port".
func (t TCPTarget) Addr() string { return joinHostPort(t.Address, t.Port) }

// Open opens the transport described by target.
func Open(ctx context.Context, target Target, opts ...Option) (Connection, error) {
	switch t := target.(type) {
	case SerialTarget:
		return OpenSerial(t, opts...)
	case *SerialTarget:
		return OpenSerial(*t, opts...)
	case TCPTarget:
		return OpenTCP(ctx, t, opts...)
	case *TCPTarget:
		return OpenTCP(ctx, *t, opts...)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTarget, target)
	}
}

// shortReadFunc reports whether a zero-byte read with err ends the frame
// quietly (read timeout) instead of being a stream failure.
type shortReadFunc func(err error) bool

// receiveUntil implements the framing shared by all variants.
//
// An error returned together with a byte is deferred: the byte is kept and
// the next read reports the error again.
func receiveUntil(r io.Reader, buf []byte, delim byte, isShortRead shortReadFunc) (int, error) {
	n := 0
	for n < len(buf) {
		read, err := r.Read(buf[n : n+1])
		if read == 0 {
			if err == nil || isShortRead(err) {
				return n, nil
			}

			return n, fmt.Errorf("%w: %w", ErrRead, err)
		}

		n++
		if buf[n-1] == delim {
			return n, nil
		}
		if err != nil {
			return n, nil
		}
	}

	return n, nil
}

// writeAll writes all bytes in data to w.
func writeAll(w io.Writer, data []byte) error {
	for written := 0; written < len(data); {
		n, err := w.Write(data[written:])
		written += n

		if err != nil {
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %w", ErrWrite, io.ErrShortWrite)
		}
	}

	return nil
}

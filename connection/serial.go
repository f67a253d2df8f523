package connection

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tarm/serial"
)

// SerialConn is a Connection over a serial (USB) port.
type SerialConn struct {
	port   io.ReadWriteCloser
	target SerialTarget
	cfg    *Config
	closed atomic.Bool
}

var _ Connection = (*SerialConn)(nil)

// OpenSerial opens the serial port described by target.
//
// The port is opened 8N1 with the configured read timeout, which bounds each
// ReceiveUntil call.
func OpenSerial(target SerialTarget, opts ...Option) (*SerialConn, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	if target.Port == "" {
		return nil, fmt.Errorf("%w: %s: empty port name", ErrOpen, target)
	}
	if target.BaudRate <= 0 {
		return nil, fmt.Errorf("%w: %s: invalid baud rate", ErrOpen, target)
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        target.Port,
		Baud:        target.BaudRate,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: cfg.readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, target, err)
	}

	cfg.logger.Debug("serial port opened", "port", target.Port, "baud_rate", target.BaudRate, "read_timeout", cfg.readTimeout)

	return newSerialConn(port, target, cfg), nil
}

func newSerialConn(port io.ReadWriteCloser, target SerialTarget, cfg *Config) *SerialConn {
	return &SerialConn{port: port, target: target, cfg: cfg}
}

// Send writes all bytes of data to the port.
func (c *SerialConn) Send(data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", ErrWrite, ErrClosed)
	}

	return writeAll(c.port, data)
}

// ReceiveUntil reads a frame from the port.
//
// The serial driver reports an expired read timeout as a zero-byte read
// (io.EOF from the device file), which ends the frame without error.
func (c *SerialConn) ReceiveUntil(buf []byte, delim byte) (int, error) {
	if c.closed.Load() {
		return 0, fmt.Errorf("%w: %w", ErrRead, ErrClosed)
	}

	return receiveUntil(c.port, buf, delim, serialShortRead)
}

// Close closes the port. Closing twice is a no-op.
func (c *SerialConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	return c.port.Close()
}

func (c *SerialConn) String() string { return c.target.String() }

func serialShortRead(err error) bool {
	return errors.Is(err, io.EOF)
}

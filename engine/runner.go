package engine

import (
	"bytes"
	"context"
	"time"

	"github.com/arloliu/go-scenario/bus"
	"github.com/arloliu/go-scenario/connection"
	"github.com/arloliu/go-scenario/internal/pool"
	"github.com/arloliu/go-scenario/logger"
)

// frameDelim ends a frame on the wire.
const frameDelim = '\n'

// Runner owns the connection and relays frames between it and the executor.
//
// Each cycle drains the control messages queued on its endpoint, then
// performs exactly one bounded read. Received frames are forwarded only
// while streaming is enabled. The runner never stops on its own; it exits
// after the cycle in which it observes StopRunning.
type Runner struct {
	conn    connection.Connection
	ep      *bus.Endpoint
	buf     []byte
	backoff time.Duration
	logger  logger.Logger
	metrics *Metrics

	streaming bool
	alive     bool
}

// NewRunner creates a Runner that exclusively owns conn and talks over ep.
func NewRunner(conn connection.Connection, ep *bus.Endpoint, opts ...Option) (*Runner, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}

	return newRunner(conn, ep, o), nil
}

func newRunner(conn connection.Connection, ep *bus.Endpoint, o *options) *Runner {
	return &Runner{
		conn:    conn,
		ep:      ep,
		buf:     make([]byte, o.frameSize),
		backoff: o.errorBackoff,
		logger:  o.logger.With("role", string(RoleRunner)),
		metrics: o.metrics,
		alive:   true,
	}
}

// Streaming reports whether received frames are currently forwarded.
func (r *Runner) Streaming() bool {
	return r.streaming
}

// Alive reports whether the runner has not yet observed StopRunning.
func (r *Runner) Alive() bool {
	return r.alive
}

// Cycle runs one drain-then-read iteration and reports whether the runner
// should keep going. ctx only interrupts the pause after a failed read.
func (r *Runner) Cycle(ctx context.Context) bool {
	for _, msg := range r.ep.TryReceiveAll() {
		r.handle(msg)
	}

	n, err := r.conn.ReceiveUntil(r.buf, frameDelim)
	if err != nil {
		r.metrics.incRecvErrCount()
		r.logger.Error("failed to receive from connection", "conn", r.conn.String(), "error", err)
		r.emit(bus.ReceiveError{Err: err})

		if r.alive {
			_ = pool.Sleep(ctx, r.backoff)
		}

		return r.alive
	}

	if n > 0 {
		r.metrics.incFramesReceived()
		if r.streaming {
			payload := bytes.Clone(bytes.TrimRight(r.buf[:n], "\r\n"))
			r.logger.Debug("frame received", "payload", string(payload), "length", n)
			r.emit(bus.DataReceived{Timestamp: time.Now(), Payload: payload, Length: n})
			r.metrics.incFramesForwarded()
		} else {
			r.logger.Debug("frame discarded, streaming disabled", "length", n)
		}
	}

	return r.alive
}

// Run cycles until StopRunning is observed or ctx is done, then closes the
// runner's endpoint.
func (r *Runner) Run(ctx context.Context) {
	defer r.ep.Close()

	for ctx.Err() == nil {
		if !r.Cycle(ctx) {
			return
		}
	}
}

func (r *Runner) handle(msg bus.Message) {
	switch m := msg.(type) {
	case bus.SendData:
		if err := r.conn.Send(m.Payload); err != nil {
			r.metrics.incSendErrCount()
			r.logger.Error("failed to send to connection", "conn", r.conn.String(), "error", err)
			r.emit(bus.SendError{Err: err})

			return
		}
		r.metrics.addBytesSent(len(m.Payload))
		r.logger.Debug("payload sent", "length", len(m.Payload))

	case bus.StartStream:
		r.streaming = true

	case bus.StopStream:
		r.streaming = false

	case bus.StopRunning:
		r.logger.Debug("stop requested")
		r.alive = false

	default:
		r.metrics.incUnexpectedMsgCount()
		r.logger.Warn("unexpected message, discarded", "msg", msg.String())
	}
}

func (r *Runner) emit(msg bus.Message) {
	if err := r.ep.Send(msg); err != nil {
		r.logger.Warn("failed to emit message", "msg", msg.String(), "error", err)
	}
}

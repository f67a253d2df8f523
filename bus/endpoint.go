// Package bus implements the two-party message bus between the runner and
// the executor.
//
// An Endpoint pair is two unbounded FIFO queues crossed over each other:
// what one endpoint sends the other receives, in send order. Sending never
// blocks; a slow consumer only grows the queue.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-scenario/internal/pool"
	"github.com/arloliu/go-scenario/internal/queue"
)

var (
	// ErrTimeout is returned when no message arrives within a bounded receive.
	ErrTimeout = errors.New("bus: receive timeout")
	// ErrClosed is returned when using an endpoint after Close.
	ErrClosed = errors.New("bus: endpoint closed")
	// ErrPeerClosed is returned by a blocking receive once the peer endpoint
	// is closed and every message it sent has been received.
	ErrPeerClosed = errors.New("bus: peer endpoint closed")
	// ErrNilMessage is returned when sending a nil message.
	ErrNilMessage = errors.New("bus: nil message")
)

// channel is one direction of the bus.
type channel struct {
	q      *queue.Queue[Message]
	notify chan struct{}
	closed atomic.Bool // the sending side is closed
}

func newChannel() *channel {
	return &channel{
		q:      queue.New[Message](),
		notify: make(chan struct{}, 1),
	}
}

func (c *channel) push(msg Message) {
	c.q.Enqueue(msg)
	c.wake()
}

func (c *channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Endpoint is one role's half of a bus pair.
type Endpoint struct {
	name   string
	out    *channel
	in     *channel
	closed atomic.Bool
}

// NewPair creates two connected endpoints.
func NewPair(nameA, nameB string) (*Endpoint, *Endpoint) {
	ab := newChannel()
	ba := newChannel()

	a := &Endpoint{name: nameA, out: ab, in: ba}
	b := &Endpoint{name: nameB, out: ba, in: ab}

	return a, b
}

// Name returns the endpoint name given to NewPair.
func (e *Endpoint) Name() string {
	return e.name
}

// Send queues msg for the peer endpoint.
func (e *Endpoint) Send(msg Message) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if msg == nil {
		return ErrNilMessage
	}

	e.out.push(msg)

	return nil
}

// SendAll queues msgs for the peer in order.
//
// Nothing is queued if any of msgs is nil.
func (e *Endpoint) SendAll(msgs ...Message) error {
	if e.closed.Load() {
		return ErrClosed
	}
	for _, msg := range msgs {
		if msg == nil {
			return ErrNilMessage
		}
	}

	for _, msg := range msgs {
		e.out.q.Enqueue(msg)
	}
	if len(msgs) > 0 {
		e.out.wake()
	}

	return nil
}

// Deliver queues msg into this endpoint's own inbox, as if the peer had
// sent it. It is used by a supervisor holding only this endpoint.
func (e *Endpoint) Deliver(msg Message) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if msg == nil {
		return ErrNilMessage
	}

	e.in.push(msg)

	return nil
}

// TryReceive returns the next queued message without blocking.
func (e *Endpoint) TryReceive() (Message, bool) {
	if e.closed.Load() {
		return nil, false
	}

	return e.in.q.Dequeue()
}

// TryReceiveAll drains every currently queued message without blocking.
func (e *Endpoint) TryReceiveAll() []Message {
	var msgs []Message
	for {
		msg, ok := e.TryReceive()
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

// ReceiveTimeout waits up to d for the next message.
//
// It returns ErrTimeout when d elapses, ctx.Err() when ctx is done,
// ErrClosed once the endpoint is closed and ErrPeerClosed once the peer is
// closed and drained. A non-positive d polls once.
func (e *Endpoint) ReceiveTimeout(ctx context.Context, d time.Duration) (Message, error) {
	if msg, ok, err := e.poll(); ok || err != nil {
		return msg, err
	}
	if d <= 0 {
		return nil, ErrTimeout
	}

	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			// a message may have raced the timer
			if msg, ok, err := e.poll(); ok || err != nil {
				return msg, err
			}

			return nil, ErrTimeout
		case <-e.in.notify:
			if msg, ok, err := e.poll(); ok || err != nil {
				return msg, err
			}
		}
	}
}

// Receive waits for the next message until ctx is done.
func (e *Endpoint) Receive(ctx context.Context) (Message, error) {
	for {
		if msg, ok, err := e.poll(); ok || err != nil {
			return msg, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.in.notify:
		}
	}
}

// Pending returns the number of messages waiting to be received.
func (e *Endpoint) Pending() int {
	return e.in.q.Length()
}

// Close marks the endpoint unusable. Messages already queued for the peer
// remain deliverable; once the peer has received them its blocking receives
// return ErrPeerClosed.
func (e *Endpoint) Close() {
	if e.closed.CompareAndSwap(false, true) {
		e.out.closed.Store(true)
		e.out.wake()
		// wake a blocked receiver on this side
		e.in.wake()
	}
}

func (e *Endpoint) poll() (Message, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrClosed
	}

	// the peer enqueues before closing, so an empty queue read after
	// observing the close is final
	peerClosed := e.in.closed.Load()
	msg, ok := e.in.q.Dequeue()
	if !ok {
		if peerClosed {
			return nil, false, ErrPeerClosed
		}

		return nil, false, nil
	}
	if e.in.q.Length() > 0 {
		// keep the wakeup pending for the remaining messages
		e.in.wake()
	}

	return msg, true, nil
}

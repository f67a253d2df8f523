package bus

import (
	"errors"
	"fmt"
	"time"
)

// Message is the closed set of values carried between the runner and the
// executor.
type Message interface {
	isMessage()
	String() string
}

// SendData asks the runner to write Payload to the connection.
type SendData struct {
	Payload []byte
}

// StartStream enables forwarding of received frames to the executor.
type StartStream struct{}

// StopStream disables forwarding of received frames.
type StopStream struct{}

// DataReceived carries one received frame.
//
// Payload is the frame with trailing CR/LF removed, Length is the raw number
// of bytes read including the delimiter.
type DataReceived struct {
	Timestamp time.Time
	Payload   []byte
	Length    int
}

// StopRunning asks the receiving role to finish its current cycle and exit.
type StopRunning struct{}

// SendError reports a failed connection write.
type SendError struct {
	Err error
}

// ReceiveError reports a failed connection read.
type ReceiveError struct {
	Err error
}

func (SendData) isMessage()     {}
func (StartStream) isMessage()  {}
func (StopStream) isMessage()   {}
func (DataReceived) isMessage() {}
func (StopRunning) isMessage()  {}
func (SendError) isMessage()    {}
func (ReceiveError) isMessage() {}

func (m SendData) String() string  { return fmt.Sprintf("SendData(%d bytes)", len(m.Payload)) }
func (StartStream) String() string { return "StartStream" }
func (StopStream) String() string  { return "StopStream" }
func (StopRunning) String() string { return "StopRunning" }

func (m DataReceived) String() string {
	return fmt.Sprintf("DataReceived(%q, len=%d)", m.Payload, m.Length)
}

func (m SendError) String() string    { return fmt.Sprintf("SendError(%v)", m.Err) }
func (m ReceiveError) String() string { return fmt.Sprintf("ReceiveError(%v)", m.Err) }

// ErrStopRequested is the cause reported by FatalError for StopRunning.
var ErrStopRequested = errors.New("bus: stop requested")

// FatalError returns the cause carried by a message that ends a run once
// the executor observes it, or nil for any other message.
func FatalError(m Message) error {
	switch m := m.(type) {
	case SendError:
		return causeOr(m.Err, "send failed")
	case ReceiveError:
		return causeOr(m.Err, "receive failed")
	case StopRunning:
		return ErrStopRequested
	default:
		return nil
	}
}

// IsFatal reports whether m ends a run once the executor observes it.
func IsFatal(m Message) bool {
	return FatalError(m) != nil
}

func causeOr(err error, text string) error {
	if err != nil {
		return err
	}

	return errors.New("bus: " + text)
}

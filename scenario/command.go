// Package scenario defines the Command model and parses scenario files.
//
// A scenario file is a JSON array of command objects:
//
//	[
//	  {
//	    "destination": "Connection",
//	    "send": {"type": "Text", "data": "Hello"},
//	    "expect_prefix": "Ack",
//	    "expect_exact": "Ack!",
//	    "timeout": 5,
//	    "delay": 0,
//	    "description": "greet the device"
//	  }
//	]
//
// expect_prefix, expect_exact and timeout are either all present or all
// absent. Timeouts and delays are seconds and may be fractional.
package scenario

import (
	"bytes"
	"fmt"
	"time"
)

// Encoding tags how a Sendable's data was written in the scenario file.
type Encoding uint8

const (
	// Text data is sent as its raw UTF-8 bytes.
	Text Encoding = iota
	// Hex data is decoded from a hex string before sending.
	Hex
)

func (e Encoding) String() string {
	switch e {
	case Text:
		return "Text"
	case Hex:
		return "Hex"
	default:
		return fmt.Sprintf("Encoding(%d)", e)
	}
}

// Sendable is the payload of a Command.
type Sendable struct {
	Encoding Encoding
	Data     []byte
}

// Destination names the receiver of a Command's payload.
type Destination string

// DestinationConnection is the only supported destination: the device connection.
const DestinationConnection Destination = "Connection"

// Command is one send/expect/timeout/delay unit of work.
//
// ExpectPrefix, ExpectExact and Timeout are all set or all zero.
type Command struct {
	Destination  Destination
	Send         *Sendable // nil for a pure wait
	ExpectPrefix []byte
	ExpectExact  []byte
	Timeout      time.Duration
	Delay        time.Duration
	Description  string
}

// ExpectsReply reports whether the command waits for a response.
func (c *Command) ExpectsReply() bool {
	return len(c.ExpectPrefix) > 0
}

// Payload returns the bytes to send, nil for a pure wait.
func (c *Command) Payload() []byte {
	if c.Send == nil {
		return nil
	}

	return c.Send.Data
}

// MatchResult classifies a received frame against a Command's expectation.
type MatchResult uint8

const (
	// NoMatch means the frame does not start with the expected prefix.
	NoMatch MatchResult = iota
	// PrefixMatch means the frame starts with the prefix but differs from the exact value.
	PrefixMatch
	// ExactMatch means the frame equals the exact value.
	ExactMatch
)

func (m MatchResult) String() string {
	switch m {
	case PrefixMatch:
		return "PrefixMatch"
	case ExactMatch:
		return "ExactMatch"
	default:
		return "NoMatch"
	}
}

// Match compares a received frame against the command's expectation.
func (c *Command) Match(frame []byte) MatchResult {
	if !bytes.HasPrefix(frame, c.ExpectPrefix) {
		return NoMatch
	}
	if bytes.Equal(frame, c.ExpectExact) {
		return ExactMatch
	}

	return PrefixMatch
}

// Scenario is the ordered, read-only command list of one file.
type Scenario struct {
	Path     string
	Commands []Command
}

// Len returns the number of commands.
func (s *Scenario) Len() int { return len(s.Commands) }

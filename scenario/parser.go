package scenario

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"
)

// ErrParse indicates a malformed scenario file.
var ErrParse = errors.New("scenario: parse error")

type rawSendable struct {
	Type string  `json:"type"`
	Data *string `json:"data"`
}

type rawCommand struct {
	Destination  *string      `json:"destination"`
	Send         *rawSendable `json:"send"`
	ExpectPrefix *string      `json:"expect_prefix"`
	ExpectExact  *string      `json:"expect_exact"`
	Timeout      *float64     `json:"timeout"`
	Delay        *float64     `json:"delay"`
	Description  *string      `json:"description"`
}

// ParseFile reads and parses the scenario file at path.
func ParseFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	defer f.Close()

	cmds, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Scenario{Path: path, Commands: cmds}, nil
}

// Parse decodes a JSON array of command objects from r.
// Any failure is reported as ErrParse.
func Parse(r io.Reader) ([]Command, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var raws []rawCommand
	if err := dec.Decode(&raws); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if raws == nil {
		return nil, fmt.Errorf("%w: expected a JSON array of commands", ErrParse)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after command array", ErrParse)
	}

	cmds := make([]Command, 0, len(raws))
	for i := range raws {
		cmd, err := raws[i].toCommand()
		if err != nil {
			return nil, fmt.Errorf("%w: command %d: %w", ErrParse, i, err)
		}
		cmds = append(cmds, cmd)
	}

	return cmds, nil
}

func (raw *rawCommand) toCommand() (Command, error) {
	cmd := Command{Destination: DestinationConnection}

	if raw.Destination != nil {
		if Destination(*raw.Destination) != DestinationConnection {
			return cmd, fmt.Errorf("unsupported destination %q", *raw.Destination)
		}
	}

	if raw.Send != nil {
		send, err := raw.Send.toSendable()
		if err != nil {
			return cmd, err
		}
		cmd.Send = &send
	}

	present := 0
	for _, set := range []bool{raw.ExpectPrefix != nil, raw.ExpectExact != nil, raw.Timeout != nil} {
		if set {
			present++
		}
	}
	switch present {
	case 0:
	case 3:
		if *raw.ExpectPrefix == "" || *raw.ExpectExact == "" {
			return cmd, errors.New("expect_prefix and expect_exact must not be empty")
		}
		timeout, err := seconds("timeout", *raw.Timeout)
		if err != nil {
			return cmd, err
		}
		if timeout <= 0 {
			return cmd, errors.New("timeout must be positive")
		}
		cmd.ExpectPrefix = []byte(*raw.ExpectPrefix)
		cmd.ExpectExact = []byte(*raw.ExpectExact)
		cmd.Timeout = timeout
	default:
		return cmd, errors.New("expect_prefix, expect_exact and timeout must be given together")
	}

	if raw.Delay != nil {
		delay, err := seconds("delay", *raw.Delay)
		if err != nil {
			return cmd, err
		}
		cmd.Delay = delay
	}

	if cmd.Send == nil && !cmd.ExpectsReply() {
		return cmd, errors.New("command has neither send nor expect_prefix")
	}

	if raw.Description != nil {
		cmd.Description = *raw.Description
	}

	return cmd, nil
}

func (raw *rawSendable) toSendable() (Sendable, error) {
	if raw.Data == nil {
		return Sendable{}, errors.New("send.data is required")
	}

	switch raw.Type {
	case "Text":
		return Sendable{Encoding: Text, Data: []byte(*raw.Data)}, nil
	case "Hex":
		data, err := decodeHex(*raw.Data)
		if err != nil {
			return Sendable{}, fmt.Errorf("send.data: %w", err)
		}

		return Sendable{Encoding: Hex, Data: data}, nil
	default:
		return Sendable{}, fmt.Errorf("unknown send.type %q, want Hex or Text", raw.Type)
	}
}

// decodeHex decodes a hex string, ignoring ASCII whitespace between digits.
func decodeHex(s string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		default:
			return r
		}
	}, s)

	return hex.DecodeString(compact)
}

// maxSeconds keeps a duration in seconds from overflowing time.Duration.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

func seconds(field string, v float64) (time.Duration, error) {
	if v < 0 || math.IsNaN(v) || v > maxSeconds {
		return 0, fmt.Errorf("%s must be a non-negative number of seconds", field)
	}

	return time.Duration(v * float64(time.Second)), nil
}

// Equal reports whether two command lists are structurally identical.
func Equal(a, b []Command) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := &a[i], &b[i]
		if x.Destination != y.Destination || x.Timeout != y.Timeout || x.Delay != y.Delay ||
			x.Description != y.Description ||
			!bytes.Equal(x.ExpectPrefix, y.ExpectPrefix) || !bytes.Equal(x.ExpectExact, y.ExpectExact) {
			return false
		}
		if (x.Send == nil) != (y.Send == nil) {
			return false
		}
		if x.Send != nil && (x.Send.Encoding != y.Send.Encoding || !bytes.Equal(x.Send.Data, y.Send.Data)) {
			return false
		}
	}

	return true
}

// Package config loads the runner's JSON configuration file.
//
//	{
//	  "scenarios_location": "./scenarios",
//	  "results_location": "./results",
//	  "connection": {"type": "Usb", "port": "/dev/ttyUSB0", "baud_rate": 115200},
//	  "scenarios": ["boot.json", "selftest.json"]
//	}
//
// scenarios_location defaults to "." and results_location defaults to
// scenarios_location. The connection is either
// {"type": "Usb", "port", "baud_rate"} or {"type": "Tcp", "address", "port"}.
// Unknown fields are rejected everywhere.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arloliu/go-scenario/connection"
)

// DefaultPath is the config file used when none is given.
const DefaultPath = "./config.json"

// ErrInvalidConfig indicates a missing, unreadable, malformed or schema-invalid config.
var ErrInvalidConfig = errors.New("config: invalid config")

// ConnectionType tags the connection descriptor.
type ConnectionType string

const (
	ConnectionUsb ConnectionType = "Usb"
	ConnectionTcp ConnectionType = "Tcp"
)

// Connection is the decoded connection descriptor.
type Connection struct {
	Type     ConnectionType
	Port     string // serial port name, Usb only
	BaudRate int    // Usb only
	Address  string // Tcp only
	TCPPort  int    // Tcp only
}

// Target converts the descriptor to the connection variant it selects.
func (c Connection) Target() connection.Target {
	if c.Type == ConnectionUsb {
		return connection.SerialTarget{Port: c.Port, BaudRate: c.BaudRate}
	}

	return connection.TCPTarget{Address: c.Address, Port: c.TCPPort}
}

// Config is the processed runner configuration.
type Config struct {
	ScenariosLocation string
	ResultsLocation   string
	Connection        Connection
	// Scenarios are resolved against ScenariosLocation unless absolute, in run order.
	Scenarios []string
}

type rawConfig struct {
	ScenariosLocation *string         `json:"scenarios_location"`
	ResultsLocation   *string         `json:"results_location"`
	Connection        json.RawMessage `json:"connection"`
	Scenarios         []string        `json:"scenarios"`
}

type rawConnectionTag struct {
	Type string `json:"type"`
}

type rawUsb struct {
	Type     string  `json:"type"`
	Port     *string `json:"port"`
	BaudRate *int    `json:"baud_rate"`
}

type rawTcp struct {
	Type    string  `json:"type"`
	Address *string `json:"address"`
	Port    *int    `json:"port"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: config file %s does not exist", ErrInvalidConfig, path)
		}

		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes and validates a config document from r.
func Parse(r io.Reader) (*Config, error) {
	var raw rawConfig
	if err := strictDecode(r, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if len(raw.Connection) == 0 || bytes.Equal(raw.Connection, []byte("null")) {
		return nil, fmt.Errorf("%w: missing field \"connection\"", ErrInvalidConfig)
	}
	if raw.Scenarios == nil {
		return nil, fmt.Errorf("%w: missing field \"scenarios\"", ErrInvalidConfig)
	}

	conn, err := parseConnection(raw.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: connection: %w", ErrInvalidConfig, err)
	}

	cfg := &Config{
		ScenariosLocation: ".",
		Connection:        conn,
		Scenarios:         make([]string, 0, len(raw.Scenarios)),
	}
	if raw.ScenariosLocation != nil {
		cfg.ScenariosLocation = *raw.ScenariosLocation
	}
	cfg.ResultsLocation = cfg.ScenariosLocation
	if raw.ResultsLocation != nil {
		cfg.ResultsLocation = *raw.ResultsLocation
	}

	for i, name := range raw.Scenarios {
		if name == "" {
			return nil, fmt.Errorf("%w: scenarios[%d] is empty", ErrInvalidConfig, i)
		}
		if !filepath.IsAbs(name) {
			name = filepath.Join(cfg.ScenariosLocation, name)
		}
		cfg.Scenarios = append(cfg.Scenarios, name)
	}

	return cfg, nil
}

func parseConnection(data json.RawMessage) (Connection, error) {
	var tag rawConnectionTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return Connection{}, err
	}

	switch ConnectionType(tag.Type) {
	case ConnectionUsb:
		var usb rawUsb
		if err := strictDecode(bytes.NewReader(data), &usb); err != nil {
			return Connection{}, err
		}
		if usb.Port == nil || *usb.Port == "" {
			return Connection{}, errors.New("usb connection requires a non-empty \"port\"")
		}
		if usb.BaudRate == nil || *usb.BaudRate <= 0 {
			return Connection{}, errors.New("usb connection requires a positive \"baud_rate\"")
		}

		return Connection{Type: ConnectionUsb, Port: *usb.Port, BaudRate: *usb.BaudRate}, nil

	case ConnectionTcp:
		var tcp rawTcp
		if err := strictDecode(bytes.NewReader(data), &tcp); err != nil {
			return Connection{}, err
		}
		if tcp.Address == nil || *tcp.Address == "" {
			return Connection{}, errors.New("tcp connection requires a non-empty \"address\"")
		}
		if tcp.Port == nil || *tcp.Port <= 0 || *tcp.Port > 65535 {
			return Connection{}, errors.New("tcp connection requires a \"port\" in [1, 65535]")
		}

		return Connection{Type: ConnectionTcp, Address: *tcp.Address, TCPPort: *tcp.Port}, nil

	default:
		return Connection{}, fmt.Errorf("unknown type %q, want Usb or Tcp", tag.Type)
	}
}

func strictDecode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after config object")
	}

	return nil
}

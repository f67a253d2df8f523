package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-scenario/connection"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_Usb(t *testing.T) {
	path := writeConfig(t, `{
		"scenarios_location": "suite",
		"results_location": "out",
		"connection": {"type": "Usb", "port": "/dev/ttyUSB0", "baud_rate": 115200},
		"scenarios": ["scenario1", "scenario2"]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, &Config{
		ScenariosLocation: "suite",
		ResultsLocation:   "out",
		Connection:        Connection{Type: ConnectionUsb, Port: "/dev/ttyUSB0", BaudRate: 115200},
		Scenarios:         []string{filepath.Join("suite", "scenario1"), filepath.Join("suite", "scenario2")},
	}, cfg)
	assert.Equal(t, connection.SerialTarget{Port: "/dev/ttyUSB0", BaudRate: 115200}, cfg.Connection.Target())
}

func TestLoad_TcpDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"connection": {"type": "Tcp", "address": "test", "port": 8080},
		"scenarios": ["scenario1"]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ".", cfg.ScenariosLocation)
	assert.Equal(t, ".", cfg.ResultsLocation)
	assert.Equal(t, []string{"scenario1"}, cfg.Scenarios)
	assert.Equal(t, connection.TCPTarget{Address: "test", Port: 8080}, cfg.Connection.Target())
}

func TestLoad_ResultsDefaultToScenariosLocation(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`{
		"scenarios_location": "/srv/suite",
		"connection": {"type": "Tcp", "address": "10.0.0.2", "port": 5000},
		"scenarios": []
	}`))
	require.NoError(t, err)

	assert.Equal(t, "/srv/suite", cfg.ResultsLocation)
	assert.Empty(t, cfg.Scenarios)
}

func TestLoad_AbsoluteScenarioKeptAsIs(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "elsewhere.json")
	quoted, err := json.Marshal(abs)
	require.NoError(t, err)

	cfg, err := Parse(strings.NewReader(`{
		"scenarios_location": "suite",
		"connection": {"type": "Tcp", "address": "10.0.0.2", "port": 5000},
		"scenarios": ["relative.json", ` + string(quoted) + `]
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join("suite", "relative.json"), abs}, cfg.Scenarios)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		errText string
	}{
		{"empty file", ``, "EOF"},
		{"wrong types", `{"scenarios_location": 2, "results_location": 2}`, "cannot unmarshal"},
		{"invalid json", `{"scenarios_location": "." "results_location": "."}`, "invalid character"},
		{"missing connection", `{"scenarios": ["a"]}`, `missing field "connection"`},
		{"missing scenarios", `{"connection": {"type": "Tcp", "address": "h", "port": 1}}`, `missing field "scenarios"`},
		{"unknown field", `{"unknown_field": ".", "connection": {"type": "Tcp", "address": "h", "port": 1}, "scenarios": []}`, "unknown field"},
		{"usb field mismatch", `{"connection": {"type": "Usb", "address": "test:test"}, "scenarios": []}`, "unknown field"},
		{"usb missing baud", `{"connection": {"type": "Usb", "port": "COM3"}, "scenarios": []}`, "baud_rate"},
		{"tcp missing port", `{"connection": {"type": "Tcp", "address": "h"}, "scenarios": []}`, "port"},
		{"tcp port range", `{"connection": {"type": "Tcp", "address": "h", "port": 70000}, "scenarios": []}`, "port"},
		{"unknown type", `{"connection": {"type": "Bluetooth"}, "scenarios": []}`, "unknown type"},
		{"empty scenario name", `{"connection": {"type": "Tcp", "address": "h", "port": 1}, "scenarios": [""]}`, "scenarios[0]"},
		{"trailing data", `{"connection": {"type": "Tcp", "address": "h", "port": 1}, "scenarios": []} {}`, "unexpected data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.input))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "non", "existent.json"))
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "does not exist")
}

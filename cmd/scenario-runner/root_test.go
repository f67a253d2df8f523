package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-scenario/logger"
)

func executeRoot(t *testing.T, opts *RootOptions, args ...string) error {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = logger.NewMockLogger().AllowAll()
	}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	return cmd.ExecuteContext(context.Background())
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// startAckDevice answers every received chunk with "Ack!\n".
func startAckDevice(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
			if _, err := io.WriteString(conn, "Ack!\n"); err != nil {
				return
			}
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestRoot_RunWritesResults(t *testing.T) {
	dir := t.TempDir()
	port := startAckDevice(t)

	writeFile(t, filepath.Join(dir, "hello.json"),
		`[{"send": {"type": "Text", "data": "Hello"}, "expect_prefix": "Ack", "expect_exact": "Ack!", "timeout": 2}]`)
	configPath := filepath.Join(dir, "config.json")
	writeFile(t, configPath, fmt.Sprintf(`{
		"scenarios_location": %q,
		"connection": {"type": "Tcp", "address": "127.0.0.1", "port": %d},
		"scenarios": ["hello.json", "missing.json"]
	}`, dir, port))

	require.NoError(t, executeRoot(t, &RootOptions{}, "--config", configPath))

	matches, err := filepath.Glob(filepath.Join(dir, "run-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	content, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"outcome":"matched"`)
	assert.Contains(t, lines[1], `"outcome":"skipped"`)
}

func TestRoot_ConfigError(t *testing.T) {
	err := executeRoot(t, &RootOptions{}, "-c", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRoot_InvalidLogLevel(t *testing.T) {
	err := executeRoot(t, &RootOptions{}, "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestRoot_ConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	writeFile(t, configPath, fmt.Sprintf(`{
		"scenarios_location": %q,
		"connection": {"type": "Tcp", "address": "127.0.0.1", "port": %d},
		"scenarios": ["hello.json"]
	}`, dir, port))

	err = executeRoot(t, &RootOptions{}, "--config", configPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to open connection")

	// nothing was run, so no results file is left behind
	files, err := filepath.Glob(filepath.Join(dir, "run-*.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRoot_RejectsArgs(t *testing.T) {
	require.Error(t, executeRoot(t, &RootOptions{}, "extra"))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, 3, GetExitCode(WrapExitError(3, "x", nil)))
	assert.Equal(t, "x", WrapExitError(3, "x", nil).Error())
}

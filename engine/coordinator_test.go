package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-scenario/connection"
	"github.com/arloliu/go-scenario/logger"
	"github.com/arloliu/go-scenario/report"
)

// startDevice serves one TCP client. Every chunk containing trigger is
// answered with reply after delay, an empty reply means the device is silent.
// The returned channel is closed once the client disconnects.
func startDevice(t *testing.T, trigger string, reply string, delay time.Duration) (connection.TCPTarget, <-chan struct{}) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)

		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if reply != "" && bytes.Contains(buf[:n], []byte(trigger)) {
				time.Sleep(delay)
				if _, err := io.WriteString(conn, reply); err != nil {
					return
				}
			}
		}
	}()

	addr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok)

	return connection.TCPTarget{Address: "127.0.0.1", Port: addr.Port}, done
}

func newTestCoordinator(t *testing.T, target connection.Target, scenarios []string, opts ...Option) (*Coordinator, *report.MemoryRecorder) {
	t.Helper()

	rec := report.NewMemoryRecorder()
	opts = append([]Option{
		WithLogger(logger.NewMockLogger().AllowAll()),
		WithRecorder(rec),
		WithRunID("e2e"),
		WithErrorBackoff(10 * time.Millisecond),
		WithConnectionOptions(connection.WithReadTimeout(100 * time.Millisecond)),
	}, opts...)

	c, err := NewCoordinator(target, scenarios, opts...)
	require.NoError(t, err)

	return c, rec
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestCoordinator_EndToEndReply(t *testing.T) {
	dir := t.TempDir()
	target, deviceDone := startDevice(t, "Hello", "Ack!\n", 50*time.Millisecond)
	path := writeScenario(t, dir, "hello.json", helloScenario)
	c, rec := newTestCoordinator(t, target, []string{path})

	start := time.Now()
	require.NoError(t, c.Run(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	waitClosed(t, deviceDone)

	results := rec.Results()
	require.Len(t, results, 1)
	assert.Equal(t, report.OutcomeMatched, results[0].Outcome)
	assert.Equal(t, "Ack!", results[0].Response)
	assert.Equal(t, "e2e", results[0].RunID)

	m := c.GetMetrics()
	assert.Equal(t, uint64(1), m.CommandCount.Load())
	assert.Equal(t, uint64(1), m.MatchCount.Load())
	assert.Equal(t, uint64(5), m.BytesSent.Load())

	_, ok := c.Endpoint(RoleRunner)
	assert.False(t, ok, "registry is cleared after the run")
}

func TestCoordinator_EndToEndNoReply(t *testing.T) {
	dir := t.TempDir()
	target, deviceDone := startDevice(t, "Hello", "", 0)
	path := writeScenario(t, dir, "hello.json",
		`[{"send": {"type": "Text", "data": "Hello"}, "expect_prefix": "Ack", "expect_exact": "Ack!", "timeout": 0.3, "delay": 0}]`)
	next := writeScenario(t, dir, "next.json", `[{"send": {"type": "Text", "data": "Bye"}}]`)
	c, rec := newTestCoordinator(t, target, []string{path, next})

	start := time.Now()
	require.NoError(t, c.Run(context.Background()))
	elapsed := time.Since(start)
	waitClosed(t, deviceDone)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, []report.Outcome{report.OutcomeTimeout, report.OutcomeSent}, rec.Outcomes())
	assert.Equal(t, uint64(1), c.GetMetrics().TimeoutCount.Load())
}

func TestCoordinator_OpenFailureStartsNoRole(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	path := writeScenario(t, t.TempDir(), "hello.json", helloScenario)
	c, rec := newTestCoordinator(t, connection.TCPTarget{Address: "127.0.0.1", Port: port}, []string{path})

	err = c.Run(context.Background())
	require.ErrorIs(t, err, connection.ErrOpen)
	assert.Empty(t, rec.Results())
	assert.Equal(t, uint64(0), c.GetMetrics().CommandCount.Load())
}

func TestCoordinator_CustomOpener(t *testing.T) {
	dir := t.TempDir()
	conn := newFakeConn().echo("Ack!\n", 10*time.Millisecond)
	path := writeScenario(t, dir, "hello.json", helloScenario)

	var opened connection.Target
	opener := func(_ context.Context, target connection.Target, _ ...connection.Option) (connection.Connection, error) {
		opened = target
		return conn, nil
	}
	target := connection.SerialTarget{Port: "/dev/ttyUSB0", BaudRate: 115200}
	c, rec := newTestCoordinator(t, target, []string{path}, WithOpener(opener))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, target, opened)
	assert.True(t, conn.closed.Load())
	assert.Equal(t, []report.Outcome{report.OutcomeMatched}, rec.Outcomes())
}

func TestCoordinator_OpenerError(t *testing.T) {
	boom := errors.New("boom")
	opener := func(context.Context, connection.Target, ...connection.Option) (connection.Connection, error) {
		return nil, boom
	}
	c, rec := newTestCoordinator(t, connection.SerialTarget{Port: "COM1", BaudRate: 9600}, nil, WithOpener(opener))

	require.ErrorIs(t, c.Run(context.Background()), boom)
	assert.Empty(t, rec.Results())
}

func TestCoordinator_CancelStopsBothRoles(t *testing.T) {
	dir := t.TempDir()
	conn := newFakeConn()
	path := writeScenario(t, dir, "slow.json", `[
		{"send": {"type": "Text", "data": "Hello"}, "expect_prefix": "Ack", "expect_exact": "Ack!", "timeout": 10},
		{"send": {"type": "Text", "data": "never"}}
	]`)
	opener := func(context.Context, connection.Target, ...connection.Option) (connection.Connection, error) {
		return conn, nil
	}
	c, rec := newTestCoordinator(t, connection.TCPTarget{Address: "device", Port: 1}, []string{path}, WithOpener(opener))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := c.Run(ctx)
	require.ErrorIs(t, err, ErrAborted)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, conn.closed.Load())
	assert.Equal(t, [][]byte{[]byte("Hello")}, conn.Written())
	assert.Equal(t, []report.Outcome{report.OutcomeAborted}, rec.Outcomes())
	assert.Equal(t, uint64(1), c.GetMetrics().AbortCount.Load())
}

func TestCoordinator_AlreadyRunning(t *testing.T) {
	conn := newFakeConn()
	opener := func(context.Context, connection.Target, ...connection.Option) (connection.Connection, error) {
		return conn, nil
	}
	path := writeScenario(t, t.TempDir(), "wait.json", `[{"send": {"type": "Text", "data": "x"}, "delay": 0.2}]`)
	c, _ := newTestCoordinator(t, connection.TCPTarget{Address: "device", Port: 1}, []string{path}, WithOpener(opener))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		_, ok := c.Endpoint(RoleExecutor)
		return ok
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, c.Run(context.Background()), ErrAlreadyRunning)
	require.NoError(t, <-errCh)
}

func TestNewCoordinator_Validation(t *testing.T) {
	_, err := NewCoordinator(nil, nil)
	require.Error(t, err)

	_, err = NewCoordinator(connection.TCPTarget{Address: "h", Port: 1}, nil, WithRecorder(nil))
	require.Error(t, err)

	_, err = NewCoordinator(connection.TCPTarget{Address: "h", Port: 1}, []string{filepath.Join("a", "b")}, WithOpener(nil))
	require.Error(t, err)
}

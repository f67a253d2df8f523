package engine

import (
	"sync/atomic"
)

// Metrics contains atomic counters of one run.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// FramesReceived indicates the number of non-empty reads by the runner.
	FramesReceived atomic.Uint64
	// FramesForwarded indicates the number of frames forwarded while streaming.
	FramesForwarded atomic.Uint64
	// BytesSent indicates the number of payload bytes written to the connection.
	BytesSent atomic.Uint64
	// SendErrCount indicates the number of failed connection writes.
	SendErrCount atomic.Uint64
	// RecvErrCount indicates the number of failed connection reads.
	RecvErrCount atomic.Uint64
	// UnexpectedMsgCount indicates the number of discarded unexpected messages.
	UnexpectedMsgCount atomic.Uint64

	// CommandCount indicates the number of commands sent.
	CommandCount atomic.Uint64
	// MatchCount indicates the number of replies equal to expect_exact.
	MatchCount atomic.Uint64
	// PrefixMatchCount indicates the number of replies matching only expect_prefix.
	PrefixMatchCount atomic.Uint64
	// TimeoutCount indicates the number of commands whose wait timed out.
	TimeoutCount atomic.Uint64
	// ScenarioSkipCount indicates the number of skipped scenario files.
	ScenarioSkipCount atomic.Uint64
	// AbortCount indicates the number of aborted runs.
	AbortCount atomic.Uint64
}

func (m *Metrics) incFramesReceived() {
	m.FramesReceived.Add(1)
}

func (m *Metrics) incFramesForwarded() {
	m.FramesForwarded.Add(1)
}

func (m *Metrics) addBytesSent(n int) {
	m.BytesSent.Add(uint64(n)) //nolint:gosec // n is a payload length
}

func (m *Metrics) incSendErrCount() {
	m.SendErrCount.Add(1)
}

func (m *Metrics) incRecvErrCount() {
	m.RecvErrCount.Add(1)
}

func (m *Metrics) incUnexpectedMsgCount() {
	m.UnexpectedMsgCount.Add(1)
}

func (m *Metrics) incCommandCount() {
	m.CommandCount.Add(1)
}

func (m *Metrics) incMatchCount() {
	m.MatchCount.Add(1)
}

func (m *Metrics) incPrefixMatchCount() {
	m.PrefixMatchCount.Add(1)
}

func (m *Metrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *Metrics) incScenarioSkipCount() {
	m.ScenarioSkipCount.Add(1)
}

func (m *Metrics) incAbortCount() {
	m.AbortCount.Add(1)
}

// KeyValues returns the counters as logger key/value pairs.
func (m *Metrics) KeyValues() []any {
	return []any{
		"frames_received", m.FramesReceived.Load(),
		"frames_forwarded", m.FramesForwarded.Load(),
		"bytes_sent", m.BytesSent.Load(),
		"send_errors", m.SendErrCount.Load(),
		"receive_errors", m.RecvErrCount.Load(),
		"unexpected_messages", m.UnexpectedMsgCount.Load(),
		"commands", m.CommandCount.Load(),
		"matches", m.MatchCount.Load(),
		"prefix_matches", m.PrefixMatchCount.Load(),
		"timeouts", m.TimeoutCount.Load(),
		"scenarios_skipped", m.ScenarioSkipCount.Load(),
		"aborted", m.AbortCount.Load(),
	}
}

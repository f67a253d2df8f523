// Package report records per-command results of a run.
package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outcome is the result of one executed command or skipped scenario.
type Outcome string

const (
	OutcomeSent          Outcome = "sent"
	OutcomeMatched       Outcome = "matched"
	OutcomePrefixMatched Outcome = "prefix_matched"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeAborted       Outcome = "aborted"
	OutcomeSkipped       Outcome = "skipped"
)

// Result is one line of the results file.
type Result struct {
	RunID       string        `json:"run_id"`
	Scenario    string        `json:"scenario"`
	Index       int           `json:"index"`
	Description string        `json:"description,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Sent        []byte        `json:"sent,omitempty"`
	Response    string        `json:"response,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Time        time.Time     `json:"time"`
	Reason      string        `json:"reason,omitempty"`
}

// Recorder receives results as they are produced.
type Recorder interface {
	Record(r Result) error
	Close() error
}

type discard struct{}

func (discard) Record(Result) error { return nil }
func (discard) Close() error        { return nil }

// Discard drops every result.
var Discard Recorder = discard{}

// FileRecorder writes results as JSON lines. The file is created by the
// first Record, so a run that produces no result leaves nothing behind.
type FileRecorder struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	enc    *json.Encoder
	closed bool
}

// NewFileRecorder creates dir if needed. Results go to
// <dir>/run-<runID>.jsonl.
func NewFileRecorder(dir string, runID string) (*FileRecorder, error) {
	if runID == "" {
		return nil, errors.New("report: empty run id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create results directory: %w", err)
	}

	return &FileRecorder{path: filepath.Join(dir, "run-"+runID+".jsonl")}, nil
}

// Path returns the results file path.
func (r *FileRecorder) Path() string {
	return r.path
}

// Record appends res and flushes it to the file.
func (r *FileRecorder) Record(res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return os.ErrClosed
	}
	if r.file == nil {
		f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("report: open results file: %w", err)
		}
		r.file = f
		r.w = bufio.NewWriter(f)
		r.enc = json.NewEncoder(r.w)
	}
	if err := r.enc.Encode(res); err != nil {
		return err
	}

	return r.w.Flush()
}

// Close flushes and closes the file. Further calls are no-ops.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file == nil {
		return nil
	}

	flushErr := r.w.Flush()
	closeErr := r.file.Close()
	r.file = nil

	return errors.Join(flushErr, closeErr)
}

// MemoryRecorder keeps results in memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	results []Result
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)

	return nil
}

func (r *MemoryRecorder) Close() error { return nil }

// Results returns a copy of the recorded results.
func (r *MemoryRecorder) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Result, len(r.results))
	copy(out, r.results)

	return out
}

// Outcomes returns the recorded outcomes in order.
func (r *MemoryRecorder) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Outcome, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res.Outcome)
	}

	return out
}

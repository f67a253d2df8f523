package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/arloliu/go-scenario/bus"
	"github.com/arloliu/go-scenario/internal/pool"
	"github.com/arloliu/go-scenario/logger"
	"github.com/arloliu/go-scenario/report"
	"github.com/arloliu/go-scenario/scenario"
)

var (
	// ErrAborted is returned by Executor.Run when the run ended early.
	ErrAborted = errors.New("engine: run aborted")
	// ErrStopRequested is the abort cause when StopRunning reaches the executor.
	ErrStopRequested = bus.ErrStopRequested
)

// Executor plays scenario files against the runner.
//
// For every command it sleeps the command's delay, sends the payload
// followed by StartStream, and when a reply is expected waits for a frame
// starting with expect_prefix until the command's timeout elapses. A send or
// receive error reported by the runner aborts the whole run.
type Executor struct {
	ep        *bus.Endpoint
	scenarios []string
	logger    logger.Logger
	metrics   *Metrics
	recorder  report.Recorder
	runID     string
	settle    time.Duration

	// result of the last fire-and-forget command, held until the runner
	// has either written it or reported the write failure
	pending  *report.Result
	stopOnce sync.Once
}

// NewExecutor creates an Executor that plays scenarios, in order, over ep.
func NewExecutor(ep *bus.Endpoint, scenarios []string, opts ...Option) (*Executor, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}

	return newExecutor(ep, scenarios, o), nil
}

func newExecutor(ep *bus.Endpoint, scenarios []string, o *options) *Executor {
	return &Executor{
		ep:        ep,
		scenarios: scenarios,
		logger:    o.logger.With("role", string(RoleExecutor)),
		metrics:   o.metrics,
		recorder:  o.recorder,
		runID:     o.runID,
		settle:    o.settleTimeout,
	}
}

// Run plays every scenario and returns once all are done or the run is
// aborted, in which case the error wraps ErrAborted. Either way the runner
// is sent StopRunning before Run returns.
//
// When the last command played is fire-and-forget, Run waits until the
// runner closes its endpoint (or the settle timeout elapses) so a failed
// final write is still reported as an abort.
func (e *Executor) Run(ctx context.Context) error {
	defer e.StopRunner()

	err := e.play(ctx)
	e.StopRunner()
	if err == nil {
		err = e.settlePending(ctx)
	}
	e.flushPending()

	if err != nil {
		e.metrics.incAbortCount()
		e.logger.Error("run aborted", "error", err)

		return err
	}

	e.logger.Info("all scenarios processed", "count", len(e.scenarios))

	return nil
}

func (e *Executor) play(ctx context.Context) error {
	for _, path := range e.scenarios {
		if err := e.runScenario(ctx, path); err != nil {
			return err
		}
	}

	return nil
}

// StopRunner sends StopRunning to the runner. Only the first call sends.
func (e *Executor) StopRunner() {
	e.stopOnce.Do(func() {
		if err := e.ep.Send(bus.StopRunning{}); err != nil {
			e.logger.Warn("failed to stop runner", "error", err)
		}
	})
}

func (e *Executor) runScenario(ctx context.Context, path string) error {
	log := e.logger.With("scenario", path)

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		reason := "not a regular file"
		if err != nil {
			reason = err.Error()
		}
		log.Warn("skipping scenario", "reason", reason)
		e.skip(path, reason)

		return nil
	}

	sc, err := scenario.ParseFile(path)
	if err != nil {
		log.Warn("skipping scenario", "reason", err.Error())
		e.skip(path, err.Error())

		return nil
	}

	log.Info("scenario started", "commands", sc.Len())
	start := time.Now()

	for i := range sc.Commands {
		if err := e.runCommand(ctx, log.With("command", i), path, i, &sc.Commands[i]); err != nil {
			return err
		}
	}

	log.Info("scenario finished", "elapsed", time.Since(start))

	return nil
}

func (e *Executor) runCommand(ctx context.Context, log logger.Logger, path string, index int, cmd *scenario.Command) error {
	res := report.Result{
		Scenario:    path,
		Index:       index,
		Description: cmd.Description,
		Sent:        cmd.Payload(),
	}

	if err := pool.Sleep(ctx, cmd.Delay); err != nil {
		return e.abort(res, time.Now(), err)
	}

	// errors reported since the previous command end the run before sending
	if msg := e.drain(log); msg != nil {
		return e.fatal(res, time.Now(), msg)
	}

	start := time.Now()
	msgs := make([]bus.Message, 0, 2)
	if cmd.Send != nil {
		msgs = append(msgs, bus.SendData{Payload: cmd.Payload()})
	}
	msgs = append(msgs, bus.StartStream{})

	if err := e.ep.SendAll(msgs...); err != nil {
		return e.abort(res, start, err)
	}
	e.metrics.incCommandCount()
	log.Debug("command sent", "description", cmd.Description, "length", len(res.Sent))

	if !cmd.ExpectsReply() {
		e.stopStream(log)
		res.Outcome = report.OutcomeSent
		e.hold(res, start)

		return nil
	}

	outcome, last, err := e.await(ctx, log, cmd)
	e.stopStream(log)

	if err != nil {
		return e.abort(res, start, err)
	}
	if bus.IsFatal(last) {
		return e.fatal(res, start, last)
	}
	if m, ok := last.(bus.DataReceived); ok {
		res.Response = string(m.Payload)
	}
	res.Outcome = outcome
	e.record(res, start)

	return nil
}

// await waits for a reply to cmd and returns the message that ended the
// wait: the matching frame, a fatal message, or nil on timeout. The
// remaining budget is recomputed from the command's timeout on every receive.
func (e *Executor) await(ctx context.Context, log logger.Logger, cmd *scenario.Command) (report.Outcome, bus.Message, error) {
	deadline := time.Now().Add(cmd.Timeout)

	for {
		msg, err := e.ep.ReceiveTimeout(ctx, time.Until(deadline))
		if errors.Is(err, bus.ErrTimeout) {
			e.metrics.incTimeoutCount()
			log.Warn("timed out waiting for reply", "expect_prefix", string(cmd.ExpectPrefix), "timeout", cmd.Timeout)

			return report.OutcomeTimeout, nil, nil
		}
		if err != nil {
			return report.OutcomeAborted, nil, err
		}

		if bus.IsFatal(msg) {
			return report.OutcomeAborted, msg, nil
		}

		switch m := msg.(type) {
		case bus.DataReceived:
			switch cmd.Match(m.Payload) {
			case scenario.ExactMatch:
				e.metrics.incMatchCount()
				log.Info("reply matched", "response", string(m.Payload))

				return report.OutcomeMatched, m, nil
			case scenario.PrefixMatch:
				e.metrics.incPrefixMatchCount()
				log.Warn("reply matched prefix only",
					"response", string(m.Payload), "expect_exact", string(cmd.ExpectExact))

				return report.OutcomePrefixMatched, m, nil
			default:
				log.Debug("ignoring frame", "payload", string(m.Payload))
			}

		default:
			e.metrics.incUnexpectedMsgCount()
			log.Warn("unexpected message, discarded", "msg", msg.String())
		}
	}
}

// drain discards stale frames queued while no command was waiting and
// returns the first fatal message found.
func (e *Executor) drain(log logger.Logger) bus.Message {
	for _, msg := range e.ep.TryReceiveAll() {
		if bus.IsFatal(msg) {
			return msg
		}

		switch m := msg.(type) {
		case bus.DataReceived:
			log.Debug("discarding stale frame", "payload", string(m.Payload))
		default:
			e.metrics.incUnexpectedMsgCount()
			log.Warn("unexpected message, discarded", "msg", msg.String())
		}
	}

	return nil
}

func (e *Executor) stopStream(log logger.Logger) {
	if err := e.ep.Send(bus.StopStream{}); err != nil {
		log.Warn("failed to stop streaming", "error", err)
	}
}

func (e *Executor) abort(res report.Result, start time.Time, cause error) error {
	res.Outcome = report.OutcomeAborted
	res.Reason = cause.Error()
	e.record(res, start)

	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

// fatal aborts the run on a fatal message from the runner. The runner
// handles commands in order, so a failed write belongs to the held
// fire-and-forget result when there is one.
func (e *Executor) fatal(res report.Result, start time.Time, msg bus.Message) error {
	cause := bus.FatalError(msg)
	if _, failedWrite := msg.(bus.SendError); failedWrite && e.pending != nil {
		return e.abortPending(cause)
	}

	return e.abort(res, start, cause)
}

func (e *Executor) skip(path string, reason string) {
	e.metrics.incScenarioSkipCount()
	e.record(report.Result{Scenario: path, Outcome: report.OutcomeSkipped, Reason: reason}, time.Now())
}

// settlePending waits for the runner to finish after StopRunning when the
// last command's write is unconfirmed.
func (e *Executor) settlePending(ctx context.Context) error {
	if e.pending == nil {
		return nil
	}

	deadline := time.Now().Add(e.settle)
	for {
		msg, err := e.ep.ReceiveTimeout(ctx, time.Until(deadline))
		if errors.Is(err, bus.ErrTimeout) {
			e.logger.Warn("runner did not stop in time, last write unconfirmed", "settle_timeout", e.settle)
			return nil
		}
		if err != nil {
			// peer closed, endpoint closed or ctx done: nothing more will arrive
			return nil
		}

		if m, ok := msg.(bus.SendError); ok {
			return e.abortPending(bus.FatalError(m))
		}
	}
}

// hold keeps a fire-and-forget result until the next recorded result or
// the end of the run.
func (e *Executor) hold(res report.Result, start time.Time) {
	e.flushPending()

	e.fill(&res, start)
	e.pending = &res
}

func (e *Executor) flushPending() {
	if e.pending == nil {
		return
	}

	res := *e.pending
	e.pending = nil
	e.write(res)
}

func (e *Executor) abortPending(cause error) error {
	res := *e.pending
	e.pending = nil

	res.Outcome = report.OutcomeAborted
	res.Reason = cause.Error()
	e.write(res)

	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

func (e *Executor) record(res report.Result, start time.Time) {
	e.flushPending()

	e.fill(&res, start)
	e.write(res)
}

func (e *Executor) fill(res *report.Result, start time.Time) {
	res.RunID = e.runID
	res.Time = start
	res.Elapsed = time.Since(start)
}

func (e *Executor) write(res report.Result) {
	if err := e.recorder.Record(res); err != nil {
		e.logger.Warn("failed to record result", "scenario", res.Scenario, "index", res.Index, "error", err)
	}
}

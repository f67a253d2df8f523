// Package engine runs scenarios against a device.
//
// A run has two roles connected by one bus.Endpoint pair: the Runner owns
// the connection and relays frames, the Executor plays scenario files and
// matches replies. The Coordinator opens the connection, starts both roles
// and joins them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-scenario/bus"
	"github.com/arloliu/go-scenario/connection"
	"github.com/arloliu/go-scenario/internal/task"
	"github.com/arloliu/go-scenario/logger"
)

// ErrAlreadyRunning is returned when Run is called on a Coordinator that is running.
var ErrAlreadyRunning = errors.New("engine: coordinator already running")

// Role identifies one side of the bus.
type Role string

const (
	RoleRunner   Role = "runner"
	RoleExecutor Role = "executor"
)

// Coordinator wires a Runner and an Executor together for one run.
type Coordinator struct {
	target    connection.Target
	scenarios []string
	opts      *options
	logger    logger.Logger
	metrics   *Metrics
	registry  *xsync.MapOf[Role, *bus.Endpoint]
	running   atomic.Bool
}

// NewCoordinator creates a Coordinator that will open target and play scenarios in order.
func NewCoordinator(target connection.Target, scenarios []string, opts ...Option) (*Coordinator, error) {
	if target == nil {
		return nil, errors.New("engine: nil connection target")
	}

	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}

	l := o.logger
	if o.runID != "" {
		l = l.With("run_id", o.runID)
		o.logger = l
	}

	return &Coordinator{
		target:    target,
		scenarios: scenarios,
		opts:      o,
		logger:    l.With("role", "coordinator"),
		metrics:   o.metrics,
		registry:  xsync.NewMapOf[Role, *bus.Endpoint](),
	}, nil
}

// GetMetrics returns the counters of the run.
func (c *Coordinator) GetMetrics() *Metrics {
	return c.metrics
}

// Endpoint returns the bus endpoint held by role while a run is in progress.
func (c *Coordinator) Endpoint(role Role) (*bus.Endpoint, bool) {
	return c.registry.Load(role)
}

// Run opens the connection, runs both roles and waits for them to return.
//
// An open failure wraps connection.ErrOpen and no role is started. A run
// that ended early wraps ErrAborted. Cancelling ctx asks both roles to stop;
// Run still returns only after both have.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.logger.Info("opening connection", "target", c.target.String())
	conn, err := c.opts.open(ctx, c.target, c.opts.connOpts...)
	if err != nil {
		c.logger.Error("failed to open connection", "target", c.target.String(), "error", err)
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.logger.Warn("failed to close connection", "error", err)
		}
	}()

	runnerEP, executorEP := bus.NewPair(string(RoleRunner), string(RoleExecutor))
	c.registry.Store(RoleRunner, runnerEP)
	c.registry.Store(RoleExecutor, executorEP)
	defer c.registry.Clear()

	runner := newRunner(conn, runnerEP, c.opts)
	executor := newExecutor(executorEP, c.scenarios, c.opts)

	// roles stop cooperatively through StopRunning, not through cancellation
	mgr := task.NewManager(context.WithoutCancel(ctx), c.logger)
	stopOnCancel := context.AfterFunc(ctx, func() {
		c.logger.Warn("run cancelled, stopping roles", "cause", context.Cause(ctx))
		c.stopAll()
	})
	defer stopOnCancel()

	start := time.Now()
	runnerCtx := mgr.Context()
	err = mgr.StartLoop(string(RoleRunner), func() bool { return runner.Cycle(runnerCtx) }, func(_ string, panicked bool) {
		if panicked {
			c.stop(RoleExecutor)
		}
		// tells the executor nothing more will arrive
		runnerEP.Close()
	})
	if err != nil {
		mgr.Stop()
		mgr.Wait()

		return fmt.Errorf("engine: start runner: %w", err)
	}

	var runErr error
	err = mgr.Start(string(RoleExecutor), func(context.Context) {
		runErr = executor.Run(ctx)
	}, func(_ string, panicked bool) {
		if panicked {
			runErr = fmt.Errorf("%w: executor panicked", ErrAborted)
			executor.StopRunner()
		}
	})
	if err != nil {
		c.stop(RoleRunner)
		mgr.Wait()

		return fmt.Errorf("engine: start executor: %w", err)
	}

	mgr.Wait()

	c.logger.Info("run finished", append([]any{"elapsed", time.Since(start)}, c.metrics.KeyValues()...)...)

	return runErr
}

// stop delivers StopRunning to role.
func (c *Coordinator) stop(role Role) {
	ep, ok := c.registry.Load(role)
	if !ok {
		return
	}
	if err := ep.Deliver(bus.StopRunning{}); err != nil {
		c.logger.Warn("failed to stop role", "role", string(role), "error", err)
	}
}

// stopAll delivers StopRunning to every registered role.
func (c *Coordinator) stopAll() {
	c.registry.Range(func(role Role, _ *bus.Endpoint) bool {
		c.stop(role)
		return true
	})
}

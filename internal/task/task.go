// Package task manages the goroutines that run the scenario roles.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-scenario/logger"
)

// startTimeout bounds how long Start waits for a goroutine to report that it is running.
const startTimeout = 5 * time.Second

// LoopFunc is one iteration of a looping task.
// It should return true to continue running the task, or false to stop the goroutine.
type LoopFunc func() bool

// RunFunc is the body of a one-shot task. ctx is cancelled by Manager.Stop.
type RunFunc func(ctx context.Context)

// ExitFunc is called when a goroutine managed by the Manager exits, whether
// it returned normally, was cancelled or panicked.
type ExitFunc func(name string, panicked bool)

// Manager manages the lifecycle of goroutines (tasks).
// It provides a structured way to start, stop, and wait for goroutines, ensuring proper
// cancellation and resource cleanup.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//
//	// a loop task
//	mgr.StartLoop("runner", runner.Cycle, nil)
//
//	// a one-shot task
//	mgr.Start("executor", executor.Run, nil)
//
//	// join both
//	mgr.Wait()
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a new Manager with the given context as the parent context and logger.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context handed to tasks. It is cancelled by Stop.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// StartLoop starts a new goroutine that calls loopFunc until it returns false
// or the manager is stopped.
func (mgr *Manager) StartLoop(name string, loopFunc LoopFunc, onExit ExitFunc) error {
	mgr.logger.Debug("start loop task", "name", name)

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		return err
	}

	ctx := mgr.Context()
	starter.startTask(onExit, func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !loopFunc() {
					return
				}
			}
		}
	})

	return starter.waitForStart()
}

// Start starts a new goroutine that runs runFunc once.
func (mgr *Manager) Start(name string, runFunc RunFunc, onExit ExitFunc) error {
	mgr.logger.Debug("start task", "name", name)

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		return err
	}

	ctx := mgr.Context()
	starter.startTask(onExit, func() {
		runFunc(ctx)
	})

	return starter.waitForStart()
}

// Stop signals all running goroutines by cancelling their context.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	// recreate context so the manager can be reused
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

// taskStarter encapsulates common startup logic
type taskStarter struct {
	mgr     *Manager
	name    string
	started chan struct{}
}

func (mgr *Manager) newTaskStarter(name string) (*taskStarter, error) {
	select {
	case <-mgr.Context().Done():
		return nil, fmt.Errorf("task manager already stopped, cannot start %s", name)
	default:
	}

	return &taskStarter{
		mgr:     mgr,
		name:    name,
		started: make(chan struct{}),
	}, nil
}

// startTask runs the common startup sequence for all tasks
func (s *taskStarter) startTask(onExit ExitFunc, taskBody func()) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)
	s.mgr.count.Add(1)

	go func() {
		defer s.mgr.wg.Done()

		panicked := false
		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug(s.name+" task terminated", "task_count", s.mgr.TaskCount(), "panicked", panicked)
			if onExit != nil {
				onExit(s.name, panicked)
			}
		}()

		defer func() {
			if r := recover(); r != nil {
				panicked = true
				s.mgr.logger.Error("panic in task", "name", s.name, "panic", r)
			}
		}()

		close(s.started)
		taskBody()
	}()
}

// waitForStart waits for the task goroutine to be scheduled.
func (s *taskStarter) waitForStart() error {
	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	select {
	case <-s.started:
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout waiting for %s to start", s.name)
	}
}

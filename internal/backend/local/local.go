// Package local runs tasks as in-process workers bounded by a configured
// concurrency, the single multi-core machine substrate.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/seqmr/seqmr/internal/backend"
	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/internal/runner"
	"github.com/seqmr/seqmr/internal/shared/config"
	"github.com/seqmr/seqmr/internal/shared/logging"
)

type Local struct {
	fsys    fs.FileSystem
	workers int
	slots   chan struct{}
	logger  logging.Logger

	mu    sync.Mutex
	tasks map[backend.Handle]*execution
}

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
	status backend.Status
}

func New(cfg config.LocalConfig, fsys fs.FileSystem, logger logging.Logger) *Local {
	return &Local{
		fsys:    fsys,
		workers: cfg.Workers,
		slots:   make(chan struct{}, cfg.Workers),
		logger:  logger,
		tasks:   make(map[backend.Handle]*execution),
	}
}

func (l *Local) Capacity() int {
	return l.workers
}

func (l *Local) Submit(ctx context.Context, spec *backend.TaskSpec) (backend.Handle, error) {
	handle := backend.Handle(spec.ID())

	// The execution outlives the submission call; cancellation flows
	// through Cancel, not through the caller's context.
	execCtx, cancel := context.WithCancel(context.Background())
	exec := &execution{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	if _, exists := l.tasks[handle]; exists {
		l.mu.Unlock()
		cancel()
		return "", fmt.Errorf("task attempt %s already submitted", spec.ID())
	}
	l.tasks[handle] = exec
	l.mu.Unlock()

	go func() {
		defer close(exec.done)
		defer cancel()

		select {
		case l.slots <- struct{}{}:
			defer func() { <-l.slots }()
		case <-execCtx.Done():
			l.finish(handle, backend.Status{State: backend.StateFailed, Reason: "cancelled before start"})
			return
		}

		l.logger.Debug("Executing task", "task_id", spec.ID(), "stage", spec.StageName)
		outcome := runner.Execute(execCtx, l.fsys, spec)
		if outcome.Succeeded {
			l.finish(handle, backend.Status{State: backend.StateSucceeded})
		} else {
			l.finish(handle, backend.Status{State: backend.StateFailed, Reason: outcome.Reason})
		}
	}()

	return handle, nil
}

func (l *Local) finish(handle backend.Handle, status backend.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exec, ok := l.tasks[handle]; ok {
		exec.status = status
	}
}

func (l *Local) Poll(_ context.Context, handle backend.Handle) (backend.Status, error) {
	l.mu.Lock()
	exec, ok := l.tasks[handle]
	l.mu.Unlock()
	if !ok {
		return backend.Status{}, fmt.Errorf("unknown task handle %s", handle)
	}

	select {
	case <-exec.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return exec.status, nil
	default:
		return backend.Status{State: backend.StateRunning}, nil
	}
}

func (l *Local) Cancel(_ context.Context, handle backend.Handle) error {
	l.mu.Lock()
	exec, ok := l.tasks[handle]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task handle %s", handle)
	}
	exec.cancel()
	return nil
}

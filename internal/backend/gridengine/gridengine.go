// Package gridengine submits tasks to a Grid-Engine-style cluster
// scheduler. Each task becomes one batch job running the worker binary;
// completion is detected through an exit-marker file the job script writes
// on the shared filesystem, with the scheduler's accounting consulted only
// to notice jobs that vanished without reporting.
package gridengine

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/seqmr/seqmr/internal/backend"
	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/internal/shared/config"
	"github.com/seqmr/seqmr/internal/shared/logging"
)

type GridEngine struct {
	cfg    config.GridEngineConfig
	fsys   fs.FileSystem
	logger logging.Logger

	mu   sync.Mutex
	jobs map[backend.Handle]*schedulerJob
}

type schedulerJob struct {
	jobID  string
	marker string
	log    string
}

// New builds the adapter. The workroot must be a path on the filesystem
// the scheduler's execution hosts share with the submitting machine.
func New(cfg config.GridEngineConfig, fsys fs.FileSystem, logger logging.Logger) (*GridEngine, error) {
	if _, ok := fsys.(*fs.Local); !ok {
		return nil, fmt.Errorf("gridengine backend requires a shared-filesystem working storage root")
	}
	return &GridEngine{
		cfg:    cfg,
		fsys:   fsys,
		logger: logger,
		jobs:   make(map[backend.Handle]*schedulerJob),
	}, nil
}

func (g *GridEngine) Capacity() int {
	return g.cfg.Slots
}

func (g *GridEngine) Submit(ctx context.Context, spec *backend.TaskSpec) (backend.Handle, error) {
	specPath, err := backend.WriteSpec(ctx, g.fsys, spec)
	if err != nil {
		return "", err
	}

	layout := fs.NewLayout(spec.RunID)
	marker := layout.ExitMarkerFile(spec.ID())
	logPath := layout.LogFile(spec.ID())
	scriptPath := layout.ScriptFile(spec.ID())

	script := g.jobScript(spec, specPath, marker, logPath)
	if err := fs.WriteFile(ctx, g.fsys, scriptPath, []byte(script)); err != nil {
		return "", fmt.Errorf("writing job script: %w", err)
	}

	var jobID string
	err = backend.Retry(ctx, backend.DefaultTransientAttempts, func() error {
		out, err := exec.CommandContext(ctx, g.cfg.QsubPath, "-terse", g.abs(scriptPath)).Output()
		if err != nil {
			g.logger.Warn("qsub failed, retrying", "task_id", spec.ID(), "error", err)
			return fmt.Errorf("qsub: %w", err)
		}
		jobID = parseJobID(string(out))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("submitting task %s to scheduler: %w", spec.ID(), err)
	}

	handle := backend.Handle(spec.ID())
	g.mu.Lock()
	g.jobs[handle] = &schedulerJob{jobID: jobID, marker: marker, log: logPath}
	g.mu.Unlock()

	g.logger.Debug("Task queued on scheduler", "task_id", spec.ID(), "scheduler_job", jobID)
	return handle, nil
}

// jobScript wraps the worker invocation so the exit status lands in the
// marker file atomically whatever happens to the worker.
func (g *GridEngine) jobScript(spec *backend.TaskSpec, specPath, marker, logPath string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "#$ -N smr-%s\n", spec.ID())
	fmt.Fprintf(&b, "#$ -o %s\n", g.abs(logPath))
	b.WriteString("#$ -j y\n")
	if g.cfg.Queue != "" {
		fmt.Fprintf(&b, "#$ -q %s\n", g.cfg.Queue)
	}
	b.WriteString("rc=0\n")
	fmt.Fprintf(&b, "%s || rc=$?\n",
		strings.Join(backend.WorkerArgs(g.cfg.WorkerBinary, g.fsys.Root(), specPath), " "))
	abs := g.abs(marker)
	fmt.Fprintf(&b, "printf '%%s' \"$rc\" > %s.tmp && mv %s.tmp %s\n", abs, abs, abs)
	b.WriteString("exit $rc\n")
	return b.String()
}

func (g *GridEngine) abs(name string) string {
	return filepath.Join(g.fsys.Root(), filepath.FromSlash(name))
}

func (g *GridEngine) Poll(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	job, err := g.lookup(handle)
	if err != nil {
		return backend.Status{}, err
	}

	status, done, err := g.readMarker(ctx, handle, job)
	if err != nil {
		return backend.Status{}, err
	}
	if done {
		return status, nil
	}

	// No marker yet: make sure the scheduler still knows the job.
	if err := exec.CommandContext(ctx, g.cfg.QstatPath, "-j", job.jobID).Run(); err != nil {
		// The job may have finished between the two checks.
		status, done, markerErr := g.readMarker(ctx, handle, job)
		if markerErr == nil && done {
			return status, nil
		}
		return backend.Status{
			State:  backend.StateFailed,
			Reason: fmt.Sprintf("scheduler no longer knows job %s and no exit marker was written", job.jobID),
		}, nil
	}
	return backend.Status{State: backend.StateRunning}, nil
}

func (g *GridEngine) readMarker(ctx context.Context, handle backend.Handle, job *schedulerJob) (backend.Status, bool, error) {
	exists, err := g.fsys.Exists(ctx, job.marker)
	if err != nil || !exists {
		return backend.Status{}, false, err
	}
	data, err := g.fsys.ReadFile(ctx, job.marker)
	if err != nil {
		return backend.Status{}, false, err
	}
	code := strings.TrimSpace(string(data))
	if code == "0" {
		return backend.Status{State: backend.StateSucceeded}, true, nil
	}
	reason := fmt.Sprintf("task exited with status %s", code)
	if tail := g.logTail(ctx, job); tail != "" {
		reason += ": " + tail
	}
	return backend.Status{State: backend.StateFailed, Reason: reason}, true, nil
}

// logTail pulls the last portion of the job's captured output for the
// failure report.
func (g *GridEngine) logTail(ctx context.Context, job *schedulerJob) string {
	data, err := g.fsys.ReadFile(ctx, job.log)
	if err != nil {
		return ""
	}
	const tailBytes = 2048
	if len(data) > tailBytes {
		data = data[len(data)-tailBytes:]
	}
	return strings.TrimSpace(string(data))
}

func (g *GridEngine) Cancel(ctx context.Context, handle backend.Handle) error {
	job, err := g.lookup(handle)
	if err != nil {
		return err
	}
	if err := exec.CommandContext(ctx, g.cfg.QdelPath, job.jobID).Run(); err != nil {
		return fmt.Errorf("qdel %s: %w", job.jobID, err)
	}
	return nil
}

func (g *GridEngine) lookup(handle backend.Handle) (*schedulerJob, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.jobs[handle]
	if !ok {
		return nil, fmt.Errorf("unknown task handle %s", handle)
	}
	return job, nil
}

// parseJobID extracts the numeric job id from qsub -terse output, which is
// either the id alone or id.range for array jobs.
func parseJobID(out string) string {
	id := strings.TrimSpace(out)
	if i := strings.IndexByte(id, '.'); i >= 0 {
		id = id[:i]
	}
	return id
}

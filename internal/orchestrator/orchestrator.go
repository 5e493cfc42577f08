// Package orchestrator owns the stage chain of a job: it derives task
// sets, submits them to the selected backend, enforces the barrier
// between map and reduce stages, drives retries, and tracks progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seqmr/seqmr/internal/backend"
	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/internal/runner"
	"github.com/seqmr/seqmr/internal/shared/logging"
	"github.com/seqmr/seqmr/pkg/codec"
	"github.com/seqmr/seqmr/pkg/core"
)

// maxPollFailures bounds consecutive backend poll errors per task before
// the attempt is written off as failed.
const maxPollFailures = 5

type Orchestrator struct {
	backend backend.Backend
	fsys    fs.FileSystem
	logger  logging.Logger
}

func New(b backend.Backend, fsys fs.FileSystem, logger logging.Logger) *Orchestrator {
	return &Orchestrator{backend: b, fsys: fsys, logger: logger}
}

// Run executes the whole job. The returned result is non-nil whenever the
// job got past configuration checks, including on failure and
// cancellation; err classifies the terminal state.
func (o *Orchestrator) Run(ctx context.Context, job *Job) (*JobResult, error) {
	start := time.Now()

	if err := job.Pipeline.Validate(); err != nil {
		return nil, core.ConfigWrap(err, "invalid pipeline")
	}
	if len(job.Entries) == 0 {
		return nil, core.Configf("job has no manifest entries")
	}
	if job.MaxAttempts < 1 {
		return nil, core.Configf("retry budget must allow at least one attempt")
	}
	if o.backend.Capacity() < 1 {
		return nil, core.Configf("backend reports no task slots")
	}

	layout := fs.NewLayout(job.RunID.String())
	finalStage := job.Pipeline.Stages[len(job.Pipeline.Stages)-1]
	result := &JobResult{
		RunID:     job.RunID.String(),
		State:     JobStateRunning,
		Stages:    make([]StageStats, len(job.Pipeline.Stages)),
		OutputDir: layout.StageDir(finalStage.Name),
	}
	for i, stage := range job.Pipeline.Stages {
		result.Stages[i] = StageStats{Name: stage.Name, Kind: stage.Kind}
	}

	o.logger.Info("Starting job",
		"run_id", result.RunID,
		"pipeline", job.Pipeline.Name,
		"stages", len(job.Pipeline.Stages),
		"entries", len(job.Entries),
		"capacity", o.backend.Capacity(),
	)

	if err := o.writeInputPartitions(ctx, job, layout); err != nil {
		return nil, core.ConfigWrap(err, "materializing manifest input")
	}

	for i := range job.Pipeline.Stages {
		stage := job.Pipeline.Stages[i]
		tasks := o.buildTasks(job, layout, i)
		stats := &result.Stages[i]
		stats.Total = len(tasks)

		o.logger.Info("Starting stage", "run_id", result.RunID, "stage", stage.Name, "kind", stage.Kind, "tasks", len(tasks))

		if err := o.runStage(ctx, job, tasks, stats, result); err != nil {
			result.Elapsed = time.Since(start)
			if errors.Is(err, core.ErrCancelled) {
				result.State = JobStateCancelled
			} else {
				result.State = JobStateFailed
			}
			o.logger.Error("Job halted", "run_id", result.RunID, "stage", stage.Name, "state", result.State, "error", err)
			return result, err
		}

		if err := o.verifyStageOutputs(ctx, layout, stage, len(tasks)); err != nil {
			result.Elapsed = time.Since(start)
			result.State = JobStateFailed
			return result, err
		}
	}

	if !job.KeepIntermediates {
		o.cleanupIntermediates(ctx, job, layout)
	}

	result.State = JobStateSucceeded
	result.Elapsed = time.Since(start)
	o.logger.Info("Job succeeded",
		"run_id", result.RunID,
		"elapsed", result.Elapsed.String(),
		"cache_hits", result.CacheHits,
		"cache_misses", result.CacheMisses,
	)
	return result, nil
}

// ingestConcurrency bounds parallel manifest ingestion, which is mostly
// waiting on source downloads.
const ingestConcurrency = 8

// writeInputPartitions materializes the initial partition set from the
// manifest, one partition per entry, through the pipeline's ingest
// function.
func (o *Orchestrator) writeInputPartitions(ctx context.Context, job *Job, layout fs.Layout) error {
	ingest := job.Pipeline.Ingest
	if ingest == nil {
		ingest = func(url1, url2, label string, emit core.Emit) error {
			urls := url1
			if url2 != "" {
				urls += "\t" + url2
			}
			return emit(core.Record{Key: []byte(label), Value: []byte(urls)})
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)
	for i, entry := range job.Entries {
		i, entry := i, entry
		g.Go(func() error {
			w, err := o.fsys.Create(ctx, layout.InputPartitionFile(i))
			if err != nil {
				return err
			}
			cw := codec.NewWriter(w)
			err = ingest(entry.URL1, entry.URL2, entry.Label, func(rec core.Record) error {
				return cw.Write(rec)
			})
			if err == nil {
				err = cw.Flush()
			}
			if err != nil {
				w.Abort()
				return fmt.Errorf("ingesting manifest entry %s (line %d): %w", entry.Label, entry.Line, err)
			}
			return w.Commit()
		})
	}
	return g.Wait()
}

// buildTasks derives a stage's task set: the first stage gets one task
// per manifest entry; every later stage gets one task per output
// partition of the stage before it, reading that partition across all
// upstream tasks.
func (o *Orchestrator) buildTasks(job *Job, layout fs.Layout, stageIndex int) []*Task {
	stage := job.Pipeline.Stages[stageIndex]

	var numTasks int
	inputsFor := func(task int) []string {
		if stageIndex == 0 {
			return []string{layout.InputPartitionFile(task)}
		}
		prev := job.Pipeline.Stages[stageIndex-1]
		return []string{layout.PartitionGlob(prev.Name, task)}
	}
	if stageIndex == 0 {
		numTasks = len(job.Entries)
	} else {
		numTasks = job.Pipeline.Stages[stageIndex-1].NumPartitions
	}

	tasks := make([]*Task, 0, numTasks)
	for t := 0; t < numTasks; t++ {
		tasks = append(tasks, &Task{
			ID:    uuid.New(),
			State: TaskStatePending,
			Spec: backend.TaskSpec{
				RunID:               job.RunID.String(),
				Pipeline:            job.Pipeline.Name,
				StageIndex:          stageIndex,
				StageName:           stage.Name,
				Kind:                stage.Kind,
				TaskIndex:           t,
				Attempt:             1,
				InputPaths:          inputsFor(t),
				OutputDir:           layout.TaskDir(stage.Name, t),
				NumOutputPartitions: stage.NumPartitions,
				Dedupe:              stage.Dedupe,
				CacheDir:            layout.CacheDir(),
				Workroot:            o.fsys.Root(),
			},
		})
	}
	return tasks
}

// runStage drives one stage to completion: all tasks succeeded, or a task
// exhausted its retry budget, or the job was cancelled. This is the only
// place that waits on multiple tasks; the barrier between stages is this
// function returning.
func (o *Orchestrator) runStage(ctx context.Context, job *Job, tasks []*Task, stats *StageStats, result *JobResult) error {
	pending := make([]*Task, len(tasks))
	copy(pending, tasks)
	inflight := make(map[backend.Handle]*Task)

	ticker := time.NewTicker(job.PollInterval)
	defer ticker.Stop()

	var stageErr error

	for {
		// Submit while slots and work remain; a stage failure stops new
		// submissions but lets in-flight attempts run to completion.
		for stageErr == nil && len(pending) > 0 && len(inflight) < o.backend.Capacity() {
			task := pending[0]
			pending = pending[1:]
			o.submit(ctx, job, task, stats, &inflight, &pending)
			if stageErr == nil && task.State == TaskStateFailed {
				stageErr = o.taskFailure(task, stats, result)
			}
		}

		if len(inflight) == 0 && (stageErr != nil || len(pending) == 0) {
			return stageErr
		}

		select {
		case <-ctx.Done():
			o.cancelInflight(inflight, stats)
			return core.ErrCancelled
		case <-ticker.C:
		}

		for handle, task := range inflight {
			status, err := o.backend.Poll(ctx, handle)
			if err != nil {
				task.pollFailures++
				o.logger.Warn("Poll failed", "task_id", task.Spec.ID(), "failures", task.pollFailures, "error", err)
				if task.pollFailures < maxPollFailures {
					continue
				}
				status = backend.Status{State: backend.StateFailed, Reason: fmt.Sprintf("lost contact with backend: %v", err)}
			}
			task.pollFailures = 0

			switch status.State {
			case backend.StateRunning:
			case backend.StateSucceeded:
				delete(inflight, handle)
				o.completeTask(ctx, job, task, stats, result)
			case backend.StateFailed:
				delete(inflight, handle)
				task.Reason = status.Reason
				if task.Spec.Attempt < job.MaxAttempts {
					task.State = TaskStateRetrying
					stats.Retried++
					o.logger.Warn("Retrying task",
						"task_id", task.Spec.ID(),
						"attempt", task.Spec.Attempt,
						"max_attempts", job.MaxAttempts,
						"reason", status.Reason,
					)
					task.Spec.Attempt++
					if stageErr == nil {
						pending = append(pending, task)
					}
				} else {
					task.State = TaskStateFailed
					if stageErr == nil {
						stageErr = o.taskFailure(task, stats, result)
					} else {
						stats.Failed++
					}
				}
			}
		}
	}
}

func (o *Orchestrator) submit(ctx context.Context, job *Job, task *Task, stats *StageStats, inflight *map[backend.Handle]*Task, pending *[]*Task) {
	handle, err := o.backend.Submit(ctx, &task.Spec)
	if err != nil {
		task.Reason = fmt.Sprintf("submission failed: %v", err)
		if task.Spec.Attempt < job.MaxAttempts {
			o.logger.Warn("Resubmitting task after submission failure", "task_id", task.Spec.ID(), "error", err)
			task.State = TaskStateRetrying
			stats.Retried++
			task.Spec.Attempt++
			*pending = append(*pending, task)
		} else {
			task.State = TaskStateFailed
		}
		return
	}

	now := time.Now().UTC()
	task.StartedAt = &now
	task.Handle = handle
	task.State = TaskStateRunning
	stats.Submitted++
	(*inflight)[handle] = task
}

func (o *Orchestrator) completeTask(ctx context.Context, job *Job, task *Task, stats *StageStats, result *JobResult) {
	now := time.Now().UTC()
	task.EndedAt = &now
	task.State = TaskStateSucceeded
	stats.Succeeded++

	// The runner's persisted report carries the dedupe counters and
	// record counts regardless of which backend ran the attempt.
	outcome, err := runner.ReadOutcome(ctx, o.fsys, task.Spec.RunID, task.Spec.StageName, task.Spec.TaskIndex, task.Spec.Attempt)
	if err == nil {
		result.CacheHits += outcome.CacheHits
		result.CacheMisses += outcome.CacheMisses
		result.CacheRaces += outcome.CacheRaces
		result.RecordsOut += outcome.RecordsOut
	} else {
		o.logger.Debug("No outcome report for task", "task_id", task.Spec.ID(), "error", err)
	}

	o.logger.Info("Stage progress",
		"run_id", task.Spec.RunID,
		"stage", stats.Name,
		"completed", stats.Succeeded,
		"total", stats.Total,
	)
}

func (o *Orchestrator) taskFailure(task *Task, stats *StageStats, result *JobResult) error {
	now := time.Now().UTC()
	task.EndedAt = &now
	stats.Failed++
	if result.FirstFailure == "" {
		result.FirstFailure = fmt.Sprintf("%s: %s", task.Spec.ID(), task.Reason)
	}
	o.logger.Error("Task exhausted retry budget",
		"task_id", task.Spec.ID(),
		"attempts", task.Spec.Attempt,
		"reason", task.Reason,
	)
	return &core.ExecError{Stage: stats.Name, Task: task.Spec.TaskIndex, Msg: task.Reason}
}

// cancelInflight asks the backend to abort everything still running.
// Tasks that already reached Succeeded stay succeeded.
func (o *Orchestrator) cancelInflight(inflight map[backend.Handle]*Task, stats *StageStats) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for handle, task := range inflight {
		if err := o.backend.Cancel(cancelCtx, handle); err != nil {
			o.logger.Warn("Cancel failed", "task_id", task.Spec.ID(), "error", err)
		}
	}
	o.logger.Info("Cancelled in-flight tasks", "stage", stats.Name, "count", len(inflight))
}

// verifyStageOutputs enforces the completion contract: every declared
// output partition of every task exists before the next stage may start.
func (o *Orchestrator) verifyStageOutputs(ctx context.Context, layout fs.Layout, stage core.Stage, numTasks int) error {
	names, err := o.fsys.List(ctx, layout.StageDir(stage.Name)+"/task-*/part-*")
	if err != nil {
		return fmt.Errorf("listing outputs of stage %s: %w", stage.Name, err)
	}
	want := numTasks * stage.NumPartitions
	if len(names) != want {
		return &core.ExecError{
			Stage: stage.Name,
			Msg:   fmt.Sprintf("expected %d output partitions, found %d", want, len(names)),
		}
	}
	return nil
}

// cleanupIntermediates reclaims working storage on success, keeping only
// the final stage's partitions.
func (o *Orchestrator) cleanupIntermediates(ctx context.Context, job *Job, layout fs.Layout) {
	prefixes := []string{
		layout.RunDir() + "/input",
		layout.CacheDir(),
		layout.RunDir() + "/tasks",
		layout.RunDir() + "/scripts",
		layout.RunDir() + "/logs",
	}
	for _, stage := range job.Pipeline.Stages[:len(job.Pipeline.Stages)-1] {
		prefixes = append(prefixes, layout.StageDir(stage.Name))
	}
	for _, prefix := range prefixes {
		if err := o.fsys.RemoveAll(ctx, prefix); err != nil {
			o.logger.Warn("Failed to reclaim working storage", "prefix", prefix, "error", err)
		}
	}
}

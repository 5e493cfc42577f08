// Package runner executes a single map or reduce task attempt. It is a
// pure function of the task spec and shared storage: it never retries and
// keeps no state, so re-running an attempt after a failure produces the
// same output.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/seqmr/seqmr/internal/backend"
	"github.com/seqmr/seqmr/internal/cache"
	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/internal/shuffle"
	"github.com/seqmr/seqmr/pkg/codec"
	"github.com/seqmr/seqmr/pkg/core"
	"github.com/seqmr/seqmr/pkg/pipelines"
)

// Outcome is the task runner's report for one attempt, persisted next to
// the attempt's output partitions so the orchestrator can aggregate
// counters and capture diagnostics from any backend.
type Outcome struct {
	TaskID    string `json:"task_id"`
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason,omitempty"`

	RecordsIn  uint64 `json:"records_in"`
	RecordsOut uint64 `json:"records_out"`

	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
	CacheRaces  uint64 `json:"cache_races"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Execute runs one task attempt against shared storage.
func Execute(ctx context.Context, fsys fs.FileSystem, spec *backend.TaskSpec) Outcome {
	outcome := Outcome{TaskID: spec.ID(), StartedAt: time.Now().UTC()}

	dedupeCache := cache.New(fsys, spec.CacheDir)
	records, err := run(ctx, fsys, spec, dedupeCache, &outcome)

	stats := dedupeCache.Stats()
	outcome.CacheHits = stats.Hits
	outcome.CacheMisses = stats.Misses
	outcome.CacheRaces = stats.Races

	if err == nil {
		err = writePartitions(ctx, fsys, spec, records)
	}
	if err != nil {
		outcome.Succeeded = false
		outcome.Reason = err.Error()
	} else {
		outcome.Succeeded = true
		outcome.RecordsOut = uint64(len(records))
	}
	outcome.EndedAt = time.Now().UTC()

	// Best effort: the orchestrator falls back to backend status when the
	// report itself cannot be written.
	if data, jsonErr := json.Marshal(&outcome); jsonErr == nil {
		name := fs.NewLayout(spec.RunID).OutcomeFile(spec.StageName, spec.TaskIndex, spec.Attempt)
		fs.WriteFile(ctx, fsys, name, data)
	}
	return outcome
}

func run(ctx context.Context, fsys fs.FileSystem, spec *backend.TaskSpec, dedupeCache *cache.Cache, outcome *Outcome) ([]core.Record, error) {
	pipeline, err := pipelines.Get(spec.Pipeline)
	if err != nil {
		return nil, err
	}
	if spec.StageIndex < 0 || spec.StageIndex >= len(pipeline.Stages) {
		return nil, fmt.Errorf("pipeline %s has no stage %d", spec.Pipeline, spec.StageIndex)
	}
	stage := pipeline.Stages[spec.StageIndex]
	if stage.Name != spec.StageName || stage.Kind != spec.Kind {
		return nil, fmt.Errorf("task spec names stage %s/%s but registry has %s/%s; driver and worker binaries disagree",
			spec.StageName, spec.Kind, stage.Name, stage.Kind)
	}

	inputs, err := expandInputs(ctx, fsys, spec.InputPaths)
	if err != nil {
		return nil, err
	}

	var out []core.Record
	emit := func(rec core.Record) error {
		out = append(out, rec)
		return nil
	}

	switch stage.Kind {
	case core.StageMap:
		err = runMap(ctx, fsys, spec, stage, pipeline.Name, dedupeCache, inputs, emit, outcome)
	case core.StageReduce:
		err = runReduce(ctx, fsys, stage, inputs, emit, outcome)
	default:
		err = fmt.Errorf("unknown stage kind %s", stage.Kind)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// expandInputs resolves glob patterns against shared storage. Matches come
// back sorted, so reduce tasks open upstream runs in task-index order.
func expandInputs(ctx context.Context, fsys fs.FileSystem, paths []string) ([]string, error) {
	var inputs []string
	for _, p := range paths {
		if !strings.ContainsAny(p, "*?[{") {
			inputs = append(inputs, p)
			continue
		}
		matches, err := fsys.List(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("expanding input pattern %s: %w", p, err)
		}
		inputs = append(inputs, matches...)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no input partitions matched %v", paths)
	}
	return inputs, nil
}

func runMap(
	ctx context.Context,
	fsys fs.FileSystem,
	spec *backend.TaskSpec,
	stage core.Stage,
	pipelineName string,
	dedupeCache *cache.Cache,
	inputs []string,
	emit core.Emit,
	outcome *Outcome,
) error {
	for _, input := range inputs {
		file, err := fsys.Open(ctx, input)
		if err != nil {
			return fmt.Errorf("opening input partition %s: %w", input, err)
		}
		reader := codec.NewReader(file)
		for {
			if err := ctx.Err(); err != nil {
				file.Close()
				return err
			}
			rec, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				file.Close()
				return fmt.Errorf("reading input partition %s: %w", input, err)
			}
			outcome.RecordsIn++

			if err := mapRecord(ctx, spec, stage, pipelineName, dedupeCache, rec, emit); err != nil {
				file.Close()
				return err
			}
		}
		if err := file.Close(); err != nil {
			return err
		}
	}
	return nil
}

// mapRecord applies one work unit, going through the redundancy-
// elimination cache when the stage is eligible.
func mapRecord(
	ctx context.Context,
	spec *backend.TaskSpec,
	stage core.Stage,
	pipelineName string,
	dedupeCache *cache.Cache,
	rec core.Record,
	emit core.Emit,
) error {
	if !spec.Dedupe {
		return invokeMap(stage, rec, emit)
	}

	fingerprint := cache.Fingerprint(pipelineName, stage.Name, stage.Params, rec.Key)
	results, err := dedupeCache.GetOrCompute(ctx, fingerprint, func() ([]core.Record, error) {
		var computed []core.Record
		err := invokeMap(stage, rec, func(r core.Record) error {
			computed = append(computed, r)
			return nil
		})
		return computed, err
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := emit(r); err != nil {
			return err
		}
	}
	return nil
}

func runReduce(
	ctx context.Context,
	fsys fs.FileSystem,
	stage core.Stage,
	inputs []string,
	emit core.Emit,
	outcome *Outcome,
) error {
	readers := make([]*codec.Reader, 0, len(inputs))
	for _, input := range inputs {
		file, err := fsys.Open(ctx, input)
		if err != nil {
			return fmt.Errorf("opening input partition %s: %w", input, err)
		}
		defer file.Close()
		readers = append(readers, codec.NewReader(file))
	}

	merger, err := shuffle.NewMerger(readers...)
	if err != nil {
		return err
	}
	return shuffle.Group(merger, func(key []byte, values [][]byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome.RecordsIn += uint64(len(values))
		return invokeReduce(stage, key, values, emit)
	})
}

// invokeMap shields the task from panics inside the opaque stage body; the
// captured reason travels back through the normal failure path.
func invokeMap(stage core.Stage, rec core.Record, emit core.Emit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s body panicked on key %q: %v", stage.Name, rec.Key, r)
		}
	}()
	return stage.Map(rec, emit)
}

func invokeReduce(stage core.Stage, key []byte, values [][]byte, emit core.Emit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s body panicked on key %q: %v", stage.Name, key, r)
		}
	}()
	return stage.Reduce(key, values, emit)
}

// writePartitions splits output records and writes every declared
// partition, including empty ones, atomically into the task's own output
// directory.
func writePartitions(ctx context.Context, fsys fs.FileSystem, spec *backend.TaskSpec, records []core.Record) error {
	partitioned := shuffle.Split(records, spec.NumOutputPartitions)

	for p := 0; p < spec.NumOutputPartitions; p++ {
		name := path.Join(spec.OutputDir, fmt.Sprintf("part-%05d", p))
		w, err := fsys.Create(ctx, name)
		if err != nil {
			return fmt.Errorf("creating output partition %s: %w", name, err)
		}
		cw := codec.NewWriter(w)
		writeErr := func() error {
			for _, rec := range partitioned[p] {
				if err := cw.Write(rec); err != nil {
					return err
				}
			}
			return cw.Flush()
		}()
		if writeErr != nil {
			w.Abort()
			return fmt.Errorf("writing output partition %s: %w", name, writeErr)
		}
		if err := w.Commit(); err != nil {
			return fmt.Errorf("committing output partition %s: %w", name, err)
		}
	}
	return nil
}

// ReadOutcome loads the persisted report for one attempt.
func ReadOutcome(ctx context.Context, fsys fs.FileSystem, runID, stage string, task, attempt int) (*Outcome, error) {
	name := fs.NewLayout(runID).OutcomeFile(stage, task, attempt)
	data, err := fsys.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	var outcome Outcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

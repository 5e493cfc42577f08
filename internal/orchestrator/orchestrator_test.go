package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seqmr/seqmr/internal/backend"
	"github.com/seqmr/seqmr/internal/backend/local"
	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/internal/manifest"
	"github.com/seqmr/seqmr/internal/shared/config"
	"github.com/seqmr/seqmr/internal/shared/logging"
	"github.com/seqmr/seqmr/pkg/codec"
	"github.com/seqmr/seqmr/pkg/core"
	"github.com/seqmr/seqmr/pkg/pipelines"
)

var flakyFailures atomic.Int32

func init() {
	pipelines.MustRegister(&core.Pipeline{
		Name:   "orch-seqcount",
		Ingest: ingestReads,
		Stages: []core.Stage{
			{
				Name:          "align",
				Kind:          core.StageMap,
				NumPartitions: 3,
				Dedupe:        true,
				Params:        map[string]string{"genome": "hg38"},
				Map: func(rec core.Record, emit core.Emit) error {
					return emit(core.Record{Key: rec.Key, Value: []byte("1")})
				},
			},
			{
				Name:          "count",
				Kind:          core.StageReduce,
				NumPartitions: 1,
				Reduce: func(key []byte, values [][]byte, emit core.Emit) error {
					total := 0
					for _, v := range values {
						n, err := strconv.Atoi(string(v))
						if err != nil {
							return err
						}
						total += n
					}
					return emit(core.Record{Key: key, Value: []byte(strconv.Itoa(total))})
				},
			},
		},
	})

	pipelines.MustRegister(&core.Pipeline{
		Name: "orch-slow",
		Ingest: func(_, _, label string, emit core.Emit) error {
			for i := 0; i < 50; i++ {
				err := emit(core.Record{Key: []byte(fmt.Sprintf("%s-%03d", label, i)), Value: []byte("x")})
				if err != nil {
					return err
				}
			}
			return nil
		},
		Stages: []core.Stage{
			{
				Name:          "stall",
				Kind:          core.StageMap,
				NumPartitions: 1,
				Map: func(rec core.Record, emit core.Emit) error {
					time.Sleep(50 * time.Millisecond)
					return emit(rec)
				},
			},
		},
	})

	pipelines.MustRegister(&core.Pipeline{
		Name: "orch-flaky",
		Stages: []core.Stage{
			{
				Name:          "flaky",
				Kind:          core.StageMap,
				NumPartitions: 1,
				Map: func(rec core.Record, emit core.Emit) error {
					if flakyFailures.Add(-1) >= 0 {
						return fmt.Errorf("transient failure")
					}
					return emit(rec)
				},
			},
		},
	})

	pipelines.MustRegister(&core.Pipeline{
		Name: "orch-broken",
		Stages: []core.Stage{
			{
				Name:          "broken",
				Kind:          core.StageMap,
				NumPartitions: 1,
				Map: func(core.Record, core.Emit) error {
					return fmt.Errorf("bad reference index")
				},
			},
		},
	})
}

// ingestReads reads one sequence per line from the sample file and keys
// records by sequence.
func ingestReads(url1, _, _ string, emit core.Emit) error {
	data, err := os.ReadFile(strings.TrimPrefix(url1, "file://"))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		if err := emit(core.Record{Key: []byte(line), Value: []byte("x")}); err != nil {
			return err
		}
	}
	return nil
}

// writeSamples creates two 50-read samples sharing 40 sequences.
func writeSamples(t *testing.T) []manifest.Entry {
	t.Helper()
	dir := t.TempDir()

	var a, b []string
	for i := 0; i < 40; i++ {
		shared := fmt.Sprintf("SHARED%04d", i)
		a = append(a, shared)
		b = append(b, shared)
	}
	for i := 0; i < 10; i++ {
		a = append(a, fmt.Sprintf("ONLYA%04d", i))
		b = append(b, fmt.Sprintf("ONLYB%04d", i))
	}

	pathA := filepath.Join(dir, "a.reads")
	pathB := filepath.Join(dir, "b.reads")
	require.NoError(t, os.WriteFile(pathA, []byte(strings.Join(a, "\n")+"\n"), 0o644))
	require.NoError(t, os.WriteFile(pathB, []byte(strings.Join(b, "\n")+"\n"), 0o644))

	return []manifest.Entry{
		{URL1: "file://" + pathA, Label: "groupA-1-1", Line: 1},
		{URL1: "file://" + pathB, Label: "groupB-1-1", Line: 2},
	}
}

func newLocalBackend(t *testing.T, workers int) (backend.Backend, fs.FileSystem) {
	t.Helper()
	fsys, err := fs.NewLocal(t.TempDir())
	require.NoError(t, err)
	return local.New(config.LocalConfig{Workers: workers}, fsys, logging.Nop{}), fsys
}

func labelEntries(n int) []manifest.Entry {
	var entries []manifest.Entry
	for i := 0; i < n; i++ {
		entries = append(entries, manifest.Entry{
			URL1:  fmt.Sprintf("file:///dev/null#%d", i),
			Label: fmt.Sprintf("group%d-1-1", i),
			Line:  i + 1,
		})
	}
	return entries
}

func readFinalOutput(t *testing.T, fsys fs.FileSystem, result *JobResult) map[string]string {
	t.Helper()
	ctx := context.Background()
	names, err := fsys.List(ctx, result.OutputDir+"/task-*/part-*")
	require.NoError(t, err)

	out := make(map[string]string)
	for _, name := range names {
		data, err := fsys.ReadFile(ctx, name)
		require.NoError(t, err)
		records, err := codec.DecodeAll(data)
		require.NoError(t, err)
		for _, rec := range records {
			out[string(rec.Key)] = string(rec.Value)
		}
	}
	return out
}

func TestRun_EndToEndWithDedupe(t *testing.T) {
	ctx := context.Background()
	b, fsys := newLocalBackend(t, 1)
	entries := writeSamples(t)

	pipeline, err := pipelines.Get("orch-seqcount")
	require.NoError(t, err)
	job := NewJob(pipeline, entries)
	job.PollInterval = 10 * time.Millisecond
	job.KeepIntermediates = true

	result, err := New(b, fsys, logging.Nop{}).Run(ctx, job)
	require.NoError(t, err)
	require.Equal(t, JobStateSucceeded, result.State)

	// Every shared sequence counts twice, every exclusive one once.
	out := readFinalOutput(t, fsys, result)
	require.Len(t, out, 60)
	for key, count := range out {
		if strings.HasPrefix(key, "SHARED") {
			require.Equal(t, "2", count, key)
		} else {
			require.Equal(t, "1", count, key)
		}
	}

	// With one worker the map tasks serialize: whichever sample runs
	// second resolves all 40 shared work units from the cache.
	require.GreaterOrEqual(t, result.CacheHits, uint64(40))
	require.Equal(t, uint64(100), result.CacheHits+result.CacheMisses)

	// Stage accounting.
	require.Len(t, result.Stages, 2)
	require.Equal(t, 2, result.Stages[0].Total)
	require.Equal(t, 2, result.Stages[0].Succeeded)
	require.Equal(t, 3, result.Stages[1].Total)
	require.Equal(t, 3, result.Stages[1].Succeeded)
}

func TestRun_OutputIndependentOfBackendShape(t *testing.T) {
	ctx := context.Background()
	entries := writeSamples(t)
	pipeline, err := pipelines.Get("orch-seqcount")
	require.NoError(t, err)

	var outputs []map[string]string
	for _, workers := range []int{1, 4} {
		b, fsys := newLocalBackend(t, workers)
		job := NewJob(pipeline, entries)
		job.PollInterval = 10 * time.Millisecond

		result, err := New(b, fsys, logging.Nop{}).Run(ctx, job)
		require.NoError(t, err)
		outputs = append(outputs, readFinalOutput(t, fsys, result))
	}

	require.Equal(t, outputs[0], outputs[1])
}

func TestRun_ReduceWaitsForAllMapTasks(t *testing.T) {
	ctx := context.Background()
	b, fsys := newLocalBackend(t, 4)
	entries := writeSamples(t)

	pipeline, err := pipelines.Get("orch-seqcount")
	require.NoError(t, err)
	job := NewJob(pipeline, entries)
	job.PollInterval = 10 * time.Millisecond
	job.KeepIntermediates = true

	result, err := New(b, fsys, logging.Nop{}).Run(ctx, job)
	require.NoError(t, err)

	// Every map task wrote all three declared partitions before any
	// reduce task started; the merged totals prove no partition was
	// skipped.
	layout := fs.NewLayout(result.RunID)
	names, err := fsys.List(ctx, layout.StageDir("align")+"/task-*/part-*")
	require.NoError(t, err)
	require.Len(t, names, 6)

	out := readFinalOutput(t, fsys, result)
	total := 0
	for _, count := range out {
		n, err := strconv.Atoi(count)
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, 100, total)
}

func TestRun_RetriesTransientTaskFailures(t *testing.T) {
	ctx := context.Background()
	b, fsys := newLocalBackend(t, 1)

	flakyFailures.Store(2)
	pipeline, err := pipelines.Get("orch-flaky")
	require.NoError(t, err)
	job := NewJob(pipeline, labelEntries(1))
	job.MaxAttempts = 4
	job.PollInterval = 10 * time.Millisecond

	result, err := New(b, fsys, logging.Nop{}).Run(ctx, job)
	require.NoError(t, err)
	require.Equal(t, JobStateSucceeded, result.State)
	require.GreaterOrEqual(t, result.Stages[0].Retried, 1)
}

func TestRun_ExhaustedRetriesFailTheJob(t *testing.T) {
	ctx := context.Background()
	b, fsys := newLocalBackend(t, 1)

	pipeline, err := pipelines.Get("orch-broken")
	require.NoError(t, err)
	job := NewJob(pipeline, labelEntries(1))
	job.MaxAttempts = 2
	job.PollInterval = 10 * time.Millisecond

	result, err := New(b, fsys, logging.Nop{}).Run(ctx, job)
	require.Error(t, err)
	require.True(t, core.IsExec(err))
	require.Equal(t, JobStateFailed, result.State)
	require.Contains(t, result.FirstFailure, "bad reference index")
	require.Equal(t, 1, result.Stages[0].Failed)
}

func TestRun_CancellationLeavesNoVisibleOutput(t *testing.T) {
	b, fsys := newLocalBackend(t, 2)

	pipeline, err := pipelines.Get("orch-slow")
	require.NoError(t, err)
	job := NewJob(pipeline, labelEntries(2))
	job.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := New(b, fsys, logging.Nop{}).Run(ctx, job)
	require.ErrorIs(t, err, core.ErrCancelled)
	require.Equal(t, JobStateCancelled, result.State)
	// 50 records at 50ms each would take seconds; cancellation must cut
	// that short.
	require.Less(t, time.Since(start), 2*time.Second)

	// No partition of the cancelled stage ever became visible.
	names, err := fsys.List(context.Background(), result.RunID+"/stages/*/task-*/part-*")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestRun_ConfigErrors(t *testing.T) {
	ctx := context.Background()
	b, fsys := newLocalBackend(t, 1)
	orch := New(b, fsys, logging.Nop{})

	pipeline, err := pipelines.Get("orch-seqcount")
	require.NoError(t, err)

	t.Run("no entries", func(t *testing.T) {
		job := NewJob(pipeline, nil)
		_, err := orch.Run(ctx, job)
		require.Error(t, err)
		require.True(t, core.IsConfig(err))
	})

	t.Run("invalid pipeline", func(t *testing.T) {
		job := NewJob(&core.Pipeline{Name: "empty"}, labelEntries(1))
		_, err := orch.Run(ctx, job)
		require.Error(t, err)
		require.True(t, core.IsConfig(err))
	})

	t.Run("zero retry budget", func(t *testing.T) {
		job := NewJob(pipeline, labelEntries(1))
		job.MaxAttempts = 0
		_, err := orch.Run(ctx, job)
		require.Error(t, err)
		require.True(t, core.IsConfig(err))
	})
}

func TestRun_CleansIntermediatesOnSuccess(t *testing.T) {
	ctx := context.Background()
	b, fsys := newLocalBackend(t, 2)
	entries := writeSamples(t)

	pipeline, err := pipelines.Get("orch-seqcount")
	require.NoError(t, err)
	job := NewJob(pipeline, entries)
	job.PollInterval = 10 * time.Millisecond

	result, err := New(b, fsys, logging.Nop{}).Run(ctx, job)
	require.NoError(t, err)

	// Final stage output survives.
	names, err := fsys.List(ctx, result.OutputDir+"/task-*/part-*")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	// Working state is gone.
	for _, prefix := range []string{"/input", "/cache", "/tasks"} {
		names, err := fsys.List(ctx, result.RunID+prefix+"/**")
		require.NoError(t, err)
		require.Empty(t, names, prefix)
	}
	layout := fs.NewLayout(result.RunID)
	names, err = fsys.List(ctx, layout.StageDir("align")+"/**")
	require.NoError(t, err)
	require.Empty(t, names)
}

package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seqmr/seqmr/internal/backend"
	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/internal/shared/config"
	"github.com/seqmr/seqmr/internal/shared/logging"
	"github.com/seqmr/seqmr/pkg/codec"
	"github.com/seqmr/seqmr/pkg/core"
	"github.com/seqmr/seqmr/pkg/pipelines"
)

func init() {
	pipelines.MustRegister(&core.Pipeline{
		Name: "local-backend-test",
		Stages: []core.Stage{
			{
				Name:          "echo",
				Kind:          core.StageMap,
				NumPartitions: 1,
				Map: func(rec core.Record, emit core.Emit) error {
					return emit(rec)
				},
			},
		},
	})

	pipelines.MustRegister(&core.Pipeline{
		Name: "local-backend-slow",
		Stages: []core.Stage{
			{
				Name:          "stall",
				Kind:          core.StageMap,
				NumPartitions: 1,
				Map: func(rec core.Record, emit core.Emit) error {
					time.Sleep(10 * time.Second)
					return emit(rec)
				},
			},
		},
	})
}

func newTestBackend(t *testing.T, workers int) (*Local, fs.FileSystem) {
	t.Helper()
	fsys, err := fs.NewLocal(t.TempDir())
	require.NoError(t, err)
	return New(config.LocalConfig{Workers: workers}, fsys, logging.Nop{}), fsys
}

func seedInput(t *testing.T, fsys fs.FileSystem, runID string) {
	t.Helper()
	layout := fs.NewLayout(runID)
	data, err := codec.EncodeAll([]core.Record{{Key: []byte("k"), Value: []byte("v")}})
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(context.Background(), fsys, layout.InputPartitionFile(0), data))
}

func echoSpec(runID, pipeline, stage string) *backend.TaskSpec {
	layout := fs.NewLayout(runID)
	return &backend.TaskSpec{
		RunID:               runID,
		Pipeline:            pipeline,
		StageIndex:          0,
		StageName:           stage,
		Kind:                core.StageMap,
		TaskIndex:           0,
		Attempt:             1,
		InputPaths:          []string{layout.InputPartitionFile(0)},
		OutputDir:           layout.TaskDir(stage, 0),
		NumOutputPartitions: 1,
		CacheDir:            layout.CacheDir(),
	}
}

func pollUntilDone(t *testing.T, b backend.Backend, handle backend.Handle) backend.Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		status, err := b.Poll(context.Background(), handle)
		require.NoError(t, err)
		if status.State != backend.StateRunning {
			return status
		}
		select {
		case <-deadline:
			t.Fatal("task did not finish in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLocal_SubmitAndPoll(t *testing.T) {
	b, fsys := newTestBackend(t, 2)
	seedInput(t, fsys, "run-ok")

	handle, err := b.Submit(context.Background(), echoSpec("run-ok", "local-backend-test", "echo"))
	require.NoError(t, err)

	status := pollUntilDone(t, b, handle)
	require.Equal(t, backend.StateSucceeded, status.State)

	exists, err := fsys.Exists(context.Background(), fs.NewLayout("run-ok").PartitionFile("echo", 0, 0))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestLocal_FailedTaskReportsReason(t *testing.T) {
	b, _ := newTestBackend(t, 2)

	// No input partition was seeded, so the task fails.
	handle, err := b.Submit(context.Background(), echoSpec("run-fail", "local-backend-test", "echo"))
	require.NoError(t, err)

	status := pollUntilDone(t, b, handle)
	require.Equal(t, backend.StateFailed, status.State)
	require.NotEmpty(t, status.Reason)
}

func TestLocal_DuplicateSubmitRejected(t *testing.T) {
	b, fsys := newTestBackend(t, 2)
	seedInput(t, fsys, "run-dup")

	spec := echoSpec("run-dup", "local-backend-test", "echo")
	_, err := b.Submit(context.Background(), spec)
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), spec)
	require.ErrorContains(t, err, "already submitted")
}

func TestLocal_CancelQueuedTask(t *testing.T) {
	// One worker: the first task holds the only slot, the second queues.
	b, fsys := newTestBackend(t, 1)
	seedInput(t, fsys, "run-cancel")

	slow := echoSpec("run-cancel", "local-backend-slow", "stall")
	running, err := b.Submit(context.Background(), slow)
	require.NoError(t, err)

	queued := echoSpec("run-cancel", "local-backend-test", "echo")
	waiting, err := b.Submit(context.Background(), queued)
	require.NoError(t, err)

	require.NoError(t, b.Cancel(context.Background(), waiting))
	status := pollUntilDone(t, b, waiting)
	require.Equal(t, backend.StateFailed, status.State)
	require.Contains(t, status.Reason, "cancelled before start")

	require.NoError(t, b.Cancel(context.Background(), running))
}

func TestLocal_UnknownHandle(t *testing.T) {
	b, _ := newTestBackend(t, 1)

	_, err := b.Poll(context.Background(), "nope")
	require.ErrorContains(t, err, "unknown task handle")
	require.ErrorContains(t, b.Cancel(context.Background(), "nope"), "unknown task handle")
}

func TestLocal_Capacity(t *testing.T) {
	b, _ := newTestBackend(t, 7)
	require.Equal(t, 7, b.Capacity())
}

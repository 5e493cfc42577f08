package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/pkg/core"
)

// TaskSpec is the serialized description of one task attempt. It carries
// everything a worker process needs to run the task against shared
// storage: the stage body is resolved by pipeline name and stage index
// through the pipeline registry, never serialized.
type TaskSpec struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	StageIndex int            `json:"stage_index"`
	StageName  string         `json:"stage_name"`
	Kind       core.StageKind `json:"kind"`
	TaskIndex  int            `json:"task_index"`
	Attempt    int            `json:"attempt"`

	// InputPaths are workroot-relative; reduce inputs may be globs
	// matching one partition across all upstream tasks.
	InputPaths          []string `json:"input_paths"`
	OutputDir           string   `json:"output_dir"`
	NumOutputPartitions int      `json:"num_output_partitions"`

	Dedupe   bool   `json:"dedupe"`
	CacheDir string `json:"cache_dir"`

	Workroot string `json:"workroot"`
}

// ID names the attempt uniquely within a run; adapters use it for spec
// files, exit markers, and substrate job names.
func (s *TaskSpec) ID() string {
	return fmt.Sprintf("%s-s%02d-t%05d-a%02d", s.RunID, s.StageIndex, s.TaskIndex, s.Attempt)
}

func (s *TaskSpec) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

func UnmarshalSpec(data []byte) (*TaskSpec, error) {
	var spec TaskSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decoding task spec: %w", err)
	}
	return &spec, nil
}

// WriteSpec publishes a spec on shared storage for a remote worker and
// returns its workroot-relative path.
func WriteSpec(ctx context.Context, fsys fs.FileSystem, spec *TaskSpec) (string, error) {
	data, err := spec.Marshal()
	if err != nil {
		return "", err
	}
	name := fs.NewLayout(spec.RunID).SpecFile(spec.ID())
	if err := fs.WriteFile(ctx, fsys, name, data); err != nil {
		return "", fmt.Errorf("writing task spec %s: %w", spec.ID(), err)
	}
	return name, nil
}

// WorkerArgs builds the argument vector remote substrates run to execute
// one task.
func WorkerArgs(binary, workroot, specPath string) []string {
	return []string{binary, "task", "-workroot", workroot, "-spec", specPath}
}

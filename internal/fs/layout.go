package fs

import (
	"fmt"
	"path"
)

// Layout fixes where a run's files live under the working-storage root.
// Partition files are named deterministically by stage and partition index
// so any backend can locate them.
type Layout struct {
	RunID string
}

func NewLayout(runID string) Layout {
	return Layout{RunID: runID}
}

func (l Layout) RunDir() string {
	return l.RunID
}

// InputTaskDir holds the initial partition derived from one manifest entry.
func (l Layout) InputTaskDir(task int) string {
	return path.Join(l.RunID, "input", fmt.Sprintf("task-%05d", task))
}

func (l Layout) InputPartitionFile(task int) string {
	return path.Join(l.InputTaskDir(task), "part-00000")
}

func (l Layout) StageDir(stage string) string {
	return path.Join(l.RunID, "stages", stage)
}

func (l Layout) TaskDir(stage string, task int) string {
	return path.Join(l.StageDir(stage), fmt.Sprintf("task-%05d", task))
}

func (l Layout) PartitionFile(stage string, task, partition int) string {
	return path.Join(l.TaskDir(stage, task), fmt.Sprintf("part-%05d", partition))
}

// PartitionGlob matches partition p across all tasks of a stage, the
// reduce-side shuffle input.
func (l Layout) PartitionGlob(stage string, partition int) string {
	return path.Join(l.StageDir(stage), "task-*", fmt.Sprintf("part-%05d", partition))
}

// OutcomeFile carries the task runner's report for one attempt.
func (l Layout) OutcomeFile(stage string, task, attempt int) string {
	return path.Join(l.TaskDir(stage, task), fmt.Sprintf("outcome-a%02d.json", attempt))
}

func (l Layout) SpecFile(taskID string) string {
	return path.Join(l.RunID, "tasks", taskID+".json")
}

// ExitMarkerFile is written by scheduler job scripts when the worker
// process ends, whatever its exit status.
func (l Layout) ExitMarkerFile(taskID string) string {
	return path.Join(l.RunID, "tasks", taskID+".exit")
}

func (l Layout) ScriptFile(taskID string) string {
	return path.Join(l.RunID, "scripts", taskID+".sh")
}

func (l Layout) LogFile(taskID string) string {
	return path.Join(l.RunID, "logs", taskID+".out")
}

func (l Layout) CacheDir() string {
	return path.Join(l.RunID, "cache")
}

// Package backend defines the execution-substrate contract. One adapter
// exists per substrate; a job binds to exactly one adapter for its whole
// run.
package backend

import "context"

type State string

const (
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Status is the observed condition of a submitted task. Reason is set for
// failures and carries whatever diagnostics the substrate surfaced.
type Status struct {
	State  State
	Reason string
}

// Handle identifies one submitted task attempt within its adapter.
type Handle string

// Backend executes task attempts on one substrate.
//
// Adapters guarantee that a task reported StateSucceeded has its declared
// output partitions durably present on shared storage, and that a
// cancelled task leaves nothing partial visible at its output paths.
type Backend interface {
	Submit(ctx context.Context, spec *TaskSpec) (Handle, error)
	Poll(ctx context.Context, handle Handle) (Status, error)
	Cancel(ctx context.Context, handle Handle) error

	// Capacity is the number of task slots the substrate offers; the
	// orchestrator keeps at most this many attempts in flight.
	Capacity() int
}

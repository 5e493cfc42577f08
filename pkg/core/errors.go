package core

import (
	"errors"
	"fmt"
)

// ErrCancelled is reported when a job stops because cancellation was
// requested, as opposed to failing.
var ErrCancelled = errors.New("job cancelled")

// ConfigError marks a problem with the manifest, pipeline, or backend
// parameters. Configuration errors are fatal and surface before any task
// is submitted.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

func ConfigWrap(err error, format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ExecError marks a task or stage execution failure that exhausted its
// retry budget.
type ExecError struct {
	Stage string
	Task  int
	Msg   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("stage %s task %d: %s", e.Stage, e.Task, e.Msg)
}

func IsExec(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee)
}

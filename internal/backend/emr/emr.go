// Package emr maps tasks onto steps of a managed elastic cluster. Each
// task attempt becomes one job-flow step that runs the worker binary
// against the S3 working storage; step states translate directly to task
// states.
package emr

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsemr "github.com/aws/aws-sdk-go-v2/service/emr"
	"github.com/aws/aws-sdk-go-v2/service/emr/types"

	"github.com/seqmr/seqmr/internal/backend"
	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/internal/shared/config"
	"github.com/seqmr/seqmr/internal/shared/logging"
)

// API is the subset of the EMR client the adapter uses; tests swap in a
// fake.
type API interface {
	AddJobFlowSteps(ctx context.Context, in *awsemr.AddJobFlowStepsInput, optFns ...func(*awsemr.Options)) (*awsemr.AddJobFlowStepsOutput, error)
	DescribeStep(ctx context.Context, in *awsemr.DescribeStepInput, optFns ...func(*awsemr.Options)) (*awsemr.DescribeStepOutput, error)
	CancelSteps(ctx context.Context, in *awsemr.CancelStepsInput, optFns ...func(*awsemr.Options)) (*awsemr.CancelStepsOutput, error)
}

type EMR struct {
	cfg    config.EMRConfig
	client API
	fsys   fs.FileSystem
	logger logging.Logger

	mu    sync.Mutex
	steps map[backend.Handle]string
}

// New reads the AWS environment once, at adapter construction.
func New(ctx context.Context, cfg config.EMRConfig, fsys fs.FileSystem, logger logging.Logger) (*EMR, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithClient(cfg, awsemr.NewFromConfig(awsCfg), fsys, logger), nil
}

func NewWithClient(cfg config.EMRConfig, client API, fsys fs.FileSystem, logger logging.Logger) *EMR {
	return &EMR{
		cfg:    cfg,
		client: client,
		fsys:   fsys,
		logger: logger,
		steps:  make(map[backend.Handle]string),
	}
}

func (e *EMR) Capacity() int {
	return e.cfg.ConcurrentSteps
}

func (e *EMR) Submit(ctx context.Context, spec *backend.TaskSpec) (backend.Handle, error) {
	specPath, err := backend.WriteSpec(ctx, e.fsys, spec)
	if err != nil {
		return "", err
	}

	args := backend.WorkerArgs(e.cfg.WorkerBinary, e.fsys.Root(), specPath)
	input := &awsemr.AddJobFlowStepsInput{
		JobFlowId: aws.String(e.cfg.ClusterID),
		Steps: []types.StepConfig{
			{
				Name: aws.String("seqmr " + spec.ID()),
				// The orchestrator owns retries; a failed step must not
				// take the cluster down with it.
				ActionOnFailure: types.ActionOnFailureContinue,
				HadoopJarStep: &types.HadoopJarStepConfig{
					Jar:  aws.String("command-runner.jar"),
					Args: args,
				},
			},
		},
	}

	var stepID string
	err = backend.Retry(ctx, backend.DefaultTransientAttempts, func() error {
		out, err := e.client.AddJobFlowSteps(ctx, input)
		if err != nil {
			e.logger.Warn("AddJobFlowSteps failed, retrying", "task_id", spec.ID(), "error", err)
			return err
		}
		if len(out.StepIds) != 1 {
			return fmt.Errorf("expected one step id, got %d", len(out.StepIds))
		}
		stepID = out.StepIds[0]
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("submitting task %s as cluster step: %w", spec.ID(), err)
	}

	handle := backend.Handle(spec.ID())
	e.mu.Lock()
	e.steps[handle] = stepID
	e.mu.Unlock()

	e.logger.Debug("Task submitted as cluster step", "task_id", spec.ID(), "step_id", stepID)
	return handle, nil
}

func (e *EMR) Poll(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	stepID, err := e.lookup(handle)
	if err != nil {
		return backend.Status{}, err
	}

	out, err := e.client.DescribeStep(ctx, &awsemr.DescribeStepInput{
		ClusterId: aws.String(e.cfg.ClusterID),
		StepId:    aws.String(stepID),
	})
	if err != nil {
		return backend.Status{}, fmt.Errorf("describing step %s: %w", stepID, err)
	}
	if out.Step == nil || out.Step.Status == nil {
		return backend.Status{}, fmt.Errorf("step %s has no status", stepID)
	}

	switch out.Step.Status.State {
	case types.StepStatePending, types.StepStateRunning, types.StepStateCancelPending:
		return backend.Status{State: backend.StateRunning}, nil
	case types.StepStateCompleted:
		return backend.Status{State: backend.StateSucceeded}, nil
	default:
		reason := string(out.Step.Status.State)
		if details := out.Step.Status.FailureDetails; details != nil && details.Message != nil {
			reason = *details.Message
		}
		return backend.Status{State: backend.StateFailed, Reason: reason}, nil
	}
}

func (e *EMR) Cancel(ctx context.Context, handle backend.Handle) error {
	stepID, err := e.lookup(handle)
	if err != nil {
		return err
	}
	_, err = e.client.CancelSteps(ctx, &awsemr.CancelStepsInput{
		ClusterId: aws.String(e.cfg.ClusterID),
		StepIds:   []string{stepID},
	})
	if err != nil {
		return fmt.Errorf("cancelling step %s: %w", stepID, err)
	}
	return nil
}

func (e *EMR) lookup(handle backend.Handle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stepID, ok := e.steps[handle]
	if !ok {
		return "", fmt.Errorf("unknown task handle %s", handle)
	}
	return stepID, nil
}

// Package workflow schedules pipeline stages as Temporal workflows. Each
// (product, stage) pair gets one workflow running a single activity attempt
// that calls back into the orchestrator.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	sdkworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/model"
)

// Registered names.
const (
	WorkflowName = "ListingStageWorkflow"
	ActivityName = "RunListingStage"
)

// DefaultTaskQueue is used when no task queue is configured.
const DefaultTaskQueue = "listing-pipeline"

// DefaultStageTimeout is the activity start-to-close timeout used when none
// is configured. Temporal requires one; stages themselves have no deadline,
// so it is set far beyond any real stage run.
const DefaultStageTimeout = 10 * 365 * 24 * time.Hour

// StageInput names the stage a workflow runs. A zero StageTimeout means
// DefaultStageTimeout.
type StageInput struct {
	ProductID    string        `json:"productId"`
	Stage        model.Stage   `json:"stage"`
	StageTimeout time.Duration `json:"stageTimeout,omitempty"`
}

func (in StageInput) timeout() time.Duration {
	if in.StageTimeout > 0 {
		return in.StageTimeout
	}
	return DefaultStageTimeout
}

// WorkflowID is the deterministic workflow ID for a stage.
func WorkflowID(ref model.PhaseRef) string {
	return fmt.Sprintf("product-%s-stage-%d", ref.ProductID, ref.Stage)
}

// StageWorkflow runs the stage activity exactly once. Retries are a manual
// state machine operation, never a Temporal retry.
func StageWorkflow(ctx sdkworkflow.Context, in StageInput) error {
	ctx = sdkworkflow.WithActivityOptions(ctx, sdkworkflow.ActivityOptions{
		StartToCloseTimeout: in.timeout(),
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	return sdkworkflow.ExecuteActivity(ctx, ActivityName, in).Get(ctx, nil)
}

// Runner executes one stage.
type Runner interface {
	RunStage(ctx context.Context, productID string, stage model.Stage) error
}

// Activities holds the activity implementations.
type Activities struct {
	runner Runner
}

// NewActivities creates Activities backed by r.
func NewActivities(r Runner) *Activities {
	return &Activities{runner: r}
}

// RunStage runs the stage. The outcome is already recorded on the phase, so
// an error is reported to Temporal as non-retryable.
func (a *Activities) RunStage(ctx context.Context, in StageInput) error {
	if err := a.runner.RunStage(ctx, in.ProductID, in.Stage); err != nil {
		return temporal.NewNonRetryableApplicationError(apperr.Message(err), string(apperr.KindOf(err)), err)
	}
	return nil
}

// Registry is the part of a Temporal worker that registrations need.
type Registry interface {
	RegisterWorkflowWithOptions(w interface{}, options sdkworkflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register adds the stage workflow and activity to reg.
func Register(reg Registry, r Runner) {
	reg.RegisterWorkflowWithOptions(StageWorkflow, sdkworkflow.RegisterOptions{Name: WorkflowName})
	reg.RegisterActivityWithOptions(NewActivities(r).RunStage, activity.RegisterOptions{Name: ActivityName})
}

// starter is the part of client.Client the scheduler uses.
type starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Scheduler starts one workflow per scheduled stage. Scheduling a stage
// whose workflow is already running returns the existing run.
type Scheduler struct {
	client       starter
	taskQueue    string
	stageTimeout time.Duration
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithStageTimeout sets the activity start-to-close timeout. Zero or less
// keeps DefaultStageTimeout.
func WithStageTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.stageTimeout = d
		}
	}
}

// NewScheduler creates a Scheduler on taskQueue.
func NewScheduler(c starter, taskQueue string, opts ...SchedulerOption) *Scheduler {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	s := &Scheduler{client: c, taskQueue: taskQueue}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule implements phase.Scheduler.
func (s *Scheduler) Schedule(ctx context.Context, ref model.PhaseRef) error {
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(ref),
		TaskQueue: s.taskQueue,
	}, WorkflowName, StageInput{ProductID: ref.ProductID, Stage: ref.Stage, StageTimeout: s.stageTimeout})
	if err != nil {
		return eris.Wrapf(err, "workflow: start stage %d of product %s", ref.Stage, ref.ProductID)
	}
	if run != nil {
		zap.L().Debug("workflow: stage scheduled",
			zap.String("workflow_id", run.GetID()),
			zap.String("run_id", run.GetRunID()),
		)
	}
	return nil
}

// Dial connects to the Temporal frontend in cfg.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    zapLogger{},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: dial temporal at %s", cfg.HostPort)
	}
	return c, nil
}

// NewWorker creates a worker on taskQueue with the stage workflow and
// activity registered.
func NewWorker(c client.Client, taskQueue string, r Runner) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, r)
	return w
}

// zapLogger adapts the global zap logger to Temporal's logger interface.
type zapLogger struct{}

func (zapLogger) Debug(msg string, keyvals ...interface{}) {
	zap.L().Sugar().Debugw("temporal: "+msg, keyvals...)
}

func (zapLogger) Info(msg string, keyvals ...interface{}) {
	zap.L().Sugar().Infow("temporal: "+msg, keyvals...)
}

func (zapLogger) Warn(msg string, keyvals ...interface{}) {
	zap.L().Sugar().Warnw("temporal: "+msg, keyvals...)
}

func (zapLogger) Error(msg string, keyvals ...interface{}) {
	zap.L().Sugar().Errorw("temporal: "+msg, keyvals...)
}

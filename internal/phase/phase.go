// Package phase owns the per-product, per-stage state machine. Every status
// change goes through a conditional store update, so a transition whose
// precondition no longer holds is refused rather than applied twice.
package phase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/notify"
)

// Store is the persistence the state machine needs.
type Store interface {
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	UpdateProductState(ctx context.Context, id string, state model.ProductState) error
	GetPhase(ctx context.Context, productID string, stage model.Stage) (*model.PipelinePhase, error)
	ListPhases(ctx context.Context, productID string) ([]model.PipelinePhase, error)
	StartPhase(ctx context.Context, productID string, stage model.Stage, now time.Time) (bool, error)
	UpdatePhase(ctx context.Context, productID string, stage model.Stage, u model.PhaseUpdate) (bool, error)
	AppendLog(ctx context.Context, entry model.PipelineLog) error
}

// Scheduler runs a stage at some later point. Implementations must not run
// the stage inline.
type Scheduler interface {
	Schedule(ctx context.Context, ref model.PhaseRef) error
}

// PostCompletion runs after the last stage of a product completes. Its
// failures are the hook's own to log.
type PostCompletion func(ctx context.Context, productID string)

// Log actions recorded for each transition.
const (
	ActionStart         = "start"
	ActionComplete      = "complete"
	ActionFail          = "fail"
	ActionPause         = "pause"
	ActionResume        = "resume"
	ActionCancel        = "cancel"
	ActionRetry         = "retry"
	ActionProgress      = "progress"
	ActionSchedule      = "schedule"
	ActionScheduleError = "schedule_error"
)

// Machine applies phase transitions.
type Machine struct {
	store     Store
	scheduler Scheduler
	notifier  notify.Notifier
	post      PostCompletion
	now       func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithScheduler sets where follow-on stages are scheduled.
func WithScheduler(s Scheduler) Option {
	return func(m *Machine) { m.scheduler = s }
}

// WithNotifier sets the change notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a Machine over st.
func New(st Store, opts ...Option) *Machine {
	m := &Machine{
		store:    st,
		notifier: notify.Nop{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetPostCompletion registers the hook fired after stage 4 completes. It
// must be called during wiring, before any transition runs.
func (m *Machine) SetPostCompletion(fn PostCompletion) {
	m.post = fn
}

// Start moves a pending stage to running. The stage must be eligible
// (can_start, or stage 1) and no other stage of the product may be running.
func (m *Machine) Start(ctx context.Context, productID string, stage model.Stage) error {
	if _, err := m.product(ctx, productID, stage); err != nil {
		return err
	}

	now := m.clock()
	ok, err := m.store.StartPhase(ctx, productID, stage, now)
	if err != nil {
		return m.storeErr(err, "start", productID, stage)
	}
	if !ok {
		return m.startRefusal(ctx, productID, stage)
	}

	if err := m.setProduct(ctx, productID, stage, model.ProductState{
		Status:          ptr(model.ProductStatusProcessing),
		CurrentStage:    ptr(stage),
		PipelineRunning: ptr(true),
		ErrorMessage:    ptr(""),
	}); err != nil {
		return err
	}

	m.record(ctx, productID, stage, model.LogLevelInfo, ActionStart, fmt.Sprintf("stage %d (%s) started", stage, stage), nil)
	return nil
}

// Complete moves a running stage to completed. For stages 1-3 the next
// stage becomes eligible and is scheduled; completing stage 4 completes the
// product and fires the post-completion hook in the background.
func (m *Machine) Complete(ctx context.Context, productID string, stage model.Stage) error {
	ph, err := m.phase(ctx, productID, stage)
	if err != nil {
		return err
	}

	now := m.clock()
	var duration int64
	if ph.StartedAt != nil {
		duration = now.Sub(*ph.StartedAt).Milliseconds()
	}
	ok, err := m.store.UpdatePhase(ctx, productID, stage, model.PhaseUpdate{
		From:        []model.PhaseStatus{model.PhaseStatusRunning},
		Status:      ptr(model.PhaseStatusCompleted),
		Progress:    ptr(100),
		CompletedAt: &now,
		DurationMs:  &duration,
	})
	if err != nil {
		return m.storeErr(err, "complete", productID, stage)
	}
	if !ok {
		return m.refused(ctx, productID, stage, "complete")
	}
	m.record(ctx, productID, stage, model.LogLevelInfo, ActionComplete,
		fmt.Sprintf("stage %d (%s) completed", stage, stage), map[string]any{"duration_ms": duration})

	next, hasNext := stage.Next()
	if !hasNext {
		if err := m.setProduct(ctx, productID, stage, model.ProductState{
			Status:          ptr(model.ProductStatusCompleted),
			PipelineRunning: ptr(false),
		}); err != nil {
			return err
		}
		if m.post != nil {
			go m.post(context.WithoutCancel(ctx), productID)
		}
		return nil
	}

	if _, err := m.store.UpdatePhase(ctx, productID, next, model.PhaseUpdate{
		From:     []model.PhaseStatus{model.PhaseStatusPending},
		CanStart: ptr(true),
	}); err != nil {
		return m.storeErr(err, "enable next stage", productID, next)
	}
	if err := m.setProduct(ctx, productID, stage, model.ProductState{
		CurrentStage:    ptr(next),
		PipelineRunning: ptr(true),
	}); err != nil {
		return err
	}
	m.schedule(ctx, productID, next)
	return nil
}

// Fail moves a running stage to failed, keeping message verbatim, and puts
// the product into error. Nothing is retried automatically.
func (m *Machine) Fail(ctx context.Context, productID string, stage model.Stage, message string) error {
	if _, err := m.phase(ctx, productID, stage); err != nil {
		return err
	}

	now := m.clock()
	ok, err := m.store.UpdatePhase(ctx, productID, stage, model.PhaseUpdate{
		From:         []model.PhaseStatus{model.PhaseStatusRunning},
		Status:       ptr(model.PhaseStatusFailed),
		ErrorMessage: &message,
		StoppedAt:    &now,
	})
	if err != nil {
		return m.storeErr(err, "fail", productID, stage)
	}
	if !ok {
		return m.refused(ctx, productID, stage, "fail")
	}

	if err := m.setProduct(ctx, productID, stage, model.ProductState{
		Status:          ptr(model.ProductStatusError),
		PipelineRunning: ptr(false),
		ErrorMessage:    &message,
	}); err != nil {
		return err
	}

	m.record(ctx, productID, stage, model.LogLevelError, ActionFail, message, nil)
	return nil
}

// Pause stops the running stage so it can be resumed later.
func (m *Machine) Pause(ctx context.Context, productID string) error {
	stage, err := m.stopRunning(ctx, productID, "pause")
	if err != nil {
		return err
	}
	if err := m.setProduct(ctx, productID, stage, model.ProductState{
		Status:          ptr(model.ProductStatusPaused),
		PipelineRunning: ptr(false),
	}); err != nil {
		return err
	}
	m.record(ctx, productID, stage, model.LogLevelInfo, ActionPause, fmt.Sprintf("stage %d paused", stage), nil)
	return nil
}

// Cancel stops the running stage and puts the product into error with the
// cancelled message. A cancelled product cannot be resumed, only retried.
// A paused product can be cancelled too; its stage is already stopped.
func (m *Machine) Cancel(ctx context.Context, productID string) error {
	p, err := m.product(ctx, productID, 0)
	if err != nil {
		return err
	}

	var stage model.Stage
	if p.Status == model.ProductStatusPaused {
		stage = p.CurrentStage
	} else if stage, err = m.stopRunning(ctx, productID, "cancel"); err != nil {
		return err
	}

	msg := model.CancelledMessage
	if err := m.setProduct(ctx, productID, stage, model.ProductState{
		Status:          ptr(model.ProductStatusError),
		PipelineRunning: ptr(false),
		ErrorMessage:    &msg,
	}); err != nil {
		return err
	}
	m.record(ctx, productID, stage, model.LogLevelWarn, ActionCancel, fmt.Sprintf("stage %d cancelled", stage), nil)
	return nil
}

// Resume re-arms the stopped stage of a paused product and schedules it.
func (m *Machine) Resume(ctx context.Context, productID string) error {
	stage, err := m.Rearm(ctx, productID)
	if err != nil {
		return err
	}
	m.schedule(ctx, productID, stage)
	return nil
}

// Rearm performs the reset half of Resume without scheduling: the stopped
// stage goes back to pending with can_start set and the product returns to
// processing. It returns the re-armed stage.
func (m *Machine) Rearm(ctx context.Context, productID string) (model.Stage, error) {
	p, err := m.pausedProduct(ctx, productID, 0)
	if err != nil {
		return 0, err
	}

	stage := p.CurrentStage
	ok, err := m.store.UpdatePhase(ctx, productID, stage, model.PhaseUpdate{
		From:       []model.PhaseStatus{model.PhaseStatusStopped},
		Status:     ptr(model.PhaseStatusPending),
		CanStart:   ptr(true),
		Progress:   ptr(0),
		ClearError: true,
	})
	if err != nil {
		return 0, m.storeErr(err, "resume", productID, stage)
	}
	if !ok {
		return 0, m.refused(ctx, productID, stage, "resume")
	}

	if err := m.setProduct(ctx, productID, stage, model.ProductState{
		Status:          ptr(model.ProductStatusProcessing),
		PipelineRunning: ptr(true),
	}); err != nil {
		return 0, err
	}
	m.record(ctx, productID, stage, model.LogLevelInfo, ActionResume, fmt.Sprintf("stage %d resumed", stage), nil)
	return stage, nil
}

// Takeover moves the stopped stage of a paused product straight to running,
// for a caller that runs the stage inline. The stage never passes through
// pending, so neither a scheduler nor the recovery sweep can claim it first.
func (m *Machine) Takeover(ctx context.Context, productID string, stage model.Stage) error {
	p, err := m.pausedProduct(ctx, productID, stage)
	if err != nil {
		return err
	}
	if p.CurrentStage != stage {
		return apperr.InvalidTransition("product %s is paused at stage %d, not stage %d", productID, p.CurrentStage, stage)
	}

	now := m.clock()
	ok, err := m.store.UpdatePhase(ctx, productID, stage, model.PhaseUpdate{
		From:       []model.PhaseStatus{model.PhaseStatusStopped},
		Status:     ptr(model.PhaseStatusRunning),
		Progress:   ptr(0),
		StartedAt:  &now,
		ClearError: true,
	})
	if err != nil {
		return m.storeErr(err, "take over", productID, stage)
	}
	if !ok {
		return m.refused(ctx, productID, stage, "take over")
	}

	if err := m.setProduct(ctx, productID, stage, model.ProductState{
		Status:          ptr(model.ProductStatusProcessing),
		CurrentStage:    ptr(stage),
		PipelineRunning: ptr(true),
		ErrorMessage:    ptr(""),
	}); err != nil {
		return err
	}
	m.record(ctx, productID, stage, model.LogLevelInfo, ActionStart, fmt.Sprintf("stage %d (%s) started from pause", stage, stage), nil)
	return nil
}

// pausedProduct loads a product and requires it to be paused. A cancelled
// product gets its own message.
func (m *Machine) pausedProduct(ctx context.Context, productID string, stage model.Stage) (*model.Product, error) {
	p, err := m.product(ctx, productID, stage)
	if err != nil {
		return nil, err
	}
	if p.Status != model.ProductStatusPaused {
		if p.Status == model.ProductStatusError && p.ErrorMessage == model.CancelledMessage {
			return nil, apperr.InvalidTransition("product %s was cancelled and cannot be resumed", productID)
		}
		return nil, apperr.InvalidTransition("product %s is %s, not paused", productID, p.Status)
	}
	return p, nil
}

// Retry resets a failed or stopped stage to pending, clears its error,
// increments its retry count, and schedules it. It is the manual recovery
// path, including for cancelled products.
func (m *Machine) Retry(ctx context.Context, productID string, stage model.Stage) error {
	ph, err := m.phase(ctx, productID, stage)
	if err != nil {
		return err
	}
	if !ph.Status.Retriable() {
		return apperr.InvalidTransition("stage %d of product %s is %s; only failed or stopped stages can be retried", stage, productID, ph.Status)
	}

	ok, err := m.store.UpdatePhase(ctx, productID, stage, model.PhaseUpdate{
		From:           []model.PhaseStatus{model.PhaseStatusFailed, model.PhaseStatusStopped},
		Status:         ptr(model.PhaseStatusPending),
		CanStart:       ptr(true),
		Progress:       ptr(0),
		ClearError:     true,
		IncrementRetry: true,
	})
	if err != nil {
		return m.storeErr(err, "retry", productID, stage)
	}
	if !ok {
		return m.refused(ctx, productID, stage, "retry")
	}

	if err := m.setProduct(ctx, productID, stage, model.ProductState{
		Status:          ptr(model.ProductStatusProcessing),
		CurrentStage:    ptr(stage),
		PipelineRunning: ptr(true),
		ErrorMessage:    ptr(""),
	}); err != nil {
		return err
	}
	m.record(ctx, productID, stage, model.LogLevelInfo, ActionRetry,
		fmt.Sprintf("stage %d reset for retry", stage), map[string]any{"retry_count": ph.RetryCount + 1})
	m.schedule(ctx, productID, stage)
	return nil
}

// Progress records pct (clamped to 0..100) on a running stage.
func (m *Machine) Progress(ctx context.Context, productID string, stage model.Stage, pct int) error {
	pct = min(max(pct, 0), 100)
	ok, err := m.store.UpdatePhase(ctx, productID, stage, model.PhaseUpdate{
		From:     []model.PhaseStatus{model.PhaseStatusRunning},
		Progress: &pct,
	})
	if err != nil {
		return m.storeErr(err, "progress", productID, stage)
	}
	if !ok {
		return m.refused(ctx, productID, stage, "record progress on")
	}
	m.publish(ctx, productID, stage, ActionProgress)
	return nil
}

// Schedule hands a stage to the scheduler, logging rather than returning a
// failure. The stage stays visibly pending for the recovery sweep.
func (m *Machine) Schedule(ctx context.Context, ref model.PhaseRef) {
	m.schedule(ctx, ref.ProductID, ref.Stage)
}

func (m *Machine) schedule(ctx context.Context, productID string, stage model.Stage) {
	if m.scheduler == nil {
		return
	}
	ref := model.PhaseRef{ProductID: productID, Stage: stage}
	if err := m.scheduler.Schedule(ctx, ref); err != nil {
		zap.L().Error("phase: schedule failed",
			zap.String("product_id", productID),
			zap.Int("stage", int(stage)),
			zap.Error(err),
		)
		m.record(ctx, productID, stage, model.LogLevelError, ActionScheduleError, err.Error(), nil)
		return
	}
	m.record(ctx, productID, stage, model.LogLevelDebug, ActionSchedule, fmt.Sprintf("stage %d scheduled", stage), nil)
}

// stopRunning moves whichever stage is running to stopped.
func (m *Machine) stopRunning(ctx context.Context, productID, op string) (model.Stage, error) {
	phases, err := m.store.ListPhases(ctx, productID)
	if err != nil {
		return 0, m.storeErr(err, op, productID, 0)
	}
	if len(phases) == 0 {
		return 0, apperr.NotFound("product %s not found", productID)
	}
	for _, ph := range phases {
		if ph.Status != model.PhaseStatusRunning {
			continue
		}
		now := m.clock()
		ok, err := m.store.UpdatePhase(ctx, productID, ph.Stage, model.PhaseUpdate{
			From:      []model.PhaseStatus{model.PhaseStatusRunning},
			Status:    ptr(model.PhaseStatusStopped),
			StoppedAt: &now,
		})
		if err != nil {
			return 0, m.storeErr(err, op, productID, ph.Stage)
		}
		if ok {
			return ph.Stage, nil
		}
	}
	return 0, apperr.InvalidTransition("cannot %s product %s: no stage is running", op, productID)
}

func (m *Machine) startRefusal(ctx context.Context, productID string, stage model.Stage) error {
	phases, err := m.store.ListPhases(ctx, productID)
	if err != nil {
		return m.storeErr(err, "start", productID, stage)
	}
	var target *model.PipelinePhase
	for i := range phases {
		ph := &phases[i]
		if ph.Stage == stage {
			target = ph
		} else if ph.Status == model.PhaseStatusRunning {
			return apperr.InvalidTransition("cannot start stage %d of product %s: stage %d is running", stage, productID, ph.Stage)
		}
	}
	switch {
	case target == nil:
		return apperr.NotFound("stage %d of product %s not found", stage, productID)
	case target.Status != model.PhaseStatusPending:
		return apperr.InvalidTransition("cannot start stage %d of product %s: status is %s", stage, productID, target.Status)
	case !target.CanStart && stage != model.FirstStage:
		return apperr.InvalidTransition("cannot start stage %d of product %s: stage %d has not completed", stage, productID, stage-1)
	default:
		return apperr.InvalidTransition("cannot start stage %d of product %s", stage, productID)
	}
}

// refused builds the error for a conditional update that matched no row.
func (m *Machine) refused(ctx context.Context, productID string, stage model.Stage, op string) error {
	ph, err := m.store.GetPhase(ctx, productID, stage)
	if err != nil {
		return m.storeErr(err, op, productID, stage)
	}
	if ph == nil {
		return apperr.NotFound("stage %d of product %s not found", stage, productID)
	}
	return apperr.InvalidTransition("cannot %s stage %d of product %s: status is %s", op, stage, productID, ph.Status)
}

func (m *Machine) product(ctx context.Context, productID string, stage model.Stage) (*model.Product, error) {
	if stage != 0 && !stage.Valid() {
		return nil, apperr.Validation("stage must be between %d and %d, got %d", model.FirstStage, model.LastStage, stage)
	}
	p, err := m.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, m.storeErr(err, "get product", productID, stage)
	}
	if p == nil {
		return nil, apperr.NotFound("product %s not found", productID)
	}
	return p, nil
}

func (m *Machine) phase(ctx context.Context, productID string, stage model.Stage) (*model.PipelinePhase, error) {
	if !stage.Valid() {
		return nil, apperr.Validation("stage must be between %d and %d, got %d", model.FirstStage, model.LastStage, stage)
	}
	ph, err := m.store.GetPhase(ctx, productID, stage)
	if err != nil {
		return nil, m.storeErr(err, "get phase", productID, stage)
	}
	if ph == nil {
		return nil, apperr.NotFound("stage %d of product %s not found", stage, productID)
	}
	return ph, nil
}

func (m *Machine) setProduct(ctx context.Context, productID string, stage model.Stage, state model.ProductState) error {
	if err := m.store.UpdateProductState(ctx, productID, state); err != nil {
		return m.storeErr(err, "update product", productID, stage)
	}
	return nil
}

// storeErr logs a persistence failure with its context before surfacing it.
func (m *Machine) storeErr(err error, op, productID string, stage model.Stage) error {
	if apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	zap.L().Error("phase: store error",
		zap.String("op", op),
		zap.String("product_id", productID),
		zap.Int("stage", int(stage)),
		zap.Error(err),
	)
	if apperr.Is(err, apperr.KindStore) {
		return err
	}
	return apperr.Store(err, "phase: %s", op)
}

// record appends an audit log row and publishes a change. Neither failure
// affects the transition.
func (m *Machine) record(ctx context.Context, productID string, stage model.Stage, level model.LogLevel, action, message string, details map[string]any) {
	entry := model.PipelineLog{
		ProductID: productID,
		Stage:     stage,
		Level:     level,
		Message:   message,
		Action:    action,
		Details:   details,
		CreatedAt: m.clock(),
	}
	if err := m.store.AppendLog(ctx, entry); err != nil {
		zap.L().Warn("phase: append log failed",
			zap.String("product_id", productID),
			zap.Int("stage", int(stage)),
			zap.String("action", action),
			zap.Error(err),
		)
	}
	m.publish(ctx, productID, stage, action)
}

func (m *Machine) publish(ctx context.Context, productID string, stage model.Stage, action string) {
	err := m.notifier.Publish(ctx, notify.Change{
		Table:     "pipeline_phases",
		ProductID: productID,
		Stage:     stage,
		Action:    action,
		At:        m.clock(),
	})
	if err != nil {
		zap.L().Warn("phase: notify failed",
			zap.String("product_id", productID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (m *Machine) clock() time.Time {
	return m.now().UTC()
}

func ptr[T any](v T) *T {
	return &v
}

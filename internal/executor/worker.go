package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/observability"
	"github.com/antoniostano/taskforge/internal/plan"
	"github.com/antoniostano/taskforge/internal/provider"
	"github.com/antoniostano/taskforge/internal/reliability"
	"github.com/antoniostano/taskforge/internal/task"
	"github.com/antoniostano/taskforge/internal/tools"
)

// ErrLimitExceeded marks a run that hit the wall-clock or step ceiling.
var ErrLimitExceeded = errors.New("task limit exceeded")

type WorkerConfig struct {
	ID           string
	PollInterval time.Duration

	// MaxWallClock and MaxSteps bound a single task run.
	MaxWallClock time.Duration
	MaxSteps     int

	// MaxStepAttempts bounds in-run retries of one step. Backoff between
	// attempts is deterministic and capped.
	MaxStepAttempts int
	BackoffBase     time.Duration
	BackoffCap      time.Duration

	// RateLimitPause is how long a rate-limited task sleeps before it
	// becomes claimable again.
	RateLimitPause time.Duration
}

// Worker polls for claimable tasks and drives each claimed task's plan to a
// terminal state, one task at a time. Several workers can run against the
// same store; the claim protocol keeps them from colliding.
type Worker struct {
	cfg     WorkerConfig
	mgr     *task.Manager
	store   task.Store
	builder *plan.Builder
	exec    *Executor
	metrics *observability.Metrics

	// Logf receives non-fatal worker errors. Nil means silent.
	Logf func(format string, args ...any)
}

func NewWorker(cfg WorkerConfig, mgr *task.Manager, store task.Store, builder *plan.Builder, exec *Executor, metrics *observability.Metrics) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxWallClock <= 0 {
		cfg.MaxWallClock = 300 * time.Second
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 20
	}
	if cfg.MaxStepAttempts <= 0 {
		cfg.MaxStepAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	if cfg.RateLimitPause <= 0 {
		cfg.RateLimitPause = time.Minute
	}
	return &Worker{cfg: cfg, mgr: mgr, store: store, builder: builder, exec: exec, metrics: metrics}
}

func (w *Worker) ID() string { return w.cfg.ID }

// Run claims and executes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w.metrics != nil {
		w.metrics.ActiveWorkers.Inc()
		defer w.metrics.ActiveWorkers.Dec()
	}
	for {
		t, err := w.mgr.Claim(ctx, w.cfg.ID)
		switch {
		case err == nil:
			w.drive(ctx, t)
		case errors.Is(err, task.ErrNothingToClaim):
			// idle
		default:
			w.logf("worker %s: claim: %v", w.cfg.ID, err)
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

type stepResult int

const (
	stepDone stepResult = iota
	stepFailed
	stepPaused
	stepAborted
)

// drive runs one claimed task until it succeeds, fails, pauses, or the
// run is aborted. An aborted run leaves the task to the lease sweeper.
func (w *Worker) drive(ctx context.Context, t task.Task) {
	started := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeatLoop(runCtx, cancel, t.ID)

	p, err := w.loadPlan(runCtx, &t)
	if err != nil {
		w.failTask(runCtx, t, task.TaskError{
			Code:    "plan_build_failed",
			Message: fmt.Sprintf("plan for task %s: %v", t.ID, err),
			Class:   task.FaultUser,
		})
		return
	}

	ectx := plan.NewExecutionContext(t.ID, t.UserID, t.Input.Text, t.Input.Payload)
	notified := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status == plan.StepStatusDone {
			ectx.Record(s.Name, s.Result)
		}
		if s.Status.Terminal() {
			notified[s.ID] = true
		}
	}

	var failure *task.TaskError

	if t.Resolution != nil {
		res := w.applyResolution(runCtx, &t, &p, ectx, &failure)
		if res == stepPaused || res == stepAborted {
			return
		}
	}

	stepsRun := 0
	for {
		if runCtx.Err() != nil {
			return
		}
		if cancelled, err := w.mgr.Cancelled(runCtx, t.ID); err != nil || cancelled {
			return
		}

		step, ok, perr := plan.NextRunnable(&p)
		w.notifySkipped(runCtx, t, &p, notified)
		if perr != nil {
			failure = &task.TaskError{
				Code:    "plan_corrupt",
				Message: fmt.Sprintf("plan %s: %v", p.ID, perr),
				Class:   task.FaultSystem,
			}
			break
		}
		if !ok {
			break
		}
		if time.Since(started) > w.cfg.MaxWallClock {
			failure = limitFailure(fmt.Sprintf("%v: wall clock over %s", ErrLimitExceeded, w.cfg.MaxWallClock))
			break
		}
		if stepsRun >= w.cfg.MaxSteps {
			failure = limitFailure(fmt.Sprintf("%v: more than %d steps", ErrLimitExceeded, w.cfg.MaxSteps))
			break
		}
		stepsRun++

		switch w.runStep(runCtx, t, &p, step, ectx, false, &failure) {
		case stepPaused, stepAborted:
			return
		}
	}

	if failure != nil || p.Failed() {
		if failure == nil {
			failure = planFailure(&p)
		}
		w.failTask(runCtx, t, *failure)
		return
	}
	if _, err := w.mgr.Succeed(runCtx, t.ID, w.cfg.ID, p.FinalResult()); err != nil {
		w.logf("worker %s: succeed task %s: %v", w.cfg.ID, t.ID, err)
	}
}

// applyResolution feeds a resolved approval back into the step that asked
// for it. Approve on a policy-gated tool call executes the call; approve or
// edit on an approval gate completes the gate with the resolved content.
func (w *Worker) applyResolution(ctx context.Context, t *task.Task, p *plan.Plan, ectx *plan.ExecutionContext, failure **task.TaskError) stepResult {
	step := p.Step(t.CurrentStepID)
	if step == nil || step.Status.Terminal() {
		return stepDone
	}

	if t.Resolution.Decision == task.DecisionReject {
		now := time.Now().UTC()
		step.Status = plan.StepStatusFailed
		step.Error = "approval rejected"
		step.EndedAt = &now
		w.savePlan(ctx, *p)
		w.stepEvent(ctx, *t, step, task.EventStepFailed, step.Error)
		*failure = &task.TaskError{
			Code:    "approval_rejected",
			Message: fmt.Sprintf("step %s: approval rejected", step.Name),
			Class:   task.FaultUser,
		}
		return stepFailed
	}

	if step.Kind == plan.ActionToolCall {
		return w.runStep(ctx, *t, p, step, ectx, true, failure)
	}

	now := time.Now().UTC()
	step.Status = plan.StepStatusDone
	step.Result = t.Resolution.Content
	step.EndedAt = &now
	ectx.Record(step.Name, step.Result)
	w.savePlan(ctx, *p)
	w.stepEvent(ctx, *t, step, task.EventStepCompleted, "")
	return stepDone
}

func (w *Worker) runStep(ctx context.Context, t task.Task, p *plan.Plan, step *plan.Step, ectx *plan.ExecutionContext, approvalGranted bool, failure **task.TaskError) stepResult {
	now := time.Now().UTC()
	step.Status = plan.StepStatusRunning
	step.StartedAt = &now
	if err := w.mgr.SetCurrentStep(ctx, t.ID, w.cfg.ID, step.ID); err != nil {
		return stepAborted
	}
	w.savePlan(ctx, *p)
	w.stepEvent(ctx, t, step, task.EventStepStarted, "")

	begin := time.Now()
	var out StepOutcome
	var err error
	for attempt := 1; attempt <= w.cfg.MaxStepAttempts; attempt++ {
		step.Attempts = attempt
		out, err = w.exec.Execute(ctx, t, step, ectx, approvalGranted)
		if err == nil {
			break
		}
		// Rate limits pause the whole task instead of burning retries.
		if errors.Is(err, guard.ErrRateLimited) {
			break
		}
		if !reliability.Retryable(err) || attempt == w.cfg.MaxStepAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return stepAborted
		case <-time.After(reliability.ExponentialBackoff(attempt, w.cfg.BackoffBase, w.cfg.BackoffCap)):
		}
	}
	w.metrics.ObserveStepLatency(time.Since(begin))

	if err != nil {
		if errors.Is(err, guard.ErrRateLimited) {
			step.Status = plan.StepStatusPending
			step.StartedAt = nil
			w.savePlan(ctx, *p)
			resumeAt := time.Now().UTC().Add(w.cfg.RateLimitPause)
			if _, perr := w.mgr.Pause(ctx, t.ID, w.cfg.ID, task.PauseReasonRateLimit, "", &resumeAt); perr != nil {
				w.logf("worker %s: pause task %s: %v", w.cfg.ID, t.ID, perr)
				return stepAborted
			}
			return stepPaused
		}
		end := time.Now().UTC()
		step.Status = plan.StepStatusFailed
		step.Error = err.Error()
		step.EndedAt = &end
		w.savePlan(ctx, *p)
		w.stepEvent(ctx, t, step, task.EventStepFailed, step.Error)
		terr := stepFailure(step, err)
		*failure = &terr
		return stepFailed
	}

	if out.Paused {
		// The step stays pending; it re-runs when the task is re-claimed,
		// this time with the resolution in hand.
		step.Status = plan.StepStatusPending
		step.StartedAt = nil
		w.savePlan(ctx, *p)
		if _, perr := w.mgr.Pause(ctx, t.ID, w.cfg.ID, out.PauseReason, out.PendingContent, out.ResumeAt); perr != nil {
			w.logf("worker %s: pause task %s: %v", w.cfg.ID, t.ID, perr)
			return stepAborted
		}
		return stepPaused
	}

	end := time.Now().UTC()
	step.Status = plan.StepStatusDone
	step.Result = out.Result
	step.EndedAt = &end
	ectx.Record(step.Name, out.Result)
	w.savePlan(ctx, *p)
	w.stepEvent(ctx, t, step, task.EventStepCompleted, "")
	return stepDone
}

// loadPlan fetches the task's existing plan, or builds and pins one on
// first claim. A task that already has a plan never gets a new one.
func (w *Worker) loadPlan(ctx context.Context, t *task.Task) (plan.Plan, error) {
	if t.PlanID != "" {
		p, err := w.store.GetPlan(ctx, t.PlanID)
		if err != nil {
			return plan.Plan{}, fmt.Errorf("load plan %s: %w", t.PlanID, err)
		}
		return p, nil
	}
	p, err := w.builder.Build(t.ID, t.Type)
	if err != nil {
		return plan.Plan{}, err
	}
	if err := w.store.SavePlan(ctx, p); err != nil {
		return plan.Plan{}, fmt.Errorf("save plan: %w", err)
	}
	if _, err := w.mgr.SetPlan(ctx, t.ID, w.cfg.ID, p.ID); err != nil {
		return plan.Plan{}, err
	}
	t.PlanID = p.ID
	return p, nil
}

// heartbeatLoop renews the lease while the run is in flight and cancels
// the run when the lease is lost to the sweeper.
func (w *Worker) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, taskID string) {
	interval := w.mgr.LeaseTTL() / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.mgr.Heartbeat(ctx, taskID, w.cfg.ID)
			if errors.Is(err, task.ErrLeaseLost) || errors.Is(err, task.ErrTaskNotFound) {
				w.logf("worker %s: lease lost on task %s", w.cfg.ID, taskID)
				cancel()
				return
			}
		}
	}
}

func (w *Worker) notifySkipped(ctx context.Context, t task.Task, p *plan.Plan, notified map[string]bool) {
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status != plan.StepStatusSkipped || notified[s.ID] {
			continue
		}
		notified[s.ID] = true
		w.savePlan(ctx, *p)
		w.stepEvent(ctx, t, s, task.EventStepSkipped, "")
	}
}

func (w *Worker) failTask(ctx context.Context, t task.Task, terr task.TaskError) {
	if _, _, err := w.mgr.Fail(ctx, t.ID, w.cfg.ID, terr); err != nil {
		w.logf("worker %s: fail task %s: %v", w.cfg.ID, t.ID, err)
	}
}

func (w *Worker) savePlan(ctx context.Context, p plan.Plan) {
	if err := w.store.SavePlan(ctx, p); err != nil {
		w.logf("worker %s: save plan %s: %v", w.cfg.ID, p.ID, err)
	}
}

func (w *Worker) stepEvent(ctx context.Context, t task.Task, step *plan.Step, typ task.EventType, detail string) {
	evt := task.Event{
		Type:     typ,
		TaskID:   t.ID,
		UserID:   t.UserID,
		StepID:   step.ID,
		StepName: step.Name,
		Detail:   detail,
		At:       time.Now().UTC(),
	}
	w.mgr.PublishStepEvent(ctx, evt)
	w.metrics.ObserveTaskEvent(string(typ))
}

func (w *Worker) logf(format string, args ...any) {
	if w.Logf != nil {
		w.Logf(format, args...)
	}
}

func limitFailure(msg string) *task.TaskError {
	return &task.TaskError{Code: "limit_exceeded", Message: msg, Class: task.FaultUser}
}

// planFailure reconstructs a task error from a plan that was already
// failed when the run resumed.
func planFailure(p *plan.Plan) *task.TaskError {
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status == plan.StepStatusFailed && !s.Optional {
			return &task.TaskError{
				Code:    "step_failed",
				Message: fmt.Sprintf("step %s: %s", s.Name, s.Error),
				Class:   task.FaultSystem,
			}
		}
	}
	return &task.TaskError{Code: "step_failed", Message: "plan failed", Class: task.FaultSystem}
}

func stepFailure(step *plan.Step, err error) task.TaskError {
	terr := task.TaskError{
		Message: fmt.Sprintf("step %s: %v", step.Name, err),
		Class:   task.FaultSystem,
	}
	switch {
	case errors.Is(err, guard.ErrBudgetExceeded):
		terr.Code = "budget_exceeded"
		terr.Class = task.FaultUser
	case errors.Is(err, provider.ErrProviderTimeout):
		terr.Code = "provider_timeout"
		terr.Retryable = true
	case errors.Is(err, provider.ErrProvider):
		terr.Code = "provider_error"
		terr.Retryable = true
	case errors.Is(err, tools.ErrToolTimeout):
		terr.Code = "tool_timeout"
		terr.Retryable = true
	case errors.Is(err, tools.ErrToolNotFound):
		terr.Code = "tool_not_found"
		terr.Class = task.FaultUser
	case errors.Is(err, tools.ErrPolicyViolation):
		terr.Code = "policy_violation"
		terr.Class = task.FaultUser
	case errors.Is(err, tools.ErrToolError):
		terr.Code = "tool_error"
		terr.Retryable = true
	case errors.Is(err, plan.ErrInvalidStepInput):
		terr.Code = "invalid_step_input"
		terr.Class = task.FaultUser
	default:
		terr.Code = "step_failed"
	}
	return terr
}

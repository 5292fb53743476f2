package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrQuotaExceeded     = errors.New("per-user task quota exceeded")
	ErrNothingToClaim    = errors.New("nothing to claim")
	ErrLeaseLost         = errors.New("task lease lost")
)

type ManagerConfig struct {
	LeaseTTL          time.Duration
	MaxActivePerUser  int
	DefaultMaxRetries int
}

// Manager owns the task state machine. Every transition is a compare-and-set
// against the store, so concurrent managers over the same store stay safe;
// the in-process state here is only the event subscriber fan-out.
type Manager struct {
	cfg   ManagerConfig
	store Store

	mu          sync.Mutex
	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func NewManager(cfg ManagerConfig, store Store) *Manager {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.MaxActivePerUser <= 0 {
		cfg.MaxActivePerUser = 10
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	return &Manager{
		cfg:         cfg,
		store:       store,
		subscribers: make(map[string]map[int]chan Event),
	}
}

func (m *Manager) LeaseTTL() time.Duration {
	return m.cfg.LeaseTTL
}

// Subscribe returns a live event feed for one user's tasks plus a cancel
// func. Slow consumers drop events rather than block transitions.
func (m *Manager) Subscribe(userID string) (<-chan Event, func()) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if _, ok := m.subscribers[userID]; !ok {
		m.subscribers[userID] = make(map[int]chan Event)
	}
	m.subscribers[userID][id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[userID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(m.subscribers, userID)
		}
	}
}

// Enqueue validates the per-user quota, creates the task, and moves it to
// queued. The returned snapshot is already in queued state.
func (m *Manager) Enqueue(ctx context.Context, userID, taskType string, input Input) (Task, error) {
	userID = strings.TrimSpace(userID)
	taskType = strings.TrimSpace(taskType)
	if userID == "" {
		return Task{}, errors.New("user_id is required")
	}
	if taskType == "" {
		return Task{}, errors.New("task type is required")
	}

	active, err := m.store.CountActiveByUser(ctx, userID)
	if err != nil {
		return Task{}, fmt.Errorf("count active tasks: %w", err)
	}
	if active >= m.cfg.MaxActivePerUser {
		return Task{}, fmt.Errorf("%w: %d active tasks (limit %d)", ErrQuotaExceeded, active, m.cfg.MaxActivePerUser)
	}

	// One durable write: persisting created and then promoting it would
	// strand the task forever if the process died in between, and nothing
	// sweeps created.
	now := time.Now().UTC()
	t := Task{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       taskType,
		Input:      input,
		State:      StateQueued,
		MaxRetries: m.cfg.DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	m.publish(ctx, Event{Type: EventTaskCreated, TaskID: t.ID, UserID: t.UserID, State: StateCreated, At: now})
	m.publish(ctx, Event{Type: EventTaskEnqueued, TaskID: t.ID, UserID: t.UserID, State: t.State, At: now})
	return t.Clone(), nil
}

// Claim atomically takes ownership of the next eligible task for workerID.
// Exactly one of N concurrent claimers wins any given task.
func (m *Manager) Claim(ctx context.Context, workerID string) (Task, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return Task{}, errors.New("worker_id is required")
	}
	now := time.Now().UTC()
	t, err := m.store.ClaimNext(ctx, workerID, now.Add(m.cfg.LeaseTTL))
	if err != nil {
		if errors.Is(err, ErrNoClaimable) {
			return Task{}, ErrNothingToClaim
		}
		return Task{}, fmt.Errorf("claim task: %w", err)
	}

	if t.PauseReason != "" {
		m.publish(ctx, Event{Type: EventTaskResumed, TaskID: t.ID, UserID: t.UserID, State: t.State,
			Code: string(t.PauseReason), At: now})
	}
	m.publish(ctx, Event{Type: EventTaskClaimed, TaskID: t.ID, UserID: t.UserID, State: t.State,
		Detail: workerID, At: now})
	return t.Clone(), nil
}

// Heartbeat renews the caller's lease on a running task.
func (m *Manager) Heartbeat(ctx context.Context, taskID, workerID string) error {
	now := time.Now().UTC()
	err := m.store.RenewLease(ctx, taskID, workerID, now.Add(m.cfg.LeaseTTL))
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return ErrLeaseLost
		}
		if errors.Is(err, ErrStoreNotFound) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}

// Pause suspends a running task owned by workerID. For approval pauses the
// pending content travels with the task so the approval surface can show it.
func (m *Manager) Pause(ctx context.Context, taskID, workerID string, reason PauseReason, pendingContent string, resumeAt *time.Time) (Task, error) {
	t, err := m.load(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.State != StateRunning {
		return Task{}, fmt.Errorf("%w: pause requires running, got %s", ErrInvalidTransition, t.State)
	}
	if workerID != "" && t.WorkerID != workerID {
		return Task{}, ErrLeaseLost
	}

	now := time.Now().UTC()
	from := t.State
	t.State = StatePaused
	t.WorkerID = ""
	t.LeaseExpiresAt = nil
	t.PauseReason = reason
	t.PendingContent = pendingContent
	t.Resolution = nil
	t.ResumeReady = false
	t.ResumeAt = resumeAt
	t.UpdatedAt = now
	if err := m.store.UpdateTask(ctx, t, from); err != nil {
		return Task{}, m.transitionErr(err)
	}

	m.publish(ctx, Event{Type: EventTaskPaused, TaskID: t.ID, UserID: t.UserID, State: t.State,
		Code: string(reason), At: now})
	if reason == PauseReasonApproval {
		m.publish(ctx, Event{Type: EventApprovalRequested, TaskID: t.ID, UserID: t.UserID, State: t.State,
			Detail: pendingContent, At: now})
	}
	return t.Clone(), nil
}

// ResolveApproval records the human decision on a task paused for approval
// and marks it claimable again. The worker that re-claims it feeds the
// resolved content into the approval step.
func (m *Manager) ResolveApproval(ctx context.Context, taskID string, decision ApprovalDecision, editedContent string) (Task, error) {
	switch decision {
	case DecisionApprove, DecisionReject, DecisionEdit:
	default:
		return Task{}, fmt.Errorf("invalid approval decision %q", decision)
	}

	t, err := m.load(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.State != StatePaused || t.PauseReason != PauseReasonApproval {
		return Task{}, fmt.Errorf("%w: task is not awaiting approval", ErrInvalidTransition)
	}
	if t.Resolution != nil {
		return Task{}, fmt.Errorf("%w: approval already resolved", ErrInvalidTransition)
	}

	now := time.Now().UTC()
	content := t.PendingContent
	switch decision {
	case DecisionEdit:
		content = editedContent
	case DecisionReject:
		content = ""
	}
	t.Resolution = &ApprovalResolution{Decision: decision, Content: content, ResolvedAt: now}
	t.ResumeReady = true
	t.ResumeAt = nil
	t.UpdatedAt = now
	if err := m.store.RecordResolution(ctx, t); err != nil {
		return Task{}, m.transitionErr(err)
	}

	m.publish(ctx, Event{Type: EventApprovalResolved, TaskID: t.ID, UserID: t.UserID, State: t.State,
		Code: string(decision), At: now})
	return t.Clone(), nil
}

// Succeed completes a running task with its result.
func (m *Manager) Succeed(ctx context.Context, taskID, workerID, result string) (Task, error) {
	t, err := m.load(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.State != StateRunning {
		return Task{}, fmt.Errorf("%w: succeed requires running, got %s", ErrInvalidTransition, t.State)
	}
	if workerID != "" && t.WorkerID != workerID {
		return Task{}, ErrLeaseLost
	}

	now := time.Now().UTC()
	from := t.State
	t.State = StateSucceeded
	t.Result = result
	t.Error = nil
	t.WorkerID = ""
	t.LeaseExpiresAt = nil
	t.clearPause()
	t.UpdatedAt = now
	t.EndedAt = &now
	if err := m.store.UpdateTask(ctx, t, from); err != nil {
		return Task{}, m.transitionErr(err)
	}

	m.publish(ctx, Event{Type: EventTaskSucceeded, TaskID: t.ID, UserID: t.UserID, State: t.State,
		Result: result, At: now})
	return t.Clone(), nil
}

// Fail terminates a running task with a structured error. Retryable
// failures with retries remaining spawn a fresh queued task carrying the
// retry lineage; the second return value is that task when one was created.
func (m *Manager) Fail(ctx context.Context, taskID, workerID string, terr TaskError) (Task, *Task, error) {
	t, err := m.load(ctx, taskID)
	if err != nil {
		return Task{}, nil, err
	}
	if t.State != StateRunning {
		return Task{}, nil, fmt.Errorf("%w: fail requires running, got %s", ErrInvalidTransition, t.State)
	}
	if workerID != "" && t.WorkerID != workerID {
		return Task{}, nil, ErrLeaseLost
	}

	now := time.Now().UTC()
	from := t.State
	t.State = StateFailed
	t.Result = ""
	t.Error = &terr
	t.WorkerID = ""
	t.LeaseExpiresAt = nil
	t.clearPause()
	t.UpdatedAt = now
	t.EndedAt = &now
	if err := m.store.UpdateTask(ctx, t, from); err != nil {
		return Task{}, nil, m.transitionErr(err)
	}
	m.publish(ctx, Event{Type: EventTaskFailed, TaskID: t.ID, UserID: t.UserID, State: t.State,
		Code: terr.Code, Detail: terr.Message, At: now})

	if !terr.Retryable || t.RetryCount >= t.MaxRetries {
		return t.Clone(), nil, nil
	}

	retry := Task{
		ID:         uuid.NewString(),
		UserID:     t.UserID,
		Type:       t.Type,
		Input:      t.Input,
		State:      StateQueued,
		RetryOf:    t.ID,
		RetryCount: t.RetryCount + 1,
		MaxRetries: t.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateTask(ctx, retry); err != nil {
		return t.Clone(), nil, fmt.Errorf("re-enqueue retry: %w", err)
	}
	m.publish(ctx, Event{Type: EventTaskRequeued, TaskID: retry.ID, UserID: retry.UserID, State: retry.State,
		Code: "retry", Detail: fmt.Sprintf("retry %d/%d of %s", retry.RetryCount, retry.MaxRetries, t.ID), At: now})
	out := retry.Clone()
	return t.Clone(), &out, nil
}

// Cancel terminates a task from any non-terminal state. Cancelling an
// already cancelled task is a no-op; other terminal states reject.
func (m *Manager) Cancel(ctx context.Context, taskID, reason string) (Task, error) {
	t, err := m.load(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.State == StateCancelled {
		return t.Clone(), nil
	}
	if t.Terminal() {
		return Task{}, fmt.Errorf("%w: cannot cancel %s task", ErrInvalidTransition, t.State)
	}

	now := time.Now().UTC()
	from := t.State
	t.State = StateCancelled
	t.Error = &TaskError{Code: "cancelled", Message: strings.TrimSpace(reason), Class: FaultUser}
	t.WorkerID = ""
	t.LeaseExpiresAt = nil
	t.clearPause()
	t.UpdatedAt = now
	t.EndedAt = &now
	if err := m.store.UpdateTask(ctx, t, from); err != nil {
		return Task{}, m.transitionErr(err)
	}

	m.publish(ctx, Event{Type: EventTaskCancelled, TaskID: t.ID, UserID: t.UserID, State: t.State,
		Detail: strings.TrimSpace(reason), At: now})
	return t.Clone(), nil
}

// Cancelled reports whether the task has been cancelled out from under a
// worker. Workers call this at every step boundary.
func (m *Manager) Cancelled(ctx context.Context, taskID string) (bool, error) {
	t, err := m.load(ctx, taskID)
	if err != nil {
		return false, err
	}
	return t.State == StateCancelled, nil
}

// Sweep requeues running tasks with expired leases and promotes paused
// tasks whose backoff window has elapsed. It returns how many tasks it
// made claimable again.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	requeued := 0

	expired, err := m.store.ExpiredLeases(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}
	for _, t := range expired {
		swept, err := m.store.RequeueIfExpired(ctx, t.ID, now)
		if err != nil {
			// Renewed or transitioned in the interim; not ours to move.
			if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrStoreNotFound) {
				continue
			}
			return requeued, fmt.Errorf("requeue expired task %s: %w", t.ID, err)
		}
		requeued++
		m.publish(ctx, Event{Type: EventTaskRequeued, TaskID: swept.ID, UserID: swept.UserID,
			State: swept.State, Code: "lease_expired", At: now})
	}

	due, err := m.store.DuePaused(ctx, now)
	if err != nil {
		return requeued, fmt.Errorf("list due paused tasks: %w", err)
	}
	for _, t := range due {
		t.ResumeReady = true
		t.ResumeAt = nil
		t.UpdatedAt = now
		if err := m.store.UpdateTask(ctx, t, StatePaused); err != nil {
			if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrStoreNotFound) {
				continue
			}
			return requeued, fmt.Errorf("promote paused task %s: %w", t.ID, err)
		}
		requeued++
	}
	return requeued, nil
}

// StartSweeper runs Sweep on a fixed interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration, onError func(error)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Sweep(ctx); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
}

// SetPlan records the plan now driving the task.
func (m *Manager) SetPlan(ctx context.Context, taskID, workerID, planID string) (Task, error) {
	t, err := m.load(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.State != StateRunning {
		return Task{}, fmt.Errorf("%w: plan assignment requires running, got %s", ErrInvalidTransition, t.State)
	}
	if workerID != "" && t.WorkerID != workerID {
		return Task{}, ErrLeaseLost
	}
	now := time.Now().UTC()
	t.PlanID = planID
	t.UpdatedAt = now
	if err := m.store.UpdateTask(ctx, t, StateRunning); err != nil {
		return Task{}, m.transitionErr(err)
	}
	return t.Clone(), nil
}

// SetCurrentStep records the step a running task is executing.
func (m *Manager) SetCurrentStep(ctx context.Context, taskID, workerID, stepID string) error {
	t, err := m.load(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State != StateRunning {
		return fmt.Errorf("%w: step assignment requires running, got %s", ErrInvalidTransition, t.State)
	}
	if workerID != "" && t.WorkerID != workerID {
		return ErrLeaseLost
	}
	t.CurrentStepID = stepID
	t.UpdatedAt = time.Now().UTC()
	return m.transitionErrOrNil(m.store.UpdateTask(ctx, t, StateRunning))
}

func (m *Manager) Get(ctx context.Context, taskID string) (Task, error) {
	return m.load(ctx, taskID)
}

func (m *Manager) ListByUser(ctx context.Context, userID string, limit int) ([]Task, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	out, err := m.store.ListTasksByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func (m *Manager) ListEvents(ctx context.Context, taskID string, limit int) ([]Event, error) {
	if _, err := m.load(ctx, taskID); err != nil {
		return nil, err
	}
	events, err := m.store.ListEvents(ctx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// PublishStepEvent records a step-level transition in the task event log.
func (m *Manager) PublishStepEvent(ctx context.Context, evt Event) {
	m.publish(ctx, evt)
}

func (m *Manager) load(ctx context.Context, taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, errors.New("task_id is required")
	}
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (m *Manager) transitionErr(err error) error {
	if errors.Is(err, ErrStateConflict) {
		return fmt.Errorf("%w: concurrent transition", ErrInvalidTransition)
	}
	if errors.Is(err, ErrStoreNotFound) {
		return ErrTaskNotFound
	}
	return fmt.Errorf("update task: %w", err)
}

func (m *Manager) transitionErrOrNil(err error) error {
	if err == nil {
		return nil
	}
	return m.transitionErr(err)
}

func (t *Task) clearPause() {
	t.PauseReason = ""
	t.PendingContent = ""
	t.Resolution = nil
	t.ResumeReady = false
	t.ResumeAt = nil
}

// publish appends the event to the audit log and fans it out to live
// subscribers. Audit failures never break the transition that caused them.
func (m *Manager) publish(ctx context.Context, evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	_ = m.store.AppendEvent(ctx, evt)

	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[evt.UserID]
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

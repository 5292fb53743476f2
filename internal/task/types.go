package task

import "time"

type State string

const (
	StateCreated   State = "created"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// FaultClass separates "your input or limits caused this" from "the system
// failed", so callers know whether to retry, adjust input, or wait.
type FaultClass string

const (
	FaultUser   FaultClass = "user"
	FaultSystem FaultClass = "system"
)

type TaskError struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Class   FaultClass `json:"class"`
	// Retryable marks failures worth re-running the whole pipeline for.
	// Structural faults and policy rejections keep it false.
	Retryable bool `json:"retryable,omitempty"`
}

type Input struct {
	Text    string            `json:"text,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

type PauseReason string

const (
	PauseReasonApproval  PauseReason = "approval"
	PauseReasonRateLimit PauseReason = "rate_limit"
	PauseReasonExternal  PauseReason = "external"
)

type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
	DecisionEdit    ApprovalDecision = "edit"
)

type ApprovalResolution struct {
	Decision   ApprovalDecision `json:"decision"`
	Content    string           `json:"content,omitempty"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

type Task struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Type   string `json:"type"`
	Input  Input  `json:"input"`
	State  State  `json:"state"`

	PlanID        string `json:"plan_id,omitempty"`
	CurrentStepID string `json:"current_step_id,omitempty"`

	Result string     `json:"result,omitempty"`
	Error  *TaskError `json:"error,omitempty"`

	// Lease fields are set only while running.
	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// Pause bookkeeping.
	PauseReason    PauseReason         `json:"pause_reason,omitempty"`
	PendingContent string              `json:"pending_content,omitempty"`
	Resolution     *ApprovalResolution `json:"resolution,omitempty"`
	ResumeReady    bool                `json:"resume_ready,omitempty"`
	ResumeAt       *time.Time          `json:"resume_at,omitempty"`

	// Retry lineage: a re-enqueued task points back at the attempt it
	// replaces and carries the bounded counter forward.
	RetryOf    string `json:"retry_of,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (t Task) Clone() Task {
	out := t
	if t.Input.Payload != nil {
		out.Input.Payload = make(map[string]string, len(t.Input.Payload))
		for k, v := range t.Input.Payload {
			out.Input.Payload[k] = v
		}
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	if t.Resolution != nil {
		r := *t.Resolution
		out.Resolution = &r
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.State {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskEnqueued      EventType = "task_enqueued"
	EventTaskClaimed       EventType = "task_claimed"
	EventTaskPaused        EventType = "task_paused"
	EventTaskResumed       EventType = "task_resumed"
	EventTaskRequeued      EventType = "task_requeued"
	EventTaskSucceeded     EventType = "task_succeeded"
	EventTaskFailed        EventType = "task_failed"
	EventTaskCancelled     EventType = "task_cancelled"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventStepSkipped       EventType = "step_skipped"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
)

type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	TaskID   string    `json:"task_id"`
	UserID   string    `json:"user_id"`
	StepID   string    `json:"step_id,omitempty"`
	StepName string    `json:"step_name,omitempty"`
	State    State     `json:"state,omitempty"`
	Code     string    `json:"code,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Result   string    `json:"result,omitempty"`
	At       time.Time `json:"at"`
}

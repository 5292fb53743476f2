package task

import (
	"context"
	"errors"
	"time"

	"github.com/antoniostano/taskforge/internal/plan"
)

var (
	ErrStoreNotFound = errors.New("task not found in store")
	ErrStateConflict = errors.New("task state conflict")
	ErrNoClaimable   = errors.New("no claimable task")
)

// Store is the durable record of tasks, plans, and events. The task row is
// the single serialization point per task: every state transition goes
// through a compare-and-set on the current state.
type Store interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasksByUser(ctx context.Context, userID string, limit int) ([]Task, error)

	// CountActiveByUser counts the user's tasks in queued, running, or
	// paused state, for quota enforcement at enqueue time.
	CountActiveByUser(ctx context.Context, userID string) (int, error)

	// UpdateTask writes t if and only if the stored state still equals
	// expect. On mismatch it returns ErrStateConflict and leaves the
	// stored task unchanged.
	UpdateTask(ctx context.Context, t Task, expect State) error

	// ClaimNext atomically takes ownership of one eligible task: a queued
	// task, or a paused task marked resume-ready. Exactly one concurrent
	// claimer wins per task. The claimed task comes back in running state
	// with the worker id and lease expiry set. ErrNoClaimable when no
	// task is eligible.
	ClaimNext(ctx context.Context, workerID string, leaseExpiry time.Time) (Task, error)

	// RenewLease extends the lease of a running task owned by workerID.
	// ErrStateConflict if the task is no longer running or the lease is
	// held by a different worker.
	RenewLease(ctx context.Context, taskID, workerID string, leaseExpiry time.Time) error

	// ExpiredLeases lists running tasks whose lease expiry is strictly
	// before now, evaluated against stored state at call time.
	ExpiredLeases(ctx context.Context, now time.Time) ([]Task, error)

	// RequeueIfExpired moves a running task back to queued if and only if
	// its lease is still expired at execution time. A lease renewed by a
	// heartbeat in the interim makes this return ErrStateConflict.
	RequeueIfExpired(ctx context.Context, taskID string, now time.Time) (Task, error)

	// DuePaused lists paused tasks whose resume-at time has passed and
	// that are not yet resume-ready.
	DuePaused(ctx context.Context, now time.Time) ([]Task, error)

	// RecordResolution writes t if and only if the stored task is still
	// paused with no resolution recorded. A concurrent resolution that
	// got there first makes this return ErrStateConflict.
	RecordResolution(ctx context.Context, t Task) error

	SavePlan(ctx context.Context, p plan.Plan) error
	GetPlan(ctx context.Context, planID string) (plan.Plan, error)

	AppendEvent(ctx context.Context, evt Event) error
	ListEvents(ctx context.Context, taskID string, limit int) ([]Event, error)

	Close() error
}

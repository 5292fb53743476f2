package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/plan"
	"github.com/antoniostano/taskforge/internal/task"
)

// PostgresStore keeps tasks, plans, events, and the usage ledger in
// Postgres. Claims and state transitions ride on row-level locking, so any
// number of worker processes can share one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			input JSONB NOT NULL DEFAULT '{}',
			state TEXT NOT NULL,
			plan_id TEXT NOT NULL DEFAULT '',
			current_step_id TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error JSONB NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMPTZ NULL,
			pause_reason TEXT NOT NULL DEFAULT '',
			pending_content TEXT NOT NULL DEFAULT '',
			resolution JSONB NULL,
			resume_ready BOOLEAN NOT NULL DEFAULT FALSE,
			resume_at TIMESTAMPTZ NULL,
			retry_of TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks (user_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON tasks (state, resume_ready, created_at);`,
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			steps JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			task_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			step_name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task_at ON task_events (task_id, at);`,
		`CREATE TABLE IF NOT EXISTS usage_ledger (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_ledger_user_at ON usage_ledger (user_id, at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const taskColumns = `id, user_id, type, input, state, plan_id, current_step_id, result, error,
	worker_id, lease_expires_at, pause_reason, pending_content, resolution, resume_ready, resume_at,
	retry_of, retry_count, max_retries, created_at, updated_at, started_at, ended_at`

func (s *PostgresStore) CreateTask(ctx context.Context, t task.Task) error {
	input, errJSON, resJSON, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
		)`,
		t.ID, t.UserID, t.Type, input, string(t.State), t.PlanID, t.CurrentStepID, t.Result, errJSON,
		t.WorkerID, t.LeaseExpiresAt, string(t.PauseReason), t.PendingContent, resJSON, t.ResumeReady, t.ResumeAt,
		t.RetryOf, t.RetryCount, t.MaxRetries, t.CreatedAt, t.UpdatedAt, t.StartedAt, t.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrStoreNotFound
		}
		return task.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasksByUser(ctx context.Context, userID string, limit int) ([]task.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]task.Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE user_id=$1 AND state IN ('queued','running','paused')`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t task.Task, expect task.State) error {
	input, errJSON, resJSON, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET
			input=$3, state=$4, plan_id=$5, current_step_id=$6, result=$7, error=$8,
			worker_id=$9, lease_expires_at=$10, pause_reason=$11, pending_content=$12,
			resolution=$13, resume_ready=$14, resume_at=$15, retry_of=$16, retry_count=$17,
			max_retries=$18, updated_at=$19, started_at=$20, ended_at=$21
		WHERE id=$1 AND state=$2`,
		t.ID, string(expect),
		input, string(t.State), t.PlanID, t.CurrentStepID, t.Result, errJSON,
		t.WorkerID, t.LeaseExpiresAt, string(t.PauseReason), t.PendingContent,
		resJSON, t.ResumeReady, t.ResumeAt, t.RetryOf, t.RetryCount,
		t.MaxRetries, t.UpdatedAt, t.StartedAt, t.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, t.ID)
	}
	return nil
}

func (s *PostgresStore) RecordResolution(ctx context.Context, t task.Task) error {
	input, errJSON, resJSON, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	// resolution IS NULL in the predicate closes the window between two
	// concurrent resolutions: only the first writer finds the row.
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET
			input=$2, state=$3, plan_id=$4, current_step_id=$5, result=$6, error=$7,
			worker_id=$8, lease_expires_at=$9, pause_reason=$10, pending_content=$11,
			resolution=$12, resume_ready=$13, resume_at=$14, retry_of=$15, retry_count=$16,
			max_retries=$17, updated_at=$18, started_at=$19, ended_at=$20
		WHERE id=$1 AND state='paused' AND resolution IS NULL`,
		t.ID,
		input, string(t.State), t.PlanID, t.CurrentStepID, t.Result, errJSON,
		t.WorkerID, t.LeaseExpiresAt, string(t.PauseReason), t.PendingContent,
		resJSON, t.ResumeReady, t.ResumeAt, t.RetryOf, t.RetryCount,
		t.MaxRetries, t.UpdatedAt, t.StartedAt, t.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("record resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, t.ID)
	}
	return nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string, leaseExpiry time.Time) (task.Task, error) {
	now := time.Now().UTC()
	// SKIP LOCKED keeps concurrent claimers from blocking on or winning
	// the same row.
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET
			state='running', worker_id=$1, lease_expires_at=$2, resume_ready=FALSE,
			resume_at=NULL, started_at=COALESCE(started_at, $3), updated_at=$3
		WHERE id = (
			SELECT id FROM tasks
			WHERE state='queued' OR (state='paused' AND resume_ready)
			ORDER BY (state='queued') DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		workerID, leaseExpiry, now,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrNoClaimable
		}
		return task.Task{}, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, taskID, workerID string, leaseExpiry time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET lease_expires_at=$3, updated_at=$4
		WHERE id=$1 AND worker_id=$2 AND state='running'`,
		taskID, workerID, leaseExpiry, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, taskID)
	}
	return nil
}

func (s *PostgresStore) ExpiredLeases(ctx context.Context, now time.Time) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE state='running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RequeueIfExpired(ctx context.Context, taskID string, now time.Time) (task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET state='queued', worker_id='', lease_expires_at=NULL, updated_at=$2
		WHERE id=$1 AND state='running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
		RETURNING `+taskColumns,
		taskID, now,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, s.missingOrConflict(ctx, taskID)
		}
		return task.Task{}, fmt.Errorf("requeue task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) DuePaused(ctx context.Context, now time.Time) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE state='paused' AND NOT resume_ready AND resume_at IS NOT NULL AND resume_at <= $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due paused tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due paused task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due paused tasks: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SavePlan(ctx context.Context, p plan.Plan) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("encode plan steps: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO plans (id, task_id, task_type, version, steps, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET steps=EXCLUDED.steps`,
		p.ID, p.TaskID, p.TaskType, p.Version, steps, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (plan.Plan, error) {
	var (
		p     plan.Plan
		steps []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, task_id, task_type, version, steps, created_at FROM plans WHERE id=$1`,
		planID,
	).Scan(&p.ID, &p.TaskID, &p.TaskType, &p.Version, &steps, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return plan.Plan{}, task.ErrStoreNotFound
		}
		return plan.Plan{}, fmt.Errorf("get plan: %w", err)
	}
	if err := json.Unmarshal(steps, &p.Steps); err != nil {
		return plan.Plan{}, fmt.Errorf("decode plan steps: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, evt task.Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_events (id, type, task_id, user_id, step_id, step_name, state, code, detail, result, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		evt.ID, string(evt.Type), evt.TaskID, evt.UserID, evt.StepID, evt.StepName,
		string(evt.State), evt.Code, evt.Detail, evt.Result, evt.At,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, taskID string, limit int) ([]task.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, task_id, user_id, step_id, step_name, state, code, detail, result, at
		FROM task_events WHERE task_id=$1 ORDER BY at ASC LIMIT $2`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]task.Event, 0, limit)
	for rows.Next() {
		var (
			evt   task.Event
			typ   string
			state string
		)
		if err := rows.Scan(&evt.ID, &typ, &evt.TaskID, &evt.UserID, &evt.StepID, &evt.StepName,
			&state, &evt.Code, &evt.Detail, &evt.Result, &evt.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Type = task.EventType(typ)
		evt.State = task.State(state)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendLedger(ctx context.Context, e guard.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_ledger (id, user_id, task_id, provider, model, tokens_in, tokens_out, cost_usd, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.UserID, e.TaskID, e.Provider, e.Model, e.TokensIn, e.TokensOut, e.CostUSD, e.At,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinalizeLedger(ctx context.Context, e guard.Entry) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE usage_ledger SET model=$2, tokens_in=$3, tokens_out=$4, cost_usd=$5 WHERE id=$1`,
		e.ID, e.Model, e.TokensIn, e.TokensOut, e.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("finalize ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) LedgerWindow(ctx context.Context, userID string, since time.Time) (int, float64, error) {
	var (
		requests int
		costUSD  float64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), COALESCE(sum(cost_usd), 0) FROM usage_ledger WHERE user_id=$1 AND at >= $2`,
		userID, since,
	).Scan(&requests, &costUSD)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger window: %w", err)
	}
	return requests, costUSD, nil
}

// LockUser implements guard.Ledger with a session advisory lock, so the
// check-and-append stays atomic per user across every worker process
// sharing the database. The lock rides a pinned connection; releasing it
// returns the connection to the pool.
func (s *PostgresStore) LockUser(ctx context.Context, userID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire ledger lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext('usage_ledger:' || $1))`, userID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire user ledger lock: %w", err)
	}
	return func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext('usage_ledger:' || $1))`, userID)
		conn.Release()
	}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// missingOrConflict decides which sentinel a zero-row write maps to.
func (s *PostgresStore) missingOrConflict(ctx context.Context, taskID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM tasks WHERE id=$1`, taskID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.ErrStoreNotFound
	}
	if err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	return task.ErrStateConflict
}

func encodeTaskJSON(t task.Task) (input, errJSON, resJSON []byte, err error) {
	input, err = json.Marshal(t.Input)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode task input: %w", err)
	}
	if t.Error != nil {
		errJSON, err = json.Marshal(t.Error)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode task error: %w", err)
		}
	}
	if t.Resolution != nil {
		resJSON, err = json.Marshal(t.Resolution)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode task resolution: %w", err)
		}
	}
	return input, errJSON, resJSON, nil
}

func scanTask(row pgx.Row) (task.Task, error) {
	var (
		t       task.Task
		state   string
		reason  string
		input   []byte
		errJSON []byte
		resJSON []byte
	)
	if err := row.Scan(
		&t.ID, &t.UserID, &t.Type, &input, &state, &t.PlanID, &t.CurrentStepID, &t.Result, &errJSON,
		&t.WorkerID, &t.LeaseExpiresAt, &reason, &t.PendingContent, &resJSON, &t.ResumeReady, &t.ResumeAt,
		&t.RetryOf, &t.RetryCount, &t.MaxRetries, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.EndedAt,
	); err != nil {
		return task.Task{}, err
	}
	t.State = task.State(state)
	t.PauseReason = task.PauseReason(reason)
	if len(input) > 0 {
		if err := json.Unmarshal(input, &t.Input); err != nil {
			return task.Task{}, fmt.Errorf("decode task input: %w", err)
		}
	}
	if len(errJSON) > 0 {
		t.Error = &task.TaskError{}
		if err := json.Unmarshal(errJSON, t.Error); err != nil {
			return task.Task{}, fmt.Errorf("decode task error: %w", err)
		}
	}
	if len(resJSON) > 0 {
		t.Resolution = &task.ApprovalResolution{}
		if err := json.Unmarshal(resJSON, t.Resolution); err != nil {
			return task.Task{}, fmt.Errorf("decode task resolution: %w", err)
		}
	}
	return t, nil
}

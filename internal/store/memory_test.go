package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/plan"
	"github.com/antoniostano/taskforge/internal/task"
)

func entryAt(id string, at time.Time, cost float64) guard.Entry {
	return guard.Entry{
		ID:       id,
		UserID:   "u1",
		TaskID:   "t1",
		Provider: "llm",
		CostUSD:  cost,
		At:       at,
	}
}

func seedTask(t *testing.T, s *MemoryStore, id string, state task.State) task.Task {
	t.Helper()
	now := time.Now().UTC()
	tk := task.Task{
		ID:        id,
		UserID:    "u1",
		Type:      "generate",
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask(%s) error = %v", id, err)
	}
	return tk
}

func TestUpdateTaskCASConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tk := seedTask(t, s, "a", task.StateQueued)

	tk.State = task.StateRunning
	if err := s.UpdateTask(ctx, tk, task.StateQueued); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	// A second writer still expecting queued loses.
	tk.State = task.StateCancelled
	if err := s.UpdateTask(ctx, tk, task.StateQueued); !errors.Is(err, task.ErrStateConflict) {
		t.Fatalf("UpdateTask() stale error = %v, want ErrStateConflict", err)
	}

	got, err := s.GetTask(ctx, "a")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.State != task.StateRunning {
		t.Fatalf("state after stale write = %q, want %q", got.State, task.StateRunning)
	}
}

func TestClaimNextPrefersQueuedOverResumable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	paused := seedTask(t, s, "paused", task.StatePaused)
	paused.ResumeReady = true
	if err := s.UpdateTask(ctx, paused, task.StatePaused); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	seedTask(t, s, "queued", task.StateQueued)

	first, err := s.ClaimNext(ctx, "w1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if first.ID != "queued" {
		t.Fatalf("first claim = %q, want the queued task", first.ID)
	}

	second, err := s.ClaimNext(ctx, "w1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimNext() second error = %v", err)
	}
	if second.ID != "paused" {
		t.Fatalf("second claim = %q, want the resumable task", second.ID)
	}
	if second.ResumeReady {
		t.Fatal("claimed task still resume-ready, want cleared")
	}

	if _, err := s.ClaimNext(ctx, "w1", time.Now().Add(time.Minute)); !errors.Is(err, task.ErrNoClaimable) {
		t.Fatalf("ClaimNext() third error = %v, want ErrNoClaimable", err)
	}
}

func TestRequeueIfExpiredRechecksLease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, s, "a", task.StateQueued)

	if _, err := s.ClaimNext(ctx, "w1", time.Now().Add(10*time.Millisecond)); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// Heartbeat lands between the expiry scan and the requeue.
	if err := s.RenewLease(ctx, "a", "w1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("RenewLease() error = %v", err)
	}
	if _, err := s.RequeueIfExpired(ctx, "a", time.Now()); !errors.Is(err, task.ErrStateConflict) {
		t.Fatalf("RequeueIfExpired() error = %v, want ErrStateConflict", err)
	}

	got, err := s.GetTask(ctx, "a")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.State != task.StateRunning || got.WorkerID != "w1" {
		t.Fatalf("task after blocked requeue = %q/%q, want running/w1", got.State, got.WorkerID)
	}
}

func TestSavePlanRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := plan.Plan{
		ID:       "p1",
		TaskID:   "t1",
		TaskType: "generate",
		Version:  1,
		Steps: []plan.Step{
			{ID: "s1", PlanID: "p1", Name: "a", Kind: plan.ActionLLMCall, Status: plan.StepStatusPending},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SavePlan(ctx, p); err != nil {
		t.Fatalf("SavePlan() error = %v", err)
	}

	got, err := s.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if len(got.Steps) != 1 || got.Steps[0].ID != "s1" {
		t.Fatalf("GetPlan() steps = %+v, want the saved step", got.Steps)
	}

	// Mutating the loaded copy must not leak back into the store.
	got.Steps[0].Status = plan.StepStatusDone
	again, err := s.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan() second error = %v", err)
	}
	if again.Steps[0].Status != plan.StepStatusPending {
		t.Fatalf("stored step status = %q, want pending", again.Steps[0].Status)
	}

	if _, err := s.GetPlan(ctx, "missing"); !errors.Is(err, task.ErrStoreNotFound) {
		t.Fatalf("GetPlan(missing) error = %v, want ErrStoreNotFound", err)
	}
}

func TestLedgerWindowCountsSince(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-2 * time.Hour)
	entries := []struct {
		id   string
		at   time.Time
		cost float64
	}{
		{"e1", old, 1.00},
		{"e2", now.Add(-10 * time.Minute), 0.25},
		{"e3", now.Add(-time.Minute), 0.50},
	}
	for _, e := range entries {
		err := s.AppendLedger(ctx, entryAt(e.id, e.at, e.cost))
		if err != nil {
			t.Fatalf("AppendLedger(%s) error = %v", e.id, err)
		}
	}

	reqs, cost, err := s.LedgerWindow(ctx, "u1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("LedgerWindow() error = %v", err)
	}
	if reqs != 2 {
		t.Fatalf("requests = %d, want 2", reqs)
	}
	if cost != 0.75 {
		t.Fatalf("cost = %v, want 0.75", cost)
	}
}

func TestFinalizeLedgerUpdatesEntry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	e := entryAt("e1", now, 3.00)
	if err := s.AppendLedger(ctx, e); err != nil {
		t.Fatalf("AppendLedger() error = %v", err)
	}
	e.CostUSD = 0.40
	if err := s.FinalizeLedger(ctx, e); err != nil {
		t.Fatalf("FinalizeLedger() error = %v", err)
	}

	_, cost, err := s.LedgerWindow(ctx, "u1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("LedgerWindow() error = %v", err)
	}
	if cost != 0.40 {
		t.Fatalf("cost after finalize = %v, want 0.40", cost)
	}

	missing := entryAt("nope", now, 0)
	if err := s.FinalizeLedger(ctx, missing); !errors.Is(err, task.ErrStoreNotFound) {
		t.Fatalf("FinalizeLedger(missing) error = %v, want ErrStoreNotFound", err)
	}
}

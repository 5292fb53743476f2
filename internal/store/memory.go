package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/plan"
	"github.com/antoniostano/taskforge/internal/task"
)

// MemoryStore is the in-process Store used when no DATABASE_URL is
// configured, and the substrate for kernel tests. One mutex serializes
// every task transition, which makes compare-and-set trivially atomic.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*task.Task
	byUser map[string][]string
	plans  map[string]*plan.Plan
	events map[string][]task.Event
	ledger []guard.Entry

	// userLocks serializes ledger reservations per user; held across the
	// guard's check-and-append, never under mu.
	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex

	eventHistoryMax int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:           make(map[string]*task.Task),
		byUser:          make(map[string][]string),
		plans:           make(map[string]*plan.Plan),
		events:          make(map[string][]task.Event),
		userLocks:       make(map[string]*sync.Mutex),
		eventHistoryMax: 512,
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t.Clone()
	s.tasks[t.ID] = &cp
	s.byUser[t.UserID] = append(s.byUser[t.UserID], t.ID)
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return task.Task{}, task.ErrStoreNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasksByUser(_ context.Context, userID string, limit int) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byUser[userID]
	out := make([]task.Task, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if t, ok := s.tasks[ids[i]]; ok {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountActiveByUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.byUser[userID] {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		switch t.State {
		case task.StateQueued, task.StateRunning, task.StatePaused:
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, t task.Task, expect task.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return task.ErrStoreNotFound
	}
	if cur.State != expect {
		return task.ErrStateConflict
	}
	cp := t.Clone()
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) ClaimNext(_ context.Context, workerID string, leaseExpiry time.Time) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pick *task.Task
	for _, t := range s.tasks {
		eligible := t.State == task.StateQueued ||
			(t.State == task.StatePaused && t.ResumeReady)
		if !eligible {
			continue
		}
		// Queued before resumable, then oldest first, for a stable order.
		if pick == nil {
			pick = t
			continue
		}
		if (t.State == task.StateQueued) != (pick.State == task.StateQueued) {
			if t.State == task.StateQueued {
				pick = t
			}
			continue
		}
		if t.CreatedAt.Before(pick.CreatedAt) {
			pick = t
		}
	}
	if pick == nil {
		return task.Task{}, task.ErrNoClaimable
	}

	now := time.Now().UTC()
	pick.State = task.StateRunning
	pick.WorkerID = workerID
	exp := leaseExpiry
	pick.LeaseExpiresAt = &exp
	pick.ResumeReady = false
	pick.ResumeAt = nil
	if pick.StartedAt == nil {
		pick.StartedAt = &now
	}
	pick.UpdatedAt = now
	return pick.Clone(), nil
}

func (s *MemoryStore) RenewLease(_ context.Context, taskID, workerID string, leaseExpiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return task.ErrStoreNotFound
	}
	if t.State != task.StateRunning || t.WorkerID != workerID {
		return task.ErrStateConflict
	}
	exp := leaseExpiry
	t.LeaseExpiresAt = &exp
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ExpiredLeases(_ context.Context, now time.Time) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Task
	for _, t := range s.tasks {
		if t.State == task.StateRunning && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) RequeueIfExpired(_ context.Context, taskID string, now time.Time) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return task.Task{}, task.ErrStoreNotFound
	}
	if t.State != task.StateRunning || t.LeaseExpiresAt == nil || !t.LeaseExpiresAt.Before(now) {
		return task.Task{}, task.ErrStateConflict
	}
	t.State = task.StateQueued
	t.WorkerID = ""
	t.LeaseExpiresAt = nil
	t.UpdatedAt = time.Now().UTC()
	return t.Clone(), nil
}

func (s *MemoryStore) DuePaused(_ context.Context, now time.Time) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Task
	for _, t := range s.tasks {
		if t.State == task.StatePaused && !t.ResumeReady && t.ResumeAt != nil && !t.ResumeAt.After(now) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordResolution(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return task.ErrStoreNotFound
	}
	if cur.State != task.StatePaused || cur.Resolution != nil {
		return task.ErrStateConflict
	}
	cp := t.Clone()
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) SavePlan(_ context.Context, p plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p.Clone()
	s.plans[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, planID string) (plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return plan.Plan{}, task.ErrStoreNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, evt task.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := append(s.events[evt.TaskID], evt)
	if max := s.eventHistoryMax; max > 0 && len(events) > max {
		events = append([]task.Event(nil), events[len(events)-max:]...)
	}
	s.events[evt.TaskID] = events
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, taskID string, limit int) ([]task.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[taskID]
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]task.Event, len(events)-start)
	copy(out, events[start:])
	return out, nil
}

// AppendLedger implements guard.Ledger.
func (s *MemoryStore) AppendLedger(_ context.Context, e guard.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, e)
	return nil
}

// FinalizeLedger implements guard.Ledger: replaces the reserved entry's
// usage figures with the actual ones once the call returned.
func (s *MemoryStore) FinalizeLedger(_ context.Context, e guard.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ledger {
		if s.ledger[i].ID == e.ID {
			s.ledger[i] = e
			return nil
		}
	}
	return task.ErrStoreNotFound
}

// LockUser implements guard.Ledger. Every guard sharing this store takes
// the same per-user lock, so concurrent reservations serialize even when
// they come from different Guard instances.
func (s *MemoryStore) LockUser(_ context.Context, userID string) (func(), error) {
	s.locksMu.Lock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	s.locksMu.Unlock()
	lock.Lock()
	return lock.Unlock, nil
}

// LedgerWindow implements guard.Ledger.
func (s *MemoryStore) LedgerWindow(_ context.Context, userID string, since time.Time) (int, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	cost := 0.0
	for i := range s.ledger {
		e := &s.ledger[i]
		if e.UserID != userID || e.At.Before(since) {
			continue
		}
		count++
		cost += e.CostUSD
	}
	return count, cost, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

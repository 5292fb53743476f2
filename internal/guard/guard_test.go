package guard_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/store"
)

func TestReserveEnforcesHourlyBudget(t *testing.T) {
	g := guard.New(guard.Limits{CostPerHourUSD: 5, MaxCostPerRequestUSD: 3}, store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		e, err := g.Reserve(ctx, "u1", "t1", "llm", "", 2.00)
		if err != nil {
			t.Fatalf("Reserve() #%d error = %v", i, err)
		}
		e.CostUSD = 2.00
		if err := g.Finalize(ctx, e); err != nil {
			t.Fatalf("Finalize() #%d error = %v", i, err)
		}
	}

	if _, err := g.Reserve(ctx, "u1", "t1", "llm", "", 2.00); !errors.Is(err, guard.ErrBudgetExceeded) {
		t.Fatalf("Reserve() third error = %v, want ErrBudgetExceeded", err)
	}

	// Another user still has budget.
	if _, err := g.Reserve(ctx, "u2", "t2", "llm", "", 2.00); err != nil {
		t.Fatalf("Reserve() for u2 error = %v", err)
	}
}

func TestReserveEnforcesRequestsPerMinute(t *testing.T) {
	g := guard.New(guard.Limits{RequestsPerMinute: 2}, store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.Reserve(ctx, "u1", "t1", "llm", "", 0.01); err != nil {
			t.Fatalf("Reserve() #%d error = %v", i, err)
		}
	}
	if _, err := g.Reserve(ctx, "u1", "t1", "llm", "", 0.01); !errors.Is(err, guard.ErrRateLimited) {
		t.Fatalf("Reserve() third error = %v, want ErrRateLimited", err)
	}
}

func TestReserveHardCapRejectsBeforeLedger(t *testing.T) {
	ledger := store.NewMemoryStore()
	g := guard.New(guard.Limits{MaxCostPerRequestUSD: 1}, ledger)
	ctx := context.Background()

	if _, err := g.Reserve(ctx, "u1", "t1", "llm", "", 2.50); !errors.Is(err, guard.ErrBudgetExceeded) {
		t.Fatalf("Reserve() error = %v, want ErrBudgetExceeded", err)
	}

	reqs, cost, err := ledger.LedgerWindow(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("LedgerWindow() error = %v", err)
	}
	if reqs != 0 || cost != 0 {
		t.Fatalf("ledger after rejected reserve = %d reqs $%.2f, want empty", reqs, cost)
	}
}

func TestFinalizeReleasesOverestimate(t *testing.T) {
	g := guard.New(guard.Limits{CostPerHourUSD: 5, MaxCostPerRequestUSD: 5}, store.NewMemoryStore())
	ctx := context.Background()

	e, err := g.Reserve(ctx, "u1", "t1", "llm", "", 4.00)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	e.CostUSD = 0.50
	e.TokensIn = 120
	e.TokensOut = 80
	if err := g.Finalize(ctx, e); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	// 0.50 + 4.00 fits under 5; the reservation would not have.
	if _, err := g.Reserve(ctx, "u1", "t1", "llm", "", 4.00); err != nil {
		t.Fatalf("Reserve() after finalize error = %v", err)
	}
}

func TestConcurrentReservesNeverOversubscribe(t *testing.T) {
	g := guard.New(guard.Limits{CostPerHourUSD: 5, MaxCostPerRequestUSD: 5}, store.NewMemoryStore())
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	granted := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Reserve(ctx, "u1", "t1", "llm", "", 2.00); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	won := 0
	for range granted {
		won++
	}
	// Only two $2 reservations fit a $5 window.
	if won != 2 {
		t.Fatalf("granted = %d, want 2", won)
	}
}

func TestSeparateGuardsShareOneLedgerLock(t *testing.T) {
	// Two guard instances over one ledger model two worker processes
	// sharing a store; the reservation lock lives in the ledger, so the
	// window check stays atomic across both.
	ledger := store.NewMemoryStore()
	limits := guard.Limits{CostPerHourUSD: 5, MaxCostPerRequestUSD: 5}
	guards := []*guard.Guard{guard.New(limits, ledger), guard.New(limits, ledger)}
	ctx := context.Background()

	const rounds = 200
	for round := 0; round < rounds; round++ {
		user := fmt.Sprintf("u%d", round)
		var wg sync.WaitGroup
		granted := make(chan struct{}, 4)
		for i := 0; i < 4; i++ {
			g := guards[i%len(guards)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := g.Reserve(ctx, user, "t1", "llm", "", 2.00); err == nil {
					granted <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(granted)

		won := 0
		for range granted {
			won++
		}
		if won > 2 {
			t.Fatalf("round %d: %d $2.00 reservations passed a $5.00/hour cap", round, won)
		}
	}
}

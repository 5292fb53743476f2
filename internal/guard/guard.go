package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRateLimited    = errors.New("rate limited")
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// Entry is one append-only usage record for an external call. Entries are
// reserved with the estimated cost before dispatch and finalized with the
// actual usage afterwards.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TaskID    string    `json:"task_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostUSD   float64   `json:"cost_usd"`
	At        time.Time `json:"at"`
}

// Ledger is the append-only usage store the guard derives its rolling
// windows from.
type Ledger interface {
	AppendLedger(ctx context.Context, e Entry) error
	FinalizeLedger(ctx context.Context, e Entry) error
	// LedgerWindow returns the user's request count and cost sum since
	// the given instant.
	LedgerWindow(ctx context.Context, userID string, since time.Time) (requests int, costUSD float64, err error)
	// LockUser takes the user's reservation lock and returns the unlock
	// func. Shared backends hold the lock across every process reading
	// the same ledger, not just the calling one.
	LockUser(ctx context.Context, userID string) (func(), error)
}

type Limits struct {
	RequestsPerMinute    int
	RequestsPerHour      int
	CostPerHourUSD       float64
	CostPerDayUSD        float64
	MaxCostPerRequestUSD float64
}

// Guard intercepts external-call dispatch and fails closed: a call only
// goes out after its estimated cost fits every rolling window. The window
// check and the ledger reservation happen under the ledger's per-user
// lock, which shared backends hold across processes, so two concurrent
// calls for the same user cannot both pass a check that only one of them
// fits.
type Guard struct {
	limits Limits
	ledger Ledger
}

func New(limits Limits, ledger Ledger) *Guard {
	return &Guard{limits: limits, ledger: ledger}
}

// Reserve checks the hard per-request cap and every rolling window against
// the estimated entry, then appends the reservation. The returned entry
// carries the ledger id to finalize with.
func (g *Guard) Reserve(ctx context.Context, userID, taskID, provider, model string, estCostUSD float64) (Entry, error) {
	if hard := g.limits.MaxCostPerRequestUSD; hard > 0 && estCostUSD > hard {
		return Entry{}, fmt.Errorf("%w: request cost $%.4f exceeds hard cap $%.4f", ErrBudgetExceeded, estCostUSD, hard)
	}

	unlock, err := g.ledger.LockUser(ctx, userID)
	if err != nil {
		return Entry{}, fmt.Errorf("lock user ledger: %w", err)
	}
	defer unlock()

	now := time.Now().UTC()
	if err := g.checkWindows(ctx, userID, estCostUSD, now); err != nil {
		return Entry{}, err
	}

	e := Entry{
		ID:       uuid.NewString(),
		UserID:   userID,
		TaskID:   taskID,
		Provider: provider,
		Model:    model,
		CostUSD:  estCostUSD,
		At:       now,
	}
	if err := g.ledger.AppendLedger(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return e, nil
}

// Finalize replaces the reservation's estimate with actual usage.
func (g *Guard) Finalize(ctx context.Context, e Entry) error {
	if err := g.ledger.FinalizeLedger(ctx, e); err != nil {
		return fmt.Errorf("finalize ledger entry: %w", err)
	}
	return nil
}

func (g *Guard) checkWindows(ctx context.Context, userID string, estCostUSD float64, now time.Time) error {
	minReqs, _, err := g.ledger.LedgerWindow(ctx, userID, now.Add(-time.Minute))
	if err != nil {
		return fmt.Errorf("read minute window: %w", err)
	}
	hourReqs, hourCost, err := g.ledger.LedgerWindow(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("read hour window: %w", err)
	}
	_, dayCost, err := g.ledger.LedgerWindow(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("read day window: %w", err)
	}

	if lim := g.limits.RequestsPerMinute; lim > 0 && minReqs+1 > lim {
		return fmt.Errorf("%w: %d requests in the last minute (limit %d)", ErrRateLimited, minReqs, lim)
	}
	if lim := g.limits.RequestsPerHour; lim > 0 && hourReqs+1 > lim {
		return fmt.Errorf("%w: %d requests in the last hour (limit %d)", ErrRateLimited, hourReqs, lim)
	}
	if lim := g.limits.CostPerHourUSD; lim > 0 && hourCost+estCostUSD > lim {
		return fmt.Errorf("%w: $%.4f spent in the last hour (limit $%.4f)", ErrBudgetExceeded, hourCost, lim)
	}
	if lim := g.limits.CostPerDayUSD; lim > 0 && dayCost+estCostUSD > lim {
		return fmt.Errorf("%w: $%.4f spent in the last day (limit $%.4f)", ErrBudgetExceeded, dayCost, lim)
	}
	return nil
}

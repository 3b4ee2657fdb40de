// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package governor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/overseer-project/overseer/lib/clock"
)

// Reason classifies a denial.
type Reason string

const (
	// ReasonRate: the owner's token bucket is empty.
	ReasonRate Reason = "rate"

	// ReasonBudget: the run would push the owner past the daily
	// ceiling, holds included.
	ReasonBudget Reason = "budget"
)

// Denial explains a refused run.
type Denial struct {
	Reason Reason
	Detail string

	// RetryAfter is how long until a token is available. Set for rate
	// denials.
	RetryAfter time.Duration

	// RemainingBudgetUSD is what the owner can still spend today,
	// holds deducted. Set for budget denials.
	RemainingBudgetUSD float64
}

// Ledger is the durable settlement record. *store.Store satisfies it.
type Ledger interface {
	// RecordSettlement writes one run's cost under its run id,
	// reporting false when that run id already settled.
	RecordSettlement(ctx context.Context, runID, owner, day string, costUSD float64, settledAt time.Time) (bool, error)

	// SettledCost sums an owner's settled cost for one day.
	SettledCost(ctx context.Context, owner, day string) (float64, error)
}

const (
	DefaultBucketCapacity = 5
	DefaultRefillEvery    = 30 * time.Second
	DefaultDailyBudgetUSD = 10.0

	// DefaultReservationUSD is the provisional hold per admitted run,
	// sized near the observed per-run cost ceiling.
	DefaultReservationUSD = 0.50
)

// Config configures a Governor. Zero limits get the defaults above.
type Config struct {
	Ledger Ledger
	Clock  clock.Clock
	Logger *slog.Logger

	// BucketCapacity is the burst size of each owner's token bucket.
	BucketCapacity float64

	// RefillEvery is the time to regain one token.
	RefillEvery time.Duration

	// DailyBudgetUSD is the per-owner spend ceiling per UTC day.
	DailyBudgetUSD float64

	// ReservationUSD is the hold placed at admission.
	ReservationUSD float64
}

// Governor tracks per-owner admission state. Safe for concurrent use.
type Governor struct {
	ledger         Ledger
	clock          clock.Clock
	logger         *slog.Logger
	bucketCapacity float64
	refillEvery    time.Duration
	dailyBudgetUSD float64
	reservationUSD float64

	mu     sync.Mutex
	owners map[string]*ownerState
}

// ownerState is one owner's bucket and budget view. Guarded by the
// governor's lock.
type ownerState struct {
	tokens     float64
	lastRefill time.Time

	// day names the UTC day the cached totals belong to; a rollover
	// refetches settled from the ledger.
	day      string
	settled  float64
	reserved float64
}

// New creates a Governor.
func New(config Config) (*Governor, error) {
	if config.Ledger == nil {
		return nil, fmt.Errorf("governor: Ledger is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.BucketCapacity <= 0 {
		config.BucketCapacity = DefaultBucketCapacity
	}
	if config.RefillEvery <= 0 {
		config.RefillEvery = DefaultRefillEvery
	}
	if config.DailyBudgetUSD <= 0 {
		config.DailyBudgetUSD = DefaultDailyBudgetUSD
	}
	if config.ReservationUSD <= 0 {
		config.ReservationUSD = DefaultReservationUSD
	}
	return &Governor{
		ledger:         config.Ledger,
		clock:          config.Clock,
		logger:         config.Logger,
		bucketCapacity: config.BucketCapacity,
		refillEvery:    config.RefillEvery,
		dailyBudgetUSD: config.DailyBudgetUSD,
		reservationUSD: config.ReservationUSD,
		owners:         make(map[string]*ownerState),
	}, nil
}

// Reservation is an admitted run's hold. Exactly one Settle call per
// reservation; settling releases the hold whether or not the ledger
// write applied.
type Reservation struct {
	governor *Governor
	owner    string
	settled  bool
}

// Day formats t as the UTC ledger day.
func Day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// Acquire admits or refuses one run for owner. The error return is
// reserved for ledger failures; a policy refusal comes back as a
// non-nil Denial with a nil Reservation.
func (g *Governor) Acquire(ctx context.Context, owner string) (*Reservation, *Denial, error) {
	now := g.clock.Now()
	day := Day(now)

	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.ownerStateLocked(ctx, owner, now, day)
	if err != nil {
		return nil, nil, err
	}

	g.refillLocked(state, now)
	if state.tokens < 1 {
		retryAfter := time.Duration((1 - state.tokens) * float64(g.refillEvery))
		g.logger.Info("run denied by rate limit", "owner", owner, "retry_after", retryAfter)
		return nil, &Denial{
			Reason:     ReasonRate,
			Detail:     fmt.Sprintf("rate limit: next run available in %s", retryAfter.Round(time.Second)),
			RetryAfter: retryAfter,
		}, nil
	}

	committed := state.settled + state.reserved
	remaining := g.dailyBudgetUSD - committed
	if committed+g.reservationUSD > g.dailyBudgetUSD {
		if remaining < 0 {
			remaining = 0
		}
		g.logger.Info("run denied by daily budget",
			"owner", owner, "settled", state.settled,
			"reserved", state.reserved, "budget", g.dailyBudgetUSD)
		return nil, &Denial{
			Reason:             ReasonBudget,
			Detail:             fmt.Sprintf("daily budget: $%.2f of $%.2f remaining, next run holds $%.2f", remaining, g.dailyBudgetUSD, g.reservationUSD),
			RemainingBudgetUSD: remaining,
		}, nil
	}

	state.tokens--
	state.reserved += g.reservationUSD
	return &Reservation{governor: g, owner: owner}, nil, nil
}

// Settle replaces the reservation's hold with the run's observed cost,
// recorded in the ledger under runID. A run that produced no metrics
// settles at zero so the run id is still burned. Safe to call when the
// same run id was already settled: the hold is released and the ledger
// stays unchanged.
func (r *Reservation) Settle(ctx context.Context, runID string, costUSD float64) error {
	g := r.governor
	now := g.clock.Now()
	day := Day(now)
	if costUSD < 0 {
		costUSD = 0
	}

	g.mu.Lock()
	if r.settled {
		g.mu.Unlock()
		return fmt.Errorf("governor: run %s settled twice through one reservation", runID)
	}
	r.settled = true
	g.mu.Unlock()

	applied, err := g.ledger.RecordSettlement(ctx, runID, r.owner, day, costUSD, now)
	if err != nil {
		// The hold must not leak even when the ledger write failed;
		// the cost lands on the next SettledCost refetch if the row
		// made it in.
		g.releaseHold(r.owner)
		return fmt.Errorf("governor: settling run %s: %w", runID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.owners[r.owner]
	if state != nil {
		if state.reserved >= g.reservationUSD {
			state.reserved -= g.reservationUSD
		} else {
			state.reserved = 0
		}
		if applied && state.day == day {
			state.settled += costUSD
		}
	}
	if !applied {
		g.logger.Warn("settlement replay ignored", "run_id", runID, "owner", r.owner)
	}
	return nil
}

func (g *Governor) releaseHold(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state := g.owners[owner]; state != nil {
		if state.reserved >= g.reservationUSD {
			state.reserved -= g.reservationUSD
		} else {
			state.reserved = 0
		}
	}
}

// Remaining reports what owner can still spend today, holds deducted.
func (g *Governor) Remaining(ctx context.Context, owner string) (float64, error) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.ownerStateLocked(ctx, owner, now, Day(now))
	if err != nil {
		return 0, err
	}
	remaining := g.dailyBudgetUSD - state.settled - state.reserved
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ownerStateLocked returns owner's state for day, creating it or
// rolling it over to a new day. Rollover and creation fetch the
// settled total from the ledger so restarts and midnight boundaries
// both start from durable truth.
func (g *Governor) ownerStateLocked(ctx context.Context, owner string, now time.Time, day string) (*ownerState, error) {
	state, exists := g.owners[owner]
	if exists && state.day == day {
		return state, nil
	}

	settled, err := g.ledger.SettledCost(ctx, owner, day)
	if err != nil {
		return nil, fmt.Errorf("governor: reading settled cost for %s: %w", owner, err)
	}
	if !exists {
		state = &ownerState{
			tokens:     g.bucketCapacity,
			lastRefill: now,
		}
		g.owners[owner] = state
	} else {
		// Day rollover keeps the bucket but resets the budget view.
		// Holds for runs still in flight carry over.
		g.logger.Info("budget day rollover", "owner", owner, "day", day)
	}
	state.day = day
	state.settled = settled
	return state, nil
}

// refillLocked adds the tokens accrued since the last refill, capped
// at the bucket capacity.
func (g *Governor) refillLocked(state *ownerState, now time.Time) {
	elapsed := now.Sub(state.lastRefill)
	if elapsed <= 0 {
		return
	}
	state.tokens += float64(elapsed) / float64(g.refillEvery)
	if state.tokens > g.bucketCapacity {
		state.tokens = g.bucketCapacity
	}
	state.lastRefill = now
}

package funds

import (
	"context"
	"fmt"
	"time"
)

const (
	// RecoveryRetryInterval is the cooldown between recovery attempts
	// after the first (which runs immediately).
	RecoveryRetryInterval = 60 * time.Second

	// MaxRecoveryAttempts caps one recovery episode. After the cap the
	// episode ends until a fresh periodic fetch resets the counter.
	MaxRecoveryAttempts = 5

	// RecoveryDecayFallback resets the attempt counter after this much
	// idle time, so an old exhausted episode does not block a new one.
	RecoveryDecayFallback = 10 * time.Minute
)

type recoveryState struct {
	attempts    int
	lastAttempt time.Time
	now         func() time.Time
}

// RecoverFunc re-fetches chain totals and open orders, re-syncs the
// grid, and rebuilds the ledger from the synced grid and chain totals
// (RebuildFromView), so ledgers come from ground truth rather than being
// layered on top of optimistic state. The re-sync itself does not skip
// accounting; the rebuild overwrites the sums it touched. Supplied by
// the engine.
type RecoverFunc func(ctx context.Context) error

// AttemptFundRecovery runs one step of the recovery loop in response to
// an invariant violation. The first attempt of an episode runs
// immediately; later attempts honor the cooldown. Returns
// ErrRecoveryExhausted once the episode cap is hit.
func (a *Accountant) AttemptFundRecovery(ctx context.Context, recover RecoverFunc) error {
	a.mu.Lock()
	if a.bootstrapDepth > 0 {
		a.mu.Unlock()
		return nil
	}
	r := &a.recovery
	if r.now == nil {
		r.now = time.Now
	}
	now := r.now()

	// Attempt-counter decay after an idle stretch.
	if r.attempts > 0 && now.Sub(r.lastAttempt) > RecoveryDecayFallback {
		r.attempts = 0
	}
	if r.attempts >= MaxRecoveryAttempts {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d attempts", ErrRecoveryExhausted, MaxRecoveryAttempts)
	}
	if r.attempts > 0 && now.Sub(r.lastAttempt) < RecoveryRetryInterval {
		a.mu.Unlock()
		return nil // cooldown; the violation will re-trigger us
	}
	r.attempts++
	r.lastAttempt = now
	attempt := r.attempts
	a.mu.Unlock()

	a.logger.Warn("fund recovery attempt", "attempt", attempt, "max", MaxRecoveryAttempts)

	a.StartBootstrap()
	defer a.FinishBootstrap()
	if err := recover(ctx); err != nil {
		return fmt.Errorf("fund recovery attempt %d: %w", attempt, err)
	}
	return nil
}

// ResetRecovery clears the episode counter. Called after a clean
// periodic fetch verifies the invariants.
func (a *Accountant) ResetRecovery() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recovery.attempts = 0
}

// RecoveryAttempts reports the current episode's attempt count.
func (a *Accountant) RecoveryAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recovery.attempts
}

// Package funds maintains the bot's fund ledger: per-side balances,
// committed totals, realized-proceeds cache, and native-token fee debt.
//
// The accountant mirrors what the chain should believe, optimistically.
// Grid transitions arrive synchronously through OrderChanged (wired as
// the master grid's observer); fills arrive through ProcessFill. Ledger
// invariants are verified after every batch, with a tolerance scaled to
// asset precision; drift beyond tolerance triggers the recovery loop,
// which rebuilds the ledger from chain ground truth.
package funds

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"gridmaker/pkg/types"
)

var (
	// ErrInvariantViolation signals ledger drift beyond tolerance.
	// State is never mutated to "match" a violation; the recovery loop
	// re-fetches ground truth instead.
	ErrInvariantViolation = errors.New("fund invariant violation")

	// ErrRecoveryExhausted signals that MaxRecoveryAttempts re-syncs
	// did not clear the violation. The CLI maps it to exit code 2.
	ErrRecoveryExhausted = errors.New("fund recovery exhausted")
)

// Ledger is one side's fund state. All amounts are in the side's native
// asset: quote for buy, base for sell.
type Ledger struct {
	TotalChain     float64 // last known chain balance (total)
	Free           float64 // optimistic free balance
	CommittedChain float64 // Σ size of on-chain ACTIVE+PARTIAL orders
	CommittedGrid  float64 // Σ size of all non-VIRTUAL orders
	Virtual        float64 // Σ intended size of VIRTUAL, not-yet-placed orders
	CacheFunds     float64 // realized proceeds awaiting redeployment
	BtsFeesOwed    float64 // accumulated native-token fees, settled lazily
	Precision      int     // asset precision (decimal places)
}

// TotalGrid is the grid's full claim on this side.
func (l *Ledger) TotalGrid() float64 { return l.CommittedGrid + l.Virtual }

// Available is the optimistic spendable balance, clamped at zero.
func (l Ledger) Available() float64 {
	a := l.Free - (l.CommittedGrid - l.CommittedChain)
	if a < 0 {
		return 0
	}
	return a
}

// tolerance scales with precision and balance: dust-level drift and
// sub-0.1% float noise are not violations.
func (l *Ledger) tolerance() float64 {
	return math.Max(math.Pow(10, -float64(l.Precision)), 0.001*math.Abs(l.TotalChain))
}

// Snapshot is a read-only copy of both ledgers for planners and the
// control surface.
type Snapshot struct {
	Buy  Ledger
	Sell Ledger
}

// Side returns the requested side's ledger copy.
func (s Snapshot) Side(side types.Side) Ledger {
	if side == types.SideBuy {
		return s.Buy
	}
	return s.Sell
}

// Accountant owns both side ledgers. All methods are safe for
// concurrent use; in practice the single-threaded engine loop is the
// only writer between suspension points.
type Accountant struct {
	mu    sync.Mutex
	sides map[types.Side]*Ledger
	fees  types.FeeSchedule
	dedup *fillDedup

	bootstrapDepth int // counted guard; >0 suppresses invariant warnings
	pauseDepth     int // counted guard; >0 defers invariant verification

	recovery recoveryState

	logger *slog.Logger
}

// New creates an accountant with empty ledgers at the given precisions.
func New(buyPrecision, sellPrecision int, fees types.FeeSchedule, logger *slog.Logger) *Accountant {
	return &Accountant{
		sides: map[types.Side]*Ledger{
			types.SideBuy:  {Precision: buyPrecision},
			types.SideSell: {Precision: sellPrecision},
		},
		fees:   fees,
		dedup:  newFillDedup(dedupTTL, dedupCap),
		logger: logger.With("component", "funds"),
	}
}

// SetFeeSchedule swaps in a freshly fetched fee table.
func (a *Accountant) SetFeeSchedule(fees types.FeeSchedule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fees = fees
}

// Snapshot returns a copy of both ledgers.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{Buy: *a.sides[types.SideBuy], Sell: *a.sides[types.SideSell]}
}

// SetAccountTotals adopts chain balances for one side (periodic fetch or
// recovery). Free is taken as chain free minus nothing: callers re-sync
// the grid first so committed state is already ground truth.
func (a *Accountant) SetAccountTotals(side types.Side, total, free float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l := a.sides[side]
	l.TotalChain = total
	l.Free = free
}

// SetCacheFunds is the atomic absolute setter used by recovery and by
// persistence restore.
func (a *Accountant) SetCacheFunds(side types.Side, amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sides[side].CacheFunds = amount
}

// CacheFunds returns one side's realized-proceeds cache.
func (a *Accountant) CacheFunds(side types.Side) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sides[side].CacheFunds
}

// DrainCacheFunds moves up to amount out of the cache (redeployment into
// new orders) and returns how much was actually drained.
func (a *Accountant) DrainCacheFunds(side types.Side, amount float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	l := a.sides[side]
	d := math.Min(amount, l.CacheFunds)
	if d < 0 {
		d = 0
	}
	l.CacheFunds -= d
	return d
}

// ————————————————————————————————————————————————————————————————————————
// Counted guards
// ————————————————————————————————————————————————————————————————————————

// StartBootstrap enters a window where transient ledger mismatch is
// expected (grid load, resync, commit-apply). Nestable.
func (a *Accountant) StartBootstrap() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bootstrapDepth++
}

// FinishBootstrap leaves the innermost bootstrap window.
func (a *Accountant) FinishBootstrap() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bootstrapDepth > 0 {
		a.bootstrapDepth--
	}
}

// Bootstrapping reports whether any bootstrap window is open.
func (a *Accountant) Bootstrapping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bootstrapDepth > 0
}

// PauseRecalc suspends invariant verification (control surface). Nestable.
func (a *Accountant) PauseRecalc() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pauseDepth++
}

// ResumeRecalc leaves the innermost pause window.
func (a *Accountant) ResumeRecalc() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pauseDepth > 0 {
		a.pauseDepth--
	}
}

// ————————————————————————————————————————————————————————————————————————
// Optimistic deltas (grid observer)
// ————————————————————————————————————————————————————————————————————————

// OrderChanged applies the optimistic ledger delta for one grid
// transition. Called synchronously from the master grid's mutation path.
//
// The free-balance rule is keyed on chain linkage, not the state pair:
// a PARTIAL that never had a chain order id and now reaches the chain
// deducts its full size, exactly like VIRTUAL → ACTIVE.
func (a *Accountant) OrderChanged(old, new *types.Order, cause string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.removeContribution(old)
	a.addContribution(new)

	oldSide, oldFunded := fundingSide(old)
	newSide, newFunded := fundingSide(new)

	switch {
	case oldFunded && newFunded && oldSide == newSide:
		l := a.sides[oldSide]
		switch {
		case !old.OnChain() && new.OnChain():
			// Newly on chain: deduct the full size regardless of the
			// old state (the PARTIAL→ACTIVE bug-fix contract).
			l.Free -= new.Size
		case old.OnChain() && new.OnChain():
			l.Free -= new.Size - old.Size
		case old.OnChain() && !new.OnChain():
			l.Free += old.Size
		}
	default:
		// Type change (rotation) or SPREAD boundary: cancel-then-new.
		if oldFunded && old.OnChain() {
			a.sides[oldSide].Free += old.Size
		}
		if newFunded && new.OnChain() {
			a.sides[newSide].Free -= new.Size
		}
	}
}

// fundingSide returns the side an order draws from, and false for
// SPREAD slots (no capital).
func fundingSide(o *types.Order) (types.Side, bool) {
	if o == nil || o.Type == types.OrderSpread {
		return "", false
	}
	return o.Type.Side(), true
}

func (a *Accountant) removeContribution(o *types.Order) {
	side, ok := fundingSide(o)
	if !ok {
		return
	}
	l := a.sides[side]
	if o.State != types.StateVirtual {
		l.CommittedGrid -= o.Size
		if o.OnChain() {
			l.CommittedChain -= o.Size
		}
	} else if o.Size > 0 {
		l.Virtual -= o.Size
	}
}

func (a *Accountant) addContribution(o *types.Order) {
	side, ok := fundingSide(o)
	if !ok {
		return
	}
	l := a.sides[side]
	if o.State != types.StateVirtual {
		l.CommittedGrid += o.Size
		if o.OnChain() {
			l.CommittedChain += o.Size
		}
	} else if o.Size > 0 {
		l.Virtual += o.Size
	}
}

// RebuildFromView recomputes committed and virtual sums from a frozen
// grid view, then derives free from the chain totals. Used by the
// recovery loop after its re-sync; it replaces whatever optimistic
// deltas that re-sync applied.
func (a *Accountant) RebuildFromView(orders map[string]*types.Order) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, l := range a.sides {
		l.CommittedChain, l.CommittedGrid, l.Virtual = 0, 0, 0
	}
	for _, o := range orders {
		a.addContribution(o)
	}
	for _, l := range a.sides {
		l.Free = l.TotalChain - l.CommittedChain
	}
}

// ————————————————————————————————————————————————————————————————————————
// Invariants
// ————————————————————————————————————————————————————————————————————————

// VerifyInvariants checks I1–I4 on both sides. Returns nil during
// bootstrap or pause windows. A violation is reported, never "fixed".
func (a *Accountant) VerifyInvariants() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bootstrapDepth > 0 || a.pauseDepth > 0 {
		return nil
	}
	for side, l := range a.sides {
		tol := l.tolerance()
		if d := math.Abs(l.TotalChain - (l.Free + l.CommittedChain)); d > tol {
			return fmt.Errorf("%w: %s: total.chain %.8f != free %.8f + committed.chain %.8f (drift %.8f)",
				ErrInvariantViolation, side, l.TotalChain, l.Free, l.CommittedChain, d)
		}
		if l.Available() > l.Free+tol {
			return fmt.Errorf("%w: %s: available %.8f > free %.8f",
				ErrInvariantViolation, side, l.Available(), l.Free)
		}
		if l.CommittedGrid > l.TotalChain+tol {
			return fmt.Errorf("%w: %s: committed.grid %.8f > total.chain %.8f",
				ErrInvariantViolation, side, l.CommittedGrid, l.TotalChain)
		}
		if d := math.Abs(l.Virtual + l.CommittedGrid - l.TotalGrid()); d > tol {
			return fmt.Errorf("%w: %s: virtual %.8f + committed.grid %.8f != total.grid %.8f",
				ErrInvariantViolation, side, l.Virtual, l.CommittedGrid, l.TotalGrid())
		}
	}
	return nil
}

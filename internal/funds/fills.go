package funds

import (
	"errors"
	"math"

	"gridmaker/pkg/types"
)

// ErrDuplicateFill marks a fill operation id already settled within the
// dedup TTL. Callers treat it as success (the re-delivery is dropped).
var ErrDuplicateFill = errors.New("duplicate fill")

// Fill is a settled execution, already converted out of raw chain units.
// Pays is in the filled side's native asset, Receives in the opposite
// side's.
type Fill struct {
	OpID     string
	Side     types.Side // side of the filled order
	Pays     float64
	Receives float64
	IsMaker  bool
}

// ProcessFill settles one fill against the ledger:
//
//  1. Credit the net proceeds (receives minus the maker/taker market
//     fee) into the opposite side's cacheFunds.
//  2. Accrue the native-token operation fee into btsFeesOwed.
//  3. Account the paid amount as money that left the chain balance. The
//     grid transition has already released the order's size to free via
//     OrderChanged; the fill claws the paid portion back out of free and
//     total, so a fill nets to "total shrinks, free stays".
//  4. Lazily settle btsFeesOwed on the filled side.
//
// Re-deliveries of the same operation id within the dedup TTL return
// ErrDuplicateFill without touching the ledger.
func (a *Accountant) ProcessFill(f Fill) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.dedup.claim(f.OpID) {
		a.logger.Debug("duplicate fill dropped", "op", f.OpID)
		return ErrDuplicateFill
	}

	paid := a.sides[f.Side]
	paid.Free -= f.Pays
	paid.TotalChain -= f.Pays

	opp := a.sides[f.Side.Opposite()]
	net := f.Receives * (1 - a.marketFeeFraction(f.IsMaker))
	opp.CacheFunds += net
	opp.Free += net
	opp.TotalChain += net

	paid.BtsFeesOwed += a.fees.CreateFee

	a.settleBtsFeesLocked(f.Side)
	return nil
}

// marketFeeFraction is the fraction of proceeds kept by the market for
// the given fill class. Makers get part of the market fee refunded.
func (a *Accountant) marketFeeFraction(isMaker bool) float64 {
	fee := a.fees.MarketFeePercent
	if isMaker {
		fee = fee*(1-a.fees.MakerRefundPercent) + a.fees.MakerFeePercent
	} else {
		fee += a.fees.TakerFeePercent
	}
	if fee < 0 {
		return 0
	}
	return fee
}

// SettleBtsFees settles the accumulated native-token fee debt for one
// side, if the free balance covers it in full. Partial settlement is
// never attempted; an uncovered debt is deferred untouched.
func (a *Accountant) SettleBtsFees(side types.Side) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settleBtsFeesLocked(side)
}

func (a *Accountant) settleBtsFeesLocked(side types.Side) {
	l := a.sides[side]
	if l.BtsFeesOwed <= 0 || l.Free < l.BtsFeesOwed {
		return
	}
	owed := l.BtsFeesOwed
	l.Free -= owed
	l.TotalChain -= owed
	l.CacheFunds -= math.Min(l.CacheFunds, owed)
	l.BtsFeesOwed = 0
	a.logger.Debug("bts fees settled", "side", side, "amount", owed)
}

// AccrueBtsFee adds a flat operation fee (create/update/cancel) to the
// side's native-token debt.
func (a *Accountant) AccrueBtsFee(side types.Side, amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sides[side].BtsFeesOwed += amount
}

// OperationFee returns the flat native-token fee for one action kind.
func (a *Accountant) OperationFee(kind types.ActionKind) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch kind {
	case types.ActionCreate:
		return a.fees.CreateFee
	case types.ActionUpdate:
		return a.fees.UpdateFee
	case types.ActionCancel:
		return a.fees.CancelFee
	default:
		return 0
	}
}

// BtsFeesOwed returns the side's outstanding native-token debt.
func (a *Accountant) BtsFeesOwed(side types.Side) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sides[side].BtsFeesOwed
}

// CreditFree adds externally observed income to free and total (deposit,
// refund). Used by tests and the periodic balance reconciler.
func (a *Accountant) CreditFree(side types.Side, amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l := a.sides[side]
	l.Free += amount
	l.TotalChain += amount
}

// Package grid implements the master grid: the authoritative, versioned
// mapping of slot ids to orders, plus the transient working grids used by
// the rebalance pipeline.
//
// The master grid is the one shared mutable resource in the bot. Every
// mutation funnels through ApplyOrderUpdate, which validates the order
// shape, maintains the secondary indices, bumps the version counter,
// notifies the fund observer, and appends to the audit ring. Working
// grids are deep clones owned exclusively by one rebalance attempt.
package grid

import (
	"errors"
	"fmt"

	"gridmaker/pkg/types"
)

var (
	// ErrInvalidState signals an order record whose shape is internally
	// inconsistent (e.g. a SPREAD slot with size, or an ACTIVE slot with
	// no chain order id).
	ErrInvalidState = errors.New("invalid order state")

	// ErrUnknownSlot signals a slot id the grid has never seen. Slot ids
	// are fixed at grid creation.
	ErrUnknownSlot = errors.New("unknown slot")

	// ErrStaleCommit signals a commit whose working grid fell behind the
	// master. The commit is discarded; master is unchanged.
	ErrStaleCommit = errors.New("stale commit")
)

// validateShape enforces the grid order invariants:
//
//	SPREAD   ⇒ VIRTUAL with size 0
//	VIRTUAL  ⇔ no chain order id
//	size ≥ 0, price > 0
func validateShape(o *types.Order) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("%w: missing slot id", ErrInvalidState)
	}
	if o.Price <= 0 {
		return fmt.Errorf("%w: slot %s: price %v must be positive", ErrInvalidState, o.ID, o.Price)
	}
	if o.Size < 0 {
		return fmt.Errorf("%w: slot %s: negative size %v", ErrInvalidState, o.ID, o.Size)
	}
	switch o.State {
	case types.StateVirtual, types.StateActive, types.StatePartial:
	default:
		return fmt.Errorf("%w: slot %s: state %q", ErrInvalidState, o.ID, o.State)
	}
	switch o.Type {
	case types.OrderBuy, types.OrderSell, types.OrderSpread:
	default:
		return fmt.Errorf("%w: slot %s: type %q", ErrInvalidState, o.ID, o.Type)
	}
	if o.Type == types.OrderSpread && (o.State != types.StateVirtual || o.Size != 0) {
		return fmt.Errorf("%w: slot %s: SPREAD must be VIRTUAL with size 0", ErrInvalidState, o.ID)
	}
	if o.State == types.StateVirtual && o.ChainOrderID != "" {
		return fmt.Errorf("%w: slot %s: VIRTUAL with chain order %s", ErrInvalidState, o.ID, o.ChainOrderID)
	}
	if o.State != types.StateVirtual && o.ChainOrderID == "" {
		return fmt.Errorf("%w: slot %s: %s without chain order id", ErrInvalidState, o.ID, o.State)
	}
	return nil
}

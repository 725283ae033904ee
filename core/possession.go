package core

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"possession/native/possession"
	"possession/observability/logging"
)

// DealView is a live deal together with the key it is stored under.
type DealView struct {
	Key   possession.DealKey
	State *possession.DealState
	// Deadline is only known when the terms were supplied and a fulfillment
	// is in progress.
	Deadline uint64
}

// PossessionDeriveKey returns the key for the supplied terms.
func (n *Node) PossessionDeriveKey(terms *possession.Terms) (possession.DealKey, error) {
	return possession.DeriveKey(terms)
}

// PossessionCreate opens a deal with caller as possessor.
func (n *Node) PossessionCreate(ctx context.Context, caller common.Address, terms *possession.Terms) (possession.DealKey, error) {
	var key possession.DealKey
	err := n.apply(ctx, "create", func(tx *txn) error {
		var err error
		key, err = tx.engine.Create(caller, terms)
		return err
	})
	if err != nil {
		return possession.DealKey{}, err
	}
	return key, nil
}

// PossessionCancel withdraws a deal with no pending fulfillment.
func (n *Node) PossessionCancel(ctx context.Context, caller common.Address, terms *possession.Terms) error {
	return n.apply(ctx, "cancel", func(tx *txn) error {
		return tx.engine.Cancel(caller, terms)
	})
}

// PossessionRequestFulfillment starts the delivery clock. data is only logged
// in redacted form.
func (n *Node) PossessionRequestFulfillment(ctx context.Context, caller common.Address, terms *possession.Terms, data []byte) error {
	err := n.apply(ctx, "request_fulfillment", func(tx *txn) error {
		return tx.engine.RequestFulfillment(caller, terms, data)
	})
	if err == nil {
		n.logger.Debug("fulfillment requested",
			slog.String("requester", caller.Hex()),
			logging.MaskBytes("data", data),
		)
	}
	return err
}

// PossessionMarkFulfilled closes a deal on successful delivery.
func (n *Node) PossessionMarkFulfilled(ctx context.Context, caller common.Address, terms *possession.Terms) error {
	return n.apply(ctx, "mark_fulfilled", func(tx *txn) error {
		return tx.engine.MarkFulfilled(caller, terms)
	})
}

// PossessionClaimStakes forfeits both stakes of an overdue fulfillment.
func (n *Node) PossessionClaimStakes(ctx context.Context, caller common.Address, terms *possession.Terms) error {
	return n.apply(ctx, "claim_stakes", func(tx *txn) error {
		return tx.engine.ClaimStakes(caller, terms)
	})
}

// PossessionOwnerCancelFulfill records the token holder's cancel consent.
func (n *Node) PossessionOwnerCancelFulfill(ctx context.Context, caller common.Address, terms *possession.Terms, consent bool) error {
	return n.apply(ctx, "owner_cancel_fulfill", func(tx *txn) error {
		return tx.engine.OwnerCancelFulfill(caller, terms, consent)
	})
}

// PossessionPossessorCancelFulfill records the possessor's cancel consent.
func (n *Node) PossessionPossessorCancelFulfill(ctx context.Context, caller common.Address, terms *possession.Terms, consent bool) error {
	return n.apply(ctx, "possessor_cancel_fulfill", func(tx *txn) error {
		return tx.engine.PossessorCancelFulfill(caller, terms, consent)
	})
}

// PossessionCancelFulfill aborts a mutually cancelled fulfillment.
func (n *Node) PossessionCancelFulfill(ctx context.Context, caller common.Address, terms *possession.Terms) error {
	return n.apply(ctx, "cancel_fulfill", func(tx *txn) error {
		return tx.engine.CancelFulfill(caller, terms)
	})
}

// PossessionSetAuthority hands the neutral authority role over.
func (n *Node) PossessionSetAuthority(ctx context.Context, caller, next common.Address) error {
	return n.apply(ctx, "set_authority", func(tx *txn) error {
		return tx.engine.SetAuthority(caller, next)
	})
}

// PossessionAuthority returns the neutral authority.
func (n *Node) PossessionAuthority() (common.Address, error) {
	var addr common.Address
	err := n.read(func(tx *txn) error {
		var err error
		addr, err = tx.engine.Authority()
		return err
	})
	return addr, err
}

// PossessionDeal loads a live deal by key.
func (n *Node) PossessionDeal(key possession.DealKey) (*DealView, error) {
	var view *DealView
	err := n.read(func(tx *txn) error {
		deal, err := tx.engine.Deal(key)
		if err != nil {
			return err
		}
		view = &DealView{Key: key, State: deal}
		return nil
	})
	return view, err
}

// PossessionDealByTerms loads the live deal for the terms, including the
// fulfillment deadline when one is running.
func (n *Node) PossessionDealByTerms(terms *possession.Terms) (*DealView, error) {
	sanitized, err := possession.SanitizeTerms(terms)
	if err != nil {
		return nil, err
	}
	key, err := possession.DeriveKey(sanitized)
	if err != nil {
		return nil, err
	}
	view, err := n.PossessionDeal(key)
	if err != nil {
		return nil, err
	}
	if view.State.FulfillmentInProgress() {
		view.Deadline = possession.FulfillmentDeadline(view.State, sanitized)
	}
	return view, nil
}

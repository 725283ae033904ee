package possession

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenRef identifies a single item inside an external ownership registry.
// Whoever the registry reports as the holder of the item is the deal owner.
type TokenRef struct {
	Registry common.Address
	ItemID   *big.Int
}

// Stake is an amount of an asset locked in custody as collateral.
type Stake struct {
	Asset  common.Address
	Amount *big.Int
}

// Terms are the immutable conditions of a deal. They are never stored; callers
// resupply them on every operation and the engine locates the deal through
// DeriveKey.
type Terms struct {
	OwnershipToken   TokenRef
	PossessorStake   Stake
	FulfillmentStake Stake
	// FulfillmentTime is the number of seconds the possessor has to deliver
	// once fulfillment is requested.
	FulfillmentTime uint64
}

// DealState is the mutable record kept per live deal.
type DealState struct {
	Possessor common.Address
	// FulfillmentRequestedAt is zero while no fulfillment is in progress.
	FulfillmentRequestedAt uint64
	// FulfillmentRequester posted the fulfillment stake and receives it back
	// when the fulfillment completes or is cancelled by mutual consent.
	FulfillmentRequester   common.Address
	OwnerCancelFulfill     bool
	PossessorCancelFulfill bool
}

// Exists reports whether the record describes a live deal.
func (d *DealState) Exists() bool {
	return d != nil && d.Possessor != (common.Address{})
}

// FulfillmentInProgress reports whether the fulfillment stake is escrowed.
func (d *DealState) FulfillmentInProgress() bool {
	return d != nil && d.FulfillmentRequestedAt != 0
}

// Clone returns a copy of the deal record.
func (d *DealState) Clone() *DealState {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Clone returns a deep copy of the terms.
func (t *Terms) Clone() *Terms {
	if t == nil {
		return nil
	}
	return &Terms{
		OwnershipToken: TokenRef{
			Registry: t.OwnershipToken.Registry,
			ItemID:   cloneBigInt(t.OwnershipToken.ItemID),
		},
		PossessorStake: Stake{
			Asset:  t.PossessorStake.Asset,
			Amount: cloneBigInt(t.PossessorStake.Amount),
		},
		FulfillmentStake: Stake{
			Asset:  t.FulfillmentStake.Asset,
			Amount: cloneBigInt(t.FulfillmentStake.Amount),
		},
		FulfillmentTime: t.FulfillmentTime,
	}
}

// SanitizeTerms validates the supplied terms and returns a cloned instance
// with non-nil amounts. The original value is not mutated.
func SanitizeTerms(t *Terms) (*Terms, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil terms", ErrInvalidTerms)
	}
	clone := t.Clone()
	if clone.OwnershipToken.Registry == (common.Address{}) {
		return nil, fmt.Errorf("%w: ownership registry required", ErrInvalidTerms)
	}
	if clone.OwnershipToken.ItemID.Sign() < 0 {
		return nil, fmt.Errorf("%w: item id must be non-negative", ErrInvalidTerms)
	}
	if err := validateStake("possessor", clone.PossessorStake); err != nil {
		return nil, err
	}
	if err := validateStake("fulfillment", clone.FulfillmentStake); err != nil {
		return nil, err
	}
	return clone, nil
}

func validateStake(label string, s Stake) error {
	if s.Asset == (common.Address{}) {
		return fmt.Errorf("%w: %s stake asset required", ErrInvalidTerms, label)
	}
	if s.Amount.Sign() < 0 {
		return fmt.Errorf("%w: %s stake amount must be non-negative", ErrInvalidTerms, label)
	}
	return nil
}

package possession

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCustodyEscrowAndRelease(t *testing.T) {
	state := newMockState()
	state.fund(assetA, possessor, 10)
	custody := NewCustody(state)

	if err := custody.Escrow(assetA, big.NewInt(4), possessor); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	expectBalance(t, state, assetA, custody.Vault(), 4)
	expectBalance(t, state, assetA, possessor, 6)

	if err := custody.Release(assetA, big.NewInt(4), owner); err != nil {
		t.Fatalf("release: %v", err)
	}
	expectBalance(t, state, assetA, custody.Vault(), 0)
	expectBalance(t, state, assetA, owner, 4)
}

func TestCustodyZeroAmountIsNoop(t *testing.T) {
	state := newMockState()
	state.failTransferTo = VaultAddress
	custody := NewCustody(state)
	if err := custody.Escrow(assetA, big.NewInt(0), possessor); err != nil {
		t.Fatalf("zero escrow should not reach the ledger: %v", err)
	}
}

func TestCustodyRejectsInvalidAmounts(t *testing.T) {
	custody := NewCustody(newMockState())
	if err := custody.Escrow(assetA, big.NewInt(-1), possessor); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := custody.Release(assetA, nil, possessor); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for nil, got %v", err)
	}
}

func TestCustodyPropagatesLedgerFailure(t *testing.T) {
	custody := NewCustody(newMockState())
	if err := custody.Escrow(assetA, big.NewInt(1), possessor); err == nil {
		t.Fatalf("expected insufficient balance error")
	}
}

func TestOwnershipIsCurrentOwner(t *testing.T) {
	state := newMockState()
	token := TokenRef{Registry: registry, ItemID: big.NewInt(3)}
	ownership := NewOwnership(state)

	ok, err := ownership.IsCurrentOwner(token, owner)
	if err != nil || ok {
		t.Fatalf("unminted item must have no owner: %v %v", ok, err)
	}
	state.setOwner(token, owner)
	if ok, _ := ownership.IsCurrentOwner(token, owner); !ok {
		t.Fatalf("expected owner")
	}
	if ok, _ := ownership.IsCurrentOwner(token, common.Address{}); ok {
		t.Fatalf("zero address must never be the owner")
	}
	state.setOwner(token, stranger)
	if ok, _ := ownership.IsCurrentOwner(token, owner); ok {
		t.Fatalf("ownership answer must follow registry changes")
	}
}

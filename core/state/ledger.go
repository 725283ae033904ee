package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the sender's
	// balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrBalanceOverflow is returned when a credit would exceed 256 bits.
	ErrBalanceOverflow = errors.New("ledger: balance overflow")
	// ErrInvalidAmount is returned for nil, negative or oversized amounts.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrZeroAddress is returned when either side of a transfer is unset.
	ErrZeroAddress = errors.New("ledger: zero address transfer")
)

func toWord(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	word, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrInvalidAmount
	}
	return word, nil
}

func (m *Manager) loadWord(key []byte) (*uint256.Int, error) {
	value := new(big.Int)
	ok, err := m.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	word, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("ledger: stored value exceeds 256 bits")
	}
	return word, nil
}

func (m *Manager) storeWord(key []byte, word *uint256.Int) error {
	if word.IsZero() {
		return m.KVDelete(key)
	}
	return m.KVPut(key, word.ToBig())
}

// BalanceOf returns the balance of account in asset. Unknown accounts hold
// zero.
func (m *Manager) BalanceOf(asset, account common.Address) (*big.Int, error) {
	word, err := m.loadWord(BalanceKey(asset, account))
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

// TotalSupply returns the amount of asset minted through Credit.
func (m *Manager) TotalSupply(asset common.Address) (*big.Int, error) {
	word, err := m.loadWord(SupplyKey(asset))
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

// Credit mints amount of asset to account. It is used to seed genesis
// allocations.
func (m *Manager) Credit(asset, account common.Address, amount *big.Int) error {
	value, err := toWord(amount)
	if err != nil {
		return err
	}
	balance, err := m.loadWord(BalanceKey(asset, account))
	if err != nil {
		return err
	}
	supply, err := m.loadWord(SupplyKey(asset))
	if err != nil {
		return err
	}
	nextBalance, overflow := new(uint256.Int).AddOverflow(balance, value)
	if overflow {
		return ErrBalanceOverflow
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(supply, value)
	if overflow {
		return ErrBalanceOverflow
	}
	if err := m.storeWord(BalanceKey(asset, account), nextBalance); err != nil {
		return err
	}
	return m.storeWord(SupplyKey(asset), nextSupply)
}

// Transfer moves amount of asset from one account to another. Both balances
// are validated before either is written, so a failing transfer leaves the
// ledger untouched.
func (m *Manager) Transfer(asset, from, to common.Address, amount *big.Int) error {
	value, err := toWord(amount)
	if err != nil {
		return err
	}
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	fromBalance, err := m.loadWord(BalanceKey(asset, from))
	if err != nil {
		return err
	}
	if fromBalance.Lt(value) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBalance.Dec(), asset.Hex(), value.Dec())
	}
	if value.IsZero() || from == to {
		return nil
	}
	toBalance, err := m.loadWord(BalanceKey(asset, to))
	if err != nil {
		return err
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBalance, value)
	if overflow {
		return ErrBalanceOverflow
	}
	nextFrom := new(uint256.Int).Sub(fromBalance, value)
	if err := m.storeWord(BalanceKey(asset, from), nextFrom); err != nil {
		return err
	}
	return m.storeWord(BalanceKey(asset, to), nextTo)
}

package possession

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// VaultAddress is the account that pools every stake held in custody.
var VaultAddress = common.BytesToAddress(ethcrypto.Keccak256([]byte("possession/vault"))[12:])

// AssetLedger is the asset transfer agent. Transfer must either move the full
// amount or fail without touching either balance.
type AssetLedger interface {
	Transfer(asset, from, to common.Address, amount *big.Int) error
}

// Custody moves stakes between participants and the module vault.
type Custody struct {
	ledger AssetLedger
	vault  common.Address
}

// NewCustody returns a custody adapter pooling stakes in VaultAddress.
func NewCustody(ledger AssetLedger) *Custody {
	return &Custody{ledger: ledger, vault: VaultAddress}
}

// Vault returns the custody account.
func (c *Custody) Vault() common.Address { return c.vault }

// Escrow pulls amount of asset from the participant into custody.
func (c *Custody) Escrow(asset common.Address, amount *big.Int, from common.Address) error {
	return c.move(asset, from, c.vault, amount)
}

// Release pays amount of asset out of custody to the recipient.
func (c *Custody) Release(asset common.Address, amount *big.Int, to common.Address) error {
	return c.move(asset, c.vault, to, amount)
}

func (c *Custody) move(asset, from, to common.Address, amount *big.Int) error {
	if c == nil || c.ledger == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: stake amount must be non-negative", ErrInvalidAmount)
	}
	if amount.Sign() == 0 {
		return nil
	}
	return c.ledger.Transfer(asset, from, to, new(big.Int).Set(amount))
}

// core/genesis/spec.go
package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"possession/native/possession"
)

// GenesisSpec describes the initial state of a node: the neutral authority,
// asset balances and the holders of registry items.
type GenesisSpec struct {
	Authority string                       `json:"authority" yaml:"authority"`
	Alloc     map[string]map[string]string `json:"alloc" yaml:"alloc"` // account -> asset -> amount
	Items     []ItemSpec                   `json:"items" yaml:"items"`

	authorityAddr common.Address
	allocations   []allocation
	items         []item
}

// ItemSpec assigns a registry item to its initial holder.
type ItemSpec struct {
	Registry string `json:"registry" yaml:"registry"`
	ItemID   string `json:"itemId" yaml:"itemId"`
	Holder   string `json:"holder" yaml:"holder"`
}

type allocation struct {
	account common.Address
	asset   common.Address
	amount  *big.Int
}

type item struct {
	registry common.Address
	itemID   *big.Int
	holder   common.Address
}

// LoadGenesisSpec reads a genesis file. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON. Unknown fields are rejected.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseGenesisSpec(raw, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseGenesisSpec decodes and validates a genesis document. ext selects the
// format (".yaml"/".yml" for YAML, anything else for JSON).
func ParseGenesisSpec(raw []byte, ext string) (*GenesisSpec, error) {
	var spec GenesisSpec
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	return &spec, nil
}

// AuthorityAddress returns the configured neutral authority, if any.
func (s *GenesisSpec) AuthorityAddress() (common.Address, bool) {
	return s.authorityAddr, s.authorityAddr != (common.Address{})
}

func parseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", value)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address not allowed")
	}
	return addr, nil
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must be provided")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

// parseParty parses an account that may hold funds or items. The custody
// vault only receives balances through escrow.
func parseParty(value string) (common.Address, error) {
	addr, err := parseAddress(value)
	if err != nil {
		return common.Address{}, err
	}
	if addr == possession.VaultAddress {
		return common.Address{}, fmt.Errorf("%s: %w", addr.Hex(), possession.ErrCustodyAccount)
	}
	return addr, nil
}

func (s *GenesisSpec) validate() error {
	s.authorityAddr = common.Address{}
	if strings.TrimSpace(s.Authority) != "" {
		addr, err := parseParty(s.Authority)
		if err != nil {
			return fmt.Errorf("authority: %w", err)
		}
		s.authorityAddr = addr
	}

	s.allocations = s.allocations[:0]
	for accountStr, balances := range s.Alloc {
		account, err := parseParty(accountStr)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", accountStr, err)
		}
		for assetStr, amountStr := range balances {
			asset, err := parseAddress(assetStr)
			if err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", accountStr, assetStr, err)
			}
			amount, err := parseAmountString(amountStr)
			if err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", accountStr, assetStr, err)
			}
			s.allocations = append(s.allocations, allocation{account: account, asset: asset, amount: amount})
		}
	}

	s.items = s.items[:0]
	seen := make(map[string]struct{}, len(s.Items))
	for i, spec := range s.Items {
		registry, err := parseAddress(spec.Registry)
		if err != nil {
			return fmt.Errorf("items[%d].registry: %w", i, err)
		}
		itemID, err := parseAmountString(spec.ItemID)
		if err != nil {
			return fmt.Errorf("items[%d].itemId: %w", i, err)
		}
		holder, err := parseParty(spec.Holder)
		if err != nil {
			return fmt.Errorf("items[%d].holder: %w", i, err)
		}
		id := registry.Hex() + "/" + itemID.String()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("items[%d]: duplicate item %s", i, id)
		}
		seen[id] = struct{}{}
		s.items = append(s.items, item{registry: registry, itemID: itemID, holder: holder})
	}
	return nil
}

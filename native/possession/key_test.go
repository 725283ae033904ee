package possession

import (
	"errors"
	"math/big"
	"testing"
)

func baseTerms() *Terms {
	return &Terms{
		OwnershipToken:   TokenRef{Registry: registry, ItemID: big.NewInt(7)},
		PossessorStake:   Stake{Asset: assetA, Amount: big.NewInt(100)},
		FulfillmentStake: Stake{Asset: assetB, Amount: big.NewInt(50)},
		FulfillmentTime:  3_600,
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	first, err := DeriveKey(baseTerms())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := DeriveKey(baseTerms())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if first != second {
		t.Fatalf("equal terms produced different keys")
	}
	if first == (DealKey{}) {
		t.Fatalf("expected non-zero key")
	}
}

func TestDeriveKeyChangesWithEveryField(t *testing.T) {
	base, err := DeriveKey(baseTerms())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	mutations := map[string]func(*Terms){
		"registry":          func(tm *Terms) { tm.OwnershipToken.Registry = newTestAddress(0x55) },
		"item":              func(tm *Terms) { tm.OwnershipToken.ItemID = big.NewInt(8) },
		"possessor asset":   func(tm *Terms) { tm.PossessorStake.Asset = assetB },
		"possessor amount":  func(tm *Terms) { tm.PossessorStake.Amount = big.NewInt(101) },
		"fulfillment asset": func(tm *Terms) { tm.FulfillmentStake.Asset = assetA },
		"fulfillment amount": func(tm *Terms) {
			tm.FulfillmentStake.Amount = big.NewInt(49)
		},
		"fulfillment time": func(tm *Terms) { tm.FulfillmentTime = 3_601 },
	}
	seen := map[DealKey]string{base: "base"}
	for name, mutate := range mutations {
		terms := baseTerms()
		mutate(terms)
		key, err := DeriveKey(terms)
		if err != nil {
			t.Fatalf("%s: derive: %v", name, err)
		}
		if prev, ok := seen[key]; ok {
			t.Fatalf("%s collides with %s", name, prev)
		}
		seen[key] = name
	}
}

func TestDeriveKeyDoesNotMutateTerms(t *testing.T) {
	terms := baseTerms()
	terms.PossessorStake.Amount = nil
	if _, err := DeriveKey(terms); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if terms.PossessorStake.Amount != nil {
		t.Fatalf("derive mutated caller terms")
	}
}

func TestDeriveKeyRejectsNegativeAmounts(t *testing.T) {
	terms := baseTerms()
	terms.FulfillmentStake.Amount = big.NewInt(-1)
	if _, err := DeriveKey(terms); !errors.Is(err, ErrInvalidTerms) {
		t.Fatalf("expected invalid terms, got %v", err)
	}
	if _, err := DeriveKey(nil); !errors.Is(err, ErrInvalidTerms) {
		t.Fatalf("expected invalid terms for nil, got %v", err)
	}
}

func TestParseDealKeyRoundTrip(t *testing.T) {
	key, err := DeriveKey(baseTerms())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	parsed, err := ParseDealKey(key.Hex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != key {
		t.Fatalf("parsed key mismatch")
	}
	if _, err := ParseDealKey(key.Hex()[2:]); err != nil {
		t.Fatalf("parse without prefix: %v", err)
	}
	for _, bad := range []string{"", "0x", "0x1234", "zz" + key.Hex()[4:]} {
		if _, err := ParseDealKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSanitizeTermsFillsNilAmounts(t *testing.T) {
	terms := baseTerms()
	terms.FulfillmentStake.Amount = nil
	terms.OwnershipToken.ItemID = nil
	clean, err := SanitizeTerms(terms)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if clean.FulfillmentStake.Amount.Sign() != 0 || clean.OwnershipToken.ItemID.Sign() != 0 {
		t.Fatalf("expected zero defaults")
	}
	if clean == terms {
		t.Fatalf("sanitize must return a copy")
	}
}

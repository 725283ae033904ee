package possession

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"possession/core/events"
	"possession/core/types"
)

type itemKey struct {
	registry common.Address
	item     string
}

type balanceKey struct {
	asset   common.Address
	account common.Address
}

type mockSnapshot struct {
	deals     map[DealKey]*DealState
	balances  map[balanceKey]*big.Int
	owners    map[itemKey]common.Address
	authority *common.Address
}

type mockState struct {
	deals     map[DealKey]*DealState
	balances  map[balanceKey]*big.Int
	owners    map[itemKey]common.Address
	authority *common.Address
	snapshots []mockSnapshot

	// failTransferTo makes every transfer credited to the address fail.
	failTransferTo common.Address
}

func newMockState() *mockState {
	return &mockState{
		deals:    make(map[DealKey]*DealState),
		balances: make(map[balanceKey]*big.Int),
		owners:   make(map[itemKey]common.Address),
	}
}

func newTestAddress(fill byte) common.Address {
	var addr common.Address
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func (m *mockState) copyState() mockSnapshot {
	snap := mockSnapshot{
		deals:    make(map[DealKey]*DealState, len(m.deals)),
		balances: make(map[balanceKey]*big.Int, len(m.balances)),
		owners:   make(map[itemKey]common.Address, len(m.owners)),
	}
	for k, v := range m.deals {
		snap.deals[k] = v.Clone()
	}
	for k, v := range m.balances {
		snap.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range m.owners {
		snap.owners[k] = v
	}
	if m.authority != nil {
		addr := *m.authority
		snap.authority = &addr
	}
	return snap
}

func (m *mockState) Snapshot() int {
	m.snapshots = append(m.snapshots, m.copyState())
	return len(m.snapshots) - 1
}

func (m *mockState) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(m.snapshots) {
		return fmt.Errorf("unknown snapshot %d", id)
	}
	snap := m.snapshots[id]
	m.deals = snap.deals
	m.balances = snap.balances
	m.owners = snap.owners
	m.authority = snap.authority
	m.snapshots = m.snapshots[:id]
	return nil
}

func (m *mockState) DiscardSnapshot(id int) {
	if id >= 0 && id < len(m.snapshots) {
		m.snapshots = m.snapshots[:id]
	}
}

func (m *mockState) DealGet(key DealKey) (*DealState, bool, error) {
	deal, ok := m.deals[key]
	if !ok {
		return nil, false, nil
	}
	return deal.Clone(), true, nil
}

func (m *mockState) DealPut(key DealKey, deal *DealState) error {
	if deal == nil {
		return fmt.Errorf("nil deal")
	}
	m.deals[key] = deal.Clone()
	return nil
}

func (m *mockState) DealDelete(key DealKey) error {
	delete(m.deals, key)
	return nil
}

func (m *mockState) AuthorityGet() (common.Address, bool, error) {
	if m.authority == nil {
		return common.Address{}, false, nil
	}
	return *m.authority, true, nil
}

func (m *mockState) AuthorityPut(addr common.Address) error {
	m.authority = &addr
	return nil
}

func (m *mockState) OwnerOf(registry common.Address, itemID *big.Int) (common.Address, bool, error) {
	owner, ok := m.owners[itemKey{registry: registry, item: itemID.String()}]
	return owner, ok, nil
}

func (m *mockState) setOwner(token TokenRef, owner common.Address) {
	m.owners[itemKey{registry: token.Registry, item: token.ItemID.String()}] = owner
}

func (m *mockState) balance(asset, account common.Address) *big.Int {
	if bal, ok := m.balances[balanceKey{asset, account}]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (m *mockState) fund(asset, account common.Address, amount int64) {
	m.balances[balanceKey{asset, account}] = new(big.Int).Add(m.balance(asset, account), big.NewInt(amount))
}

func (m *mockState) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if to == m.failTransferTo && to != (common.Address{}) {
		return fmt.Errorf("transfer to %s rejected", to.Hex())
	}
	fromBal := m.balance(asset, from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	m.balances[balanceKey{asset, from}] = new(big.Int).Sub(fromBal, amount)
	m.balances[balanceKey{asset, to}] = new(big.Int).Add(m.balance(asset, to), amount)
	return nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) typesEvents() []*types.Event {
	out := make([]*types.Event, 0, len(c.events))
	for _, evt := range c.events {
		if wrapper, ok := evt.(dealEvent); ok && wrapper.evt != nil {
			out = append(out, wrapper.evt.Clone())
		}
	}
	return out
}

var (
	assetA    = newTestAddress(0xA1)
	assetB    = newTestAddress(0xB1)
	registry  = newTestAddress(0xE1)
	possessor = newTestAddress(0x01)
	owner     = newTestAddress(0x02)
	stranger  = newTestAddress(0x03)
	authority = newTestAddress(0xDA)
)

const testNow int64 = 1_700_000_000

type testEnv struct {
	state   *mockState
	engine  *Engine
	emitter *capturingEmitter
	now     int64
	terms   *Terms
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:   newMockState(),
		emitter: &capturingEmitter{},
		now:     testNow,
		terms: &Terms{
			OwnershipToken:   TokenRef{Registry: registry, ItemID: big.NewInt(7)},
			PossessorStake:   Stake{Asset: assetA, Amount: big.NewInt(100)},
			FulfillmentStake: Stake{Asset: assetB, Amount: big.NewInt(50)},
			FulfillmentTime:  3_600,
		},
	}
	env.engine = NewEngine()
	env.engine.SetState(env.state)
	env.engine.SetEmitter(env.emitter)
	env.engine.SetNowFunc(func() int64 { return env.now })
	env.state.setOwner(env.terms.OwnershipToken, owner)
	env.state.fund(assetA, possessor, 1_000)
	env.state.fund(assetB, owner, 1_000)
	if err := env.state.AuthorityPut(authority); err != nil {
		t.Fatalf("seed authority: %v", err)
	}
	return env
}

func (env *testEnv) key(t *testing.T) DealKey {
	t.Helper()
	key, err := DeriveKey(env.terms)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	return key
}

func (env *testEnv) mustCreate(t *testing.T) DealKey {
	t.Helper()
	key, err := env.engine.Create(possessor, env.terms)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return key
}

func (env *testEnv) mustRequest(t *testing.T) {
	t.Helper()
	if err := env.engine.RequestFulfillment(owner, env.terms, []byte("221B Baker Street")); err != nil {
		t.Fatalf("request fulfillment: %v", err)
	}
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func expectBalance(t *testing.T, state *mockState, asset, account common.Address, want int64) {
	t.Helper()
	if got := state.balance(asset, account); got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance of %s in %s: expected %d, got %s", account.Hex(), asset.Hex(), want, got)
	}
}

func TestCreateEscrowsPossessorStake(t *testing.T) {
	env := newTestEnv(t)
	key := env.mustCreate(t)
	if key != env.key(t) {
		t.Fatalf("create returned unexpected key")
	}
	deal, err := env.engine.Deal(key)
	if err != nil {
		t.Fatalf("load deal: %v", err)
	}
	if deal.Possessor != possessor || deal.FulfillmentInProgress() {
		t.Fatalf("unexpected deal state: %+v", deal)
	}
	expectBalance(t, env.state, assetA, possessor, 900)
	expectBalance(t, env.state, assetA, VaultAddress, 100)
}

func TestCreateTwiceFailsAlreadyExists(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.state.fund(assetA, stranger, 500)

	_, err := env.engine.Create(stranger, env.terms)
	expectErr(t, err, ErrAlreadyExists)

	deal, err := env.engine.Deal(env.key(t))
	if err != nil {
		t.Fatalf("load deal: %v", err)
	}
	if deal.Possessor != possessor {
		t.Fatalf("second create replaced possessor")
	}
	expectBalance(t, env.state, assetA, VaultAddress, 100)
	expectBalance(t, env.state, assetA, stranger, 500)
}

func TestCreateValidations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Terms)
		caller common.Address
	}{
		{"zero registry", func(tm *Terms) { tm.OwnershipToken.Registry = common.Address{} }, possessor},
		{"negative item", func(tm *Terms) { tm.OwnershipToken.ItemID = big.NewInt(-1) }, possessor},
		{"zero possessor asset", func(tm *Terms) { tm.PossessorStake.Asset = common.Address{} }, possessor},
		{"negative fulfillment stake", func(tm *Terms) { tm.FulfillmentStake.Amount = big.NewInt(-5) }, possessor},
		{"zero caller", func(*Terms) {}, common.Address{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			tc.mutate(env.terms)
			if _, err := env.engine.Create(tc.caller, env.terms); err == nil {
				t.Fatalf("expected error")
			}
			if len(env.state.deals) != 0 {
				t.Fatalf("invalid create stored a deal")
			}
			expectBalance(t, env.state, assetA, possessor, 1_000)
		})
	}
}

func TestZeroCallerRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Create(common.Address{}, env.terms)
	expectErr(t, err, ErrZeroCaller)
	env.mustCreate(t)
	expectErr(t, env.engine.RequestFulfillment(common.Address{}, env.terms, nil), ErrZeroCaller)
}

func TestVaultCannotActAsParty(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)

	other := *env.terms
	other.OwnershipToken = TokenRef{Registry: registry, ItemID: big.NewInt(8)}
	_, err := env.engine.Create(VaultAddress, &other)
	expectErr(t, err, ErrCustodyAccount)
	if len(env.state.deals) != 1 {
		t.Fatalf("vault created a deal")
	}

	env.state.setOwner(env.terms.OwnershipToken, VaultAddress)
	env.state.fund(assetB, VaultAddress, 50)
	expectErr(t, env.engine.RequestFulfillment(VaultAddress, env.terms, nil), ErrCustodyAccount)
	deal, err := env.engine.Deal(env.key(t))
	if err != nil {
		t.Fatalf("load deal: %v", err)
	}
	if deal.FulfillmentInProgress() {
		t.Fatalf("vault started fulfillment")
	}
	expectBalance(t, env.state, assetA, VaultAddress, 100)
	expectBalance(t, env.state, assetB, VaultAddress, 50)
}

func TestCreateWithInsufficientBalanceLeavesNoDeal(t *testing.T) {
	env := newTestEnv(t)
	env.terms.PossessorStake.Amount = big.NewInt(5_000)
	if _, err := env.engine.Create(possessor, env.terms); err == nil {
		t.Fatalf("expected transfer failure")
	}
	if _, err := env.engine.Deal(env.key(t)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no deal, got %v", err)
	}
	if len(env.emitter.events) != 0 {
		t.Fatalf("failed create emitted events")
	}
}

func TestCancelThenCreateAgain(t *testing.T) {
	env := newTestEnv(t)
	env.state.setOwner(env.terms.OwnershipToken, possessor)
	env.mustCreate(t)

	if err := env.engine.Cancel(possessor, env.terms); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	expectBalance(t, env.state, assetA, possessor, 1_000)
	expectBalance(t, env.state, assetA, VaultAddress, 0)
	if _, err := env.engine.Deal(env.key(t)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deal removed, got %v", err)
	}

	env.mustCreate(t)
	expectBalance(t, env.state, assetA, VaultAddress, 100)
}

func TestCancelAuthorization(t *testing.T) {
	cases := []struct {
		name       string
		tokenOwner common.Address
		caller     common.Address
	}{
		{"possessor without token", owner, possessor},
		{"token owner not possessor", owner, owner},
		{"stranger", possessor, stranger},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.mustCreate(t)
			env.state.setOwner(env.terms.OwnershipToken, tc.tokenOwner)
			err := env.engine.Cancel(tc.caller, env.terms)
			expectErr(t, err, ErrMustBeCreatorAndOwnershipTokenOwner)
			if _, err := env.engine.Deal(env.key(t)); err != nil {
				t.Fatalf("deal should survive rejected cancel: %v", err)
			}
		})
	}
}

func TestCancelRejectedWhileFulfillmentInProgress(t *testing.T) {
	env := newTestEnv(t)
	env.state.setOwner(env.terms.OwnershipToken, possessor)
	env.state.fund(assetB, possessor, 100)
	env.mustCreate(t)
	if err := env.engine.RequestFulfillment(possessor, env.terms, nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	expectErr(t, env.engine.Cancel(possessor, env.terms), ErrFulfillmentInProgress)
}

func TestCancelMissingDeal(t *testing.T) {
	env := newTestEnv(t)
	expectErr(t, env.engine.Cancel(possessor, env.terms), ErrNotFound)
}

func TestRequestFulfillment(t *testing.T) {
	env := newTestEnv(t)
	key := env.mustCreate(t)
	env.mustRequest(t)

	deal, err := env.engine.Deal(key)
	if err != nil {
		t.Fatalf("load deal: %v", err)
	}
	if deal.FulfillmentRequestedAt != uint64(testNow) {
		t.Fatalf("expected requested timestamp %d, got %d", testNow, deal.FulfillmentRequestedAt)
	}
	if deal.FulfillmentRequester != owner {
		t.Fatalf("expected requester recorded")
	}
	expectBalance(t, env.state, assetB, VaultAddress, 50)
	expectBalance(t, env.state, assetB, owner, 950)

	expectErr(t, env.engine.RequestFulfillment(owner, env.terms, nil), ErrFulfillmentInProgress)
	expectBalance(t, env.state, assetB, VaultAddress, 50)
}

func TestRequestFulfillmentPreconditions(t *testing.T) {
	env := newTestEnv(t)
	expectErr(t, env.engine.RequestFulfillment(owner, env.terms, nil), ErrNotFound)

	env.mustCreate(t)
	expectErr(t, env.engine.RequestFulfillment(stranger, env.terms, nil), ErrMustBeOwnershipTokenOwner)
	expectErr(t, env.engine.RequestFulfillment(possessor, env.terms, nil), ErrMustBeOwnershipTokenOwner)
}

func TestMarkFulfilledReturnsStakes(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.mustRequest(t)

	if err := env.engine.MarkFulfilled(owner, env.terms); err != nil {
		t.Fatalf("mark fulfilled: %v", err)
	}
	expectBalance(t, env.state, assetA, possessor, 1_000)
	expectBalance(t, env.state, assetB, owner, 1_000)
	expectBalance(t, env.state, assetA, VaultAddress, 0)
	expectBalance(t, env.state, assetB, VaultAddress, 0)

	expectErr(t, env.engine.MarkFulfilled(owner, env.terms), ErrNotFound)
	expectErr(t, env.engine.RequestFulfillment(owner, env.terms, nil), ErrNotFound)
	expectErr(t, env.engine.ClaimStakes(owner, env.terms), ErrNotFound)
}

func TestMarkFulfilledWithoutRequestOnlyReleasesPossessorStake(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.state.fund(assetB, VaultAddress, 75) // stake pooled for an unrelated deal

	if err := env.engine.MarkFulfilled(owner, env.terms); err != nil {
		t.Fatalf("mark fulfilled: %v", err)
	}
	expectBalance(t, env.state, assetA, possessor, 1_000)
	expectBalance(t, env.state, assetB, VaultAddress, 75)
	expectBalance(t, env.state, assetB, owner, 1_000)
}

func TestMarkFulfilledRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.mustRequest(t)
	expectErr(t, env.engine.MarkFulfilled(possessor, env.terms), ErrMustBeOwnershipTokenOwner)
	expectErr(t, env.engine.MarkFulfilled(stranger, env.terms), ErrMustBeOwnershipTokenOwner)
}

func TestOwnershipTransferMidFulfillment(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.mustRequest(t)

	env.state.setOwner(env.terms.OwnershipToken, stranger)
	expectErr(t, env.engine.MarkFulfilled(owner, env.terms), ErrMustBeOwnershipTokenOwner)
	if err := env.engine.MarkFulfilled(stranger, env.terms); err != nil {
		t.Fatalf("new holder mark fulfilled: %v", err)
	}
	// The fulfillment stake goes back to whoever posted it.
	expectBalance(t, env.state, assetB, owner, 1_000)
	expectBalance(t, env.state, assetB, stranger, 0)
}

func TestClaimStakesDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.mustRequest(t)

	env.now = testNow + 3_599
	expectErr(t, env.engine.ClaimStakes(stranger, env.terms), ErrFulfilmentNotExpired)
	expectBalance(t, env.state, assetA, VaultAddress, 100)
	expectBalance(t, env.state, assetB, VaultAddress, 50)

	env.now = testNow + 3_600
	if err := env.engine.ClaimStakes(stranger, env.terms); err != nil {
		t.Fatalf("claim stakes: %v", err)
	}
	expectBalance(t, env.state, assetA, authority, 100)
	expectBalance(t, env.state, assetB, authority, 50)
	expectBalance(t, env.state, assetA, VaultAddress, 0)
	expectBalance(t, env.state, assetB, VaultAddress, 0)

	if _, err := env.engine.Deal(env.key(t)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deal removed after forfeiture, got %v", err)
	}
	env.mustCreate(t)
}

func TestClaimStakesWithoutFulfillment(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.now = testNow + 1_000_000
	expectErr(t, env.engine.ClaimStakes(stranger, env.terms), ErrFulfillmentNotInProgress)
	expectBalance(t, env.state, assetA, VaultAddress, 100)
}

func TestClaimStakesRequiresAuthority(t *testing.T) {
	env := newTestEnv(t)
	env.state.authority = nil
	env.mustCreate(t)
	env.mustRequest(t)
	env.now = testNow + 10_000
	expectErr(t, env.engine.ClaimStakes(stranger, env.terms), ErrAuthorityNotConfigured)
	if _, err := env.engine.Deal(env.key(t)); err != nil {
		t.Fatalf("deal should survive: %v", err)
	}
}

func TestFulfillmentDeadlineSaturates(t *testing.T) {
	deal := &DealState{FulfillmentRequestedAt: 10}
	terms := &Terms{FulfillmentTime: ^uint64(0)}
	if got := FulfillmentDeadline(deal, terms); got != ^uint64(0) {
		t.Fatalf("expected saturated deadline, got %d", got)
	}
	if got := FulfillmentDeadline(&DealState{}, terms); got != 0 {
		t.Fatalf("idle deal has no deadline, got %d", got)
	}
}

func TestCancelFulfillRequiresBothConsents(t *testing.T) {
	env := newTestEnv(t)
	key := env.mustCreate(t)

	expectErr(t, env.engine.CancelFulfill(owner, env.terms), ErrFulfillmentNotInProgress)
	expectErr(t, env.engine.OwnerCancelFulfill(owner, env.terms, true), ErrFulfillmentNotInProgress)

	env.mustRequest(t)
	expectErr(t, env.engine.CancelFulfill(owner, env.terms), ErrCancelNotAllowed)

	if err := env.engine.OwnerCancelFulfill(owner, env.terms, true); err != nil {
		t.Fatalf("owner consent: %v", err)
	}
	expectErr(t, env.engine.CancelFulfill(owner, env.terms), ErrCancelNotAllowed)

	if err := env.engine.PossessorCancelFulfill(possessor, env.terms, true); err != nil {
		t.Fatalf("possessor consent: %v", err)
	}
	if err := env.engine.CancelFulfill(stranger, env.terms); err != nil {
		t.Fatalf("cancel fulfill: %v", err)
	}

	deal, err := env.engine.Deal(key)
	if err != nil {
		t.Fatalf("deal should remain live: %v", err)
	}
	if deal.FulfillmentInProgress() || deal.OwnerCancelFulfill || deal.PossessorCancelFulfill || deal.FulfillmentRequester != (common.Address{}) {
		t.Fatalf("deal not reset: %+v", deal)
	}
	if deal.Possessor != possessor {
		t.Fatalf("possessor lost on cancel fulfill")
	}
	expectBalance(t, env.state, assetB, owner, 1_000)
	expectBalance(t, env.state, assetA, VaultAddress, 100)

	// The deal can go through fulfillment again.
	env.mustRequest(t)
}

func TestCancelConsentIsRevocable(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.mustRequest(t)

	if err := env.engine.OwnerCancelFulfill(owner, env.terms, true); err != nil {
		t.Fatalf("owner consent: %v", err)
	}
	if err := env.engine.PossessorCancelFulfill(possessor, env.terms, true); err != nil {
		t.Fatalf("possessor consent: %v", err)
	}
	if err := env.engine.PossessorCancelFulfill(possessor, env.terms, false); err != nil {
		t.Fatalf("possessor revoke: %v", err)
	}
	expectErr(t, env.engine.CancelFulfill(owner, env.terms), ErrCancelNotAllowed)
}

func TestCancelConsentAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.mustRequest(t)

	expectErr(t, env.engine.OwnerCancelFulfill(possessor, env.terms, true), ErrOnlyOwner)
	expectErr(t, env.engine.OwnerCancelFulfill(stranger, env.terms, true), ErrOnlyOwner)
	expectErr(t, env.engine.PossessorCancelFulfill(owner, env.terms, true), ErrOnlyPossessor)
	expectErr(t, env.engine.PossessorCancelFulfill(common.Address{}, env.terms, true), ErrOnlyPossessor)
}

func TestRequestFulfillmentClearsStaleConsent(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.mustRequest(t)
	if err := env.engine.OwnerCancelFulfill(owner, env.terms, true); err != nil {
		t.Fatalf("owner consent: %v", err)
	}
	if err := env.engine.PossessorCancelFulfill(possessor, env.terms, true); err != nil {
		t.Fatalf("possessor consent: %v", err)
	}
	if err := env.engine.CancelFulfill(owner, env.terms); err != nil {
		t.Fatalf("cancel fulfill: %v", err)
	}
	env.mustRequest(t)
	expectErr(t, env.engine.CancelFulfill(owner, env.terms), ErrCancelNotAllowed)
}

func TestFailedTransitionRollsBack(t *testing.T) {
	env := newTestEnv(t)
	key := env.mustCreate(t)
	env.mustRequest(t)
	before := len(env.emitter.events)

	// The possessor stake release succeeds, the fulfillment stake release
	// fails; nothing of the first leg may survive.
	env.state.failTransferTo = owner
	if err := env.engine.MarkFulfilled(owner, env.terms); err == nil {
		t.Fatalf("expected transfer failure")
	}
	deal, err := env.engine.Deal(key)
	if err != nil {
		t.Fatalf("deal must survive failed transition: %v", err)
	}
	if !deal.FulfillmentInProgress() {
		t.Fatalf("deal state changed by failed transition")
	}
	expectBalance(t, env.state, assetA, possessor, 900)
	expectBalance(t, env.state, assetA, VaultAddress, 100)
	expectBalance(t, env.state, assetB, VaultAddress, 50)
	if len(env.emitter.events) != before {
		t.Fatalf("failed transition emitted events")
	}

	env.state.failTransferTo = common.Address{}
	if err := env.engine.MarkFulfilled(owner, env.terms); err != nil {
		t.Fatalf("retry mark fulfilled: %v", err)
	}
}

func TestSetAuthority(t *testing.T) {
	env := newTestEnv(t)
	next := newTestAddress(0xDB)

	expectErr(t, env.engine.SetAuthority(stranger, next), ErrOnlyAuthority)
	expectErr(t, env.engine.SetAuthority(authority, common.Address{}), ErrZeroAuthority)
	expectErr(t, env.engine.SetAuthority(authority, VaultAddress), ErrCustodyAccount)
	if err := env.engine.SetAuthority(authority, next); err != nil {
		t.Fatalf("set authority: %v", err)
	}
	got, err := env.engine.Authority()
	if err != nil || got != next {
		t.Fatalf("expected authority %s, got %s (%v)", next.Hex(), got.Hex(), err)
	}
	expectErr(t, env.engine.SetAuthority(authority, authority), ErrOnlyAuthority)
}

func TestInitAuthorityRejectsUnusableAddress(t *testing.T) {
	env := newTestEnv(t)
	env.state.authority = nil
	expectErr(t, env.engine.InitAuthority(common.Address{}), ErrZeroAuthority)
	expectErr(t, env.engine.InitAuthority(VaultAddress), ErrCustodyAccount)
	if _, err := env.engine.Authority(); !errors.Is(err, ErrAuthorityNotConfigured) {
		t.Fatalf("expected authority to stay unset, got %v", err)
	}
}

func TestInitAuthorityKeepsExisting(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.InitAuthority(newTestAddress(0x77)); err != nil {
		t.Fatalf("init authority: %v", err)
	}
	got, err := env.engine.Authority()
	if err != nil || got != authority {
		t.Fatalf("init must not overwrite existing authority, got %s", got.Hex())
	}

	fresh := newTestEnv(t)
	fresh.state.authority = nil
	if _, err := fresh.engine.Authority(); !errors.Is(err, ErrAuthorityNotConfigured) {
		t.Fatalf("expected unconfigured authority, got %v", err)
	}
	if err := fresh.engine.InitAuthority(authority); err != nil {
		t.Fatalf("init authority: %v", err)
	}
	if got, _ := fresh.engine.Authority(); got != authority {
		t.Fatalf("authority not seeded")
	}
}

func TestLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	key := env.mustCreate(t)
	env.mustRequest(t)
	if err := env.engine.OwnerCancelFulfill(owner, env.terms, true); err != nil {
		t.Fatalf("owner consent: %v", err)
	}
	if err := env.engine.PossessorCancelFulfill(possessor, env.terms, true); err != nil {
		t.Fatalf("possessor consent: %v", err)
	}
	if err := env.engine.CancelFulfill(owner, env.terms); err != nil {
		t.Fatalf("cancel fulfill: %v", err)
	}

	got := env.emitter.typesEvents()
	wantTypes := []string{
		EventTypeCreate,
		EventTypeRequestFulfillment,
		EventTypeCancelConsent,
		EventTypeCancelConsent,
		EventTypeCancelFulfill,
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(got))
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, got[i].Type)
		}
		if got[i].Attributes["key"] != key.Hex() {
			t.Fatalf("event %d missing key", i)
		}
	}
	if got[0].Attributes["creator"] != possessor.Hex() {
		t.Fatalf("create event missing creator")
	}
	if got[0].Attributes["possessorAmount"] != "100" || got[0].Attributes["fulfillmentTime"] != "3600" {
		t.Fatalf("create event missing terms: %#v", got[0].Attributes)
	}
	if got[1].Attributes["data"] != "0x"+fmt.Sprintf("%x", "221B Baker Street") {
		t.Fatalf("request event carries unexpected data: %s", got[1].Attributes["data"])
	}
	if got[2].Attributes["party"] != PartyOwner || got[3].Attributes["party"] != PartyPossessor {
		t.Fatalf("consent events carry wrong parties")
	}
}

func TestBadClockRejected(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t)
	env.now = 0
	expectErr(t, env.engine.RequestFulfillment(owner, env.terms, nil), errBadClock)
	expectBalance(t, env.state, assetB, VaultAddress, 0)
}

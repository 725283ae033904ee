package possession

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"possession/core/events"
	"possession/core/types"
)

type engineState interface {
	AssetLedger
	OwnershipRegistry
	DealGet(key DealKey) (*DealState, bool, error)
	DealPut(key DealKey, deal *DealState) error
	DealDelete(key DealKey) error
	AuthorityGet() (common.Address, bool, error)
	AuthorityPut(addr common.Address) error
	Snapshot() int
	RevertToSnapshot(id int) error
	DiscardSnapshot(id int)
}

// Engine is the deal state machine. Every public transition runs as a single
// all-or-nothing transaction against the configured state: preconditions are
// checked first, and a failure in any later custody movement unwinds the state
// to the snapshot taken on entry and drops the events raised so far.
//
// Engine is not safe for concurrent use; callers serialise transactions.
type Engine struct {
	state     engineState
	custody   *Custody
	ownership *Ownership
	emitter   events.Emitter
	nowFn     func() int64
}

// NewEngine creates a deal engine with a no-op emitter and the wall clock.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine. The backend also
// serves as the asset ledger and the ownership registry.
func (e *Engine) SetState(state engineState) {
	e.state = state
	e.custody = NewCustody(state)
	e.ownership = NewOwnership(state)
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() (uint64, error) {
	var ts int64
	if e.nowFn == nil {
		ts = time.Now().Unix()
	} else {
		ts = e.nowFn()
	}
	if ts <= 0 {
		return 0, errBadClock
	}
	return uint64(ts), nil
}

func (e *Engine) transact(fn func(emit func(*types.Event)) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	snapshot := e.state.Snapshot()
	var buf events.Buffer
	emit := func(evt *types.Event) {
		if evt != nil {
			buf.Emit(dealEvent{evt: evt})
		}
	}
	if err := fn(emit); err != nil {
		buf.Discard()
		if revertErr := e.state.RevertToSnapshot(snapshot); revertErr != nil {
			return errors.Join(err, fmt.Errorf("possession engine: revert: %w", revertErr))
		}
		return err
	}
	e.state.DiscardSnapshot(snapshot)
	buf.Flush(e.emitter)
	return nil
}

func resolve(terms *Terms) (*Terms, DealKey, error) {
	sanitized, err := SanitizeTerms(terms)
	if err != nil {
		return nil, DealKey{}, err
	}
	key, err := DeriveKey(sanitized)
	if err != nil {
		return nil, DealKey{}, err
	}
	return sanitized, key, nil
}

func (e *Engine) loadLive(key DealKey) (*DealState, error) {
	deal, ok, err := e.state.DealGet(key)
	if err != nil {
		return nil, err
	}
	if !ok || !deal.Exists() {
		return nil, ErrNotFound
	}
	return deal, nil
}

func (e *Engine) requireOwner(token TokenRef, caller common.Address, denied error) error {
	owner, err := e.ownership.IsCurrentOwner(token, caller)
	if err != nil {
		return err
	}
	if !owner {
		return denied
	}
	return nil
}

// FulfillmentDeadline returns the unix time from which the stakes of a pending
// fulfillment may be claimed, or zero when no fulfillment is pending. The sum
// saturates instead of wrapping.
func FulfillmentDeadline(deal *DealState, terms *Terms) uint64 {
	if !deal.FulfillmentInProgress() || terms == nil {
		return 0
	}
	if deal.FulfillmentRequestedAt > math.MaxUint64-terms.FulfillmentTime {
		return math.MaxUint64
	}
	return deal.FulfillmentRequestedAt + terms.FulfillmentTime
}

// checkParty rejects accounts that cannot post a stake. The vault only moves
// funds through escrow and release.
func (e *Engine) checkParty(addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrZeroCaller
	}
	if e.custody != nil && addr == e.custody.Vault() {
		return ErrCustodyAccount
	}
	return nil
}

// checkAuthority rejects addresses that cannot receive forfeited stakes.
func (e *Engine) checkAuthority(addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrZeroAuthority
	}
	if e.custody != nil && addr == e.custody.Vault() {
		return ErrCustodyAccount
	}
	return nil
}

// DeriveKey exposes key derivation for already sanitized or raw terms.
func (e *Engine) DeriveKey(terms *Terms) (DealKey, error) {
	_, key, err := resolve(terms)
	return key, err
}

// Create opens a deal for the terms with the caller as possessor and escrows
// the possessor stake from the caller.
func (e *Engine) Create(caller common.Address, terms *Terms) (DealKey, error) {
	if err := e.checkParty(caller); err != nil {
		return DealKey{}, err
	}
	sanitized, key, err := resolve(terms)
	if err != nil {
		return DealKey{}, err
	}
	err = e.transact(func(emit func(*types.Event)) error {
		existing, ok, err := e.state.DealGet(key)
		if err != nil {
			return err
		}
		if ok && existing.Exists() {
			return ErrAlreadyExists
		}
		if err := e.custody.Escrow(sanitized.PossessorStake.Asset, sanitized.PossessorStake.Amount, caller); err != nil {
			return err
		}
		if err := e.state.DealPut(key, &DealState{Possessor: caller}); err != nil {
			return err
		}
		emit(NewCreateEvent(key, caller, sanitized))
		return nil
	})
	if err != nil {
		return DealKey{}, err
	}
	return key, nil
}

// Cancel withdraws a deal that has no fulfillment pending. Only a caller that
// is both the recorded possessor and the current token holder may cancel; the
// possessor stake is returned to them.
func (e *Engine) Cancel(caller common.Address, terms *Terms) error {
	sanitized, key, err := resolve(terms)
	if err != nil {
		return err
	}
	return e.transact(func(emit func(*types.Event)) error {
		deal, err := e.loadLive(key)
		if err != nil {
			return err
		}
		if deal.Possessor != caller {
			return ErrMustBeCreatorAndOwnershipTokenOwner
		}
		if err := e.requireOwner(sanitized.OwnershipToken, caller, ErrMustBeCreatorAndOwnershipTokenOwner); err != nil {
			return err
		}
		if deal.FulfillmentInProgress() {
			return ErrFulfillmentInProgress
		}
		if err := e.state.DealDelete(key); err != nil {
			return err
		}
		if err := e.custody.Release(sanitized.PossessorStake.Asset, sanitized.PossessorStake.Amount, caller); err != nil {
			return err
		}
		emit(NewCancelEvent(key, caller))
		return nil
	})
}

// RequestFulfillment starts the delivery clock. The caller must hold the
// ownership token and posts the fulfillment stake. data is the opaque delivery
// payload and is only forwarded on the emitted event.
func (e *Engine) RequestFulfillment(caller common.Address, terms *Terms, data []byte) error {
	if err := e.checkParty(caller); err != nil {
		return err
	}
	sanitized, key, err := resolve(terms)
	if err != nil {
		return err
	}
	return e.transact(func(emit func(*types.Event)) error {
		deal, err := e.loadLive(key)
		if err != nil {
			return err
		}
		if deal.FulfillmentInProgress() {
			return ErrFulfillmentInProgress
		}
		if err := e.requireOwner(sanitized.OwnershipToken, caller, ErrMustBeOwnershipTokenOwner); err != nil {
			return err
		}
		now, err := e.now()
		if err != nil {
			return err
		}
		if err := e.custody.Escrow(sanitized.FulfillmentStake.Asset, sanitized.FulfillmentStake.Amount, caller); err != nil {
			return err
		}
		deal.FulfillmentRequestedAt = now
		deal.FulfillmentRequester = caller
		deal.OwnerCancelFulfill = false
		deal.PossessorCancelFulfill = false
		if err := e.state.DealPut(key, deal); err != nil {
			return err
		}
		emit(NewRequestFulfillmentEvent(key, caller, now, append([]byte(nil), data...)))
		return nil
	})
}

// MarkFulfilled is the success path: the token holder confirms delivery, the
// deal is closed and each stake goes back to whoever posted it.
func (e *Engine) MarkFulfilled(caller common.Address, terms *Terms) error {
	sanitized, key, err := resolve(terms)
	if err != nil {
		return err
	}
	return e.transact(func(emit func(*types.Event)) error {
		deal, err := e.loadLive(key)
		if err != nil {
			return err
		}
		if err := e.requireOwner(sanitized.OwnershipToken, caller, ErrMustBeOwnershipTokenOwner); err != nil {
			return err
		}
		if err := e.state.DealDelete(key); err != nil {
			return err
		}
		if err := e.custody.Release(sanitized.PossessorStake.Asset, sanitized.PossessorStake.Amount, deal.Possessor); err != nil {
			return err
		}
		var requester common.Address
		if deal.FulfillmentInProgress() {
			requester = deal.FulfillmentRequester
			if err := e.custody.Release(sanitized.FulfillmentStake.Asset, sanitized.FulfillmentStake.Amount, requester); err != nil {
				return err
			}
		}
		emit(NewFulfilledEvent(key, deal.Possessor, requester))
		return nil
	})
}

// ClaimStakes forfeits both stakes of an overdue fulfillment to the neutral
// authority and closes the deal. Anyone may trigger it once the deadline has
// been reached.
func (e *Engine) ClaimStakes(caller common.Address, terms *Terms) error {
	sanitized, key, err := resolve(terms)
	if err != nil {
		return err
	}
	return e.transact(func(emit func(*types.Event)) error {
		deal, err := e.loadLive(key)
		if err != nil {
			return err
		}
		if !deal.FulfillmentInProgress() {
			return ErrFulfillmentNotInProgress
		}
		now, err := e.now()
		if err != nil {
			return err
		}
		if now < FulfillmentDeadline(deal, sanitized) {
			return ErrFulfilmentNotExpired
		}
		authority, ok, err := e.state.AuthorityGet()
		if err != nil {
			return err
		}
		if !ok || authority == (common.Address{}) {
			return ErrAuthorityNotConfigured
		}
		if err := e.state.DealDelete(key); err != nil {
			return err
		}
		if err := e.custody.Release(sanitized.PossessorStake.Asset, sanitized.PossessorStake.Amount, authority); err != nil {
			return err
		}
		if err := e.custody.Release(sanitized.FulfillmentStake.Asset, sanitized.FulfillmentStake.Amount, authority); err != nil {
			return err
		}
		emit(NewStakesClaimedEvent(key, authority, caller))
		return nil
	})
}

// OwnerCancelFulfill records (consent=true) or withdraws (consent=false) the
// token holder's agreement to abort the pending fulfillment.
func (e *Engine) OwnerCancelFulfill(caller common.Address, terms *Terms, consent bool) error {
	return e.setCancelConsent(caller, terms, PartyOwner, consent)
}

// PossessorCancelFulfill records or withdraws the possessor's agreement to
// abort the pending fulfillment.
func (e *Engine) PossessorCancelFulfill(caller common.Address, terms *Terms, consent bool) error {
	return e.setCancelConsent(caller, terms, PartyPossessor, consent)
}

func (e *Engine) setCancelConsent(caller common.Address, terms *Terms, party string, consent bool) error {
	sanitized, key, err := resolve(terms)
	if err != nil {
		return err
	}
	return e.transact(func(emit func(*types.Event)) error {
		deal, err := e.loadLive(key)
		if err != nil {
			return err
		}
		if !deal.FulfillmentInProgress() {
			return ErrFulfillmentNotInProgress
		}
		switch party {
		case PartyOwner:
			if err := e.requireOwner(sanitized.OwnershipToken, caller, ErrOnlyOwner); err != nil {
				return err
			}
			deal.OwnerCancelFulfill = consent
		case PartyPossessor:
			if caller == (common.Address{}) || deal.Possessor != caller {
				return ErrOnlyPossessor
			}
			deal.PossessorCancelFulfill = consent
		default:
			return fmt.Errorf("possession: unknown consent party %q", party)
		}
		if err := e.state.DealPut(key, deal); err != nil {
			return err
		}
		emit(NewCancelConsentEvent(key, party, caller, consent))
		return nil
	})
}

// CancelFulfill aborts a pending fulfillment once both parties consented. The
// deal returns to its pre-request state with the possessor stake still in
// custody, and the fulfillment stake goes back to the requester.
func (e *Engine) CancelFulfill(caller common.Address, terms *Terms) error {
	sanitized, key, err := resolve(terms)
	if err != nil {
		return err
	}
	return e.transact(func(emit func(*types.Event)) error {
		deal, err := e.loadLive(key)
		if err != nil {
			return err
		}
		if !deal.FulfillmentInProgress() {
			return ErrFulfillmentNotInProgress
		}
		if !deal.OwnerCancelFulfill || !deal.PossessorCancelFulfill {
			return ErrCancelNotAllowed
		}
		requester := deal.FulfillmentRequester
		reset := &DealState{Possessor: deal.Possessor}
		if err := e.state.DealPut(key, reset); err != nil {
			return err
		}
		if err := e.custody.Release(sanitized.FulfillmentStake.Asset, sanitized.FulfillmentStake.Amount, requester); err != nil {
			return err
		}
		emit(NewCancelFulfillEvent(key))
		return nil
	})
}

// InitAuthority seeds the neutral authority when none is recorded yet. It is a
// no-op when an authority already exists, so restarts keep the on-state value.
func (e *Engine) InitAuthority(addr common.Address) error {
	if err := e.checkAuthority(addr); err != nil {
		return err
	}
	return e.transact(func(emit func(*types.Event)) error {
		_, ok, err := e.state.AuthorityGet()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := e.state.AuthorityPut(addr); err != nil {
			return err
		}
		emit(NewAuthorityChangedEvent(common.Address{}, addr))
		return nil
	})
}

// SetAuthority hands the neutral authority role to next. Only the current
// authority may do so.
func (e *Engine) SetAuthority(caller, next common.Address) error {
	if err := e.checkAuthority(next); err != nil {
		return err
	}
	return e.transact(func(emit func(*types.Event)) error {
		current, ok, err := e.state.AuthorityGet()
		if err != nil {
			return err
		}
		if !ok {
			return ErrAuthorityNotConfigured
		}
		if caller != current {
			return ErrOnlyAuthority
		}
		if err := e.state.AuthorityPut(next); err != nil {
			return err
		}
		emit(NewAuthorityChangedEvent(current, next))
		return nil
	})
}

// Deal returns the live deal stored under key.
func (e *Engine) Deal(key DealKey) (*DealState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadLive(key)
}

// Authority returns the configured neutral authority.
func (e *Engine) Authority() (common.Address, error) {
	if e == nil || e.state == nil {
		return common.Address{}, errNilState
	}
	addr, ok, err := e.state.AuthorityGet()
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, ErrAuthorityNotConfigured
	}
	return addr, nil
}

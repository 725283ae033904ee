package possession

import (
	"encoding/hex"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"possession/core/types"
)

const (
	EventTypeCreate             = "possession.create"
	EventTypeCancel             = "possession.cancel"
	EventTypeRequestFulfillment = "possession.request_fulfillment"
	EventTypeFulfilled          = "possession.fulfilled"
	EventTypeStakesClaimed      = "possession.claim_stakes"
	EventTypeCancelConsent      = "possession.cancel_consent"
	EventTypeCancelFulfill      = "possession.cancel_fulfill"
	EventTypeAuthorityChanged   = "possession.authority_changed"
)

// Consent parties recorded on cancel_consent events.
const (
	PartyOwner     = "owner"
	PartyPossessor = "possessor"
)

type dealEvent struct {
	evt *types.Event
}

func (e dealEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e dealEvent) Event() *types.Event { return e.evt }

// NewCreateEvent carries the key, the creator and the full terms so observers
// can reconstruct the deal without having seen the original call.
func NewCreateEvent(key DealKey, creator common.Address, terms *Terms) *types.Event {
	attrs := map[string]string{
		"key":     key.Hex(),
		"creator": creator.Hex(),
	}
	if terms != nil {
		attrs["registry"] = terms.OwnershipToken.Registry.Hex()
		attrs["itemId"] = cloneBigInt(terms.OwnershipToken.ItemID).String()
		attrs["possessorAsset"] = terms.PossessorStake.Asset.Hex()
		attrs["possessorAmount"] = cloneBigInt(terms.PossessorStake.Amount).String()
		attrs["fulfillmentAsset"] = terms.FulfillmentStake.Asset.Hex()
		attrs["fulfillmentAmount"] = cloneBigInt(terms.FulfillmentStake.Amount).String()
		attrs["fulfillmentTime"] = strconv.FormatUint(terms.FulfillmentTime, 10)
	}
	return &types.Event{Type: EventTypeCreate, Attributes: attrs}
}

func NewCancelEvent(key DealKey, possessor common.Address) *types.Event {
	return &types.Event{Type: EventTypeCancel, Attributes: map[string]string{
		"key":       key.Hex(),
		"possessor": possessor.Hex(),
	}}
}

// NewRequestFulfillmentEvent carries the opaque delivery payload verbatim.
func NewRequestFulfillmentEvent(key DealKey, requester common.Address, requestedAt uint64, data []byte) *types.Event {
	return &types.Event{Type: EventTypeRequestFulfillment, Attributes: map[string]string{
		"key":         key.Hex(),
		"requester":   requester.Hex(),
		"requestedAt": strconv.FormatUint(requestedAt, 10),
		"data":        "0x" + hex.EncodeToString(data),
	}}
}

func NewFulfilledEvent(key DealKey, possessor, requester common.Address) *types.Event {
	attrs := map[string]string{
		"key":       key.Hex(),
		"possessor": possessor.Hex(),
	}
	if requester != (common.Address{}) {
		attrs["requester"] = requester.Hex()
	}
	return &types.Event{Type: EventTypeFulfilled, Attributes: attrs}
}

func NewStakesClaimedEvent(key DealKey, authority, claimer common.Address) *types.Event {
	return &types.Event{Type: EventTypeStakesClaimed, Attributes: map[string]string{
		"key":       key.Hex(),
		"authority": authority.Hex(),
		"claimer":   claimer.Hex(),
	}}
}

func NewCancelConsentEvent(key DealKey, party string, caller common.Address, consent bool) *types.Event {
	return &types.Event{Type: EventTypeCancelConsent, Attributes: map[string]string{
		"key":     key.Hex(),
		"party":   party,
		"caller":  caller.Hex(),
		"consent": strconv.FormatBool(consent),
	}}
}

func NewCancelFulfillEvent(key DealKey) *types.Event {
	return &types.Event{Type: EventTypeCancelFulfill, Attributes: map[string]string{
		"key": key.Hex(),
	}}
}

func NewAuthorityChangedEvent(previous, next common.Address) *types.Event {
	return &types.Event{Type: EventTypeAuthorityChanged, Attributes: map[string]string{
		"previous":  previous.Hex(),
		"authority": next.Hex(),
	}}
}

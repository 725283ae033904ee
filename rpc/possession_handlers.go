package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"possession/core"
	nhbstate "possession/core/state"
	"possession/native/possession"
)

const (
	codePossessionInvalidParams = -32031
	codePossessionNotFound      = -32032
	codePossessionForbidden     = -32033
	codePossessionConflict      = -32034
	codePossessionInternal      = -32035
)

const defaultEventPage = 100

type tokenRefJSON struct {
	Registry string `json:"registry"`
	ItemID   string `json:"itemId"`
}

type stakeJSON struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type termsJSON struct {
	OwnershipToken   tokenRefJSON `json:"ownershipToken"`
	PossessorStake   stakeJSON    `json:"possessorStake"`
	FulfillmentStake stakeJSON    `json:"fulfillmentStake"`
	FulfillmentTime  uint64       `json:"fulfillmentTime"`
}

type possessionActionParams struct {
	Caller string     `json:"caller"`
	Terms  *termsJSON `json:"terms"`
	// Data is the 0x-hex delivery payload of requestFulfillment.
	Data string `json:"data,omitempty"`
	// Consent defaults to true for the cancel consent methods.
	Consent *bool `json:"consent,omitempty"`
}

type possessionLookupParams struct {
	Key   string     `json:"key,omitempty"`
	Terms *termsJSON `json:"terms,omitempty"`
}

type possessionAuthorityParams struct {
	Caller    string `json:"caller"`
	Authority string `json:"authority"`
}

type possessionEventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit"`
}

type possessionKeyResult struct {
	Key string `json:"key"`
}

type possessionStatusResult struct {
	Status string `json:"status"`
}

type possessionAuthorityResult struct {
	Authority string `json:"authority"`
}

type dealJSON struct {
	Key                    string  `json:"key"`
	Possessor              string  `json:"possessor"`
	FulfillmentInProgress  bool    `json:"fulfillmentInProgress"`
	FulfillmentRequestedAt uint64  `json:"fulfillmentRequestedAt"`
	FulfillmentRequester   *string `json:"fulfillmentRequester,omitempty"`
	FulfillmentDeadline    *uint64 `json:"fulfillmentDeadline,omitempty"`
	OwnerCancelFulfill     bool    `json:"ownerCancelFulfill"`
	PossessorCancelFulfill bool    `json:"possessorCancelFulfill"`
}

func parseAddress(label, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("%s required", label)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", label, value)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(label, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", label)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid decimal amount %q", label, value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%s must not be negative", label)
	}
	return amount, nil
}

func parseHexData(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, nil
	}
	data, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("data: invalid hex: %w", err)
	}
	return data, nil
}

func (t *termsJSON) toTerms() (*possession.Terms, error) {
	if t == nil {
		return nil, fmt.Errorf("terms required")
	}
	registry, err := parseAddress("ownershipToken.registry", t.OwnershipToken.Registry)
	if err != nil {
		return nil, err
	}
	itemID, err := parseAmount("ownershipToken.itemId", t.OwnershipToken.ItemID)
	if err != nil {
		return nil, err
	}
	possessorAsset, err := parseAddress("possessorStake.asset", t.PossessorStake.Asset)
	if err != nil {
		return nil, err
	}
	possessorAmount, err := parseAmount("possessorStake.amount", t.PossessorStake.Amount)
	if err != nil {
		return nil, err
	}
	fulfillmentAsset, err := parseAddress("fulfillmentStake.asset", t.FulfillmentStake.Asset)
	if err != nil {
		return nil, err
	}
	fulfillmentAmount, err := parseAmount("fulfillmentStake.amount", t.FulfillmentStake.Amount)
	if err != nil {
		return nil, err
	}
	return &possession.Terms{
		OwnershipToken:   possession.TokenRef{Registry: registry, ItemID: itemID},
		PossessorStake:   possession.Stake{Asset: possessorAsset, Amount: possessorAmount},
		FulfillmentStake: possession.Stake{Asset: fulfillmentAsset, Amount: fulfillmentAmount},
		FulfillmentTime:  t.FulfillmentTime,
	}, nil
}

type possessionAction struct {
	caller  common.Address
	terms   *possession.Terms
	data    []byte
	consent bool
}

func parseAction(req *RPCRequest) (*possessionAction, error) {
	var params possessionActionParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		return nil, err
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		return nil, err
	}
	data, err := parseHexData(params.Data)
	if err != nil {
		return nil, err
	}
	consent := true
	if params.Consent != nil {
		consent = *params.Consent
	}
	return &possessionAction{caller: caller, terms: terms, data: data, consent: consent}, nil
}

func formatDeal(view *core.DealView) dealJSON {
	out := dealJSON{
		Key:                    view.Key.Hex(),
		Possessor:              view.State.Possessor.Hex(),
		FulfillmentInProgress:  view.State.FulfillmentInProgress(),
		FulfillmentRequestedAt: view.State.FulfillmentRequestedAt,
		OwnerCancelFulfill:     view.State.OwnerCancelFulfill,
		PossessorCancelFulfill: view.State.PossessorCancelFulfill,
	}
	if view.State.FulfillmentRequester != (common.Address{}) {
		requester := view.State.FulfillmentRequester.Hex()
		out.FulfillmentRequester = &requester
	}
	if view.Deadline != 0 {
		deadline := view.Deadline
		out.FulfillmentDeadline = &deadline
	}
	return out
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request, req *RPCRequest, apply func(*possessionAction) error) {
	action, err := parseAction(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := apply(action); err != nil {
		writePossessionError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, possessionStatusResult{Status: "ok"})
}

func (s *Server) handlePossessionCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	action, err := parseAction(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", err.Error())
		return
	}
	key, err := s.node.PossessionCreate(r.Context(), action.caller, action.terms)
	if err != nil {
		writePossessionError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, possessionKeyResult{Key: key.Hex()})
}

func (s *Server) handlePossessionCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.runAction(w, r, req, func(a *possessionAction) error {
		return s.node.PossessionCancel(r.Context(), a.caller, a.terms)
	})
}

func (s *Server) handlePossessionRequestFulfillment(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.runAction(w, r, req, func(a *possessionAction) error {
		return s.node.PossessionRequestFulfillment(r.Context(), a.caller, a.terms, a.data)
	})
}

func (s *Server) handlePossessionMarkFulfilled(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.runAction(w, r, req, func(a *possessionAction) error {
		return s.node.PossessionMarkFulfilled(r.Context(), a.caller, a.terms)
	})
}

func (s *Server) handlePossessionClaimStakes(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.runAction(w, r, req, func(a *possessionAction) error {
		return s.node.PossessionClaimStakes(r.Context(), a.caller, a.terms)
	})
}

func (s *Server) handlePossessionOwnerCancelFulfill(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.runAction(w, r, req, func(a *possessionAction) error {
		return s.node.PossessionOwnerCancelFulfill(r.Context(), a.caller, a.terms, a.consent)
	})
}

func (s *Server) handlePossessionPossessorCancelFulfill(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.runAction(w, r, req, func(a *possessionAction) error {
		return s.node.PossessionPossessorCancelFulfill(r.Context(), a.caller, a.terms, a.consent)
	})
}

func (s *Server) handlePossessionCancelFulfill(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.runAction(w, r, req, func(a *possessionAction) error {
		return s.node.PossessionCancelFulfill(r.Context(), a.caller, a.terms)
	})
}

func (s *Server) handlePossessionSetAuthority(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params possessionAuthorityParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", err.Error())
		return
	}
	next, err := parseAddress("authority", params.Authority)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.PossessionSetAuthority(r.Context(), caller, next); err != nil {
		writePossessionError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, possessionAuthorityResult{Authority: next.Hex()})
}

func (s *Server) handlePossessionDeriveKey(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params possessionLookupParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", err.Error())
		return
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", err.Error())
		return
	}
	key, err := s.node.PossessionDeriveKey(terms)
	if err != nil {
		writePossessionError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, possessionKeyResult{Key: key.Hex()})
}

func (s *Server) handlePossessionGetDeal(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params possessionLookupParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", err.Error())
		return
	}
	var (
		view *core.DealView
		err  error
	)
	switch {
	case params.Terms != nil:
		terms, parseErr := params.Terms.toTerms()
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", parseErr.Error())
			return
		}
		view, err = s.node.PossessionDealByTerms(terms)
	case strings.TrimSpace(params.Key) != "":
		key, parseErr := possession.ParseDealKey(params.Key)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", parseErr.Error())
			return
		}
		view, err = s.node.PossessionDeal(key)
	default:
		writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", "key or terms required")
		return
	}
	if err != nil {
		writePossessionError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDeal(view))
}

func (s *Server) handlePossessionGetAuthority(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, err := s.node.PossessionAuthority()
	if err != nil {
		writePossessionError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, possessionAuthorityResult{Authority: addr.Hex()})
}

func (s *Server) handlePossessionListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	params := possessionEventsParams{Limit: defaultEventPage}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codePossessionInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if params.Limit <= 0 || params.Limit > defaultEventPage {
		params.Limit = defaultEventPage
	}
	writeResult(w, req.ID, s.node.Events(params.After, params.Limit))
}

func writePossessionError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codePossessionInternal
	message := "internal_error"
	switch {
	case errors.Is(err, possession.ErrNotFound):
		status = http.StatusNotFound
		code = codePossessionNotFound
		message = "not_found"
	case errors.Is(err, possession.ErrMustBeCreatorAndOwnershipTokenOwner),
		errors.Is(err, possession.ErrMustBeOwnershipTokenOwner),
		errors.Is(err, possession.ErrOnlyOwner),
		errors.Is(err, possession.ErrOnlyPossessor),
		errors.Is(err, possession.ErrOnlyAuthority),
		errors.Is(err, possession.ErrCustodyAccount),
		errors.Is(err, nhbstate.ErrNotItemHolder):
		status = http.StatusForbidden
		code = codePossessionForbidden
		message = "forbidden"
	case errors.Is(err, possession.ErrAlreadyExists),
		errors.Is(err, possession.ErrFulfillmentInProgress),
		errors.Is(err, possession.ErrFulfillmentNotInProgress),
		errors.Is(err, possession.ErrCancelNotAllowed),
		errors.Is(err, possession.ErrFulfilmentNotExpired),
		errors.Is(err, possession.ErrAuthorityNotConfigured),
		errors.Is(err, nhbstate.ErrInsufficientBalance),
		errors.Is(err, nhbstate.ErrBalanceOverflow):
		status = http.StatusConflict
		code = codePossessionConflict
		message = "conflict"
	case errors.Is(err, possession.ErrInvalidTerms),
		errors.Is(err, possession.ErrInvalidAmount),
		errors.Is(err, possession.ErrZeroCaller),
		errors.Is(err, possession.ErrZeroAuthority),
		errors.Is(err, nhbstate.ErrInvalidAmount),
		errors.Is(err, nhbstate.ErrZeroAddress):
		status = http.StatusBadRequest
		code = codePossessionInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}

package rpc

import (
	"net/http"
)

type ledgerTransferParams struct {
	Caller string `json:"caller"`
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type ledgerBalanceParams struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
}

type ledgerBalanceResult struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Balance string `json:"balance"`
}

type registryTransferParams struct {
	Caller   string `json:"caller"`
	Registry string `json:"registry"`
	ItemID   string `json:"itemId"`
	To       string `json:"to"`
}

type registryOwnerParams struct {
	Registry string `json:"registry"`
	ItemID   string `json:"itemId"`
}

type registryOwnerResult struct {
	Registry string  `json:"registry"`
	ItemID   string  `json:"itemId"`
	Holder   *string `json:"holder"`
}

func invalidParams(w http.ResponseWriter, id interface{}, err error) {
	writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_params", err.Error())
}

func (s *Server) handleLedgerTransfer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params ledgerTransferParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	asset, err := parseAddress("asset", params.Asset)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	to, err := parseAddress("to", params.To)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	if err := s.node.LedgerTransfer(r.Context(), caller, asset, to, amount); err != nil {
		writePossessionError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, possessionStatusResult{Status: "ok"})
}

func (s *Server) handleLedgerBalanceOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params ledgerBalanceParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	asset, err := parseAddress("asset", params.Asset)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	account, err := parseAddress("account", params.Account)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	balance, err := s.node.LedgerBalance(asset, account)
	if err != nil {
		writePossessionError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ledgerBalanceResult{
		Asset:   asset.Hex(),
		Account: account.Hex(),
		Balance: balance.String(),
	})
}

func (s *Server) handleRegistryTransfer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params registryTransferParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	registry, err := parseAddress("registry", params.Registry)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	itemID, err := parseAmount("itemId", params.ItemID)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	to, err := parseAddress("to", params.To)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	if err := s.node.RegistryTransfer(r.Context(), caller, registry, itemID, to); err != nil {
		writePossessionError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, possessionStatusResult{Status: "ok"})
}

func (s *Server) handleRegistryOwnerOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params registryOwnerParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	registry, err := parseAddress("registry", params.Registry)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	itemID, err := parseAmount("itemId", params.ItemID)
	if err != nil {
		invalidParams(w, req.ID, err)
		return
	}
	holder, ok, err := s.node.RegistryOwnerOf(registry, itemID)
	if err != nil {
		writePossessionError(w, req.ID, err)
		return
	}
	result := registryOwnerResult{Registry: registry.Hex(), ItemID: itemID.String()}
	if ok {
		hex := holder.Hex()
		result.Holder = &hex
	}
	writeResult(w, req.ID, result)
}

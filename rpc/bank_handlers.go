package rpc

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"buyinescrow/core/types"
	"buyinescrow/crypto"
)

const scopeFaucet = "bank:mint"

type balanceParams struct {
	Owner string `json:"owner"`
	Mint  string `json:"mint"`
}

type mintQueryParams struct {
	Mint string `json:"mint"`
}

type faucetParams struct {
	Recipient string `json:"recipient"`
	Mint      string `json:"mint"`
	Amount    uint64 `json:"amount"`
}

// resolveMint accepts either a bech32 mint id or a registered symbol.
func (s *Server) resolveMint(raw string) (*types.Mint, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("mint required")
	}
	if id, err := crypto.ParseAddress(trimmed); err == nil {
		return s.ledger.Mint(id)
	}
	return s.ledger.MintBySymbol(strings.ToUpper(trimmed))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params balanceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	mint, err := s.resolveMint(params.Mint)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	amount, err := s.ledger.Balance(owner, mint.ID)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{Owner: strings.TrimSpace(params.Owner), Mint: programString(mint.ID), Amount: amount})
}

func (s *Server) handleGetMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params mintQueryParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	mint, err := s.resolveMint(params.Mint)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMint(mint))
}

// handleMint credits test funds from the node's issuer key. The recipient's
// holding is opened first when missing.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.cfg.Faucet == nil {
		writeError(w, http.StatusForbidden, req.ID, codeUnauthorized, "faucet disabled", nil)
		return
	}
	op, authErr := s.requireOperator(r, scopeFaucet)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params faucetParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.Amount == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "amount must be positive")
		return
	}
	recipient, err := parseAddress(params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	mint, err := s.resolveMint(params.Mint)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	if _, err := s.ledger.OpenHolding(r.Context(), recipient, mint.ID); err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	issuer := types.Signer{Address: s.cfg.Faucet.PubKey().Address().Array()}
	if err := s.ledger.MintTo(r.Context(), issuer, mint.ID, recipient, params.Amount); err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	amount, err := s.ledger.Balance(recipient, mint.ID)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	s.logger.Info("faucet mint",
		slog.String("operator", op.Subject),
		slog.String("recipient", accountString(recipient)),
		slog.String("mint", mint.Symbol),
		slog.Uint64("amount", params.Amount))
	writeResult(w, req.ID, BalanceResult{Owner: accountString(recipient), Mint: programString(mint.ID), Amount: amount})
}

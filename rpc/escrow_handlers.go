package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"buyinescrow/core"
	coreerrors "buyinescrow/core/errors"
	"buyinescrow/core/types"
	"buyinescrow/crypto"
	"buyinescrow/native/bank"
	"buyinescrow/native/escrow"
	"buyinescrow/services/leaderboard"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

var submitTypes = map[string]types.InstructionType{
	"escrow_initialize": types.InstructionInitialize,
	"escrow_deposit":    types.InstructionDeposit,
	"escrow_close":      types.InstructionClose,
	"bank_openHolding":  types.InstructionOpenHolding,
}

type escrowQueryParams struct {
	Address   string `json:"address,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

type addressParams struct {
	Address string `json:"address"`
}

// handleSubmit applies a signed instruction. The method name pins the
// instruction type so a client cannot route a close through escrow_deposit.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	want, ok := submitTypes[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
		return
	}
	var ins types.Instruction
	if err := decodeParams(req, &ins); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if ins.Type != want {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", fmt.Sprintf("instruction type %s does not match %s", ins.Type, req.Method))
		return
	}
	receipt, err := s.ledger.Apply(r.Context(), &ins)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatReceipt(receipt))
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowQueryParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	var (
		esc *escrow.Escrow
		err error
	)
	if strings.TrimSpace(params.Address) != "" {
		addr, parseErr := parseAddress(params.Address)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", parseErr.Error())
			return
		}
		esc, err = s.ledger.Escrow(addr)
	} else {
		esc, err = s.ledger.EscrowByNamespace(params.Namespace)
	}
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	vault, err := s.ledger.VaultBalance(esc.Address)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrow(esc, vault))
}

func (s *Server) handleEscrowList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	list, err := s.ledger.Escrows()
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	out := make([]*EscrowResult, 0, len(list))
	for _, esc := range list {
		vault, err := s.ledger.VaultBalance(esc.Address)
		if err != nil {
			writeLedgerError(w, req.ID, err)
			return
		}
		out = append(out, formatEscrow(esc, vault))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleEscrowGetSettlement(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	settlement, err := s.ledger.Settlement(addr)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSettlement(settlement))
}

func (s *Server) handleGetNonce(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	nonce, err := s.ledger.Nonce(addr)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"address": accountString(addr), "nonce": nonce})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, StatusResult{
		Network: s.ledger.Network(),
		Height:  s.ledger.Height(),
		Root:    s.ledger.Root().Hex(),
	})
}

func parseAddress(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return crypto.ParseAddress(trimmed)
}

func writeLedgerError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound),
		errors.Is(err, escrow.ErrUnknownMint),
		errors.Is(err, bank.ErrUnknownMint),
		errors.Is(err, bank.ErrHoldingNotFound),
		errors.Is(err, core.ErrMintNotFound),
		errors.Is(err, core.ErrSettlementNotFound),
		errors.Is(err, leaderboard.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized),
		errors.Is(err, bank.ErrUnauthorizedTransfer),
		errors.Is(err, types.ErrMissingSignature),
		errors.Is(err, types.ErrInvalidSignature):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrAlreadyInitialized),
		errors.Is(err, escrow.ErrEscrowSettled),
		errors.Is(err, escrow.ErrEscrowNotFunded),
		errors.Is(err, core.ErrInvalidNonce),
		errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, bank.ErrHoldingConflict),
		errors.Is(err, bank.ErrBalanceOverflow),
		errors.Is(err, coreerrors.ErrAlreadyExists):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidShares),
		errors.Is(err, escrow.ErrTooManyWinners),
		errors.Is(err, escrow.ErrInvalidNamespace),
		errors.Is(err, core.ErrWrongNetwork),
		errors.Is(err, bank.ErrSelfTransfer),
		errors.Is(err, core.ErrUnsupportedInstruction):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}

package errors

import stderrors "errors"

// Record store and holding errors shared by the state manager, the bank and
// the escrow engine.
var (
	ErrAlreadyExists       = stderrors.New("state: record already exists")
	ErrNotFound            = stderrors.New("state: record not found")
	ErrHoldingNotFound     = stderrors.New("bank: holding not found")
	ErrInsufficientBalance = stderrors.New("bank: insufficient balance")
)

package escrow

import "errors"

var (
	ErrInvalidAmount      = errors.New("escrow: invalid amount")
	ErrUnauthorized       = errors.New("escrow: unauthorized")
	ErrInvalidShares      = errors.New("escrow: invalid shares")
	ErrAlreadyInitialized = errors.New("escrow: already initialized")
	ErrEscrowNotFound     = errors.New("escrow: not found")
	ErrEscrowSettled      = errors.New("escrow: already settled")
	ErrEscrowNotFunded    = errors.New("escrow: no deposits")
	ErrTooManyWinners     = errors.New("escrow: too many winners")
	ErrUnknownMint        = errors.New("escrow: unknown mint")
	ErrInvalidNamespace   = errors.New("escrow: invalid namespace")

	errNilState = errors.New("escrow engine: state not configured")
	errNilBank  = errors.New("escrow engine: asset transfer service not configured")
)

package events

import (
	"strconv"

	"buyinescrow/core/types"
	"buyinescrow/crypto"
)

const (
	// TypeTransfer is emitted for every balance movement between holdings.
	TypeTransfer = "bank.transfer"
	// TypeHoldingOpened is emitted when a holding is created.
	TypeHoldingOpened = "bank.holding_opened"
	// TypeMinted is emitted when an issuer credits new supply.
	TypeMinted = "bank.minted"
)

type Transfer struct {
	Mint   [20]byte
	From   [20]byte
	To     [20]byte
	Amount uint64
	// FromProgram is set when the transfer was authorized by a derived program
	// authority rather than a key.
	FromProgram bool
	ToProgram   bool
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"mint":   programAddress(e.Mint),
		"from":   holderAddress(e.From, e.FromProgram),
		"to":     holderAddress(e.To, e.ToProgram),
		"amount": strconv.FormatUint(e.Amount, 10),
	}
	if e.FromProgram {
		attrs["authority"] = "program"
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

type HoldingOpened struct {
	Owner   [20]byte
	Mint    [20]byte
	Program bool
}

func (HoldingOpened) EventType() string { return TypeHoldingOpened }

func (e HoldingOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeHoldingOpened,
		Attributes: map[string]string{
			"owner": holderAddress(e.Owner, e.Program),
			"mint":  programAddress(e.Mint),
		},
	}
}

type Minted struct {
	Mint      [20]byte
	Recipient [20]byte
	Amount    uint64
	Supply    uint64
}

func (Minted) EventType() string { return TypeMinted }

func (e Minted) Event() *types.Event {
	return &types.Event{
		Type: TypeMinted,
		Attributes: map[string]string{
			"mint":      programAddress(e.Mint),
			"recipient": crypto.FromArray(crypto.AccountPrefix, e.Recipient).String(),
			"amount":    strconv.FormatUint(e.Amount, 10),
			"supply":    strconv.FormatUint(e.Supply, 10),
		},
	}
}

func programAddress(addr [20]byte) string {
	return crypto.FromArray(crypto.ProgramPrefix, addr).String()
}

func holderAddress(addr [20]byte, program bool) string {
	if program {
		return programAddress(addr)
	}
	return crypto.FromArray(crypto.AccountPrefix, addr).String()
}

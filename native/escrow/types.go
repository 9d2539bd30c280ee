package escrow

import (
	"fmt"
)

// EscrowStatus tracks where an escrow is in its Initialize → Deposit → Close
// lifecycle.
type EscrowStatus uint8

const (
	StatusCreated EscrowStatus = iota
	StatusFunded
	StatusSettled
)

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusSettled:
		return true
	default:
		return false
	}
}

func (s EscrowStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusSettled:
		return "settled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Escrow is the persistent record stored at the namespace's derived address.
// Authority, Mint and BuyIn are fixed by Initialize and never rewritten.
type Escrow struct {
	Address   [20]byte
	Namespace string
	Authority [20]byte
	Mint      [20]byte
	BuyIn     uint64
	Vault     [20]byte
	Status    EscrowStatus
	Deposits  uint64
	CreatedAt uint64
	SettledAt uint64
}

// Clone returns a copy callers can mutate without touching the stored record.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// SanitizeEscrow checks the record is internally consistent before it is
// written.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.BuyIn == 0 {
		return nil, fmt.Errorf("%w: buy-in must be positive", ErrInvalidAmount)
	}
	if clone.Authority == ([20]byte{}) {
		return nil, fmt.Errorf("escrow authority required")
	}
	if clone.Mint == ([20]byte{}) {
		return nil, fmt.Errorf("escrow mint required")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if expected := DeriveVault(clone.Address, clone.Mint); clone.Vault != expected {
		return nil, fmt.Errorf("escrow vault does not match derived address")
	}
	return clone, nil
}

// Payout is one winner's slice of a settlement.
type Payout struct {
	Winner [20]byte
	Share  uint32
	Amount uint64
}

// Settlement reports the outcome of Close.
type Settlement struct {
	Escrow   *Escrow
	Balance  uint64
	Payouts  []Payout
	Residual uint64
}

// Paid returns the total transferred out of the vault.
func (s *Settlement) Paid() uint64 {
	if s == nil {
		return 0
	}
	var total uint64
	for _, p := range s.Payouts {
		total += p.Amount
	}
	return total
}

package escrow

import (
	"strconv"

	"buyinescrow/core/types"
	"buyinescrow/crypto"
)

const (
	EventTypeEscrowInitialized = "escrow.initialized"
	EventTypeEscrowDeposited   = "escrow.deposited"
	EventTypeEscrowSettled     = "escrow.settled"
	EventTypeEscrowPayout      = "escrow.payout"
)

// NewInitializedEvent returns the canonical event payload for a newly created
// escrow.
func NewInitializedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowInitialized, e)
}

// NewDepositedEvent returns the payload emitted when a buy-in lands in the
// vault.
func NewDepositedEvent(e *Escrow, depositor [20]byte, amount uint64) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDeposited, e)
	evt.Attributes["depositor"] = accountString(depositor)
	evt.Attributes["amount"] = strconv.FormatUint(amount, 10)
	return evt
}

// NewSettledEvent returns the payload emitted once a settlement completes.
func NewSettledEvent(s *Settlement) *types.Event {
	if s == nil {
		return &types.Event{Type: EventTypeEscrowSettled, Attributes: map[string]string{}}
	}
	evt := newEscrowEvent(EventTypeEscrowSettled, s.Escrow)
	evt.Attributes["balance"] = strconv.FormatUint(s.Balance, 10)
	evt.Attributes["paid"] = strconv.FormatUint(s.Paid(), 10)
	evt.Attributes["residual"] = strconv.FormatUint(s.Residual, 10)
	evt.Attributes["winners"] = strconv.Itoa(len(s.Payouts))
	if s.Escrow != nil {
		evt.Attributes["settledAt"] = strconv.FormatUint(s.Escrow.SettledAt, 10)
	}
	return evt
}

// NewPayoutEvent returns the payload for one winner's transfer.
func NewPayoutEvent(e *Escrow, index int, p Payout) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowPayout, e)
	evt.Attributes["index"] = strconv.Itoa(index)
	evt.Attributes["winner"] = accountString(p.Winner)
	evt.Attributes["share"] = strconv.FormatUint(uint64(p.Share), 10)
	evt.Attributes["amount"] = strconv.FormatUint(p.Amount, 10)
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["escrow"] = programString(e.Address)
	attrs["namespace"] = e.Namespace
	attrs["authority"] = accountString(e.Authority)
	attrs["mint"] = programString(e.Mint)
	attrs["buyIn"] = strconv.FormatUint(e.BuyIn, 10)
	attrs["status"] = e.Status.String()
	attrs["deposits"] = strconv.FormatUint(e.Deposits, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func programString(addr [20]byte) string {
	return crypto.FromArray(crypto.ProgramPrefix, addr).String()
}

func accountString(addr [20]byte) string {
	return crypto.FromArray(crypto.AccountPrefix, addr).String()
}

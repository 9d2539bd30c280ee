package leaderboard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"buyinescrow/core/types"
	"buyinescrow/crypto"
	"buyinescrow/native/escrow"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addr(fill byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

func account(fill byte) string {
	return crypto.FromArray(crypto.AccountPrefix, addr(fill)).String()
}

type payloadEvent struct{ evt *types.Event }

func (p payloadEvent) EventType() string   { return p.evt.Type }
func (p payloadEvent) Event() *types.Event { return p.evt }

// playGame feeds the events of one escrow: every player buys in, then the
// pot is split between the winners.
func playGame(t *testing.T, rec *Recorder, namespace string, buyIn uint64, players []byte, winners []byte, shares []uint32) {
	t.Helper()
	address, err := escrow.DeriveAddress(namespace)
	require.NoError(t, err)
	esc := &escrow.Escrow{
		Address:   address,
		Namespace: namespace,
		Authority: addr(0xAA),
		Mint:      addr(0xCC),
		BuyIn:     buyIn,
		Status:    escrow.StatusFunded,
	}
	for _, p := range players {
		esc.Deposits++
		rec.Handle(payloadEvent{escrow.NewDepositedEvent(esc, addr(p), buyIn)})
	}

	balance := buyIn * uint64(len(players))
	settled := esc.Clone()
	settled.Status = escrow.StatusSettled
	settled.SettledAt = 1_700_000_000
	settlement := &escrow.Settlement{Escrow: settled, Balance: balance}
	amounts, residual := escrow.ComputePayouts(balance, shares)
	settlement.Residual = residual
	for i, w := range winners {
		settlement.Payouts = append(settlement.Payouts, escrow.Payout{Winner: addr(w), Share: shares[i], Amount: amounts[i]})
	}
	rec.Handle(payloadEvent{escrow.NewSettledEvent(settlement)})
	for i, p := range settlement.Payouts {
		rec.Handle(payloadEvent{escrow.NewPayoutEvent(settled, i, p)})
	}
}

func TestRecorderBuildsLeaderboard(t *testing.T) {
	store := newStore(t)
	rec := NewRecorder(store, nil)

	playGame(t, rec, "table-1", 100, []byte{1, 2, 3}, []byte{1, 2}, []uint32{70, 30})
	playGame(t, rec, "table-2", 50, []byte{1, 2}, []byte{2}, []uint32{100})

	entries, err := store.Leaderboard(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// player 1: won 210, paid 150; player 2: won 90+100, paid 150; player 3: paid 100.
	require.Equal(t, account(1), entries[0].Player)
	require.Equal(t, int64(60), entries[0].TotalProfit)
	require.Equal(t, uint64(2), entries[0].GamesPlayed)
	require.Equal(t, uint64(1), entries[0].Wins)

	require.Equal(t, account(2), entries[1].Player)
	require.Equal(t, int64(40), entries[1].TotalProfit)
	require.Equal(t, uint64(2), entries[1].Wins)
	require.Equal(t, uint64(190), entries[1].TotalWinnings)

	require.Equal(t, account(3), entries[2].Player)
	require.Equal(t, int64(-100), entries[2].TotalProfit)
	require.Zero(t, entries[2].Wins)

	top, err := store.Leaderboard(context.Background(), "", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)

	other, err := store.Leaderboard(context.Background(), crypto.FromArray(crypto.ProgramPrefix, addr(0xDD)).String(), 10)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestSettlementHistory(t *testing.T) {
	store := newStore(t)
	rec := NewRecorder(store, nil)
	playGame(t, rec, "table-1", 100, []byte{1, 2, 3}, []byte{1, 2}, []uint32{70, 30})

	// Replayed events must not duplicate the record.
	playGame(t, rec, "table-1", 100, nil, []byte{1, 2}, []uint32{70, 30})

	list, err := store.Settlements(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	got := list[0]
	require.NotEmpty(t, got.ID)
	require.Equal(t, "table-1", got.Namespace)
	require.Equal(t, uint64(300), got.Balance)
	require.Equal(t, uint64(300), got.Paid)
	require.Zero(t, got.Residual)
	require.Equal(t, int64(1_700_000_000), got.SettledAt)
	require.Len(t, got.Payouts, 2)
	require.Equal(t, uint64(210), got.Payouts[0].Amount)
	require.Equal(t, account(2), got.Payouts[1].Winner)

	one, err := store.Settlement(context.Background(), got.Escrow)
	require.NoError(t, err)
	require.Equal(t, got.ID, one.ID)

	_, err = store.Settlement(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRejectsMalformedEvents(t *testing.T) {
	rec := NewRecorder(newStore(t), nil)
	err := rec.Record(context.Background(), &types.Event{
		Type:       escrow.EventTypeEscrowDeposited,
		Attributes: map[string]string{"escrow": "x", "amount": "lots"},
	})
	require.Error(t, err)

	err = rec.Record(context.Background(), &types.Event{Type: escrow.EventTypeEscrowPayout, Attributes: map[string]string{}})
	require.ErrorContains(t, err, "index")

	require.NoError(t, rec.Record(context.Background(), &types.Event{Type: "bank.transfer"}))
}

package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"buyinescrow/core/events"
	"buyinescrow/core/types"
	"buyinescrow/native/escrow"
)

const recordTimeout = 5 * time.Second

// Recorder feeds committed escrow events into the store. Register Handle with
// the ledger's event bus.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With(slog.String("component", "leaderboard"))}
}

// Handle records deposit, settlement and payout events and ignores the rest.
// Failures are logged; the ledger state is the source of truth.
func (r *Recorder) Handle(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	e := payload.Event()
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.Record(ctx, e); err != nil {
		r.logger.Warn("failed to record event",
			slog.String("event", e.Type),
			slog.String("escrow", e.Attributes["escrow"]),
			slog.String("error", err.Error()))
	}
}

// Record stores a single escrow event.
func (r *Recorder) Record(ctx context.Context, e *types.Event) error {
	attrs := e.Attributes
	switch e.Type {
	case escrow.EventTypeEscrowDeposited:
		amount, err := parseUint(attrs, "amount")
		if err != nil {
			return err
		}
		return r.store.RecordDeposit(ctx, DepositRecord{
			Escrow:    attrs["escrow"],
			Depositor: attrs["depositor"],
			Mint:      attrs["mint"],
			Amount:    amount,
		})
	case escrow.EventTypeEscrowSettled:
		rec := SettlementRecord{
			Escrow:    attrs["escrow"],
			Namespace: attrs["namespace"],
			Mint:      attrs["mint"],
		}
		var err error
		if rec.Balance, err = parseUint(attrs, "balance"); err != nil {
			return err
		}
		if rec.Paid, err = parseUint(attrs, "paid"); err != nil {
			return err
		}
		if rec.Residual, err = parseUint(attrs, "residual"); err != nil {
			return err
		}
		settledAt, err := parseUint(attrs, "settledAt")
		if err != nil {
			return err
		}
		rec.SettledAt = int64(settledAt)
		id, err := r.store.RecordSettlement(ctx, rec)
		if err != nil {
			return err
		}
		r.logger.Info("settlement recorded", slog.String("id", id), slog.String("escrow", rec.Escrow), slog.Uint64("paid", rec.Paid))
		return nil
	case escrow.EventTypeEscrowPayout:
		index, err := parseUint(attrs, "index")
		if err != nil {
			return err
		}
		share, err := parseUint(attrs, "share")
		if err != nil {
			return err
		}
		amount, err := parseUint(attrs, "amount")
		if err != nil {
			return err
		}
		return r.store.RecordPayout(ctx, PayoutRecord{
			Escrow: attrs["escrow"],
			Index:  int(index),
			Winner: attrs["winner"],
			Share:  uint32(share),
			Amount: amount,
		})
	}
	return nil
}

func parseUint(attrs map[string]string, key string) (uint64, error) {
	raw, ok := attrs[key]
	if !ok {
		return 0, fmt.Errorf("leaderboard: event missing %q", key)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("leaderboard: attribute %q: %w", key, err)
	}
	return v, nil
}

package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LedgerInstruments mirrors the ledger's Prometheus collectors through the
// OTLP meter, so deployments that only scrape OTLP still see operations.
type LedgerInstruments struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
	payouts    metric.Int64Counter
}

// NewLedgerInstruments registers the instruments on the global meter
// provider. Before Init runs the global provider is a no-op delegate.
func NewLedgerInstruments() (*LedgerInstruments, error) {
	meter := otel.Meter(InstrumentationName)
	operations, err := meter.Int64Counter("escrow.ledger.operations",
		metric.WithDescription("Ledger operations by name and outcome."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("escrow.ledger.duration",
		metric.WithDescription("Ledger operation latency."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	payouts, err := meter.Int64Counter("escrow.payouts",
		metric.WithDescription("Winner payouts made by settled escrows."))
	if err != nil {
		return nil, err
	}
	return &LedgerInstruments{operations: operations, duration: duration, payouts: payouts}, nil
}

// RecordOperation counts one ledger operation.
func (i *LedgerInstruments) RecordOperation(ctx context.Context, op string, d time.Duration, err error) {
	if i == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
	i.operations.Add(ctx, 1, attrs)
	i.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordPayouts counts the payouts of one settlement.
func (i *LedgerInstruments) RecordPayouts(ctx context.Context, n int) {
	if i == nil || n <= 0 {
		return
	}
	i.payouts.Add(ctx, int64(n))
}

package circulation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	borrows metric.Int64Counter
	returns metric.Int64Counter
	fines   metric.Float64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	borrows, err := meter.Int64Counter("circulation.borrows",
		metric.WithDescription("Borrow attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("borrows counter: %w", err)
	}
	returns, err := meter.Int64Counter("circulation.returns",
		metric.WithDescription("Return attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("returns counter: %w", err)
	}
	fines, err := meter.Float64Counter("circulation.fines_assessed",
		metric.WithDescription("Sum of fines assessed on late returns"))
	if err != nil {
		return nil, fmt.Errorf("fines counter: %w", err)
	}
	return &metrics{borrows: borrows, returns: returns, fines: fines}, nil
}

func (m *metrics) outcome(ctx context.Context, counter metric.Int64Counter, err error) {
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", ErrorCode(err))))
}

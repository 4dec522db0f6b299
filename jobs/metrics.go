package jobs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type jobMetrics struct {
	swept     metric.Int64Counter
	finalized metric.Int64Counter
}

var (
	metricsOnce      sync.Once
	sharedJobMetrics *jobMetrics
)

func updateJobMetrics() *jobMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("hashmarket/jobs")
		swept, err := meter.Int64Counter("hashmarket.attempts.swept")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("hashmarket/jobs")
			swept, _ = fallback.Int64Counter("hashmarket.attempts.swept")
		}
		finalized, err := meter.Int64Counter("hashmarket.attempts.finalized")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("hashmarket/jobs")
			finalized, _ = fallback.Int64Counter("hashmarket.attempts.finalized")
		}
		sharedJobMetrics = &jobMetrics{swept: swept, finalized: finalized}
	})
	return sharedJobMetrics
}

func (m *jobMetrics) recordSwept(sweeper string, count int64) {
	if m == nil || m.swept == nil || count <= 0 {
		return
	}
	m.swept.Add(context.Background(), count,
		metric.WithAttributes(attribute.String("sweeper", sweeper)))
}

func (m *jobMetrics) recordFinalized(kind string, count int64) {
	if m == nil || m.finalized == nil || count <= 0 {
		return
	}
	m.finalized.Add(context.Background(), count,
		metric.WithAttributes(attribute.String("kind", kind)))
}

package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

const meterName = "github.com/manthysbr/scriptdeck"

// Unit outcomes recorded on scriptdeck.stage.units.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// StageMetrics records per-unit stage instruments:
//   - scriptdeck.stage.units (Int64Counter), attributes stage and outcome
//   - scriptdeck.stage.duration (Float64Histogram, seconds), attributes stage and outcome
//
// Skipped units (cancelled before their transform ran) are counted but not timed.
type StageMetrics struct {
	units    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewStageMetricsFor builds instruments from the scriptdeck meter of provider.
func NewStageMetricsFor(provider metric.MeterProvider) *StageMetrics {
	return NewStageMetricsWithMeter(provider.Meter(meterName))
}

// NewStageMetricsWithMeter builds instruments from meter. On instrument
// errors the OTel API hands back noop instruments.
func NewStageMetricsWithMeter(meter metric.Meter) *StageMetrics {
	units, _ := meter.Int64Counter(
		"scriptdeck.stage.units",
		metric.WithDescription("Stage units finished, by outcome"),
		metric.WithUnit("{unit}"),
	)
	duration, _ := meter.Float64Histogram(
		"scriptdeck.stage.duration",
		metric.WithDescription("Time spent in a stage transform"),
		metric.WithUnit("s"),
	)
	return &StageMetrics{units: units, duration: duration}
}

// RecordUnit records a unit whose transform ran.
func (m *StageMetrics) RecordUnit(ctx context.Context, kind domain.StageKind, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", string(kind)),
		attribute.String("outcome", outcome),
	)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	m.units.Add(ctx, 1, attrs)
}

// RecordSkipped counts a unit that never invoked its transform.
func (m *StageMetrics) RecordSkipped(ctx context.Context, kind domain.StageKind) {
	if m == nil {
		return
	}
	m.units.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(kind)),
		attribute.String("outcome", OutcomeSkipped),
	))
}

// UnitTotals sums scriptdeck.stage.units from a collected snapshot, keyed
// by "stage/outcome".
func UnitTotals(rm metricdata.ResourceMetrics) map[string]int64 {
	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "scriptdeck.stage.units" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				stage, _ := dp.Attributes.Value("stage")
				outcome, _ := dp.Attributes.Value("outcome")
				totals[stage.AsString()+"/"+outcome.AsString()] += dp.Value
			}
		}
	}
	return totals
}

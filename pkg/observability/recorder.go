package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

type Metrics interface {
	RecordTurn(ctx context.Context, duration time.Duration, rounds int, err error)
	RecordToolCall(ctx context.Context, tool string, duration time.Duration, cached bool, err error)
	RecordModelCall(ctx context.Context, model string, duration time.Duration, tokens int, err error)
}

type PrometheusMetrics struct {
	turnDuration metric.Float64Histogram
	turnRounds   metric.Int64Histogram
	turnsTotal   metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter
	cacheHitsTotal  metric.Int64Counter

	modelDuration    metric.Float64Histogram
	modelTokensTotal metric.Int64Counter
	modelErrorsTotal metric.Int64Counter
}

func NewPrometheusMetrics(
	turnDuration metric.Float64Histogram,
	turnRounds metric.Int64Histogram,
	turnsTotal metric.Int64Counter,
	toolDuration metric.Float64Histogram,
	toolCallsTotal metric.Int64Counter,
	toolErrorsTotal metric.Int64Counter,
	cacheHitsTotal metric.Int64Counter,
	modelDuration metric.Float64Histogram,
	modelTokensTotal metric.Int64Counter,
	modelErrorsTotal metric.Int64Counter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		turnDuration:     turnDuration,
		turnRounds:       turnRounds,
		turnsTotal:       turnsTotal,
		toolDuration:     toolDuration,
		toolCallsTotal:   toolCallsTotal,
		toolErrorsTotal:  toolErrorsTotal,
		cacheHitsTotal:   cacheHitsTotal,
		modelDuration:    modelDuration,
		modelTokensTotal: modelTokensTotal,
		modelErrorsTotal: modelErrorsTotal,
	}
}

func (m *PrometheusMetrics) RecordTurn(ctx context.Context, duration time.Duration, rounds int, err error) {
	if m == nil || m.turnDuration == nil || m.turnsTotal == nil {
		return
	}

	m.turnDuration.Record(ctx, duration.Seconds())
	m.turnsTotal.Add(ctx, 1)

	if m.turnRounds != nil {
		m.turnRounds.Record(ctx, int64(rounds))
	}
}

func (m *PrometheusMetrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, cached bool, err error) {
	if m == nil || m.toolDuration == nil || m.toolCallsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
	}

	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.toolCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if cached && m.cacheHitsTotal != nil {
		m.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	if err != nil && m.toolErrorsTotal != nil {
		m.toolErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordModelCall(ctx context.Context, model string, duration time.Duration, tokens int, err error) {
	if m == nil || m.modelDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.modelDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if tokens > 0 && m.modelTokensTotal != nil {
		m.modelTokensTotal.Add(ctx, int64(tokens), metric.WithAttributes(attrs...))
	}

	if err != nil && m.modelErrorsTotal != nil {
		m.modelErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

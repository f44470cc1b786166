package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// InitMetrics builds the Prometheus-backed metrics recorder. The
// exporter registers against the default Prometheus registry, so the
// server exposes it via promhttp.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("meridian")

	turnDuration, err := meter.Float64Histogram(
		"meridian_turn_duration_seconds",
		metric.WithDescription("End-to-end turn duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}

	turnRounds, err := meter.Int64Histogram(
		"meridian_turn_rounds",
		metric.WithDescription("Planning rounds consumed per turn"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn rounds histogram: %w", err)
	}

	turnsTotal, err := meter.Int64Counter(
		"meridian_turns_total",
		metric.WithDescription("Total turns processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"meridian_tool_call_duration_seconds",
		metric.WithDescription("Tool call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"meridian_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"meridian_tool_errors_total",
		metric.WithDescription("Total tool call errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"meridian_tool_cache_hits_total",
		metric.WithDescription("Total tool calls served from cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	modelDuration, err := meter.Float64Histogram(
		"meridian_model_request_duration_seconds",
		metric.WithDescription("Reasoning model request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model duration histogram: %w", err)
	}

	modelTokens, err := meter.Int64Counter(
		"meridian_model_tokens_total",
		metric.WithDescription("Total tokens reported by the reasoning model"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model tokens counter: %w", err)
	}

	modelErrors, err := meter.Int64Counter(
		"meridian_model_errors_total",
		metric.WithDescription("Total reasoning model errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model errors counter: %w", err)
	}

	return NewPrometheusMetrics(
		turnDuration,
		turnRounds,
		turnsTotal,
		toolDuration,
		toolCalls,
		toolErrors,
		cacheHits,
		modelDuration,
		modelTokens,
		modelErrors,
	), nil
}

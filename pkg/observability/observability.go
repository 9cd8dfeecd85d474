// Package observability wires OpenTelemetry metrics for the evidence
// engine: evaluation rate, transition counts, and evaluation duration.
// Telemetry is optional; when disabled every instrument is a no-op and
// the engine behaves identically.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the meter provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "reality-bridge",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the meter provider and the engine's instruments.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	evaluations  metric.Int64Counter
	transitions  metric.Int64Counter
	evalFailures metric.Int64Counter
	evalDuration metric.Float64Histogram
}

// New creates a Provider. With Enabled false, instruments are nil-safe
// no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = otel.Meter("realitybridge.core",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.evaluations, err = p.meter.Int64Counter("bridge.evaluations",
		metric.WithDescription("Claim evaluations by outcome")); err != nil {
		return fmt.Errorf("create evaluations counter: %w", err)
	}
	if p.transitions, err = p.meter.Int64Counter("bridge.transitions",
		metric.WithDescription("Tier transitions by action")); err != nil {
		return fmt.Errorf("create transitions counter: %w", err)
	}
	if p.evalFailures, err = p.meter.Int64Counter("bridge.evaluation_failures",
		metric.WithDescription("Evaluations that errored or conflicted")); err != nil {
		return fmt.Errorf("create failures counter: %w", err)
	}
	if p.evalDuration, err = p.meter.Float64Histogram("bridge.evaluation_duration_ms",
		metric.WithDescription("Wall time of a single claim evaluation")); err != nil {
		return fmt.Errorf("create duration histogram: %w", err)
	}
	return nil
}

// RecordEvaluation counts one evaluation and its duration.
func (p *Provider) RecordEvaluation(ctx context.Context, outcome string, d time.Duration) {
	if p.evaluations == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	p.evaluations.Add(ctx, 1, attrs)
	p.evalDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// RecordTransition counts one applied tier transition.
func (p *Provider) RecordTransition(ctx context.Context, action string) {
	if p.transitions == nil {
		return
	}
	p.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordFailure counts a failed evaluation.
func (p *Provider) RecordFailure(ctx context.Context, kind string) {
	if p.evalFailures == nil {
		return
	}
	p.evalFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	notifications    metric.Int64Counter
	resolutions      metric.Int64Counter
	transitions      metric.Int64Counter
	anomalies        metric.Int64Counter
	pipelineDuration metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metric instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "recon"
	}
	meter := provider.Meter(name)

	notifications, err := meter.Int64Counter("recon_notifications_total")
	if err != nil {
		return nil, err
	}
	resolutions, err := meter.Int64Counter("recon_resolutions_total")
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("recon_status_transitions_total")
	if err != nil {
		return nil, err
	}
	anomalies, err := meter.Int64Counter("recon_reconcile_anomalies_total")
	if err != nil {
		return nil, err
	}
	pipelineDuration, err := meter.Float64Histogram("recon_pipeline_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		notifications:    notifications,
		resolutions:      resolutions,
		transitions:      transitions,
		anomalies:        anomalies,
		pipelineDuration: pipelineDuration,
	}, nil
}

// RecordNotification counts one pipeline completion by type and outcome.
func (m *Metrics) RecordNotification(ctx context.Context, notificationType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", notificationType),
		attribute.String("outcome", outcome),
	)
	m.notifications.Add(ctx, 1, attrs)
	m.pipelineDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordResolution counts which strategy matched. Watching the method
// distribution is how operators spot upstream correlation-key regressions.
func (m *Metrics) RecordResolution(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordTransition counts one applied status transition.
func (m *Metrics) RecordTransition(ctx context.Context, entityType, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordAnomaly counts rejected transitions (monotonicity violations).
func (m *Metrics) RecordAnomaly(ctx context.Context, entityType string) {
	if m == nil {
		return
	}
	m.anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", entityType)))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}

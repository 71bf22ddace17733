package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A nil *Telemetry
// is valid and records nothing.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	sessionTransitions  metric.Int64Counter
	sessionsActive      metric.Int64UpDownCounter
	admissionsRejected  metric.Int64Counter
	fetchedBytes        metric.Int64Counter
	fragmentRetries     metric.Int64Counter
	mergesTotal         metric.Int64Counter
	mergeDuration       metric.Float64Histogram
	deliveriesTotal     metric.Int64Counter
	servedBytes         metric.Int64Counter
	sweptTotal          metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // optional, enables a push exporter next to Prometheus
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("mediadrop")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordSessionTransition counts a state change and keeps the active gauge
// in step with it.
func (t *Telemetry) RecordSessionTransition(from, to string, activeDelta int64) {
	if t == nil {
		return
	}

	t.sessionTransitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)

	if activeDelta != 0 {
		t.sessionsActive.Add(context.Background(), activeDelta)
	}
}

// RecordAdmissionRejected counts rejected session starts by scope.
func (t *Telemetry) RecordAdmissionRejected(scope string) {
	if t != nil {
		t.admissionsRejected.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("scope", scope)))
	}
}

// RecordFetchedBytes adds to the total of bytes written to partial files.
func (t *Telemetry) RecordFetchedBytes(n int64) {
	if t != nil && n > 0 {
		t.fetchedBytes.Add(context.Background(), n)
	}
}

// RecordFragmentRetry counts a retried fragment request.
func (t *Telemetry) RecordFragmentRetry() {
	if t != nil {
		t.fragmentRetries.Add(context.Background(), 1)
	}
}

// RecordMerge records a muxing run.
func (t *Telemetry) RecordMerge(status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.mergesTotal.Add(context.Background(), 1, attrs)
	t.mergeDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordDelivery records a delivery attempt by method (upload, link).
func (t *Telemetry) RecordDelivery(method, status string) {
	if t != nil {
		t.deliveriesTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("status", status),
			),
		)
	}
}

// RecordServedBytes adds to the bytes streamed by the file server.
func (t *Telemetry) RecordServedBytes(n int64) {
	if t != nil && n > 0 {
		t.servedBytes.Add(context.Background(), n)
	}
}

// RecordSweep counts items removed by the cleanup sweeper per action.
func (t *Telemetry) RecordSweep(action string, removed int) {
	if t != nil && removed > 0 {
		t.sweptTotal.Add(context.Background(), int64(removed),
			metric.WithAttributes(attribute.String("action", action)))
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	var err error

	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}

		*dst, err = t.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
	}

	histogram := func(dst *metric.Float64Histogram, name, desc string) {
		if err != nil {
			return
		}

		*dst, err = t.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		if err != nil {
			err = fmt.Errorf("failed to create %s histogram: %w", name, err)
		}
	}

	upDown := func(dst *metric.Int64UpDownCounter, name, desc string) {
		if err != nil {
			return
		}

		*dst, err = t.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		if err != nil {
			err = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
	}

	counter(&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests", "1")
	histogram(&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds")
	upDown(&t.httpRequestsInFlight, "http_requests_in_flight", "Number of HTTP requests currently being processed")

	counter(&t.sessionTransitions, "session_transitions_total", "Session state transitions", "1")
	upDown(&t.sessionsActive, "sessions_active", "Sessions holding a concurrency slot")
	counter(&t.admissionsRejected, "admissions_rejected_total", "Session starts rejected by the limiter", "1")
	counter(&t.fetchedBytes, "fetched_bytes_total", "Bytes flushed to partial files", "By")
	counter(&t.fragmentRetries, "fragment_retries_total", "Retried fragment requests", "1")
	counter(&t.mergesTotal, "merges_total", "Muxing runs", "1")
	histogram(&t.mergeDuration, "merge_duration_seconds", "Muxing duration in seconds")
	counter(&t.deliveriesTotal, "deliveries_total", "Delivery attempts", "1")
	counter(&t.servedBytes, "served_bytes_total", "Bytes streamed by the file server", "By")
	counter(&t.sweptTotal, "swept_total", "Items removed by the cleanup sweeper", "1")
	counter(&t.dbOperationsTotal, "db_operations_total", "Total number of database operations", "1")
	histogram(&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds")

	counter(&t.systemErrors, "system_errors_total", "Total number of system errors", "1")

	return err
}

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder records engine metrics. Implementations must tolerate zero
// values so callers never nil-check.
type Recorder interface {
	// RecordTurn records a completed turn with its terminal status.
	RecordTurn(ctx context.Context, role string, duration time.Duration, status string)

	// RecordModelCall records one streaming model request.
	RecordModelCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)

	// RecordToolCall records one tool invocation.
	RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error)

	// RecordInterruptRaised counts an interrupt by kind.
	RecordInterruptRaised(ctx context.Context, kind string)

	// RecordInterruptResolved counts a resolution by kind and outcome.
	RecordInterruptResolved(ctx context.Context, kind, resolution string)

	// RecordMerge counts a base-branch merge by strategy.
	RecordMerge(ctx context.Context, strategy string)

	// RecordEventDropped counts bus events lost to slow subscribers.
	RecordEventDropped(ctx context.Context, count int)

	// RecordHTTPRequest records one API request.
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, respSize int64)

	// Handler serves the metrics endpoint.
	Handler() http.Handler
}

// Metrics is the Prometheus-backed Recorder. Instruments are created on
// an OpenTelemetry meter and exported through a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal       metric.Int64Counter
	turnDuration     metric.Float64Histogram
	modelDuration    metric.Float64Histogram
	modelInputTokens metric.Int64Counter
	modelOutputToks  metric.Int64Counter
	modelErrors      metric.Int64Counter
	toolDuration     metric.Float64Histogram
	toolCalls        metric.Int64Counter
	toolErrors       metric.Int64Counter
	interruptsRaised metric.Int64Counter
	interruptsDone   metric.Int64Counter
	mergesTotal      metric.Int64Counter
	eventsDropped    metric.Int64Counter
	httpDuration     metric.Float64Histogram
	httpRequests     metric.Int64Counter
}

// InitMetrics builds the metrics pipeline. Disabled metrics yield a
// Recorder whose Handler reports unavailability.
func InitMetrics(cfg MetricsConfig) (Recorder, error) {
	if !cfg.Enabled {
		return NoopMetrics{}, nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(cfg.Namespace)
	ns := cfg.Namespace

	m := &Metrics{registry: registry}

	if m.turnsTotal, err = meter.Int64Counter(ns+"_turns_total",
		metric.WithDescription("Turns by role and terminal status")); err != nil {
		return nil, err
	}
	if m.turnDuration, err = meter.Float64Histogram(ns+"_turn_duration_seconds",
		metric.WithDescription("Turn duration in seconds")); err != nil {
		return nil, err
	}
	if m.modelDuration, err = meter.Float64Histogram(ns+"_model_request_duration_seconds",
		metric.WithDescription("Model request duration in seconds")); err != nil {
		return nil, err
	}
	if m.modelInputTokens, err = meter.Int64Counter(ns+"_model_tokens_input_total",
		metric.WithDescription("Prompt tokens sent to models")); err != nil {
		return nil, err
	}
	if m.modelOutputToks, err = meter.Int64Counter(ns+"_model_tokens_output_total",
		metric.WithDescription("Completion tokens received from models")); err != nil {
		return nil, err
	}
	if m.modelErrors, err = meter.Int64Counter(ns+"_model_errors_total",
		metric.WithDescription("Failed model requests")); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(ns+"_tool_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter(ns+"_tool_calls_total",
		metric.WithDescription("Tool invocations")); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter(ns+"_tool_errors_total",
		metric.WithDescription("Tool invocations that returned errors")); err != nil {
		return nil, err
	}
	if m.interruptsRaised, err = meter.Int64Counter(ns+"_interrupts_raised_total",
		metric.WithDescription("Interrupts raised by kind")); err != nil {
		return nil, err
	}
	if m.interruptsDone, err = meter.Int64Counter(ns+"_interrupts_resolved_total",
		metric.WithDescription("Interrupts resolved by kind and outcome")); err != nil {
		return nil, err
	}
	if m.mergesTotal, err = meter.Int64Counter(ns+"_merges_total",
		metric.WithDescription("Base-branch merges by strategy")); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = meter.Int64Counter(ns+"_bus_events_dropped_total",
		metric.WithDescription("Events dropped from slow subscriber queues")); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram(ns+"_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds")); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter(ns+"_http_requests_total",
		metric.WithDescription("HTTP requests by method, path, and status")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordTurn(ctx context.Context, role string, duration time.Duration, status string) {
	if m == nil || m.turnsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("status", status),
	)
	m.turnsTotal.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("role", role)))
}

func (m *Metrics) RecordModelCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.modelDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.modelDuration.Record(ctx, duration.Seconds(), attrs)
	m.modelInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.modelOutputToks.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.modelErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordInterruptRaised(ctx context.Context, kind string) {
	if m == nil || m.interruptsRaised == nil {
		return
	}
	m.interruptsRaised.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordInterruptResolved(ctx context.Context, kind, resolution string) {
	if m == nil || m.interruptsDone == nil {
		return
	}
	m.interruptsDone.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("resolution", resolution),
	))
}

func (m *Metrics) RecordMerge(ctx context.Context, strategy string) {
	if m == nil || m.mergesTotal == nil {
		return
	}
	m.mergesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *Metrics) RecordEventDropped(ctx context.Context, count int) {
	if m == nil || m.eventsDropped == nil || count <= 0 {
		return
	}
	m.eventsDropped.Add(ctx, int64(count))
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, respSize int64) {
	if m == nil || m.httpDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", statusCode),
	)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return NoopMetrics{}.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NoopMetrics is a Recorder that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordTurn(context.Context, string, time.Duration, string)               {}
func (NoopMetrics) RecordModelCall(context.Context, string, time.Duration, int, int, error) {}
func (NoopMetrics) RecordToolCall(context.Context, string, time.Duration, error)            {}
func (NoopMetrics) RecordInterruptRaised(context.Context, string)                           {}
func (NoopMetrics) RecordInterruptResolved(context.Context, string, string)                 {}
func (NoopMetrics) RecordMerge(context.Context, string)                                     {}
func (NoopMetrics) RecordEventDropped(context.Context, int)                                 {}
func (NoopMetrics) RecordHTTPRequest(context.Context, string, string, int, time.Duration, int64) {
}

// Handler returns 503 so scrapers see that metrics are off.
func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = NoopMetrics{}
)

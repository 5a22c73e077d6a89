// Package tracing wraps go.opentelemetry.io/otel for the MTFTP daemon,
// with one longer-lived span per transfer rather than one per RPC: a
// transfer's span opens on RRQ and closes on the terminal ACK, timeout,
// or ERR, with an event recorded for each RTX round in between.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config configures the tracer. It is disabled (Enable: false) by
// default: tracing is a daemon-level concern, not part of the wire
// protocol.
type Config struct {
	Enable       bool    `json:",default=false"`
	ServiceName  string  `json:",default=mtftp-server"`
	Endpoint     string  `json:",default=http://localhost:14268/api/traces"`
	Exporter     string  `json:",default=jaeger,options=jaeger|zipkin"`
	SampleRate   float64 `json:",default=1.0"`
	Environment  string  `json:",default=development"`
	BatchTimeout int     `json:",default=5"`
	MaxQueueSize int     `json:",default=2048"`
}

// Tracer manages the OpenTelemetry provider and exposes a
// per-transfer-span helper API.
type Tracer struct {
	config   Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewTracer constructs a Tracer. When cfg.Enable is false it returns a
// Tracer whose methods are no-ops, so callers never need to branch on
// whether tracing is on.
func NewTracer(cfg Config, logger *zap.Logger) (*Tracer, error) {
	if !cfg.Enable {
		logger.Info("tracing disabled")
		return &Tracer{config: cfg, logger: logger}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("mtftpd/tracing: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	case "zipkin":
		exporter, err = zipkin.New(cfg.Endpoint)
	default:
		return nil, fmt.Errorf("mtftpd/tracing: unsupported exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("mtftpd/tracing: build %s exporter: %w", cfg.Exporter, err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	batcher := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithBatchTimeout(time.Duration(cfg.BatchTimeout)*time.Second),
		sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithSpanProcessor(batcher),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		zap.String("exporter", cfg.Exporter),
		zap.Float64("sample_rate", cfg.SampleRate))

	return &Tracer{
		config:   cfg,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		logger:   logger,
	}, nil
}

// StartTransfer opens a span covering one transfer's lifetime, from RRQ
// to its terminal ACK, timeout, or ERR.
func (t *Tracer) StartTransfer(ctx context.Context, fileIndex uint16, remoteAddr string) (context.Context, trace.Span) {
	if !t.config.Enable || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "mtftp.transfer",
		trace.WithAttributes(
			attribute.Int("mtftp.file_index", int(fileIndex)),
			attribute.String("mtftp.remote_addr", remoteAddr),
		))
}

// SetFileIndex labels span with the transfer's file_index once the RRQ
// that names it has been decoded; spans opened before the RRQ arrives
// start with index 0.
func (t *Tracer) SetFileIndex(span trace.Span, fileIndex uint16) {
	if !t.config.Enable {
		return
	}
	span.SetAttributes(attribute.Int("mtftp.file_index", int(fileIndex)))
}

// RecordRTX adds an event for one RTX round to the transfer's span.
func (t *Tracer) RecordRTX(span trace.Span, missing []uint16) {
	if !t.config.Enable {
		return
	}
	span.AddEvent("mtftp.rtx", trace.WithAttributes(
		attribute.Int("mtftp.missing_count", len(missing)),
	))
}

// EndTransfer closes the span with a terminal outcome label.
func (t *Tracer) EndTransfer(span trace.Span, outcome string, bytesTransferred int64) {
	if !t.config.Enable {
		return
	}
	span.SetAttributes(
		attribute.String("mtftp.outcome", outcome),
		attribute.Int64("mtftp.bytes_transferred", bytesTransferred),
	)
	span.End()
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// IsEnabled reports whether tracing is active.
func (t *Tracer) IsEnabled() bool {
	return t.config.Enable
}

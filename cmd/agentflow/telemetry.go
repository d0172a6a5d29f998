package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/randalmurphal/agentflow/pkg/agentflow/config"
	"github.com/randalmurphal/agentflow/pkg/agentflow/observability"
)

// telemetry holds the recorders handed to the executor and the nodes,
// and what must be flushed or stopped when the command ends.
type telemetry struct {
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// MetricsAddr is the address the /metrics endpoint listens on, empty
	// when metrics are disabled.
	MetricsAddr string

	shutdown []func(context.Context) error
}

// setupTelemetry starts a Prometheus endpoint when metrics are enabled and
// exports spans to traceOut when tracing is enabled. Disabled concerns get
// noop recorders.
func setupTelemetry(s config.Settings, traceOut io.Writer, logger *slog.Logger) (*telemetry, error) {
	t := &telemetry{
		Metrics: observability.NoopMetrics{},
		Spans:   observability.NoopSpanManager{},
	}

	if s.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		t.shutdown = append(t.shutdown, mp.Shutdown)

		recorder, err := observability.NewMetricsRecorderFor(mp)
		if err != nil {
			return nil, fmt.Errorf("create metrics recorder: %w", err)
		}
		t.Metrics = recorder

		ln, err := net.Listen("tcp", s.Metrics.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", s.Metrics.Addr, err)
		}
		t.MetricsAddr = ln.Addr().String()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
		t.shutdown = append(t.shutdown, srv.Shutdown)
		logger.Info("serving metrics", slog.String("addr", t.MetricsAddr))
	}

	if s.Tracing.Enabled {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(traceOut), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		t.shutdown = append(t.shutdown, tp.Shutdown)
		t.Spans = observability.NewSpanManagerFor(tp)
	}

	return t, nil
}

// Close flushes spans and stops the metrics endpoint, in reverse order of
// setup.
func (t *telemetry) Close(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

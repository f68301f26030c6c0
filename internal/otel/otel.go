// Package otel wires suiterun's traces and metrics to their exporters.
//
// A run is a single short-lived process, so every provider batches with a
// short interval and must be flushed through the returned shutdown func
// before exit or the last phase's spans are lost.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/suiterun/internal/buildinfo"
)

const (
	// ServiceName identifies suiterun in every exported resource.
	ServiceName = "suiterun"

	flushInterval = 5 * time.Second
)

// Config selects the exporters for one run.
type Config struct {
	// Enabled turns on OTLP/HTTP export of both traces and metrics.
	Enabled bool
	// Endpoint overrides OTEL_EXPORTER_OTLP_ENDPOINT when set.
	Endpoint string
	Insecure bool
	// StdOut mirrors the OTLP traces and metrics to stdout.  It has no
	// effect unless Enabled is set.
	StdOut bool

	// Prometheus, when non-nil, is registered as a metric reader.  The
	// caller serves it over /metrics or pushes it at the end of the run.
	Prometheus *prometheus.Registry

	// Tag and Driver are stamped on the resource so runs of different
	// clusters can be told apart in one backend.
	Tag    string
	Driver string
}

// Setup installs the global tracer and meter providers that cfg asks for
// and returns a func that flushes and stops them.  With nothing enabled the
// globals stay no-op and shutdown does nothing.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	var stops []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs error
		// Stop in reverse order of setup.
		for i := len(stops) - 1; i >= 0; i-- {
			errs = errors.Join(errs, stops[i](ctx))
		}
		stops = nil
		return errs
	}
	fail := func(e error) (func(context.Context) error, error) {
		return nil, errors.Join(e, shutdown(ctx))
	}

	res, err := newResource(cfg)
	if err != nil {
		return fail(fmt.Errorf("building resource: %w", err))
	}

	if cfg.Enabled {
		tp, err := newTracerProvider(ctx, res, cfg)
		if err != nil {
			return fail(fmt.Errorf("trace exporter: %w", err))
		}
		stops = append(stops, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	readers, err := metricReaders(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if len(readers) > 0 {
		opts := []metric.Option{metric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, metric.WithReader(r))
		}
		mp := metric.NewMeterProvider(opts...)
		stops = append(stops, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return shutdown, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(buildinfo.Version),
		attribute.String("suiterun.commit", buildinfo.Commit),
	}
	if cfg.Tag != "" {
		attrs = append(attrs, attribute.String("suiterun.tag", cfg.Tag))
	}
	if cfg.Driver != "" {
		attrs = append(attrs, attribute.String("suiterun.driver", cfg.Driver))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

func newTracerProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	otlp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tpOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithBatcher(otlp, trace.WithBatchTimeout(time.Second)),
	}
	if cfg.StdOut {
		out, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, trace.WithSyncer(out))
	}
	return trace.NewTracerProvider(tpOpts...), nil
}

// metricReaders returns one reader per enabled sink.  Prometheus is a pull
// reader; the others push every flushInterval.
func metricReaders(ctx context.Context, cfg Config) ([]metric.Reader, error) {
	var readers []metric.Reader

	if cfg.Enabled {
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		readers = append(readers, metric.NewPeriodicReader(exp, metric.WithInterval(flushInterval)))
	}

	if cfg.Enabled && cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		readers = append(readers, metric.NewPeriodicReader(exp, metric.WithInterval(flushInterval)))
	}

	if cfg.Prometheus != nil {
		exp, err := promexporter.New(promexporter.WithRegisterer(cfg.Prometheus))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		readers = append(readers, exp)
	}

	return readers, nil
}

package treecorr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter. Without an installed SDK both are no-ops.
var (
	tracer = otel.Tracer("treecorr")
	meter  = otel.Meter("treecorr")
)

var (
	buildDuration    metric.Float64Histogram
	processDuration  metric.Float64Histogram
	pairsDeposited   metric.Int64Counter
	kmeansIterations metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		buildDuration, err = meter.Float64Histogram(
			"treecorr_build_field_duration_seconds",
			metric.WithDescription("Duration of field construction"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		processDuration, err = meter.Float64Histogram(
			"treecorr_process_duration_seconds",
			metric.WithDescription("Duration of pair accumulation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		pairsDeposited, err = meter.Int64Counter(
			"treecorr_cell_pairs_total",
			metric.WithDescription("Cell pairs deposited into bins"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		kmeansIterations, err = meter.Int64Counter(
			"treecorr_kmeans_iterations_total",
			metric.WithDescription("K-means iterations run"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordBuild(ctx context.Context, d time.Duration, coords Coords) {
	if initMetrics() != nil {
		return
	}
	buildDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("coords", string(coords))))
}

func recordProcess(ctx context.Context, d time.Duration, kind Kind, deposits int64) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	processDuration.Record(ctx, d.Seconds(), attrs)
	pairsDeposited.Add(ctx, deposits, attrs)
}

func recordKMeans(ctx context.Context, iterations int, alt bool) {
	if initMetrics() != nil {
		return
	}
	kmeansIterations.Add(ctx, int64(iterations), metric.WithAttributes(attribute.Bool("alt", alt)))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan marks the span failed when err is non-nil and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

package indexer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("pdom.indexer")
	meter  = otel.Meter("pdom.indexer")
)

var (
	jobLatency   metric.Float64Histogram
	jobTotal     metric.Int64Counter
	unitsTotal   metric.Int64Counter
	unitFailures metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		jobLatency, err = meter.Float64Histogram(
			"pdom_job_duration_seconds",
			metric.WithDescription("Duration of indexer jobs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		jobTotal, err = meter.Int64Counter(
			"pdom_job_total",
			metric.WithDescription("Indexer jobs by final status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		unitsTotal, err = meter.Int64Counter(
			"pdom_translation_units_total",
			metric.WithDescription("Translation units parsed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		unitFailures, err = meter.Int64Counter(
			"pdom_failures_total",
			metric.WithDescription("Per-file parse and resolution failures"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startJobSpan(ctx context.Context, d Delta) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Job.Run",
		trace.WithAttributes(
			attribute.Int("job.sources", len(d.Sources)),
			attribute.Int("job.headers", len(d.Headers)),
			attribute.Int("job.removed", len(d.Removed)),
		),
	)
}

func startUnitSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Job.parseUnit",
		trace.WithAttributes(attribute.String("unit.path", path)),
	)
}

func setJobSpanResult(span trace.Span, r *Result) {
	span.SetAttributes(
		attribute.String("job.status", r.Status.String()),
		attribute.Int("job.completed_units", r.Units),
		attribute.Int("job.written_sources", r.Sources),
		attribute.Int("job.written_headers", r.Headers),
		attribute.Int("job.errors", r.Errors),
		attribute.Bool("job.cancelled", r.Cancelled),
	)
}

func recordJobMetrics(ctx context.Context, duration time.Duration, r *Result) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", r.Status.String()))
	jobLatency.Record(ctx, duration.Seconds(), attrs)
	jobTotal.Add(ctx, 1, attrs)
}

func recordUnit(ctx context.Context, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	unitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
}

func recordFailure(ctx context.Context, stage string) {
	if err := initMetrics(); err != nil {
		return
	}
	unitFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics receives session counters. The dispatcher loop calls it
// synchronously, so implementations must not block.
type Metrics interface {
	RecordJob(ctx context.Context, name string, outcome Outcome, d time.Duration)
	IncAcquireFailures(ctx context.Context)
	IncReconnects(ctx context.Context)
	IncFrames(ctx context.Context)
	IncPreviewErrors(ctx context.Context)
	IncFilesReceived(ctx context.Context)
}

type sessionMetrics struct {
	jobs            metric.Int64Counter
	jobDuration     metric.Float64Histogram
	acquireFailures metric.Int64Counter
	reconnects      metric.Int64Counter
	frames          metric.Int64Counter
	previewErrors   metric.Int64Counter
	filesReceived   metric.Int64Counter
}

const namespace = "quickcapture.session"

// NewMetrics creates the session instruments on mp.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(sessionMetrics)
	var err error

	if m.jobs, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Jobs completed, by name and outcome"),
	); err != nil {
		return nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time a job held the camera"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.acquireFailures, err = meter.Int64Counter(
		"acquire_failures_total",
		metric.WithDescription("Failed connection attempts"),
	); err != nil {
		return nil, err
	}

	if m.reconnects, err = meter.Int64Counter(
		"reconnects_total",
		metric.WithDescription("Disconnects that triggered a reconnect"),
	); err != nil {
		return nil, err
	}

	if m.frames, err = meter.Int64Counter(
		"preview_frames_total",
		metric.WithDescription("Live view frames delivered"),
	); err != nil {
		return nil, err
	}

	if m.previewErrors, err = meter.Int64Counter(
		"preview_errors_total",
		metric.WithDescription("Transient live view failures"),
	); err != nil {
		return nil, err
	}

	if m.filesReceived, err = meter.Int64Counter(
		"files_received_total",
		metric.WithDescription("Files fetched from the camera"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *sessionMetrics) RecordJob(ctx context.Context, name string, outcome Outcome, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("job", name),
		attribute.String("outcome", outcome.String()),
	)
	m.jobs.Add(ctx, 1, attrs)
	if outcome != Discarded {
		m.jobDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *sessionMetrics) IncAcquireFailures(ctx context.Context) { m.acquireFailures.Add(ctx, 1) }

func (m *sessionMetrics) IncReconnects(ctx context.Context) { m.reconnects.Add(ctx, 1) }

func (m *sessionMetrics) IncFrames(ctx context.Context) { m.frames.Add(ctx, 1) }

func (m *sessionMetrics) IncPreviewErrors(ctx context.Context) { m.previewErrors.Add(ctx, 1) }

func (m *sessionMetrics) IncFilesReceived(ctx context.Context) { m.filesReceived.Add(ctx, 1) }

func noopMetrics() Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(err) // noop instruments never fail
	}
	return m
}

package scan

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
)

// ScanMetrics defines the metrics recorded by the orchestrator.
type ScanMetrics interface {
	IncScansStarted(ctx context.Context)
	IncScansCompleted(ctx context.Context)
	IncScansFailed(ctx context.Context, kind scan.ErrorKind)
	IncRecordsSkipped(ctx context.Context)
	ObserveScanDuration(ctx context.Context, duration time.Duration)
}

type scanMetrics struct {
	scansStarted   metric.Int64Counter
	scansCompleted metric.Int64Counter
	scansFailed    metric.Int64Counter
	recordsSkipped metric.Int64Counter
	scanDuration   metric.Float64Histogram
}

const namespace = "arachne_lens"

// NewScanMetrics registers the orchestrator instruments on mp.
func NewScanMetrics(mp metric.MeterProvider) (ScanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(scanMetrics)
	var err error

	if m.scansStarted, err = meter.Int64Counter(
		"scans_started_total",
		metric.WithDescription("Total number of scan sessions started"),
	); err != nil {
		return nil, err
	}

	if m.scansCompleted, err = meter.Int64Counter(
		"scans_completed_total",
		metric.WithDescription("Total number of scan sessions that completed with a result"),
	); err != nil {
		return nil, err
	}

	if m.scansFailed, err = meter.Int64Counter(
		"scans_failed_total",
		metric.WithDescription("Total number of scan sessions that failed, by error kind"),
	); err != nil {
		return nil, err
	}

	if m.recordsSkipped, err = meter.Int64Counter(
		"records_skipped_total",
		metric.WithDescription("Total number of stream lines that could not be parsed"),
	); err != nil {
		return nil, err
	}

	if m.scanDuration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Wall time from scan start to a terminal status"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func noopMetrics() ScanMetrics {
	m, _ := NewScanMetrics(noop.NewMeterProvider())
	return m
}

func (m *scanMetrics) IncScansStarted(ctx context.Context) {
	m.scansStarted.Add(ctx, 1)
}

func (m *scanMetrics) IncScansCompleted(ctx context.Context) {
	m.scansCompleted.Add(ctx, 1)
}

func (m *scanMetrics) IncScansFailed(ctx context.Context, kind scan.ErrorKind) {
	m.scansFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("error_kind", string(kind))))
}

func (m *scanMetrics) IncRecordsSkipped(ctx context.Context) {
	m.recordsSkipped.Add(ctx, 1)
}

func (m *scanMetrics) ObserveScanDuration(ctx context.Context, duration time.Duration) {
	m.scanDuration.Record(ctx, duration.Seconds())
}

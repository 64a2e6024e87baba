package application

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	scanapp "github.com/khanhnv2901/arachne-lens/internal/application/scan"
	"github.com/khanhnv2901/arachne-lens/internal/infrastructure/backend"
	"github.com/khanhnv2901/arachne-lens/internal/shared/telemetry"
)

// Container holds the scanning backend client and the orchestrator built on it.
// This is a simple dependency injection container
type Container struct {
	Backend *backend.Client
	Scans   *scanapp.Orchestrator
}

// NewContainer wires the backend client into a fresh orchestrator. A nil providers
// value disables tracing and metrics.
func NewContainer(cfg backend.Config, logger *zap.Logger, providers *telemetry.Providers) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := backend.NewClient(cfg, logger.Named("backend"))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	var (
		metrics scanapp.ScanMetrics
		tracer  trace.Tracer
	)
	if providers != nil {
		tracer = providers.Tracer("github.com/khanhnv2901/arachne-lens/scan")
		metrics, err = scanapp.NewScanMetrics(providers.MeterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create scan metrics: %w", err)
		}
	}

	return &Container{
		Backend: client,
		Scans:   scanapp.NewOrchestrator(client, logger.Named("scan"), tracer, metrics),
	}, nil
}

// Close stops any scan still running.
func (c *Container) Close() {
	c.Scans.Close()
}

// Package app assembles the emergency handler from configuration. Both the
// Lambda binary and autostopctl start here.
package app

import (
	"context"
	"fmt"

	"github.com/psantana5/autostop/internal/emergency"
	"github.com/psantana5/autostop/pkg/cloud"
	"github.com/psantana5/autostop/pkg/config"
	"github.com/psantana5/autostop/pkg/logging"
	"github.com/psantana5/autostop/pkg/metrics"
	"github.com/psantana5/autostop/pkg/ratelimit"
	"github.com/psantana5/autostop/pkg/tracing"
)

// ServiceName identifies this program in traces
const ServiceName = "autostop"

// Version is set at build time with -ldflags "-X ...app.Version=..."
var Version = "dev"

// App is a fully wired emergency handler and the infrastructure behind it
type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Recorder
	Tracer  *tracing.Provider
	Handler *emergency.Handler
}

// New builds the AWS clients and the handler for cfg. It is meant to run
// once per process, outside the per-invocation path.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.JSONLogs())
	}

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.ECSCluster,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		return nil, err
	}

	clients, err := cloud.NewClients(ctx, cfg.Region)
	if err != nil {
		tracer.Shutdown(ctx)
		return nil, err
	}

	recorder := metrics.NewRecorder()
	handler, err := emergency.New(cfg,
		cloud.NewCompute(clients.ECS, ratelimit.NewLimiter(cfg.ECSUpdateRPS, cfg.ECSUpdateBurst)),
		cloud.NewDatabase(clients.RDS),
		emergency.WithLogger(logger),
		emergency.WithMetrics(recorder),
		emergency.WithTracer(tracer),
	)
	if err != nil {
		tracer.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}

	logger.Info("Emergency handler initialized", map[string]interface{}{
		"ecs_cluster":     cfg.ECSCluster,
		"rds_instance":    cfg.RDSInstance,
		"tracing_enabled": cfg.TracingEnabled,
		"version":         Version,
	})

	return &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: recorder,
		Tracer:  tracer,
		Handler: handler,
	}, nil
}

// Close flushes and stops the tracer
func (a *App) Close(ctx context.Context) error {
	return a.Tracer.Shutdown(ctx)
}

// Package emergency implements the billing-alarm emergency stop: scale the
// ECS cluster to zero, stop the RDS instance and flag ElastiCache for an
// operator.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/autostop/pkg/alarm"
	"github.com/psantana5/autostop/pkg/cloud"
	"github.com/psantana5/autostop/pkg/config"
	"github.com/psantana5/autostop/pkg/logging"
	"github.com/psantana5/autostop/pkg/metrics"
	"github.com/psantana5/autostop/pkg/models"
	"github.com/psantana5/autostop/pkg/tracing"
)

// ComputeService enumerates and scales the services of a cluster
type ComputeService interface {
	ListServices(ctx context.Context, cluster string) ([]string, error)
	ScaleToZero(ctx context.Context, cluster, service string) error
}

// DatabaseService stops a database instance
type DatabaseService interface {
	StopInstance(ctx context.Context, instanceID string) (string, error)
}

// Handler runs one emergency stop per invocation. It holds no per-invocation
// state and may be shared between concurrent invocations.
type Handler struct {
	cfg      *config.Config
	compute  ComputeService
	database DatabaseService

	logger  *logging.Logger
	metrics *metrics.Recorder
	tracer  *tracing.Provider
	now     func() time.Time
}

// Option customises a Handler
type Option func(*Handler)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Recorder) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithTracer sets the tracing provider
func WithTracer(p *tracing.Provider) Option {
	return func(h *Handler) { h.tracer = p }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New validates cfg and builds a handler around the given services
func New(cfg *config.Config, compute ComputeService, database DatabaseService, opts ...Option) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if compute == nil || database == nil {
		return nil, errors.New("compute and database services are required")
	}

	h := &Handler{
		cfg:      cfg,
		compute:  compute,
		database: database,
		logger:   logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.JSONLogs()),
		metrics:  metrics.NewRecorder(),
		tracer:   tracing.Noop("autostop"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Metrics returns the recorder the handler reports to
func (h *Handler) Metrics() *metrics.Recorder {
	return h.metrics
}

// Handle runs the emergency stop for one SNS event. A malformed event aborts
// before any AWS call and yields a 500 response; failures talking to ECS or
// RDS are logged and recorded in the outcome but never abort the run.
// The returned error is always nil so the runtime does not retry the event.
func (h *Handler) Handle(ctx context.Context, event events.SNSEvent) (models.Response, error) {
	start := h.now()
	invocationID := invocationIDFrom(ctx)
	log := h.logger.WithField("invocation_id", invocationID)

	ctx, span := h.tracer.StartSpan(ctx, "emergency.Handle",
		attribute.String("invocation.id", invocationID),
		attribute.Int("sns.records", len(event.Records)),
	)
	defer func() {
		span.End()
		if err := h.tracer.ForceFlush(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to flush traces", map[string]interface{}{"error": err})
		}
	}()

	log.Info("Emergency stop triggered", map[string]interface{}{
		"started_at": start.UTC().Format(time.RFC3339Nano),
	})

	a, err := alarm.FromEvent(event)
	if err != nil {
		tracing.SetError(ctx, err)
		return h.fail(log, start, invocationID, err)
	}

	log = log.WithField("alarm_name", a.AlarmName)
	span.SetAttributes(attribute.String("alarm.name", a.AlarmName))
	log.Info("Alarm received", map[string]interface{}{
		"state":      a.NewStateValue,
		"reason":     a.NewStateReason,
		"region":     a.Region,
		"message_id": a.MessageID,
	})
	if !a.Firing() {
		log.Warn("Alarm is not in ALARM state, stopping anyway", map[string]interface{}{
			"state": a.NewStateValue,
		})
	}
	log.Info("Stopping services for cost control", map[string]interface{}{
		"ecs_cluster":  h.cfg.ECSCluster,
		"rds_instance": h.cfg.RDSInstance,
	})

	results := []models.ResourceResult{
		h.stopCompute(ctx, log),
		h.stopDatabase(ctx, log),
		h.flagCache(log),
	}

	partial := false
	for _, r := range results {
		if r.Failed() {
			partial = true
		}
	}

	outcome := models.Outcome{
		Status:               models.OutcomeSuccess,
		Message:              fmt.Sprintf("Emergency stop completed for %s", h.cfg.ECSCluster),
		Timestamp:            h.now(),
		InvocationID:         invocationID,
		AlarmName:            a.AlarmName,
		ServicesStopped:      []string{models.ResourceECS, models.ResourceRDS},
		ManualActionRequired: []string{models.ResourceElastiCache},
		PartialFailure:       partial,
		Results:              results,
	}

	if partial {
		log.Warn("Emergency stop completed with failures", map[string]interface{}{
			"duration_ms": outcome.Timestamp.Sub(start).Milliseconds(),
		})
	} else {
		log.Info("Emergency stop completed successfully", map[string]interface{}{
			"duration_ms": outcome.Timestamp.Sub(start).Milliseconds(),
		})
	}
	h.metrics.RecordInvocation(string(models.OutcomeSuccess), outcome.Timestamp.Sub(start))

	return models.NewResponse(http.StatusOK, outcome)
}

// fail converts a request-level error into a 500 response
func (h *Handler) fail(log *logging.Logger, start time.Time, invocationID string, cause error) (models.Response, error) {
	message := fmt.Sprintf("Emergency stop failed: %v", cause)
	log.Error(message, map[string]interface{}{
		"marker": "emergency_stop_failed",
		"error":  cause,
	})

	outcome := models.Outcome{
		Status:       models.OutcomeError,
		Message:      message,
		Timestamp:    h.now(),
		InvocationID: invocationID,
	}
	h.metrics.RecordInvocation(string(models.OutcomeError), outcome.Timestamp.Sub(start))

	return models.NewResponse(http.StatusInternalServerError, outcome)
}

// stopCompute scales every service in the cluster to zero. The step fails as
// a unit: the first error ends it and the remaining services are left alone.
func (h *Handler) stopCompute(ctx context.Context, log *logging.Logger) models.ResourceResult {
	cluster := h.cfg.ECSCluster
	result := models.ResourceResult{Resource: models.ResourceECS, Target: cluster}
	log = log.WithField("ecs_cluster", cluster)

	ctx, span := h.tracer.StartSpan(ctx, "emergency.StopCompute", attribute.String("ecs.cluster", cluster))
	defer span.End()

	services, err := h.compute.ListServices(ctx, cluster)
	if err == nil {
		log.Info("Found ECS services", map[string]interface{}{"count": len(services)})
		for _, service := range services {
			log.Info("Stopping ECS service", map[string]interface{}{"service": service})
			if err = h.compute.ScaleToZero(ctx, cluster, service); err != nil {
				break
			}
			result.Services = append(result.Services, service)
			h.metrics.RecordServiceScaled()
			tracing.AddEvent(ctx, "ecs.service_scaled", attribute.String("ecs.service", service))
		}
	}
	span.SetAttributes(attribute.Int("ecs.services_scaled", len(result.Services)))

	if err != nil {
		result.Status = models.ResourceFailed
		result.Detail = err.Error()
		result.ErrorCode = cloud.Classify(err)
		log.Error("Error stopping ECS services", map[string]interface{}{
			"error":           err,
			"error_code":      result.ErrorCode,
			"services_scaled": len(result.Services),
		})
		tracing.SetError(ctx, err)
	} else {
		result.Status = models.ResourceStopped
		result.Detail = fmt.Sprintf("%d services scaled to zero", len(result.Services))
	}

	h.metrics.RecordResource(result.Resource, string(result.Status))
	return result
}

// stopDatabase requests a stop of the RDS instance without waiting for it
func (h *Handler) stopDatabase(ctx context.Context, log *logging.Logger) models.ResourceResult {
	instance := h.cfg.RDSInstance
	result := models.ResourceResult{Resource: models.ResourceRDS, Target: instance}
	log = log.WithField("rds_instance", instance)

	ctx, span := h.tracer.StartSpan(ctx, "emergency.StopDatabase", attribute.String("rds.instance", instance))
	defer span.End()

	log.Info("Stopping RDS instance")
	status, err := h.database.StopInstance(ctx, instance)
	if err != nil {
		result.Status = models.ResourceFailed
		result.Detail = err.Error()
		result.ErrorCode = cloud.Classify(err)
		// Already stopped or missing instances land here as well
		log.Error("Error stopping RDS", map[string]interface{}{
			"error":      err,
			"error_code": result.ErrorCode,
		})
		tracing.SetError(ctx, err)
	} else {
		result.Status = models.ResourceStopped
		result.Detail = "stop requested"
		if status != "" {
			result.Detail = fmt.Sprintf("stop requested, instance is %s", status)
		}
	}

	h.metrics.RecordResource(result.Resource, string(result.Status))
	return result
}

// flagCache reports ElastiCache for manual action. ElastiCache clusters
// cannot be stopped, only deleted, so no call is ever made.
func (h *Handler) flagCache(log *logging.Logger) models.ResourceResult {
	log.Warn("ElastiCache cannot be auto-stopped. Manual intervention required.")
	h.metrics.RecordResource(models.ResourceElastiCache, string(models.ResourceManual))

	return models.ResourceResult{
		Resource: models.ResourceElastiCache,
		Status:   models.ResourceManual,
		Detail:   "ElastiCache does not support stop; delete or resize manually",
	}
}

// invocationIDFrom returns the Lambda request ID, or a fresh UUID when the
// handler runs outside Lambda
func invocationIDFrom(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return uuid.NewString()
}

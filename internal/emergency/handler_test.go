package emergency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/autostop/pkg/cloud"
	"github.com/psantana5/autostop/pkg/config"
	"github.com/psantana5/autostop/pkg/logging"
	"github.com/psantana5/autostop/pkg/models"
	"github.com/psantana5/autostop/pkg/tracing"
)

type fakeCompute struct {
	mu        sync.Mutex
	services  []string
	listErr   error
	failOn    string
	scaleErr  error
	listCalls int
	scaled    []string
}

func (f *fakeCompute) ListServices(ctx context.Context, cluster string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.services, nil
}

func (f *fakeCompute) ScaleToZero(ctx context.Context, cluster, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scaled = append(f.scaled, cluster+"/"+service)
	if service == f.failOn {
		return f.scaleErr
	}
	return nil
}

func (f *fakeCompute) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls + len(f.scaled)
}

type fakeDatabase struct {
	mu      sync.Mutex
	err     error
	stopped []string
}

func (f *fakeDatabase) StopInstance(ctx context.Context, instanceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, instanceID)
	if f.err != nil {
		return "", f.err
	}
	return "stopping", nil
}

func testConfig() *config.Config {
	return &config.Config{
		ECSCluster:     "prod-cluster",
		RDSInstance:    "prod-db",
		LogLevel:       "debug",
		LogFormat:      "json",
		ECSUpdateRPS:   5,
		ECSUpdateBurst: 5,
	}
}

func newTestHandler(t *testing.T, compute *fakeCompute, db *fakeDatabase, opts ...Option) (*Handler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.DEBUG, true)
	logger.SetOutput(&buf)

	h, err := New(testConfig(), compute, db, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return h, &buf
}

func eventFromJSON(t *testing.T, raw string) events.SNSEvent {
	t.Helper()
	var ev events.SNSEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return ev
}

const billingEvent = `{"Records":[{"Sns":{"Message":"{\"AlarmName\":\"BillingThreshold\"}"}}]}`

func decode(t *testing.T, resp models.Response) models.Outcome {
	t.Helper()
	outcome, err := resp.Outcome()
	require.NoError(t, err)
	return outcome
}

func TestHandleEndToEnd(t *testing.T) {
	compute := &fakeCompute{services: []string{"svc-a", "svc-b"}}
	db := &fakeDatabase{}
	h, _ := newTestHandler(t, compute, db)

	resp, err := h.Handle(context.Background(), eventFromJSON(t, billingEvent))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	outcome := decode(t, resp)
	assert.Equal(t, models.OutcomeSuccess, outcome.Status)
	assert.Equal(t, "Emergency stop completed for prod-cluster", outcome.Message)
	assert.Equal(t, []string{"ECS", "RDS"}, outcome.ServicesStopped)
	assert.Equal(t, []string{"ElastiCache"}, outcome.ManualActionRequired)
	assert.Equal(t, "BillingThreshold", outcome.AlarmName)
	assert.False(t, outcome.PartialFailure)

	assert.Equal(t, []string{"prod-cluster/svc-a", "prod-cluster/svc-b"}, compute.scaled)
	assert.Equal(t, []string{"prod-db"}, db.stopped)

	require.Len(t, outcome.Results, 3)
	assert.Equal(t, models.ResourceStopped, outcome.Results[0].Status)
	assert.Equal(t, []string{"svc-a", "svc-b"}, outcome.Results[0].Services)
	assert.Equal(t, models.ResourceStopped, outcome.Results[1].Status)
	assert.Equal(t, models.ResourceManual, outcome.Results[2].Status)
}

func TestHandleEmptyRecords(t *testing.T) {
	compute := &fakeCompute{services: []string{"svc-a"}}
	db := &fakeDatabase{}
	h, logs := newTestHandler(t, compute, db)

	resp, err := h.Handle(context.Background(), eventFromJSON(t, `{"Records":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)

	outcome := decode(t, resp)
	assert.Equal(t, models.OutcomeError, outcome.Status)
	assert.True(t, strings.HasPrefix(outcome.Message, "Emergency stop failed: "))
	assert.Empty(t, outcome.ServicesStopped)
	assert.Empty(t, outcome.ManualActionRequired)
	assert.Contains(t, logs.String(), "emergency_stop_failed")
}

func TestHandleMalformedEventsMakeNoCalls(t *testing.T) {
	tests := []struct {
		name  string
		event string
	}{
		{"no records", `{"Records":[]}`},
		{"records missing", `{}`},
		{"message not json", `{"Records":[{"Sns":{"Message":"billing alarm fired"}}]}`},
		{"message empty", `{"Records":[{"Sns":{"Message":""}}]}`},
		{"message array", `{"Records":[{"Sns":{"Message":"[1,2]"}}]}`},
		{"alarm name missing", `{"Records":[{"Sns":{"Message":"{\"NewStateValue\":\"ALARM\"}"}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compute := &fakeCompute{services: []string{"svc-a"}}
			db := &fakeDatabase{}
			h, _ := newTestHandler(t, compute, db)

			resp, err := h.Handle(context.Background(), eventFromJSON(t, tt.event))
			require.NoError(t, err)
			assert.Equal(t, 500, resp.StatusCode)
			assert.Equal(t, models.OutcomeError, decode(t, resp).Status)
			assert.Zero(t, compute.calls(), "no ECS call expected")
			assert.Empty(t, db.stopped, "no RDS call expected")
		})
	}
}

func TestHandleScalesEveryService(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		t.Run(fmt.Sprintf("%d services", n), func(t *testing.T) {
			services := make([]string, n)
			for i := range services {
				services[i] = fmt.Sprintf("svc-%d", i)
			}
			compute := &fakeCompute{services: services}
			h, _ := newTestHandler(t, compute, &fakeDatabase{})

			resp, err := h.Handle(context.Background(), eventFromJSON(t, billingEvent))
			require.NoError(t, err)
			assert.Equal(t, 200, resp.StatusCode)
			assert.Len(t, compute.scaled, n)
			for i, s := range compute.scaled {
				assert.Equal(t, "prod-cluster/"+services[i], s)
			}
		})
	}
}

func TestHandleListErrorStillStopsDatabase(t *testing.T) {
	compute := &fakeCompute{listErr: errors.New("AccessDeniedException: not authorized")}
	db := &fakeDatabase{}
	h, logs := newTestHandler(t, compute, db)

	resp, err := h.Handle(context.Background(), eventFromJSON(t, billingEvent))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"prod-db"}, db.stopped)

	outcome := decode(t, resp)
	assert.Equal(t, models.OutcomeSuccess, outcome.Status)
	assert.Contains(t, outcome.ServicesStopped, "ECS")
	assert.True(t, outcome.PartialFailure)
	assert.Equal(t, models.ResourceFailed, outcome.Results[0].Status)
	assert.Equal(t, models.ResourceStopped, outcome.Results[1].Status)
	assert.Contains(t, logs.String(), "Error stopping ECS services")
}

func TestHandleScaleErrorEndsComputeStep(t *testing.T) {
	compute := &fakeCompute{
		services: []string{"svc-a", "svc-b", "svc-c"},
		failOn:   "svc-b",
		scaleErr: errors.New("ServiceNotActiveException"),
	}
	db := &fakeDatabase{}
	h, _ := newTestHandler(t, compute, db)

	resp, err := h.Handle(context.Background(), eventFromJSON(t, billingEvent))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// svc-c is never attempted once svc-b fails
	assert.Equal(t, []string{"prod-cluster/svc-a", "prod-cluster/svc-b"}, compute.scaled)
	assert.Equal(t, []string{"prod-db"}, db.stopped)

	outcome := decode(t, resp)
	assert.Equal(t, []string{"svc-a"}, outcome.Results[0].Services)
	assert.Equal(t, models.ResourceFailed, outcome.Results[0].Status)
}

func TestHandleDatabaseAlreadyStopped(t *testing.T) {
	compute := &fakeCompute{services: []string{"svc-a"}}
	db := &fakeDatabase{err: fmt.Errorf("failed to stop RDS instance prod-db: %w", &rdstypes.InvalidDBInstanceStateFault{})}
	h, _ := newTestHandler(t, compute, db)

	resp, err := h.Handle(context.Background(), eventFromJSON(t, billingEvent))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	outcome := decode(t, resp)
	assert.Equal(t, models.OutcomeSuccess, outcome.Status)
	assert.Contains(t, outcome.ServicesStopped, "RDS")
	assert.True(t, outcome.PartialFailure)
	assert.Equal(t, models.ResourceFailed, outcome.Results[1].Status)
	assert.Equal(t, cloud.CodeAlreadyStopped, outcome.Results[1].ErrorCode)
}

func TestHandleCacheAlwaysManual(t *testing.T) {
	scenarios := []struct {
		name    string
		compute *fakeCompute
		db      *fakeDatabase
	}{
		{"all ok", &fakeCompute{services: []string{"a"}}, &fakeDatabase{}},
		{"ecs down", &fakeCompute{listErr: errors.New("boom")}, &fakeDatabase{}},
		{"rds down", &fakeCompute{}, &fakeDatabase{err: errors.New("boom")}},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			h, _ := newTestHandler(t, sc.compute, sc.db)
			resp, err := h.Handle(context.Background(), eventFromJSON(t, billingEvent))
			require.NoError(t, err)
			require.Equal(t, 200, resp.StatusCode)

			outcome := decode(t, resp)
			assert.Equal(t, []string{"ElastiCache"}, outcome.ManualActionRequired)
			assert.Equal(t, models.ResourceManual, outcome.Results[2].Status)
		})
	}
}

func TestHandleTimestampIsCompletionTime(t *testing.T) {
	base := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, raw := range []string{billingEvent, `{"Records":[]}`} {
		tick = 0
		h, _ := newTestHandler(t, &fakeCompute{services: []string{"svc-a"}}, &fakeDatabase{}, WithClock(clock))

		resp, err := h.Handle(context.Background(), eventFromJSON(t, raw))
		require.NoError(t, err)

		outcome := decode(t, resp)
		start := base.Add(time.Second)
		assert.True(t, outcome.Timestamp.After(start), "timestamp %v must follow start %v", outcome.Timestamp, start)
	}
}

func TestHandleUsesLambdaRequestID(t *testing.T) {
	h, logs := newTestHandler(t, &fakeCompute{}, &fakeDatabase{})

	ctx := lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{AwsRequestID: "req-123"})
	resp, err := h.Handle(ctx, eventFromJSON(t, billingEvent))
	require.NoError(t, err)

	assert.Equal(t, "req-123", decode(t, resp).InvocationID)
	assert.Contains(t, logs.String(), `"invocation_id":"req-123"`)
}

func TestHandleGeneratesInvocationID(t *testing.T) {
	h, _ := newTestHandler(t, &fakeCompute{}, &fakeDatabase{})

	first, err := h.Handle(context.Background(), eventFromJSON(t, billingEvent))
	require.NoError(t, err)
	second, err := h.Handle(context.Background(), eventFromJSON(t, billingEvent))
	require.NoError(t, err)

	assert.NotEmpty(t, decode(t, first).InvocationID)
	assert.NotEqual(t, decode(t, first).InvocationID, decode(t, second).InvocationID)
}

func TestHandleRecordsMetrics(t *testing.T) {
	compute := &fakeCompute{services: []string{"svc-a", "svc-b"}}
	h, _ := newTestHandler(t, compute, &fakeDatabase{err: errors.New("boom")})

	_, err := h.Handle(context.Background(), eventFromJSON(t, billingEvent))
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), eventFromJSON(t, `{"Records":[]}`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, h.Metrics().WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, `autostop_invocations_total{status="success"} 1`)
	assert.Contains(t, out, `autostop_invocations_total{status="error"} 1`)
	assert.Contains(t, out, `autostop_resource_actions_total{resource="RDS",result="failed"} 1`)
	assert.Contains(t, out, "autostop_services_scaled_total 2")
	assert.Equal(t, 1, mustGatherAndCount(t, h))
}

func TestHandleTracesSteps(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	h, _ := newTestHandler(t, &fakeCompute{listErr: errors.New("boom")}, &fakeDatabase{},
		WithTracer(tracing.NewWithTracerProvider(tp, "autostop-test")))

	_, err := h.Handle(context.Background(), eventFromJSON(t, billingEvent))
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, s := range exporter.GetSpans() {
		names[s.Name] = true
	}
	assert.True(t, names["emergency.Handle"])
	assert.True(t, names["emergency.StopCompute"])
	assert.True(t, names["emergency.StopDatabase"])
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, &fakeCompute{}, &fakeDatabase{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.RDSInstance = ""
	_, err = New(cfg, &fakeCompute{}, &fakeDatabase{})
	assert.ErrorContains(t, err, "RDS_INSTANCE")

	_, err = New(testConfig(), nil, &fakeDatabase{})
	assert.Error(t, err)
}

func mustGatherAndCount(t *testing.T, h *Handler) int {
	t.Helper()
	n, err := testutil.GatherAndCount(h.Metrics().Registry(), "autostop_services_scaled_total")
	require.NoError(t, err)
	return n
}

package tracing

import (
	"net/http"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// snsMessageTypeHeader is set by SNS on every HTTP(S) delivery
const snsMessageTypeHeader = "x-amz-sns-message-type"

// HTTPMiddleware starts a server span per request. Spans are named after the
// mux route template so that query tokens never end up in span names.
// Requests rejected with 401, 403 or 429 get a "request.rejected" event;
// only 5xx marks the span as failed.
func HTTPMiddleware(provider *Provider) func(http.Handler) http.Handler {
	tracer := provider.Tracer()
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeName(r)
			attrs := []attribute.KeyValue{
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("http.remote_addr", r.RemoteAddr),
			}
			if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
				attrs = append(attrs, attribute.String("request.id", lc.AwsRequestID))
			}
			if t := r.Header.Get(snsMessageTypeHeader); t != "" {
				attrs = append(attrs, attribute.String("sns.message_type", t))
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			propagator.Inject(ctx, propagation.HeaderCarrier(rec.Header()))
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			switch {
			case rec.status >= 500:
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			case rec.status == http.StatusUnauthorized, rec.status == http.StatusForbidden, rec.status == http.StatusTooManyRequests:
				span.AddEvent("request.rejected", trace.WithAttributes(attribute.Int("http.status_code", rec.status)))
			}
		})
	}
}

// routeName prefers the matched route template over the raw path
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

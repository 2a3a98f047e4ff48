package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gorilla/mux"

	"github.com/psantana5/autostop/pkg/auth"
	"github.com/psantana5/autostop/pkg/logging"
	"github.com/psantana5/autostop/pkg/models"
)

// maxBodyBytes bounds request bodies. SNS messages are at most 256 KiB.
const maxBodyBytes = 1 << 20

// invokeTimeout bounds a stop that has outlived its HTTP request. It matches
// the server's write timeout.
const invokeTimeout = 5 * time.Minute

// Invoker runs the emergency stop for one SNS event
type Invoker interface {
	Handle(ctx context.Context, event events.SNSEvent) (models.Response, error)
}

// EmergencyHandler exposes an Invoker over HTTP
type EmergencyHandler struct {
	invoker   Invoker
	logger    *logging.Logger
	client    *http.Client
	verifier  *Verifier
	metrics   http.Handler
	clientKey func(*http.Request) string
	token     string
	topics    map[string]bool
}

// Option customises an EmergencyHandler
type Option func(*EmergencyHandler)

// WithToken requires token on the POST routes
func WithToken(token string) Option {
	return func(h *EmergencyHandler) { h.token = token }
}

// WithVerifier replaces the default SNS signature verifier
func WithVerifier(v *Verifier) Option {
	return func(h *EmergencyHandler) { h.verifier = v }
}

// WithClientKey sets how NewRouter identifies clients for rate limiting
func WithClientKey(fn func(*http.Request) string) Option {
	return func(h *EmergencyHandler) { h.clientKey = fn }
}

// WithTopics restricts /sns to the given topic ARNs
func WithTopics(arns []string) Option {
	return func(h *EmergencyHandler) {
		if len(arns) == 0 {
			return
		}
		h.topics = make(map[string]bool, len(arns))
		for _, arn := range arns {
			h.topics[arn] = true
		}
	}
}

// WithMetricsHandler serves metrics on GET /metrics
func WithMetricsHandler(m http.Handler) Option {
	return func(h *EmergencyHandler) { h.metrics = m }
}

// WithHTTPClient sets the client used to confirm subscriptions
func WithHTTPClient(c *http.Client) Option {
	return func(h *EmergencyHandler) { h.client = c }
}

// NewEmergencyHandler creates a new handler
func NewEmergencyHandler(invoker Invoker, logger *logging.Logger, opts ...Option) *EmergencyHandler {
	h := &EmergencyHandler{
		invoker: invoker,
		logger:  logger,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.verifier == nil {
		h.verifier = NewVerifier(h.client, nil)
	}
	return h
}

// RegisterRoutes registers all API routes
func (h *EmergencyHandler) RegisterRoutes(r *mux.Router) {
	r.Handle("/sns", auth.Middleware(h.token, auth.QueryToken)(http.HandlerFunc(h.ReceiveSNS))).Methods("POST")
	r.Handle("/invoke", auth.Middleware(h.token, auth.BearerToken)(http.HandlerFunc(h.Invoke))).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}
}

// ReceiveSNS handles an SNS HTTP(S) delivery
func (h *EmergencyHandler) ReceiveSNS(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("Invalid SNS message: %v", err), http.StatusBadRequest)
		return
	}
	if header := r.Header.Get(HeaderMessageType); header != "" && header != msg.Type {
		http.Error(w, fmt.Sprintf("Message type header %q does not match body type %q", header, msg.Type), http.StatusBadRequest)
		return
	}
	switch msg.Type {
	case TypeNotification, TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
	default:
		http.Error(w, fmt.Sprintf("Unsupported SNS message type %q", msg.Type), http.StatusBadRequest)
		return
	}

	// TopicArn is only trustworthy once the signature checks out
	if err := h.verifier.Verify(r.Context(), &msg); err != nil {
		h.logger.Warn("Rejected SNS message with invalid signature", map[string]interface{}{
			"topic_arn":        msg.TopicArn,
			"message_id":       msg.MessageID,
			"signing_cert_url": msg.SigningCertURL,
			"error":            err,
		})
		status := http.StatusForbidden
		if !errors.Is(err, ErrInvalidSignature) && !errors.Is(err, ErrUntrustedCertURL) {
			status = http.StatusBadGateway
		}
		http.Error(w, "Signature verification failed", status)
		return
	}

	if h.topics != nil && !h.topics[msg.TopicArn] {
		h.logger.Warn("Rejected SNS message from unexpected topic", map[string]interface{}{
			"topic_arn":  msg.TopicArn,
			"message_id": msg.MessageID,
		})
		http.Error(w, "Topic not allowed", http.StatusForbidden)
		return
	}

	log := h.logger.WithFields(map[string]interface{}{
		"topic_arn":  msg.TopicArn,
		"message_id": msg.MessageID,
		"type":       msg.Type,
	})

	switch msg.Type {
	case TypeNotification:
		h.invoke(w, r, msg.Event(r.Header.Get(HeaderSubscriptionArn)))

	case TypeSubscriptionConfirmation:
		if err := ConfirmSubscription(r.Context(), h.client, &msg); err != nil {
			log.Error("Failed to confirm SNS subscription", map[string]interface{}{"error": err})
			status := http.StatusBadGateway
			if errors.Is(err, ErrUntrustedSubscribeURL) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		log.Info("Confirmed SNS subscription")
		writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed", "topic_arn": msg.TopicArn})

	case TypeUnsubscribeConfirmation:
		log.Warn("SNS subscription removed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed", "topic_arn": msg.TopicArn})
	}
}

// Invoke runs the emergency stop for a raw SNS event in the Lambda format
func (h *EmergencyHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	var event events.SNSEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&event); err != nil {
		http.Error(w, fmt.Sprintf("Invalid SNS event: %v", err), http.StatusBadRequest)
		return
	}
	h.invoke(w, r, event)
}

// Health reports liveness
func (h *EmergencyHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// invoke hands event to the invoker and writes its response back verbatim.
// The stop runs to completion even if the caller hangs up.
func (h *EmergencyHandler) invoke(w http.ResponseWriter, r *http.Request, event events.SNSEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), invokeTimeout)
	defer cancel()

	resp, err := h.invoker.Handle(ctx, event)
	if err != nil {
		h.logger.Error("Invocation failed", map[string]interface{}{"error": err})
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write([]byte(resp.Body))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

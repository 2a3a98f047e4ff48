package models

import (
	"encoding/json"
	"time"
)

// Resource classes the emergency stop knows about
const (
	ResourceECS         = "ECS"
	ResourceRDS         = "RDS"
	ResourceElastiCache = "ElastiCache"
)

// OutcomeStatus is the top-level status of an emergency stop run
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeError   OutcomeStatus = "error"
)

// ResourceStatus is the result of acting on one resource class
type ResourceStatus string

const (
	ResourceStopped ResourceStatus = "stopped"
	ResourceFailed  ResourceStatus = "failed"
	ResourceManual  ResourceStatus = "manual"
)

// ResourceResult describes what happened to one resource class during a run
type ResourceResult struct {
	Resource  string         `json:"resource" yaml:"resource"`
	Target    string         `json:"target,omitempty" yaml:"target,omitempty"`
	Status    ResourceStatus `json:"status" yaml:"status"`
	Detail    string         `json:"detail,omitempty" yaml:"detail,omitempty"`
	ErrorCode string         `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	Services  []string       `json:"services,omitempty" yaml:"services,omitempty"` // ECS services scaled to zero
}

// Failed reports whether the resource class was attempted and did not succeed
func (r ResourceResult) Failed() bool {
	return r.Status == ResourceFailed
}

// Outcome is the record returned to the caller after an emergency stop run.
// Service-level fields are only populated on success.
type Outcome struct {
	Status               OutcomeStatus    `json:"status" yaml:"status"`
	Message              string           `json:"message" yaml:"message"`
	Timestamp            time.Time        `json:"timestamp" yaml:"timestamp"`
	InvocationID         string           `json:"invocation_id,omitempty" yaml:"invocation_id,omitempty"`
	AlarmName            string           `json:"alarm_name,omitempty" yaml:"alarm_name,omitempty"`
	ServicesStopped      []string         `json:"services_stopped,omitempty" yaml:"services_stopped,omitempty"`
	ManualActionRequired []string         `json:"manual_action_required,omitempty" yaml:"manual_action_required,omitempty"`
	PartialFailure       bool             `json:"partial_failure,omitempty" yaml:"partial_failure,omitempty"`
	Results              []ResourceResult `json:"results,omitempty" yaml:"results,omitempty"`
}

// Response is the envelope handed back to the invoking runtime
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// NewResponse encodes the outcome into a response envelope
func NewResponse(statusCode int, outcome Outcome) (Response, error) {
	body, err := json.Marshal(outcome)
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: statusCode, Body: string(body)}, nil
}

// Outcome decodes the response body back into an outcome record
func (r Response) Outcome() (Outcome, error) {
	var o Outcome
	err := json.Unmarshal([]byte(r.Body), &o)
	return o, err
}

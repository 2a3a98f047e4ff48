// Package cloud wraps the AWS control-plane calls the emergency stop makes.
package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/smithy-go"
)

// Error classes reported alongside failed actions
const (
	CodeAlreadyStopped = "already_stopped"
	CodeNotFound       = "not_found"
	CodeTimeout        = "timeout"
	CodeCancelled      = "cancelled"
)

// Clients bundles the SDK clients built from one AWS config
type Clients struct {
	ECS *ecs.Client
	RDS *rds.Client
}

// NewClients loads the default AWS config (environment, shared files, or the
// Lambda execution role) and builds the ECS and RDS clients. An empty region
// defers to the SDK's own resolution.
func NewClients(ctx context.Context, region string) (*Clients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return FromConfig(cfg), nil
}

// FromConfig builds the clients from an already loaded AWS config
func FromConfig(cfg aws.Config) *Clients {
	return &Clients{
		ECS: ecs.NewFromConfig(cfg),
		RDS: rds.NewFromConfig(cfg),
	}
}

// Classify maps an AWS error to a short code for logs and results.
// Unknown API errors keep their service error code; non-API errors map to "".
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var invalidState *rdstypes.InvalidDBInstanceStateFault
	if errors.As(err, &invalidState) {
		return CodeAlreadyStopped
	}
	var notFound *rdstypes.DBInstanceNotFoundFault
	if errors.As(err, &notFound) {
		return CodeNotFound
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

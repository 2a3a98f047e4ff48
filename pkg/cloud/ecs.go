package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/psantana5/autostop/pkg/ratelimit"
)

// ECSAPI is the subset of the ECS client used here
type ECSAPI interface {
	ecs.ListServicesAPIClient
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

const updateServiceKey = "ecs:UpdateService"

// Compute scales ECS services
type Compute struct {
	api     ECSAPI
	limiter *ratelimit.Limiter
}

// NewCompute creates a Compute. A nil limiter disables pacing.
func NewCompute(api ECSAPI, limiter *ratelimit.Limiter) *Compute {
	return &Compute{api: api, limiter: limiter}
}

// ListServices returns the names of every service registered in cluster,
// following pagination
func (c *Compute) ListServices(ctx context.Context, cluster string) ([]string, error) {
	paginator := ecs.NewListServicesPaginator(c.api, &ecs.ListServicesInput{
		Cluster: aws.String(cluster),
	})

	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return names, fmt.Errorf("failed to list services in cluster %s: %w", cluster, err)
		}
		for _, arn := range page.ServiceArns {
			names = append(names, ServiceName(arn))
		}
	}
	return names, nil
}

// ScaleToZero sets the desired count of service to 0. The service keeps its
// definition, so it can be scaled back up later.
func (c *Compute) ScaleToZero(ctx context.Context, cluster, service string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, updateServiceKey); err != nil {
			return fmt.Errorf("rate limiter wait for service %s: %w", service, err)
		}
	}

	_, err := c.api.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(cluster),
		Service:      aws.String(service),
		DesiredCount: aws.Int32(0),
	})
	if err != nil {
		return fmt.Errorf("failed to scale service %s to zero: %w", service, err)
	}
	return nil
}

// ServiceName returns the last path segment of a service ARN.
// Both arn:aws:ecs:region:acct:service/name and the newer
// arn:aws:ecs:region:acct:service/cluster/name forms are handled.
func ServiceName(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

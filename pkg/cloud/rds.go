package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
)

// RDSAPI is the subset of the RDS client used here
type RDSAPI interface {
	StopDBInstance(ctx context.Context, params *rds.StopDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StopDBInstanceOutput, error)
}

// Database stops RDS instances
type Database struct {
	api RDSAPI
}

// NewDatabase creates a Database
func NewDatabase(api RDSAPI) *Database {
	return &Database{api: api}
}

// StopInstance requests a stop of the instance and returns the status RDS
// reported in its response (normally "stopping"). It does not wait for the
// instance to reach "stopped".
func (d *Database) StopInstance(ctx context.Context, instanceID string) (string, error) {
	out, err := d.api.StopDBInstance(ctx, &rds.StopDBInstanceInput{
		DBInstanceIdentifier: aws.String(instanceID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to stop RDS instance %s: %w", instanceID, err)
	}

	if out != nil && out.DBInstance != nil {
		return aws.ToString(out.DBInstance.DBInstanceStatus), nil
	}
	return "", nil
}

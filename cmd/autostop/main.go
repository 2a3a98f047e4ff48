// Command autostop is the Lambda entry point. Subscribe the function to the
// SNS topic the billing alarm publishes to.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/psantana5/autostop/internal/app"
	"github.com/psantana5/autostop/pkg/config"
	"github.com/psantana5/autostop/pkg/logging"
)

func main() {
	logger := logging.NewLogger(logging.INFO, true)

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err})
	}
	logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.JSONLogs())

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", map[string]interface{}{"error": err})
	}

	lambda.Start(a.Handler.Handle)
}

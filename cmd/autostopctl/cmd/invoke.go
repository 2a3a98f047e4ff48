package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/spf13/cobra"

	"github.com/psantana5/autostop/internal/app"
	"github.com/psantana5/autostop/pkg/logging"
)

var (
	invokeEventFile   string
	invokeShowMetrics bool
)

var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Run the emergency stop once against real AWS",
	Long: `Reads an SNS event (as delivered to Lambda) and runs the emergency stop for
it: every service in ECS_CLUSTER is scaled to zero and RDS_INSTANCE is stopped.
This acts on real resources with the credentials of the current environment.`,
	Example: `  autostopctl event --alarm billing-over-100 | autostopctl invoke --event -`,
	RunE:    runInvoke,
}

func init() {
	rootCmd.AddCommand(invokeCmd)

	invokeCmd.Flags().StringVarP(&invokeEventFile, "event", "e", "", "SNS event JSON file, or - for stdin (required)")
	invokeCmd.Flags().BoolVar(&invokeShowMetrics, "metrics", false, "print the invocation metrics after the outcome")
	invokeCmd.MarkFlagRequired("event")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	// Checked up front: the stop cannot be undone once it has run
	if err := checkOutputFormat(outputFormat); err != nil {
		return err
	}

	event, err := readEvent(cmd.InOrStdin(), invokeEventFile)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Logs go to stderr so stdout carries only the outcome
	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.JSONLogs())
	logger.SetOutput(cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(shutdownCtx)
	}()

	resp, err := a.Handler.Handle(ctx, event)
	if err != nil {
		return err
	}
	outcome, err := resp.Outcome()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := renderOutcome(out, outputFormat, outcome); err != nil {
		return err
	}
	if invokeShowMetrics {
		fmt.Fprintln(out)
		if err := a.Metrics.WriteText(out); err != nil {
			return err
		}
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("emergency stop failed with status %d", resp.StatusCode)
	}
	return nil
}

// readEvent decodes an SNS event from path, or from stdin when path is "-"
func readEvent(stdin io.Reader, path string) (events.SNSEvent, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return events.SNSEvent{}, fmt.Errorf("failed to open event file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var event events.SNSEvent
	if err := json.NewDecoder(r).Decode(&event); err != nil {
		return events.SNSEvent{}, fmt.Errorf("failed to parse SNS event: %w", err)
	}
	return event, nil
}

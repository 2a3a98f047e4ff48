package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	eventAlarmName string
	eventRegion    string
	eventAccountID string
	eventTopic     string
	eventState     string
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Print a sample SNS event carrying a CloudWatch alarm",
	Long: `Generates the SNS event Lambda would receive when the billing alarm fires.
Pipe it into "autostopctl invoke --event -" or POST it to /invoke.`,
	RunE: runEvent,
}

func init() {
	rootCmd.AddCommand(eventCmd)

	eventCmd.Flags().StringVar(&eventAlarmName, "alarm", "billing-alarm", "alarm name")
	eventCmd.Flags().StringVar(&eventRegion, "region", "us-east-1", "region reported by the alarm")
	eventCmd.Flags().StringVar(&eventAccountID, "account", "123456789012", "AWS account ID")
	eventCmd.Flags().StringVar(&eventTopic, "topic", "billing-alarm", "SNS topic name")
	eventCmd.Flags().StringVar(&eventState, "state", string(cwtypes.StateValueAlarm), "new alarm state: ALARM, OK or INSUFFICIENT_DATA")
}

func runEvent(cmd *cobra.Command, args []string) error {
	event, err := sampleEvent(sampleEventParams{
		AlarmName: eventAlarmName,
		Region:    eventRegion,
		AccountID: eventAccountID,
		Topic:     eventTopic,
		State:     cwtypes.StateValue(eventState),
	}, time.Now().UTC())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(event)
}

type sampleEventParams struct {
	AlarmName string
	Region    string
	AccountID string
	Topic     string
	State     cwtypes.StateValue
}

// sampleEvent builds a one-record SNS event whose message is a CloudWatch
// alarm state change
func sampleEvent(p sampleEventParams, now time.Time) (events.SNSEvent, error) {
	valid := false
	for _, s := range p.State.Values() {
		if s == p.State {
			valid = true
		}
	}
	if !valid {
		return events.SNSEvent{}, fmt.Errorf("invalid alarm state %q", p.State)
	}

	payload := events.CloudWatchAlarmSNSPayload{
		AlarmName:        p.AlarmName,
		AlarmDescription: "Estimated charges exceeded the monthly budget",
		AWSAccountID:     p.AccountID,
		NewStateValue:    string(p.State),
		NewStateReason:   "Threshold Crossed: 1 datapoint [112.5 (" + now.Format("02/01/06 15:04:05") + ")] was greater than the threshold (100.0).",
		StateChangeTime:  now.Format("2006-01-02T15:04:05.000-0700"),
		Region:           p.Region,
		AlarmARN:         fmt.Sprintf("arn:aws:cloudwatch:%s:%s:alarm:%s", p.Region, p.AccountID, p.AlarmName),
		OldStateValue:    string(cwtypes.StateValueOk),
		Trigger: events.CloudWatchAlarmTrigger{
			MetricName:         "EstimatedCharges",
			Namespace:          "AWS/Billing",
			Statistic:          "MAXIMUM",
			Period:             21600,
			EvaluationPeriods:  1,
			ComparisonOperator: "GreaterThanThreshold",
			Threshold:          100,
			TreatMissingData:   "missing",
			Dimensions:         []events.CloudWatchDimension{{Name: "Currency", Value: "USD"}},
		},
	}
	message, err := json.Marshal(payload)
	if err != nil {
		return events.SNSEvent{}, fmt.Errorf("failed to encode alarm: %w", err)
	}

	topicArn := fmt.Sprintf("arn:aws:sns:%s:%s:%s", p.Region, p.AccountID, p.Topic)
	return events.SNSEvent{
		Records: []events.SNSEventRecord{{
			EventVersion:         "1.0",
			EventSource:          "aws:sns",
			EventSubscriptionArn: topicArn + ":" + uuid.NewString(),
			SNS: events.SNSEntity{
				Type:             "Notification",
				MessageID:        uuid.NewString(),
				TopicArn:         topicArn,
				Subject:          fmt.Sprintf("%s: %q in %s", p.State, p.AlarmName, p.Region),
				Message:          string(message),
				Timestamp:        now,
				SignatureVersion: "1",
			},
		}},
	}, nil
}

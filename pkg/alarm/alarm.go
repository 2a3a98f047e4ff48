// Package alarm extracts the CloudWatch alarm carried inside an SNS event.
package alarm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	// ErrNoRecords is returned when the event carries no SNS record
	ErrNoRecords = errors.New("event has no records")
	// ErrMalformedMessage is returned when the SNS message is not a JSON object
	ErrMalformedMessage = errors.New("sns message is not a valid alarm payload")
	// ErrMissingAlarmName is returned when the decoded message has no AlarmName
	ErrMissingAlarmName = errors.New("alarm payload has no AlarmName")
)

// Alarm is the CloudWatch alarm notification published to SNS
type Alarm struct {
	events.CloudWatchAlarmSNSPayload

	// MessageID and TopicArn come from the SNS envelope, not the alarm itself
	MessageID string `json:"-"`
	TopicArn  string `json:"-"`
}

// State returns the new alarm state as a CloudWatch state value
func (a *Alarm) State() cwtypes.StateValue {
	return cwtypes.StateValue(a.NewStateValue)
}

// Firing reports whether the alarm transitioned into ALARM
func (a *Alarm) Firing() bool {
	return a.State() == cwtypes.StateValueAlarm
}

// FromEvent parses the alarm from the first record of the event.
// Only the first record is consumed; any further records are ignored.
func FromEvent(event events.SNSEvent) (*Alarm, error) {
	if len(event.Records) == 0 {
		return nil, ErrNoRecords
	}

	record := event.Records[0]
	a, err := Parse(record.SNS.Message)
	if err != nil {
		return nil, err
	}

	a.MessageID = record.SNS.MessageID
	a.TopicArn = record.SNS.TopicArn
	return a, nil
}

// Parse decodes an SNS message body into an alarm.
// The body must be a JSON object with a string AlarmName key.
func Parse(message string) (*Alarm, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(message), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: message is null", ErrMalformedMessage)
	}

	rawName, ok := fields["AlarmName"]
	if !ok {
		return nil, ErrMissingAlarmName
	}

	var name *string
	if err := json.Unmarshal(rawName, &name); err != nil || name == nil {
		return nil, fmt.Errorf("%w: AlarmName is not a string", ErrMalformedMessage)
	}

	a := &Alarm{}
	if err := json.Unmarshal([]byte(message), &a.CloudWatchAlarmSNSPayload); err != nil {
		// Optional fields with unexpected types do not invalidate the alarm
		a.CloudWatchAlarmSNSPayload = events.CloudWatchAlarmSNSPayload{}
	}
	a.AlarmName = *name

	return a, nil
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

// SNS HTTP(S) delivery types
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// Headers SNS sets on every HTTP(S) delivery
const (
	HeaderMessageType     = "x-amz-sns-message-type"
	HeaderSubscriptionArn = "x-amz-sns-subscription-arn"
)

// ErrUntrustedSubscribeURL is returned for SubscribeURLs that do not point at SNS
var ErrUntrustedSubscribeURL = errors.New("subscribe URL is not an SNS endpoint")

// Message is the JSON document SNS posts to an HTTP(S) subscriber. Its keys
// differ from the Lambda record (SigningCertURL vs SigningCertUrl), hence a
// separate type.
type Message struct {
	Type              string                 `json:"Type"`
	MessageID         string                 `json:"MessageId"`
	Token             string                 `json:"Token,omitempty"`
	TopicArn          string                 `json:"TopicArn"`
	Subject           string                 `json:"Subject,omitempty"`
	Message           string                 `json:"Message"`
	Timestamp         string                 `json:"Timestamp"`
	SignatureVersion  string                 `json:"SignatureVersion"`
	Signature         string                 `json:"Signature"`
	SigningCertURL    string                 `json:"SigningCertURL"`
	SubscribeURL      string                 `json:"SubscribeURL,omitempty"`
	UnsubscribeURL    string                 `json:"UnsubscribeURL,omitempty"`
	MessageAttributes map[string]interface{} `json:"MessageAttributes,omitempty"`
}

// Event wraps a notification into the one-record event Lambda would deliver
func (m *Message) Event(subscriptionArn string) events.SNSEvent {
	// Timestamp stays a string on Message because it is part of the signed payload
	ts, _ := time.Parse(time.RFC3339, m.Timestamp)
	return events.SNSEvent{
		Records: []events.SNSEventRecord{{
			EventVersion:         "1.0",
			EventSource:          "aws:sns",
			EventSubscriptionArn: subscriptionArn,
			SNS: events.SNSEntity{
				Signature:         m.Signature,
				MessageID:         m.MessageID,
				Type:              m.Type,
				TopicArn:          m.TopicArn,
				MessageAttributes: m.MessageAttributes,
				SignatureVersion:  m.SignatureVersion,
				Timestamp:         ts,
				SigningCertURL:    m.SigningCertURL,
				Message:           m.Message,
				UnsubscribeURL:    m.UnsubscribeURL,
				Subject:           m.Subject,
			},
		}},
	}
}

// snsHost matches regional SNS endpoints, including the China partition
var snsHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

func isSNSEndpoint(u *url.URL) bool {
	return u.Scheme == "https" && u.User == nil && u.Port() == "" && snsHost.MatchString(u.Hostname())
}

// ValidateSubscribeURL accepts only https URLs on an SNS endpoint
func ValidateSubscribeURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid subscribe URL: %w", err)
	}
	if !isSNSEndpoint(u) {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedSubscribeURL, u.Redacted())
	}
	return u, nil
}

// ConfirmSubscription visits the SubscribeURL of a confirmation message
func ConfirmSubscription(ctx context.Context, client *http.Client, m *Message) error {
	u, err := ValidateSubscribeURL(m.SubscribeURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create confirmation request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to confirm subscription to %s: %w", m.TopicArn, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subscription confirmation for %s returned status %d", m.TopicArn, resp.StatusCode)
	}
	return nil
}

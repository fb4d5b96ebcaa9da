package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// AlertKind classifies operator alerts
type AlertKind string

const (
	// AlertRollbackFailed: delivery failed and the claim could not be released.
	AlertRollbackFailed AlertKind = "rollback_failed"
	// AlertFinalizeFailed: the reminder went out but email_sent was not recorded.
	AlertFinalizeFailed AlertKind = "finalize_failed"
	// AlertStaleClaims: the reconcile sweep reopened abandoned claims.
	AlertStaleClaims AlertKind = "stale_claims_released"
)

// Alert is the JSON body published to the operator topic
type Alert struct {
	Kind    AlertKind `json:"kind"`
	BlockID string    `json:"block_id,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
	Count   int64     `json:"count,omitempty"`
	Detail  string    `json:"detail"`
	At      time.Time `json:"at"`
}

// Subject returns the short line used as the SNS subject (and email subject
// for email subscriptions).
func (a Alert) Subject() string {
	switch a.Kind {
	case AlertRollbackFailed:
		return "quiethours: claim rollback failed for block " + a.BlockID
	case AlertFinalizeFailed:
		return "quiethours: delivery not recorded for block " + a.BlockID
	case AlertStaleClaims:
		return fmt.Sprintf("quiethours: %d stale claims released", a.Count)
	default:
		return "quiethours: " + string(a.Kind)
	}
}

// snsAPI is the slice of the SNS client the publisher uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends operator alerts to an SNS topic
type Publisher struct {
	client   snsAPI
	topicARN string
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}, nil
}

// Alert publishes a to the topic with the kind as a message attribute so
// subscriptions can filter on it.
func (p *Publisher) Alert(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(truncate(a.Subject(), 100)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(a.Kind)),
			},
		},
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return nil
}

// SNS rejects subjects longer than 100 characters.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

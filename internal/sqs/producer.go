// Package sqs carries dispatch triggers between the gateway and notifier
// processes. The gateway enqueues; `notifier listen` consumes and runs the
// dispatch core.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

type Config struct {
	Region   string
	QueueURL string
}

// TriggerKind selects what the consumer runs.
type TriggerKind string

const (
	// TriggerBlock force-processes one block.
	TriggerBlock TriggerKind = "block"
	// TriggerPass runs one windowed dispatch pass.
	TriggerPass TriggerKind = "pass"
)

// Trigger is the queue message body.
type Trigger struct {
	Kind        TriggerKind `json:"kind"`
	BlockID     string      `json:"block_id,omitempty"`
	RequestedBy string      `json:"requested_by,omitempty"`
	EnqueuedAt  int64       `json:"enqueued_at"`
}

func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerBlock:
		if t.BlockID == "" {
			return fmt.Errorf("block trigger without block_id")
		}
	case TriggerPass:
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	return nil
}

// sqsAPI is the subset of the SQS client used here.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func newClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

type Producer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized", zap.String("queue_url", cfg.QueueURL))

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// EnqueueTrigger sends t and returns the SQS message ID.
func (p *Producer) EnqueueTrigger(ctx context.Context, t Trigger) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if t.EnqueuedAt == 0 {
		t.EnqueuedAt = time.Now().UnixNano()
	}

	body, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal trigger: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(t.Kind))},
		},
	})
	if err != nil {
		p.logger.Error("failed to send trigger to sqs",
			zap.Error(err),
			zap.String("kind", string(t.Kind)),
			zap.String("block_id", t.BlockID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

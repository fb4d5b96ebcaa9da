package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Handler runs one trigger. A non-nil error leaves the message on the queue
// to be redelivered after its visibility timeout.
type Handler func(ctx context.Context, t Trigger) error

type Consumer struct {
	client            sqsAPI
	queueURL          string
	logger            *zap.Logger
	maxMessages       int32
	waitSeconds       int32
	visibilitySeconds int32
	retryDelay        time.Duration
}

func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized", zap.String("queue_url", cfg.QueueURL))

	return newConsumer(client, cfg.QueueURL, logger), nil
}

func newConsumer(client sqsAPI, queueURL string, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		logger:            logger,
		maxMessages:       10,
		waitSeconds:       20,
		visibilitySeconds: 120,
		retryDelay:        5 * time.Second,
	}
}

// Listen long-polls until ctx is cancelled. Messages are handled one at a
// time so forced dispatches keep the pacing of a normal pass.
func (c *Consumer) Listen(ctx context.Context, handle Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := c.poll(ctx, handle); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
		}
	}
}

// poll receives one batch and handles each message.
func (c *Consumer) poll(ctx context.Context, handle Handler) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   c.visibilitySeconds,
	})
	if err != nil {
		return fmt.Errorf("sqs receive failed: %w", err)
	}

	for _, m := range out.Messages {
		receipt := aws.ToString(m.ReceiptHandle)

		var t Trigger
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &t); err != nil || t.Validate() != nil {
			// Poison message: it can never succeed, so drop it.
			c.logger.Error("dropping malformed trigger",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.String("body", aws.ToString(m.Body)),
			)
			c.delete(ctx, receipt)
			continue
		}

		if err := handle(ctx, t); err != nil {
			c.logger.Warn("trigger failed, leaving for redelivery",
				zap.String("kind", string(t.Kind)),
				zap.String("block_id", t.BlockID),
				zap.Error(err),
			)
			continue
		}

		c.delete(ctx, receipt)
	}

	return nil
}

func (c *Consumer) delete(ctx context.Context, receipt string) {
	_, err := c.client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		c.logger.Error("sqs delete failed", zap.Error(err))
	}
}

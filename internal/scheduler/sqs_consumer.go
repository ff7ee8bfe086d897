package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

// maxVisibility is the longest visibility timeout SQS accepts.
const maxVisibility = 12 * time.Hour

// SQSConsumer long-polls the expiry queue and runs the expiry check for each message.
type SQSConsumer struct {
	client   SQSAPI
	queueURL string
	handler  Expirer
	now      func() time.Time
	log      zerolog.Logger
}

func NewSQSConsumer(client SQSAPI, queueURL string, handler Expirer, logger *zerolog.Logger) *SQSConsumer {
	return &SQSConsumer{
		client:   client,
		queueURL: queueURL,
		handler:  handler,
		now:      time.Now,
		log:      logger.With().Str("component", "sqs_consumer").Str("queue", queueURL).Logger(),
	}
}

func (c *SQSConsumer) Start(ctx context.Context) {
	c.log.Info().Msg("listening for expiry checks")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("context cancelled, stopping")
			return
		default:
		}
		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Msg("receiving messages")
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *SQSConsumer) poll(ctx context.Context) error {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return err
	}
	for _, m := range result.Messages {
		c.handle(ctx, m)
	}
	return nil
}

func (c *SQSConsumer) handle(ctx context.Context, m types.Message) {
	var msg expiryMessage
	if m.Body == nil || json.Unmarshal([]byte(*m.Body), &msg) != nil || msg.BookingID == "" {
		c.log.Warn().Str("message_id", aws.ToString(m.MessageId)).Msg("dropping malformed message")
		c.deleteMessage(ctx, m.ReceiptHandle)
		return
	}
	logger := c.log.With().Str("booking_id", msg.BookingID).Logger()

	// Bookings further out than the longest delay come back early; hide them until due.
	if wait := msg.ExpiresAt.Sub(c.now()); wait > 0 {
		c.postpone(ctx, m.ReceiptHandle, wait+fireSlack)
		logger.Debug().Dur("remaining", wait).Msg("expiry check not yet due")
		return
	}

	flipped, err := c.handler.ExpireBooking(ctx, msg.BookingID)
	switch {
	case err == nil:
		logger.Debug().Bool("expired", flipped).Msg("expiry check ran")
	case errors.Is(err, repository.ErrNotFound):
		logger.Warn().Msg("booking no longer exists")
	default:
		logger.Error().Err(err).Msg("expiry check failed; message will be redelivered")
		return
	}
	c.deleteMessage(ctx, m.ReceiptHandle)
}

func (c *SQSConsumer) postpone(ctx context.Context, receiptHandle *string, d time.Duration) {
	if d > maxVisibility {
		d = maxVisibility
	}
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     receiptHandle,
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("changing message visibility")
	}
}

func (c *SQSConsumer) deleteMessage(ctx context.Context, receiptHandle *string) {
	if receiptHandle == nil {
		c.log.Warn().Msg("empty receipt handle, cannot delete message")
		return
	}
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("deleting message")
	}
}

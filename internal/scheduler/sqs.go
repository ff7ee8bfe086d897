package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
)

// MaxDelay is the longest delivery delay SQS allows.
const MaxDelay = 900 * time.Second

// SQSAPI is the subset of *sqs.Client the scheduler and consumer use.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type expiryMessage struct {
	BookingID string    `json:"booking_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SQSScheduler schedules expiry checks as delayed SQS messages, so they survive restarts
// and are handled by whichever instance receives them.
type SQSScheduler struct {
	client   SQSAPI
	queueURL string
	now      func() time.Time
	log      zerolog.Logger
}

func NewSQSScheduler(client SQSAPI, queueURL string, logger *zerolog.Logger) *SQSScheduler {
	return &SQSScheduler{
		client:   client,
		queueURL: queueURL,
		now:      time.Now,
		log:      logger.With().Str("component", "sqs_scheduler").Logger(),
	}
}

func (s *SQSScheduler) Schedule(ctx context.Context, bookingID string, at time.Time) error {
	body, err := json.Marshal(expiryMessage{BookingID: bookingID, ExpiresAt: at.UTC()})
	if err != nil {
		return err
	}
	delay := delaySeconds(at.Sub(s.now()) + fireSlack)
	out, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(s.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delay,
	})
	if err != nil {
		return fmt.Errorf("SendMessage for booking %s: %w", bookingID, err)
	}
	s.log.Debug().Str("booking_id", bookingID).Int32("delay_seconds", delay).
		Str("message_id", aws.ToString(out.MessageId)).Msg("expiry check queued")
	return nil
}

// delaySeconds rounds d up to whole seconds within [0, MaxDelay].
func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return int32(math.Ceil(d.Seconds()))
}

// Package signage pushes lot availability to the displays at lot entrances over AWS IoT.
package signage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/realtime"
)

// IoTPublisher is the subset of *iotdataplane.Client used here.
type IoTPublisher interface {
	Publish(ctx context.Context, params *iotdataplane.PublishInput, optFns ...func(*iotdataplane.Options)) (*iotdataplane.PublishOutput, error)
}

// LotSource is where lot snapshots come from; *realtime.Registry satisfies it.
type LotSource = realtime.Source[realtime.LotsKey, domain.Lot]

type availability struct {
	LotID     string    `json:"lot_id"`
	Name      string    `json:"name"`
	Total     int       `json:"total"`
	Available int       `json:"available"`
	Booked    int       `json:"booked"`
	Occupied  int       `json:"occupied"`
	UpdatedAt time.Time `json:"updated_at"`
}

func Topic(lotID string) string {
	return fmt.Sprintf("campus_parking/lots/%s/availability", lotID)
}

// Publisher republishes a lot's availability whenever its counters change.
type Publisher struct {
	client       IoTPublisher
	lots         LotSource
	pollInterval time.Duration
	log          zerolog.Logger

	mu   sync.Mutex
	sent map[string]domain.LotCounters
}

// NewPublisher reads lots from the live query, or polls it every pollInterval when the
// live query is unavailable.
func NewPublisher(client IoTPublisher, lots LotSource, pollInterval time.Duration, logger *zerolog.Logger) *Publisher {
	return &Publisher{
		client:       client,
		lots:         lots,
		pollInterval: pollInterval,
		log:          logger.With().Str("component", "signage").Logger(),
		sent:         make(map[string]domain.LotCounters),
	}
}

// Start subscribes to all lots and publishes until ctx ends.
func (p *Publisher) Start(ctx context.Context) error {
	unsub, mode, err := realtime.SubscribeOrPoll(ctx, p.lots, realtime.LotsKey{}, p.pollInterval, func(lots []domain.Lot) {
		p.publish(ctx, lots)
	})
	if err != nil {
		return fmt.Errorf("subscribing to lots: %w", err)
	}
	p.log.Info().Str("mode", string(mode)).Msg("signage started")
	go func() {
		<-ctx.Done()
		unsub()
	}()
	return nil
}

func (p *Publisher) publish(ctx context.Context, lots []domain.Lot) {
	for _, lot := range lots {
		counters := domain.LotCounters{Available: lot.AvailableSpaces, Booked: lot.BookedSpaces, Occupied: lot.OccupiedSpaces}
		p.mu.Lock()
		prev, seen := p.sent[lot.ID]
		p.mu.Unlock()
		if seen && prev == counters {
			continue
		}

		payload, err := json.Marshal(availability{
			LotID:     lot.ID,
			Name:      lot.Name,
			Total:     lot.TotalSpaces,
			Available: lot.AvailableSpaces,
			Booked:    lot.BookedSpaces,
			Occupied:  lot.OccupiedSpaces,
			UpdatedAt: lot.UpdatedAt,
		})
		if err != nil {
			p.log.Error().Err(err).Str("lot_id", lot.ID).Msg("marshal availability")
			continue
		}
		_, err = p.client.Publish(ctx, &iotdataplane.PublishInput{
			Topic:   aws.String(Topic(lot.ID)),
			Qos:     1,
			Payload: payload,
		})
		if err != nil {
			p.log.Warn().Err(err).Str("lot_id", lot.ID).Msg("publishing availability")
			continue
		}
		p.mu.Lock()
		p.sent[lot.ID] = counters
		p.mu.Unlock()
		p.log.Debug().Str("lot_id", lot.ID).Int("available", lot.AvailableSpaces).Msg("availability published")
	}
}

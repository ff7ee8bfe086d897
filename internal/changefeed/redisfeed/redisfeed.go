// Package redisfeed implements the change feed on Redis pub/sub, for running several
// API instances against one store.
package redisfeed

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
)

const channelPrefix = "parking:changes:"

func channelFor(c changefeed.Collection) string {
	return channelPrefix + string(c)
}

type Feed struct {
	client *redis.Client
	log    zerolog.Logger
}

func New(client *redis.Client, logger *zerolog.Logger) *Feed {
	return &Feed{client: client, log: logger.With().Str("component", "redisfeed").Logger()}
}

func (f *Feed) Publish(ctx context.Context, changes ...changefeed.Change) error {
	for _, c := range changes {
		payload, err := c.Encode()
		if err != nil {
			return fmt.Errorf("redisfeed.Publish (encoding): %w", err)
		}
		if err := f.client.Publish(ctx, channelFor(c.Collection), payload).Err(); err != nil {
			return fmt.Errorf("redisfeed.Publish: %w", err)
		}
	}
	return nil
}

// Watch opens one SUBSCRIBE connection for the requested collections.
func (f *Feed) Watch(ctx context.Context, collections ...changefeed.Collection) (<-chan changefeed.Change, func(), error) {
	channels := make([]string, 0, len(collections))
	for _, c := range collections {
		channels = append(channels, channelFor(c))
	}
	ps := f.client.Subscribe(ctx, channels...)
	// Wait for the subscription confirmation so a broken connection surfaces here.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("redisfeed.Watch: %w", err)
	}

	out := make(chan changefeed.Change, changefeed.WatchBuffer)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				c, err := changefeed.Decode([]byte(msg.Payload))
				if err != nil {
					f.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed change")
					continue
				}
				select {
				case out <- c:
				default:
				}
			}
		}
	}()
	return out, stop, nil
}

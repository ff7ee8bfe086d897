package realtime

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Mode string

const (
	ModeStream Mode = "stream"
	ModePoll   Mode = "poll"
)

const DefaultPollInterval = 10 * time.Second

// Source is a live query that can also be run once; *Registry satisfies it.
type Source[K comparable, T any] interface {
	Subscribe(ctx context.Context, key K, cb func([]T)) (Unsubscribe, error)
	Fetch(ctx context.Context, key K) ([]T, error)
}

func sourceLogger[K comparable, T any](src Source[K, T]) *zerolog.Logger {
	if r, ok := src.(*Registry[K, T]); ok {
		return &r.log
	}
	nop := zerolog.Nop()
	return &nop
}

// SubscribeOrPoll subscribes to key and, if the live query is unavailable, polls the same
// query every interval instead. Either way cb sees the current result first and then only
// results that differ from the previous one. Polling stops when ctx ends or on Unsubscribe.
func SubscribeOrPoll[K comparable, T any](ctx context.Context, src Source[K, T], key K, interval time.Duration, cb func([]T)) (Unsubscribe, Mode, error) {
	unsub, err := src.Subscribe(ctx, key, cb)
	if err == nil {
		return unsub, ModeStream, nil
	}
	if !errors.Is(err, ErrSubscriptionUnavailable) {
		return nil, "", err
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	log := sourceLogger(src)
	last, err := src.Fetch(ctx, key)
	if err != nil {
		return nil, "", err
	}
	log.Info().Interface("key", key).Dur("interval", interval).Msg("falling back to polling")
	cb(last)

	pollCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}
			next, err := src.Fetch(pollCtx, key)
			if pollCtx.Err() != nil {
				return
			}
			if err != nil {
				log.Warn().Err(err).Interface("key", key).Msg("poll failed")
				continue
			}
			if reflect.DeepEqual(last, next) {
				continue
			}
			last = next
			cb(next)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, ModePoll, nil
}

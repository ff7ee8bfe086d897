// Package scheduler runs booking expiry checks at the booking's expiry time and drives the
// periodic consistency sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Expirer is the expiry check. It must be safe to call more than once per booking.
type Expirer interface {
	ExpireBooking(ctx context.Context, bookingID string) (bool, error)
}

// fireSlack pushes each check just past the expiry instant, since a booking only counts
// as expired strictly after it.
const fireSlack = 500 * time.Millisecond

const checkTimeout = 10 * time.Second

// Local keeps one in-process timer per booking. Timers die with the process; the sweep
// is what makes expiry durable.
type Local struct {
	handler Expirer
	log     zerolog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func NewLocal(handler Expirer, logger *zerolog.Logger) *Local {
	return &Local{
		handler: handler,
		log:     logger.With().Str("component", "local_scheduler").Logger(),
		timers:  make(map[string]*time.Timer),
	}
}

func (l *Local) Schedule(_ context.Context, bookingID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	if old, ok := l.timers[bookingID]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(time.Until(at)+fireSlack, func() {
		l.mu.Lock()
		if l.timers[bookingID] != t || l.stopped {
			l.mu.Unlock()
			return
		}
		delete(l.timers, bookingID)
		l.wg.Add(1)
		l.mu.Unlock()
		defer l.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		flipped, err := l.handler.ExpireBooking(ctx, bookingID)
		if err != nil {
			l.log.Warn().Err(err).Str("booking_id", bookingID).Msg("expiry check failed")
			return
		}
		l.log.Debug().Str("booking_id", bookingID).Bool("expired", flipped).Msg("expiry check ran")
	})
	l.timers[bookingID] = t
	return nil
}

// Pending is the number of timers not yet fired.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Stop cancels outstanding timers and waits for checks already running.
func (l *Local) Stop() {
	l.mu.Lock()
	l.stopped = true
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

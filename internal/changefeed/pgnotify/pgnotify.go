// Package pgnotify implements the change feed on Postgres LISTEN/NOTIFY.
package pgnotify

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
)

const Channel = "parking_changes"

type Publisher struct {
	db *sql.DB
}

func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

func (p *Publisher) Publish(ctx context.Context, changes ...changefeed.Change) error {
	for _, c := range changes {
		payload, err := c.Encode()
		if err != nil {
			return fmt.Errorf("pgnotify.Publish (encoding): %w", err)
		}
		if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload)); err != nil {
			return fmt.Errorf("pgnotify.Publish: %w", err)
		}
	}
	return nil
}

// Listener holds one LISTEN connection and fans notifications out to its watches.
type Listener struct {
	listener *pq.Listener
	broker   *changefeed.Broker
	log      zerolog.Logger
	done     chan struct{}
	once     sync.Once
}

func NewListener(connStr string, logger *zerolog.Logger) (*Listener, error) {
	l := &Listener{
		broker: changefeed.NewBroker(),
		log:    logger.With().Str("component", "pgnotify").Logger(),
		done:   make(chan struct{}),
	}
	l.listener = pq.NewListener(connStr, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.log.Warn().Err(err).Int("event", int(ev)).Msg("listener connection event")
		}
	})
	if err := l.listener.Listen(Channel); err != nil {
		l.listener.Close()
		return nil, fmt.Errorf("pgnotify: LISTEN %s: %w", Channel, err)
	}
	go l.pump()
	return l, nil
}

func (l *Listener) pump() {
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			l.handle(n)
		case <-ticker.C:
			if err := l.listener.Ping(); err != nil {
				l.log.Warn().Err(err).Msg("listener ping failed")
			}
		}
	}
}

// handle forwards one notification. A nil notification means the connection was
// re-established; writes made while it was down were never delivered, so every collection
// is reported as changed and listeners refetch.
func (l *Listener) handle(n *pq.Notification) {
	if n == nil {
		l.log.Info().Msg("listener reconnected")
		changes := make([]changefeed.Change, 0, len(changefeed.Collections))
		for _, c := range changefeed.Collections {
			changes = append(changes, changefeed.Change{Collection: c})
		}
		_ = l.broker.Publish(context.Background(), changes...)
		return
	}
	c, err := changefeed.Decode([]byte(n.Extra))
	if err != nil {
		l.log.Warn().Err(err).Str("payload", n.Extra).Msg("dropping malformed notification")
		return
	}
	_ = l.broker.Publish(context.Background(), c)
}

func (l *Listener) Watch(ctx context.Context, collections ...changefeed.Collection) (<-chan changefeed.Change, func(), error) {
	return l.broker.Watch(ctx, collections...)
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.broker.Close()
		err = l.listener.Close()
	})
	return err
}

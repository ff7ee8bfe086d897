package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

type Store struct {
	db  *sql.DB
	pub changefeed.Publisher
	log zerolog.Logger
}

var _ repository.Store = (*Store)(nil)

// NewStore wraps db. Writes are announced on pub after they commit; pub may be nil.
func NewStore(db *sql.DB, pub changefeed.Publisher, logger *zerolog.Logger) *Store {
	return &Store{db: db, pub: pub, log: logger.With().Str("component", "postgresql").Logger()}
}

// changeSink collects or forwards change notifications for one unit of work.
type changeSink interface {
	emit(ctx context.Context, c changefeed.Change)
}

// immediate publishes right away; used by writes outside a transaction.
type immediate struct{ s *Store }

func (i immediate) emit(ctx context.Context, c changefeed.Change) {
	i.s.publish(ctx, c)
}

type buffered struct{ changes []changefeed.Change }

func (b *buffered) emit(_ context.Context, c changefeed.Change) {
	b.changes = append(b.changes, c)
}

func (s *Store) publish(ctx context.Context, changes ...changefeed.Change) {
	if s.pub == nil || len(changes) == 0 {
		return
	}
	// A lost notification only delays listeners until the next change or poll.
	if err := s.pub.Publish(ctx, changes...); err != nil {
		s.log.Warn().Err(err).Int("changes", len(changes)).Msg("publishing change notifications")
	}
}

type repos struct {
	q    dbtx
	sink changeSink
}

func (r repos) Lots() repository.LotRepository         { return &pgLotRepository{db: r.q, sink: r.sink} }
func (r repos) Spaces() repository.SpaceRepository     { return &pgSpaceRepository{db: r.q, sink: r.sink} }
func (r repos) Bookings() repository.BookingRepository { return &pgBookingRepository{db: r.q, sink: r.sink} }
func (r repos) Bills() repository.BillRepository       { return &pgBillRepository{db: r.q, sink: r.sink} }

func (s *Store) Lots() repository.LotRepository         { return repos{q: s.db, sink: immediate{s}}.Lots() }
func (s *Store) Spaces() repository.SpaceRepository     { return repos{q: s.db, sink: immediate{s}}.Spaces() }
func (s *Store) Bookings() repository.BookingRepository { return repos{q: s.db, sink: immediate{s}}.Bookings() }
func (s *Store) Bills() repository.BillRepository       { return repos{q: s.db, sink: immediate{s}}.Bills() }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Repositories) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Store.WithinTx (begin): %w", err)
	}
	sink := &buffered{}
	if err := fn(ctx, repos{q: tx, sink: sink}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error().Err(rbErr).Msg("rolling back transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("Store.WithinTx (commit)", err)
	}
	s.publish(ctx, sink.changes...)
	return nil
}

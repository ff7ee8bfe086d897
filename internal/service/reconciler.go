package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

// Reconciler is the only writer of space status. Every space write goes out together with
// the matching lot counter delta, so Available+Booked+Occupied always equals the lot size.
type Reconciler struct {
	store   repository.Store
	retries int
	log     zerolog.Logger
}

func NewReconciler(store repository.Store, retries int, logger *zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		retries: retries,
		log:     logger.With().Str("component", "reconciler").Logger(),
	}
}

// SetSpaceStatus moves a space to status in its own transaction, retrying lost races.
// occupant is required unless status is vacant.
func (r *Reconciler) SetSpaceStatus(ctx context.Context, spaceID string, status domain.SpaceStatus, occupant *domain.Occupant) (*domain.Space, error) {
	var out *domain.Space
	err := withRetry(ctx, r.retries, func() error {
		return r.store.WithinTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
			space, err := tx.Spaces().FindByID(ctx, spaceID)
			if err != nil {
				return notFound(err, ErrSpaceNotFound)
			}
			out, err = r.Apply(ctx, tx, space, status, occupant)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Apply writes space's new status and the lot delta inside tx. space must be the row as
// read in tx: its status and version guard the write.
func (r *Reconciler) Apply(ctx context.Context, tx repository.Repositories, space *domain.Space, status domain.SpaceStatus, occupant *domain.Occupant) (*domain.Space, error) {
	if !status.Valid() {
		return nil, ErrInvalidSpaceStatus
	}
	if status != domain.SpaceVacant && (occupant == nil || occupant.UserID == "") {
		return nil, ErrOccupantRequired
	}

	next := space.WithStatus(status, occupant)
	updated, err := tx.Spaces().CompareAndSwap(ctx, &next, space.Status, space.Version)
	if err != nil {
		return nil, notFound(err, ErrSpaceNotFound)
	}
	delta := domain.TransitionDelta(space.Status, status)
	if err := tx.Lots().ApplyDelta(ctx, space.LotID, delta); err != nil {
		return nil, notFound(err, ErrLotNotFound)
	}

	r.log.Debug().
		Str("space_id", space.ID).
		Str("lot_id", space.LotID).
		Str("from", string(space.Status)).
		Str("to", string(status)).
		Int64("version", updated.Version).
		Msg("space status applied")
	return updated, nil
}

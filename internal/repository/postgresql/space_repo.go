package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

type pgSpaceRepository struct {
	db   dbtx
	sink changeSink
}

const spaceColumns = `id, lot_id, number, status, user_id, user_email, vehicle_info, current_booking_id,
	start_time, booking_expiry_time, version, updated_at`

func scanSpace(row scanner) (domain.Space, error) {
	var s domain.Space
	err := row.Scan(&s.ID, &s.LotID, &s.Number, &s.Status, &s.UserID, &s.UserEmail, &s.VehicleInfo,
		&s.CurrentBookingID, &s.StartTime, &s.BookingExpiryTime, &s.Version, &s.UpdatedAt)
	if s.StartTime.Valid {
		s.StartTime.Time = s.StartTime.Time.In(time.UTC)
	}
	if s.BookingExpiryTime.Valid {
		s.BookingExpiryTime.Time = s.BookingExpiryTime.Time.In(time.UTC)
	}
	s.UpdatedAt = s.UpdatedAt.In(time.UTC)
	return s, err
}

func (r *pgSpaceRepository) Create(ctx context.Context, space *domain.Space) (*domain.Space, error) {
	if space.ID == "" {
		space.ID = uuid.NewString()
	}
	if space.Status == "" {
		space.Status = domain.SpaceVacant
	}
	query := `INSERT INTO spaces (id, lot_id, number, status, user_id, user_email, vehicle_info, current_booking_id,
	               start_time, booking_expiry_time, version)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
	           RETURNING version, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		space.ID, space.LotID, space.Number, space.Status, space.UserID, space.UserEmail, space.VehicleInfo,
		space.CurrentBookingID, space.StartTime, space.BookingExpiryTime,
	).Scan(&space.Version, &space.UpdatedAt)
	if err != nil {
		return nil, classify("SpaceRepository.Create", err)
	}
	space.UpdatedAt = space.UpdatedAt.In(time.UTC)
	r.sink.emit(ctx, changefeed.Change{Collection: changefeed.Spaces, ID: space.ID, LotID: space.LotID})
	return space, nil
}

func (r *pgSpaceRepository) FindByID(ctx context.Context, id string) (*domain.Space, error) {
	s, err := scanSpace(r.db.QueryRowContext(ctx, `SELECT `+spaceColumns+` FROM spaces WHERE id = $1`, id))
	if err != nil {
		return nil, classify("SpaceRepository.FindByID", err)
	}
	return &s, nil
}

func (r *pgSpaceRepository) FindByLotID(ctx context.Context, lotID string) ([]domain.Space, error) {
	return r.list(ctx, "SpaceRepository.FindByLotID",
		`SELECT `+spaceColumns+` FROM spaces WHERE lot_id = $1 ORDER BY number ASC`, lotID)
}

func (r *pgSpaceRepository) FindAll(ctx context.Context) ([]domain.Space, error) {
	return r.list(ctx, "SpaceRepository.FindAll",
		`SELECT `+spaceColumns+` FROM spaces ORDER BY lot_id, number ASC`)
}

func (r *pgSpaceRepository) list(ctx context.Context, op, query string, args ...any) ([]domain.Space, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var spaces []domain.Space
	for rows.Next() {
		s, err := scanSpace(rows)
		if err != nil {
			return nil, fmt.Errorf("%s (scanning row): %w", op, err)
		}
		spaces = append(spaces, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s (rows error): %w", op, err)
	}
	return spaces, nil
}

func (r *pgSpaceRepository) CompareAndSwap(ctx context.Context, space *domain.Space, expectedStatus domain.SpaceStatus, expectedVersion int64) (*domain.Space, error) {
	query := `UPDATE spaces
	           SET status = $1, user_id = $2, user_email = $3, vehicle_info = $4, current_booking_id = $5,
	               start_time = $6, booking_expiry_time = $7, version = version + 1, updated_at = CURRENT_TIMESTAMP
	           WHERE id = $8 AND status = $9 AND version = $10
	           RETURNING ` + spaceColumns
	updated, err := scanSpace(r.db.QueryRowContext(ctx, query,
		space.Status, space.UserID, space.UserEmail, space.VehicleInfo, space.CurrentBookingID,
		space.StartTime, space.BookingExpiryTime, space.ID, expectedStatus, expectedVersion,
	))
	if err != nil {
		err = classify("SpaceRepository.CompareAndSwap", err)
		if errors.Is(err, repository.ErrNotFound) {
			// No row matched: either the space is gone or someone else wrote it first.
			if _, findErr := r.FindByID(ctx, space.ID); findErr == nil {
				return nil, repository.ErrConflict
			}
		}
		return nil, err
	}
	r.sink.emit(ctx, changefeed.Change{Collection: changefeed.Spaces, ID: updated.ID, LotID: updated.LotID})
	return &updated, nil
}

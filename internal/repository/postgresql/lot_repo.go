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

type pgLotRepository struct {
	db   dbtx
	sink changeSink
}

const lotColumns = `id, name, location, total_spaces, available_spaces, occupied_spaces, booked_spaces, created_at, updated_at`

func scanLot(row scanner) (domain.Lot, error) {
	var lot domain.Lot
	err := row.Scan(&lot.ID, &lot.Name, &lot.Location, &lot.TotalSpaces,
		&lot.AvailableSpaces, &lot.OccupiedSpaces, &lot.BookedSpaces, &lot.CreatedAt, &lot.UpdatedAt)
	lot.CreatedAt = lot.CreatedAt.In(time.UTC)
	lot.UpdatedAt = lot.UpdatedAt.In(time.UTC)
	return lot, err
}

func (r *pgLotRepository) Create(ctx context.Context, lot *domain.Lot) (*domain.Lot, error) {
	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}
	query := `INSERT INTO lots (id, name, location, total_spaces, available_spaces, occupied_spaces, booked_spaces)
	           VALUES ($1, $2, $3, $4, $5, $6, $7)
	           RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, lot.ID, lot.Name, lot.Location, lot.TotalSpaces,
		lot.AvailableSpaces, lot.OccupiedSpaces, lot.BookedSpaces,
	).Scan(&lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		return nil, classify("LotRepository.Create", err)
	}
	lot.CreatedAt = lot.CreatedAt.In(time.UTC)
	lot.UpdatedAt = lot.UpdatedAt.In(time.UTC)
	r.sink.emit(ctx, changefeed.Change{Collection: changefeed.Lots, ID: lot.ID})
	return lot, nil
}

func (r *pgLotRepository) FindByID(ctx context.Context, id string) (*domain.Lot, error) {
	lot, err := scanLot(r.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = $1`, id))
	if err != nil {
		return nil, classify("LotRepository.FindByID", err)
	}
	return &lot, nil
}

func (r *pgLotRepository) FindAll(ctx context.Context) ([]domain.Lot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+lotColumns+` FROM lots ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("LotRepository.FindAll: %w", err)
	}
	defer rows.Close()

	var lots []domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("LotRepository.FindAll (scanning row): %w", err)
		}
		lots = append(lots, lot)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("LotRepository.FindAll (rows error): %w", err)
	}
	return lots, nil
}

func (r *pgLotRepository) ApplyDelta(ctx context.Context, id string, delta domain.LotCounters) error {
	if delta.IsZero() {
		return nil
	}
	query := `UPDATE lots
	           SET available_spaces = available_spaces + $1, booked_spaces = booked_spaces + $2,
	               occupied_spaces = occupied_spaces + $3, updated_at = CURRENT_TIMESTAMP
	           WHERE id = $4`
	return r.exec(ctx, "LotRepository.ApplyDelta", id, query, delta.Available, delta.Booked, delta.Occupied, id)
}

func (r *pgLotRepository) SetCounters(ctx context.Context, id string, expected, c domain.LotCounters) error {
	query := `UPDATE lots
	           SET available_spaces = $1, booked_spaces = $2, occupied_spaces = $3, updated_at = CURRENT_TIMESTAMP
	           WHERE id = $4 AND available_spaces = $5 AND booked_spaces = $6 AND occupied_spaces = $7`
	err := r.exec(ctx, "LotRepository.SetCounters", id, query,
		c.Available, c.Booked, c.Occupied, id, expected.Available, expected.Booked, expected.Occupied)
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	// No row matched: either the lot is gone or its counters moved.
	if _, findErr := r.FindByID(ctx, id); findErr != nil {
		return findErr
	}
	return repository.ErrConflict
}

func (r *pgLotRepository) exec(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s (checking rows affected): %w", op, err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}
	r.sink.emit(ctx, changefeed.Change{Collection: changefeed.Lots, ID: id})
	return nil
}

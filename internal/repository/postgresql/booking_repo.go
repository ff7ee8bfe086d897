package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

type pgBookingRepository struct {
	db   dbtx
	sink changeSink
}

const bookingColumns = `id, user_id, user_email, user_role, lot_id, lot_name, space_id, space_number, status,
	start_time, expiry_time, arrival_time, end_time, vehicle_info, billing_type, billing_rate,
	payment_amount, payment_status, updated_at`

func scanBooking(row scanner) (domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(&b.ID, &b.UserID, &b.UserEmail, &b.UserRole, &b.LotID, &b.LotName, &b.SpaceID, &b.SpaceNumber,
		&b.Status, &b.StartTime, &b.ExpiryTime, &b.ArrivalTime, &b.EndTime, &b.VehicleInfo, &b.BillingType,
		&b.BillingRate, &b.PaymentAmount, &b.PaymentStatus, &b.UpdatedAt)
	b.StartTime = b.StartTime.In(time.UTC)
	b.ExpiryTime = b.ExpiryTime.In(time.UTC)
	if b.ArrivalTime.Valid {
		b.ArrivalTime.Time = b.ArrivalTime.Time.In(time.UTC)
	}
	if b.EndTime.Valid {
		b.EndTime.Time = b.EndTime.Time.In(time.UTC)
	}
	b.UpdatedAt = b.UpdatedAt.In(time.UTC)
	return b, err
}

func bookingChange(b *domain.Booking) changefeed.Change {
	return changefeed.Change{Collection: changefeed.Bookings, ID: b.ID, LotID: b.LotID, UserID: b.UserID}
}

func (r *pgBookingRepository) Create(ctx context.Context, b *domain.Booking) (*domain.Booking, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	query := `INSERT INTO bookings (id, user_id, user_email, user_role, lot_id, lot_name, space_id, space_number,
	               status, start_time, expiry_time, arrival_time, end_time, vehicle_info, billing_type,
	               billing_rate, payment_amount, payment_status)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	           RETURNING updated_at`
	err := r.db.QueryRowContext(ctx, query,
		b.ID, b.UserID, b.UserEmail, b.UserRole, b.LotID, b.LotName, b.SpaceID, b.SpaceNumber,
		b.Status, b.StartTime, b.ExpiryTime, b.ArrivalTime, b.EndTime, b.VehicleInfo, b.BillingType,
		b.BillingRate, b.PaymentAmount, b.PaymentStatus,
	).Scan(&b.UpdatedAt)
	if err != nil {
		return nil, classify("BookingRepository.Create", err)
	}
	b.UpdatedAt = b.UpdatedAt.In(time.UTC)
	r.sink.emit(ctx, bookingChange(b))
	return b, nil
}

func (r *pgBookingRepository) FindByID(ctx context.Context, id string) (*domain.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return nil, classify("BookingRepository.FindByID", err)
	}
	return &b, nil
}

func (r *pgBookingRepository) FindByUser(ctx context.Context, userID string, statuses []domain.BookingStatus) ([]domain.Booking, error) {
	if len(statuses) == 0 {
		return r.list(ctx, "BookingRepository.FindByUser",
			`SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 ORDER BY start_time DESC, id`, userID)
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.list(ctx, "BookingRepository.FindByUser",
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 AND status = ANY($2) ORDER BY start_time DESC, id`,
		userID, pq.Array(names))
}

func (r *pgBookingRepository) FindByStatus(ctx context.Context, status domain.BookingStatus) ([]domain.Booking, error) {
	return r.list(ctx, "BookingRepository.FindByStatus",
		`SELECT `+bookingColumns+` FROM bookings WHERE status = $1 ORDER BY start_time DESC, id`, status)
}

func (r *pgBookingRepository) FindExpiredPending(ctx context.Context, now time.Time) ([]domain.Booking, error) {
	return r.list(ctx, "BookingRepository.FindExpiredPending",
		`SELECT `+bookingColumns+` FROM bookings WHERE status = $1 AND expiry_time < $2 ORDER BY expiry_time`,
		domain.BookingPending, now)
}

func (r *pgBookingRepository) FindLive(ctx context.Context) ([]domain.Booking, error) {
	return r.list(ctx, "BookingRepository.FindLive",
		`SELECT `+bookingColumns+` FROM bookings WHERE status IN ($1, $2) ORDER BY start_time DESC, id`,
		domain.BookingPending, domain.BookingOccupied)
}

func (r *pgBookingRepository) list(ctx context.Context, op, query string, args ...any) ([]domain.Booking, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("%s (scanning row): %w", op, err)
		}
		bookings = append(bookings, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s (rows error): %w", op, err)
	}
	return bookings, nil
}

func (r *pgBookingRepository) UpdateIf(ctx context.Context, b *domain.Booking, expected domain.BookingStatus) (*domain.Booking, error) {
	query := `UPDATE bookings
	           SET status = $1, arrival_time = $2, end_time = $3, billing_rate = $4, payment_amount = $5,
	               payment_status = $6, updated_at = CURRENT_TIMESTAMP
	           WHERE id = $7 AND status = $8
	           RETURNING ` + bookingColumns
	updated, err := scanBooking(r.db.QueryRowContext(ctx, query,
		b.Status, b.ArrivalTime, b.EndTime, b.BillingRate, b.PaymentAmount, b.PaymentStatus, b.ID, expected,
	))
	if err != nil {
		err = classify("BookingRepository.UpdateIf", err)
		if errors.Is(err, repository.ErrNotFound) {
			if _, findErr := r.FindByID(ctx, b.ID); findErr == nil {
				return nil, repository.ErrConflict
			}
		}
		return nil, err
	}
	r.sink.emit(ctx, bookingChange(&updated))
	return &updated, nil
}

package postgresql

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
)

type pgBillRepository struct {
	db   dbtx
	sink changeSink
}

func (r *pgBillRepository) Create(ctx context.Context, bill *domain.Bill) (*domain.Bill, error) {
	if bill.ID == "" {
		bill.ID = uuid.NewString()
	}
	query := `INSERT INTO bills (id, booking_id, user_id, user_email, amount, status, due_date, description)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	           RETURNING created_at`
	err := r.db.QueryRowContext(ctx, query,
		bill.ID, bill.BookingID, bill.UserID, bill.UserEmail, bill.Amount, bill.Status, bill.DueDate, bill.Description,
	).Scan(&bill.CreatedAt)
	if err != nil {
		return nil, classify("BillRepository.Create", err)
	}
	bill.CreatedAt = bill.CreatedAt.In(time.UTC)
	r.sink.emit(ctx, changefeed.Change{Collection: changefeed.Bills, ID: bill.ID, UserID: bill.UserID})
	return bill, nil
}

func (r *pgBillRepository) FindByBookingID(ctx context.Context, bookingID string) (*domain.Bill, error) {
	bill := &domain.Bill{}
	query := `SELECT id, booking_id, user_id, user_email, amount, status, due_date, description, created_at
	           FROM bills WHERE booking_id = $1`
	err := r.db.QueryRowContext(ctx, query, bookingID).Scan(
		&bill.ID, &bill.BookingID, &bill.UserID, &bill.UserEmail, &bill.Amount, &bill.Status,
		&bill.DueDate, &bill.Description, &bill.CreatedAt,
	)
	if err != nil {
		return nil, classify("BillRepository.FindByBookingID", err)
	}
	bill.DueDate = bill.DueDate.In(time.UTC)
	bill.CreatedAt = bill.CreatedAt.In(time.UTC)
	return bill, nil
}

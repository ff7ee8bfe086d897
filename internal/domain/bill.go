package domain

import "time"

const BillPaid = "paid"

type Bill struct {
	ID          string    `json:"id"`
	BookingID   string    `json:"booking_id"`
	UserID      string    `json:"user_id"`
	UserEmail   string    `json:"user_email"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status"`
	DueDate     time.Time `json:"due_date"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

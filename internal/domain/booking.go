package domain

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingOccupied  BookingStatus = "occupied"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
	BookingExpired   BookingStatus = "expired"
	BookingAbandoned BookingStatus = "abandoned"
)

// LiveStatuses are the statuses in which a booking still holds its space.
var LiveStatuses = []BookingStatus{BookingPending, BookingOccupied}

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingOccupied, BookingCompleted, BookingCancelled, BookingExpired, BookingAbandoned:
		return true
	}
	return false
}

func (s BookingStatus) IsTerminal() bool {
	switch s {
	case BookingCompleted, BookingCancelled, BookingExpired, BookingAbandoned:
		return true
	}
	return false
}

// SpaceStatus is the status a space must have while a booking in status s references it.
func (s BookingStatus) SpaceStatus() SpaceStatus {
	switch s {
	case BookingPending:
		return SpaceBooked
	case BookingOccupied:
		return SpaceOccupied
	}
	return SpaceVacant
}

var transitions = map[BookingStatus][]BookingStatus{
	BookingPending:  {BookingOccupied, BookingExpired, BookingCancelled, BookingCompleted, BookingAbandoned},
	BookingOccupied: {BookingCompleted, BookingAbandoned},
}

// CanTransition reports whether the booking state machine allows from -> to.
func CanTransition(from, to BookingStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type UserRole string

const (
	RoleStudent UserRole = "student"
	RoleGuest   UserRole = "guest"
	RoleStaff   UserRole = "staff"
	RoleAdmin   UserRole = "admin"
)

// CanBook reports whether users with this role may reserve a space.
func (r UserRole) CanBook() bool {
	return r == RoleStudent || r == RoleGuest
}

type BillingType string

const (
	BillingStudentFixed BillingType = "student_fixed"
	BillingGuestHourly  BillingType = "guest_hourly"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

type Booking struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	UserEmail     string        `json:"user_email"`
	UserRole      UserRole      `json:"user_role"`
	LotID         string        `json:"lot_id"`
	LotName       string        `json:"lot_name"`
	SpaceID       string        `json:"space_id"`
	SpaceNumber   int           `json:"space_number"`
	Status        BookingStatus `json:"status"`
	StartTime     time.Time     `json:"start_time"`
	ExpiryTime    time.Time     `json:"expiry_time"`
	ArrivalTime   null.Time     `json:"arrival_time"`
	EndTime       null.Time     `json:"end_time"`
	VehicleInfo   string        `json:"vehicle_info,omitempty"`
	BillingType   BillingType   `json:"billing_type"`
	BillingRate   float64       `json:"billing_rate"`
	PaymentAmount float64       `json:"payment_amount"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ExpiredAt reports whether a pending booking's grace window has elapsed at now.
func (b Booking) ExpiredAt(now time.Time) bool {
	return b.Status == BookingPending && now.After(b.ExpiryTime)
}

// EffectiveStatus is the status a reader should act on: a pending booking past its
// expiry time is already expired even if no sweep has recorded it yet.
func (b Booking) EffectiveStatus(now time.Time) BookingStatus {
	if b.ExpiredAt(now) {
		return BookingExpired
	}
	return b.Status
}

type CreateBookingDTO struct {
	SpaceID     string `json:"space_id" binding:"required"`
	VehicleInfo string `json:"vehicle_info"`
}

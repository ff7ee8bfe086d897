package domain

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

type SpaceStatus string

const (
	SpaceVacant   SpaceStatus = "vacant"
	SpaceBooked   SpaceStatus = "booked"
	SpaceOccupied SpaceStatus = "occupied"
)

func (s SpaceStatus) Valid() bool {
	switch s {
	case SpaceVacant, SpaceBooked, SpaceOccupied:
		return true
	}
	return false
}

type Space struct {
	ID                string      `json:"id"`
	LotID             string      `json:"lot_id"`
	Number            int         `json:"number"`
	Status            SpaceStatus `json:"status"`
	UserID            null.String `json:"user_id"`
	UserEmail         null.String `json:"user_email"`
	VehicleInfo       null.String `json:"vehicle_info"`
	CurrentBookingID  null.String `json:"current_booking_id"`
	StartTime         null.Time   `json:"start_time"`
	BookingExpiryTime null.Time   `json:"booking_expiry_time"`
	Version           int64       `json:"version"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Occupant is who holds a space while it is not vacant.
type Occupant struct {
	UserID      string
	UserEmail   string
	VehicleInfo string
	BookingID   string
	StartTime   time.Time
	ExpiryTime  time.Time
}

// WithStatus returns a copy of the space moved to status, with occupant fields set or cleared
// so that they are present iff the space is not vacant.
func (s Space) WithStatus(status SpaceStatus, occ *Occupant) Space {
	s.Status = status
	if status == SpaceVacant || occ == nil {
		s.UserID = null.String{}
		s.UserEmail = null.String{}
		s.VehicleInfo = null.String{}
		s.CurrentBookingID = null.String{}
		s.StartTime = null.Time{}
		s.BookingExpiryTime = null.Time{}
		return s
	}
	s.UserID = null.StringFrom(occ.UserID)
	s.UserEmail = null.StringFrom(occ.UserEmail)
	s.VehicleInfo = null.NewString(occ.VehicleInfo, occ.VehicleInfo != "")
	s.CurrentBookingID = null.StringFrom(occ.BookingID)
	s.StartTime = null.NewTime(occ.StartTime, !occ.StartTime.IsZero())
	if status == SpaceBooked {
		s.BookingExpiryTime = null.NewTime(occ.ExpiryTime, !occ.ExpiryTime.IsZero())
	} else {
		s.BookingExpiryTime = null.Time{}
	}
	return s
}

// Consistent checks the occupant/booking fields against the status.
func (s Space) Consistent() bool {
	if s.Status == SpaceVacant {
		return !s.CurrentBookingID.Valid && !s.UserID.Valid && !s.BookingExpiryTime.Valid
	}
	if !s.CurrentBookingID.Valid || !s.UserID.Valid {
		return false
	}
	return s.BookingExpiryTime.Valid == (s.Status == SpaceBooked)
}

type SpaceDTO struct {
	LotID  string `json:"lot_id"`
	Number int    `json:"number" binding:"required,min=1"`
}

type SpaceStatusDTO struct {
	Status      string `json:"status" binding:"required,oneof=vacant booked occupied"`
	UserID      string `json:"user_id"`
	UserEmail   string `json:"user_email"`
	VehicleInfo string `json:"vehicle_info"`
}

// Package pricing turns a booking's role and duration into a fee.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
)

// PlaceholderDuration is what a booking is priced against before the real duration is known.
const PlaceholderDuration = 24 * time.Hour

var ErrUnknownRole = errors.New("no tariff for role")

type Quote struct {
	Amount      float64            `json:"amount"`
	BillingType domain.BillingType `json:"billing_type"`
	BillingRate float64            `json:"billing_rate"`
}

type Engine struct {
	StudentDailyRate float64
	GuestHourlyRate  float64
	GuestFreeWindow  time.Duration
}

func NewEngine(studentDailyRate, guestHourlyRate float64, guestFreeWindow time.Duration) Engine {
	return Engine{
		StudentDailyRate: studentDailyRate,
		GuestHourlyRate:  guestHourlyRate,
		GuestFreeWindow:  guestFreeWindow,
	}
}

// Price computes the fee for a stay of duration d.
// Students pay a flat daily rate. Guests get the free window, then every started hour is billed.
func (e Engine) Price(role domain.UserRole, d time.Duration) (Quote, error) {
	switch role {
	case domain.RoleStudent:
		return Quote{
			Amount:      e.StudentDailyRate,
			BillingType: domain.BillingStudentFixed,
			BillingRate: e.StudentDailyRate,
		}, nil
	case domain.RoleGuest:
		return Quote{
			Amount:      float64(BillableHours(d, e.GuestFreeWindow)) * e.GuestHourlyRate,
			BillingType: domain.BillingGuestHourly,
			BillingRate: e.GuestHourlyRate,
		}, nil
	}
	return Quote{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
}

// Provisional prices a booking against the full-day placeholder. Display only.
func (e Engine) Provisional(role domain.UserRole) (Quote, error) {
	return e.Price(role, PlaceholderDuration)
}

// BillableHours is ceil((d - free) / 1h) in whole minutes, never negative.
func BillableHours(d, free time.Duration) int64 {
	billable := d - free
	if billable <= 0 {
		return 0
	}
	minutes := billable.Minutes()
	return int64(math.Ceil(minutes / 60))
}

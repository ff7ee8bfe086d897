package domain

import "time"

type Lot struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Location        string    `json:"location,omitempty"`
	TotalSpaces     int       `json:"total_spaces"`
	AvailableSpaces int       `json:"available_spaces"`
	OccupiedSpaces  int       `json:"occupied_spaces"`
	BookedSpaces    int       `json:"booked_spaces"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Balanced reports whether the per-status counters add up to the lot size.
func (l Lot) Balanced() bool {
	return l.AvailableSpaces+l.OccupiedSpaces+l.BookedSpaces == l.TotalSpaces
}

// Counters is the lot's current per-status tally.
func (l Lot) Counters() LotCounters {
	return LotCounters{Available: l.AvailableSpaces, Booked: l.BookedSpaces, Occupied: l.OccupiedSpaces}
}

// LotCounters is a delta (or an absolute tally) of spaces per status.
type LotCounters struct {
	Available int `json:"available"`
	Booked    int `json:"booked"`
	Occupied  int `json:"occupied"`
}

func (c LotCounters) IsZero() bool {
	return c.Available == 0 && c.Booked == 0 && c.Occupied == 0
}

// Add returns the counters for a single space entering status s (n=+1) or leaving it (n=-1).
func (c LotCounters) Add(s SpaceStatus, n int) LotCounters {
	switch s {
	case SpaceVacant:
		c.Available += n
	case SpaceBooked:
		c.Booked += n
	case SpaceOccupied:
		c.Occupied += n
	}
	return c
}

// TransitionDelta is the lot counter change caused by one space moving from -> to.
func TransitionDelta(from, to SpaceStatus) LotCounters {
	if from == to {
		return LotCounters{}
	}
	return LotCounters{}.Add(from, -1).Add(to, 1)
}

type LotDTO struct {
	Name        string `json:"name" binding:"required"`
	Location    string `json:"location"`
	TotalSpaces int    `json:"total_spaces" binding:"min=0"`
}

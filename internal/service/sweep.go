package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/metrics"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

type SweepReport struct {
	Expired         int `json:"expired"`
	OrphanSpaces    int `json:"orphan_spaces"`
	SpaceStatus     int `json:"space_status"`
	OrphanBookings  int `json:"orphan_bookings"`
	LotCounterFixes int `json:"lot_counters"`
}

func (r SweepReport) Total() int {
	return r.Expired + r.OrphanSpaces + r.SpaceStatus + r.OrphanBookings + r.LotCounterFixes
}

// Sweep expires overdue bookings and repairs any disagreement between bookings, spaces and
// lot counters. Each repair rereads its rows in its own transaction, so it never undoes a
// write that landed after the sweep took its snapshot.
func (s *BookingService) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport

	overdue, err := s.store.Bookings().FindExpiredPending(ctx, s.now())
	if err != nil {
		return rep, fmt.Errorf("Sweep (overdue bookings): %w", err)
	}
	for _, b := range overdue {
		flipped, err := s.ExpireBooking(ctx, b.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("booking_id", b.ID).Msg("sweep: expiring booking")
			continue
		}
		if flipped {
			rep.Expired++
		}
	}

	spaces, err := s.store.Spaces().FindAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("Sweep (spaces): %w", err)
	}
	for _, sp := range spaces {
		if sp.Status == domain.SpaceVacant {
			continue
		}
		kind, err := s.repairSpace(ctx, sp.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("space_id", sp.ID).Msg("sweep: repairing space")
			continue
		}
		switch kind {
		case repairOrphanSpace:
			rep.OrphanSpaces++
		case repairSpaceStatus:
			rep.SpaceStatus++
		}
	}

	live, err := s.store.Bookings().FindLive(ctx)
	if err != nil {
		return rep, fmt.Errorf("Sweep (live bookings): %w", err)
	}
	for _, b := range live {
		fixed, err := s.repairBooking(ctx, b.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("booking_id", b.ID).Msg("sweep: repairing booking")
			continue
		}
		if fixed {
			rep.OrphanBookings++
		}
	}

	lots, err := s.store.Lots().FindAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("Sweep (lots): %w", err)
	}
	for _, lot := range lots {
		fixed, err := s.repairLotCounters(ctx, lot.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("lot_id", lot.ID).Msg("sweep: recounting lot")
			continue
		}
		if fixed {
			rep.LotCounterFixes++
		}
	}

	metrics.AddSweepRepairs("expired", rep.Expired)
	metrics.AddSweepRepairs("orphan_space", rep.OrphanSpaces)
	metrics.AddSweepRepairs("space_status", rep.SpaceStatus)
	metrics.AddSweepRepairs("orphan_booking", rep.OrphanBookings)
	metrics.AddSweepRepairs("lot_counters", rep.LotCounterFixes)
	if rep.Total() > 0 {
		s.log.Info().Interface("report", rep).Msg("sweep repaired inconsistencies")
	}
	return rep, nil
}

type repairKind int

const (
	repairNone repairKind = iota
	repairOrphanSpace
	repairSpaceStatus
)

// repairSpace vacates a non-vacant space whose booking is gone, terminal or elsewhere, and
// realigns its status when the booking moved on without it.
func (s *BookingService) repairSpace(ctx context.Context, spaceID string) (repairKind, error) {
	var kind repairKind
	err := withRetry(ctx, s.retries, func() error {
		kind = repairNone
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
			sp, err := tx.Spaces().FindByID(ctx, spaceID)
			if err != nil {
				return notFound(err, ErrSpaceNotFound)
			}
			if sp.Status == domain.SpaceVacant {
				return nil
			}
			var b *domain.Booking
			if sp.CurrentBookingID.Valid {
				b, err = tx.Bookings().FindByID(ctx, sp.CurrentBookingID.String)
				if err != nil && !errors.Is(err, repository.ErrNotFound) {
					return err
				}
			}
			if b == nil || b.Status.IsTerminal() || b.SpaceID != sp.ID {
				kind = repairOrphanSpace
				_, err := s.reconciler.Apply(ctx, tx, sp, domain.SpaceVacant, nil)
				return err
			}
			if want := b.Status.SpaceStatus(); sp.Status != want {
				kind = repairSpaceStatus
				_, err := s.reconciler.Apply(ctx, tx, sp, want, occupantFor(b))
				return err
			}
			return nil
		})
	})
	return kind, err
}

// repairBooking abandons a live booking whose space does not point back at it.
func (s *BookingService) repairBooking(ctx context.Context, bookingID string) (bool, error) {
	var fixed bool
	err := withRetry(ctx, s.retries, func() error {
		fixed = false
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return notFound(err, ErrBookingNotFound)
			}
			if b.Status.IsTerminal() {
				return nil
			}
			sp, err := tx.Spaces().FindByID(ctx, b.SpaceID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			if sp != nil && sp.CurrentBookingID.String == b.ID {
				return nil
			}
			fixed = true
			_, err = s.transition(ctx, tx, b, domain.BookingAbandoned, func(b *domain.Booking) {
				b.EndTime.SetValid(s.now())
			})
			return err
		})
	})
	if fixed && err == nil {
		s.recordTransition(bookingID, domain.BookingAbandoned)
	}
	return fixed, err
}

// repairLotCounters recounts a lot from its spaces. Spaces not yet provisioned count as
// available so the counters still add up to the lot size.
func (s *BookingService) repairLotCounters(ctx context.Context, lotID string) (bool, error) {
	var fixed bool
	err := withRetry(ctx, s.retries, func() error {
		fixed = false
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
			lot, err := tx.Lots().FindByID(ctx, lotID)
			if err != nil {
				return notFound(err, ErrLotNotFound)
			}
			spaces, err := tx.Spaces().FindByLotID(ctx, lotID)
			if err != nil {
				return err
			}
			var tally domain.LotCounters
			for _, sp := range spaces {
				tally = tally.Add(sp.Status, 1)
			}
			tally.Available = lot.TotalSpaces - tally.Booked - tally.Occupied
			current := lot.Counters()
			if current == tally {
				return nil
			}
			fixed = true
			s.log.Warn().Str("lot_id", lotID).
				Interface("stored", current).Interface("counted", tally).
				Msg("lot counters diverged from spaces")
			return tx.Lots().SetCounters(ctx, lotID, current, tally)
		})
	})
	return fixed, err
}

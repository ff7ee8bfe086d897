package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
)

func TestSweepRepairsEveryKindOfDrift(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	overdue := f.book(t, 1, domain.RoleStudent)
	f.clock.Advance(6 * time.Minute)

	// Booking moved to occupied without its space following.
	drifted := f.book(t, 4, domain.RoleStudent)
	occupied := *drifted
	occupied.Status = domain.BookingOccupied
	_, err := f.store.Bookings().UpdateIf(ctx, &occupied, domain.BookingPending)
	require.NoError(t, err)

	// Space held by a booking that does not exist.
	_, err = f.svc.Reconciler().SetSpaceStatus(ctx, f.space(t, 3).ID, domain.SpaceBooked, &domain.Occupant{
		UserID: "ghost", BookingID: "ghost-booking", StartTime: f.clock.Now(), ExpiryTime: f.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// Live booking whose space never recorded it.
	orphan, err := f.store.Bookings().Create(ctx, &domain.Booking{
		UserID: "u-orphan", UserRole: domain.RoleGuest, LotID: f.lot.ID, SpaceID: f.space(t, 2).ID,
		Status: domain.BookingPending, StartTime: f.clock.Now(), ExpiryTime: f.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Expired: 1, OrphanSpaces: 1, SpaceStatus: 1, OrphanBookings: 1}, rep)

	got, err := f.store.Bookings().FindByID(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingExpired, got.Status)
	got, err = f.store.Bookings().FindByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingAbandoned, got.Status)

	assertSpaceMatchesBooking(t, f, 1, nil)
	assertSpaceMatchesBooking(t, f, 2, nil)
	assertSpaceMatchesBooking(t, f, 3, nil)
	assertSpaceMatchesBooking(t, f, 4, &occupied)

	lot := f.reloadLot(t)
	assert.Equal(t, 3, lot.AvailableSpaces)
	assert.Equal(t, 1, lot.OccupiedSpaces)

	again, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Total(), "a clean store needs no repairs")
}

func TestSweepRecountsLotCounters(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.book(t, 2, domain.RoleGuest)

	require.NoError(t, f.store.Lots().SetCounters(ctx, f.lot.ID, f.reloadLot(t).Counters(), domain.LotCounters{Available: 1, Occupied: 2}))

	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.LotCounterFixes)

	lot := f.reloadLot(t)
	assert.Equal(t, 2, lot.AvailableSpaces)
	assert.Equal(t, 1, lot.BookedSpaces)
	assert.Equal(t, 0, lot.OccupiedSpaces)
}

func TestSweepRecountDoesNotOverwriteConcurrentBooking(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.book(t, 2, domain.RoleGuest)
	require.NoError(t, f.store.Lots().SetCounters(ctx, f.lot.ID, f.reloadLot(t).Counters(), domain.LotCounters{Available: 1, Occupied: 2}))

	var fired atomic.Bool
	f.store.SetBeforeCommit(func() {
		if fired.CompareAndSwap(false, true) {
			f.book(t, 3, domain.RoleStudent)
		}
	})
	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, fired.Load())
	assert.Equal(t, 1, rep.LotCounterFixes)

	lot := f.reloadLot(t)
	assert.Equal(t, domain.LotCounters{Available: 1, Booked: 2}, lot.Counters())
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
)

func TestReadersApplyLazyExpiry(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	b := f.book(t, 1, domain.RoleGuest)
	f.clock.Advance(6 * time.Minute)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingExpired, got.Status)

	spaces, err := f.svc.ListSpaces(ctx, f.lot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpaceVacant, spaces[0].Status)
	assert.True(t, spaces[0].Consistent())

	f.svc.Wait()
	stored, err := f.store.Bookings().FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingExpired, stored.Status, "readers kick off the persisted expiry")
	assertSpaceMatchesBooking(t, f, 1, nil)
	assert.Equal(t, 2, f.reloadLot(t).AvailableSpaces)
}

func TestListUserBookingsFiltersByEffectiveStatus(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	old := f.book(t, 1, domain.RoleGuest)
	f.clock.Advance(6 * time.Minute)

	pending, err := f.svc.ListUserBookings(ctx, old.UserID, []domain.BookingStatus{domain.BookingPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	expired, err := f.svc.ListUserBookings(ctx, old.UserID, []domain.BookingStatus{domain.BookingExpired})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
	f.svc.Wait()

	fresh := f.book(t, 2, domain.RoleGuest)
	all, err := f.svc.ListUserBookings(ctx, old.UserID, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, fresh.ID, all[0].ID, "newest first")

	byStatus, err := f.svc.ListBookingsByStatus(ctx, domain.BookingPending)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, fresh.ID, byStatus[0].ID)
}

func TestLookupsReturnDomainNotFound(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.GetLot(ctx, "missing")
	assert.ErrorIs(t, err, ErrLotNotFound)
	_, err = f.svc.GetSpace(ctx, "missing")
	assert.ErrorIs(t, err, ErrSpaceNotFound)
	_, err = f.svc.GetBooking(ctx, "missing")
	assert.ErrorIs(t, err, ErrBookingNotFound)

	lots, err := f.svc.ListLots(ctx)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, "Engineering", lots[0].Name)
}

package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/metrics"
)

type LotsKey struct{}

type LotSpacesKey struct {
	LotID string
}

// UserBookingsKey selects a user's live bookings.
type UserBookingsKey struct {
	UserID string
}

type BookingsByStatusKey struct {
	Status domain.BookingStatus
}

// Queries is the read side the hub serves.
type Queries interface {
	ListLots(ctx context.Context) ([]domain.Lot, error)
	ListSpaces(ctx context.Context, lotID string) ([]domain.Space, error)
	ListUserBookings(ctx context.Context, userID string, statuses []domain.BookingStatus) ([]domain.Booking, error)
	ListBookingsByStatus(ctx context.Context, status domain.BookingStatus) ([]domain.Booking, error)
}

// Hub owns one registry per query type. Create it at startup and Close it at shutdown.
type Hub struct {
	Lots             *Registry[LotsKey, domain.Lot]
	Spaces           *Registry[LotSpacesKey, domain.Space]
	UserBookings     *Registry[UserBookingsKey, domain.Booking]
	BookingsByStatus *Registry[BookingsByStatusKey, domain.Booking]
}

func NewHub(feed changefeed.Subscriber, q Queries, timeout time.Duration, logger *zerolog.Logger) *Hub {
	h := &Hub{
		Lots: NewRegistry(feed, Query[LotsKey, domain.Lot]{
			Name:        "lots",
			Collections: []changefeed.Collection{changefeed.Lots},
			Fetch: func(ctx context.Context, _ LotsKey) ([]domain.Lot, error) {
				return q.ListLots(ctx)
			},
		}, timeout, logger),

		Spaces: NewRegistry(feed, Query[LotSpacesKey, domain.Space]{
			Name:        "lot_spaces",
			Collections: []changefeed.Collection{changefeed.Spaces},
			Fetch: func(ctx context.Context, k LotSpacesKey) ([]domain.Space, error) {
				return q.ListSpaces(ctx, k.LotID)
			},
			Match: func(k LotSpacesKey, c changefeed.Change) bool {
				return c.LotID == "" || c.LotID == k.LotID
			},
		}, timeout, logger),

		UserBookings: NewRegistry(feed, Query[UserBookingsKey, domain.Booking]{
			Name:        "user_bookings",
			Collections: []changefeed.Collection{changefeed.Bookings},
			Fetch: func(ctx context.Context, k UserBookingsKey) ([]domain.Booking, error) {
				return q.ListUserBookings(ctx, k.UserID, domain.LiveStatuses)
			},
			Match: func(k UserBookingsKey, c changefeed.Change) bool {
				return c.UserID == "" || c.UserID == k.UserID
			},
		}, timeout, logger),

		BookingsByStatus: NewRegistry(feed, Query[BookingsByStatusKey, domain.Booking]{
			Name:        "bookings_by_status",
			Collections: []changefeed.Collection{changefeed.Bookings},
			Fetch: func(ctx context.Context, k BookingsByStatusKey) ([]domain.Booking, error) {
				return q.ListBookingsByStatus(ctx, k.Status)
			},
		}, timeout, logger),
	}
	h.Lots.onWatch = h.publishGauge
	h.Spaces.onWatch = h.publishGauge
	h.UserBookings.onWatch = h.publishGauge
	h.BookingsByStatus.onWatch = h.publishGauge
	return h
}

// ActiveListeners is the number of open change-feed watches across all queries.
func (h *Hub) ActiveListeners() int {
	return h.Lots.ActiveListeners() +
		h.Spaces.ActiveListeners() +
		h.UserBookings.ActiveListeners() +
		h.BookingsByStatus.ActiveListeners()
}

func (h *Hub) publishGauge() {
	metrics.SetHubActiveListeners(h.ActiveListeners())
}

func (h *Hub) Close() {
	h.Lots.Close()
	h.Spaces.Close()
	h.UserBookings.Close()
	h.BookingsByStatus.Close()
}

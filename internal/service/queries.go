package service

import (
	"context"
	"time"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
)

const lazyExpiryTimeout = 10 * time.Second

// Readers never report a pending booking past its expiry as pending. They show it as
// expired (and its space as vacant) and start the expiry check in the background.

func (s *BookingService) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	b, err := s.store.Bookings().FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrBookingNotFound)
	}
	out := s.lazyBooking(*b)
	return &out, nil
}

func (s *BookingService) ListLots(ctx context.Context) ([]domain.Lot, error) {
	return s.store.Lots().FindAll(ctx)
}

func (s *BookingService) GetLot(ctx context.Context, id string) (*domain.Lot, error) {
	lot, err := s.store.Lots().FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrLotNotFound)
	}
	return lot, nil
}

func (s *BookingService) ListSpaces(ctx context.Context, lotID string) ([]domain.Space, error) {
	spaces, err := s.store.Spaces().FindByLotID(ctx, lotID)
	if err != nil {
		return nil, err
	}
	for i := range spaces {
		spaces[i] = s.lazySpace(spaces[i])
	}
	return spaces, nil
}

func (s *BookingService) GetSpace(ctx context.Context, id string) (*domain.Space, error) {
	space, err := s.store.Spaces().FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrSpaceNotFound)
	}
	out := s.lazySpace(*space)
	return &out, nil
}

// ListUserBookings returns a user's bookings newest first, filtered by effective status.
func (s *BookingService) ListUserBookings(ctx context.Context, userID string, statuses []domain.BookingStatus) ([]domain.Booking, error) {
	query := statuses
	if len(statuses) > 0 && containsStatus(statuses, domain.BookingExpired) && !containsStatus(statuses, domain.BookingPending) {
		// Lazily expired bookings are still stored as pending.
		query = append(append([]domain.BookingStatus{}, statuses...), domain.BookingPending)
	}
	bookings, err := s.store.Bookings().FindByUser(ctx, userID, query)
	if err != nil {
		return nil, err
	}
	return s.lazyFilter(bookings, statuses), nil
}

func (s *BookingService) ListBookingsByStatus(ctx context.Context, status domain.BookingStatus) ([]domain.Booking, error) {
	bookings, err := s.store.Bookings().FindByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	if status == domain.BookingExpired {
		pending, err := s.store.Bookings().FindExpiredPending(ctx, s.now())
		if err != nil {
			return nil, err
		}
		bookings = append(pending, bookings...)
	}
	return s.lazyFilter(bookings, []domain.BookingStatus{status}), nil
}

func (s *BookingService) GetBill(ctx context.Context, bookingID string) (*domain.Bill, error) {
	bill, err := s.store.Bills().FindByBookingID(ctx, bookingID)
	if err != nil {
		return nil, notFound(err, ErrBillNotFound)
	}
	return bill, nil
}

func containsStatus(list []domain.BookingStatus, s domain.BookingStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *BookingService) lazyFilter(bookings []domain.Booking, statuses []domain.BookingStatus) []domain.Booking {
	out := make([]domain.Booking, 0, len(bookings))
	for _, b := range bookings {
		b = s.lazyBooking(b)
		if len(statuses) == 0 || containsStatus(statuses, b.Status) {
			out = append(out, b)
		}
	}
	return out
}

func (s *BookingService) lazyBooking(b domain.Booking) domain.Booking {
	if !b.ExpiredAt(s.now()) {
		return b
	}
	s.expireAsync(b.ID)
	b.Status = domain.BookingExpired
	return b
}

func (s *BookingService) lazySpace(sp domain.Space) domain.Space {
	if sp.Status != domain.SpaceBooked || !sp.BookingExpiryTime.Valid || !s.now().After(sp.BookingExpiryTime.Time) {
		return sp
	}
	if sp.CurrentBookingID.Valid {
		s.expireAsync(sp.CurrentBookingID.String)
	}
	return sp.WithStatus(domain.SpaceVacant, nil)
}

// expireAsync runs ExpireBooking once per booking at a time, detached from the caller.
func (s *BookingService) expireAsync(bookingID string) {
	if _, running := s.inflight.LoadOrStore(bookingID, struct{}{}); running {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.inflight.Delete(bookingID)
		ctx, cancel := context.WithTimeout(context.Background(), lazyExpiryTimeout)
		defer cancel()
		if _, err := s.ExpireBooking(ctx, bookingID); err != nil {
			s.log.Warn().Err(err).Str("booking_id", bookingID).Msg("lazy expiry check failed")
		}
	}()
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/guregu/null.v4"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/metrics"
	"github.com/Kobia22/lanesParkin-sub001/internal/pricing"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

const DefaultExpiryWindow = 5 * time.Minute

// ExpiryScheduler arranges for ExpireBooking(bookingID) to run at or after at.
type ExpiryScheduler interface {
	Schedule(ctx context.Context, bookingID string, at time.Time) error
}

type Options struct {
	ExpiryWindow    time.Duration
	ConflictRetries int
	Scheduler       ExpiryScheduler
	Now             func() time.Time
}

type BookingService struct {
	store      repository.Store
	pricing    pricing.Engine
	reconciler *Reconciler
	scheduler  ExpiryScheduler
	window     time.Duration
	retries    int
	now        func() time.Time
	log        zerolog.Logger

	bg       sync.WaitGroup
	inflight sync.Map
}

func NewBookingService(store repository.Store, engine pricing.Engine, opts Options, logger *zerolog.Logger) *BookingService {
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = DefaultExpiryWindow
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 3
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &BookingService{
		store:      store,
		pricing:    engine,
		reconciler: NewReconciler(store, opts.ConflictRetries, logger),
		scheduler:  opts.Scheduler,
		window:     opts.ExpiryWindow,
		retries:    opts.ConflictRetries,
		now:        opts.Now,
		log:        logger.With().Str("component", "booking_service").Logger(),
	}
}

func (s *BookingService) Reconciler() *Reconciler {
	return s.reconciler
}

// SetScheduler wires the expiry scheduler after construction; the scheduler usually
// needs the service as its handler.
func (s *BookingService) SetScheduler(sch ExpiryScheduler) {
	s.scheduler = sch
}

// Wait blocks until background expiry checks started by readers have finished.
func (s *BookingService) Wait() {
	s.bg.Wait()
}

type CreateBookingInput struct {
	SpaceID     string
	UserID      string
	UserEmail   string
	UserRole    domain.UserRole
	VehicleInfo string
}

type CompletionResult struct {
	Booking *domain.Booking `json:"booking"`
	Bill    *domain.Bill    `json:"bill"`
	Amount  float64         `json:"amount"`
}

func occupantFor(b *domain.Booking) *domain.Occupant {
	return &domain.Occupant{
		UserID:      b.UserID,
		UserEmail:   b.UserEmail,
		VehicleInfo: b.VehicleInfo,
		BookingID:   b.ID,
		StartTime:   b.StartTime,
		ExpiryTime:  b.ExpiryTime,
	}
}

// --- Lifecycle ---

func (s *BookingService) CreateBooking(ctx context.Context, in CreateBookingInput) (*domain.Booking, error) {
	if !in.UserRole.CanBook() {
		return nil, ErrInvalidRole
	}
	quote, err := s.pricing.Provisional(in.UserRole)
	if err != nil {
		return nil, ErrInvalidRole
	}

	var created *domain.Booking
	err = withRetry(ctx, s.retries, func() error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
			space, err := tx.Spaces().FindByID(ctx, in.SpaceID)
			if err != nil {
				return notFound(err, ErrSpaceNotFound)
			}
			if space.Status != domain.SpaceVacant {
				return ErrSpaceUnavailable
			}
			lot, err := tx.Lots().FindByID(ctx, space.LotID)
			if err != nil {
				return notFound(err, ErrLotNotFound)
			}

			now := s.now()
			b := &domain.Booking{
				ID:            uuid.NewString(),
				UserID:        in.UserID,
				UserEmail:     in.UserEmail,
				UserRole:      in.UserRole,
				LotID:         lot.ID,
				LotName:       lot.Name,
				SpaceID:       space.ID,
				SpaceNumber:   space.Number,
				Status:        domain.BookingPending,
				StartTime:     now,
				ExpiryTime:    now.Add(s.window),
				VehicleInfo:   in.VehicleInfo,
				BillingType:   quote.BillingType,
				BillingRate:   quote.BillingRate,
				PaymentAmount: quote.Amount,
				PaymentStatus: domain.PaymentPending,
			}
			if _, err := s.reconciler.Apply(ctx, tx, space, domain.SpaceBooked, occupantFor(b)); err != nil {
				return err
			}
			created, err = tx.Bookings().Create(ctx, b)
			if errors.Is(err, repository.ErrDuplicateEntry) {
				return ErrSpaceUnavailable
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.IncBookingTransition(string(domain.BookingPending))
	s.log.Info().
		Str("booking_id", created.ID).
		Str("space_id", created.SpaceID).
		Str("user_id", created.UserID).
		Time("expiry_time", created.ExpiryTime).
		Msg("booking created")

	if s.scheduler != nil {
		// The sweep and lazy expiry cover a lost schedule, so this is not fatal.
		if err := s.scheduler.Schedule(ctx, created.ID, created.ExpiryTime); err != nil {
			s.log.Warn().Err(err).Str("booking_id", created.ID).Msg("scheduling expiry check")
		}
	}
	return created, nil
}

// MarkOccupied records the driver's arrival. A booking found past its expiry is expired on
// the spot and ErrBookingExpired is returned.
func (s *BookingService) MarkOccupied(ctx context.Context, bookingID string) (*domain.Booking, error) {
	var out *domain.Booking
	var expired bool
	err := withRetry(ctx, s.retries, func() error {
		expired = false
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return notFound(err, ErrBookingNotFound)
			}
			now := s.now()
			if b.ExpiredAt(now) {
				expired = true
				_, err := s.expireInTx(ctx, tx, b, now)
				return err
			}
			out, err = s.transition(ctx, tx, b, domain.BookingOccupied, func(b *domain.Booking) {
				b.ArrivalTime = null.TimeFrom(now)
			})
			if err != nil {
				return err
			}
			return s.moveSpace(ctx, tx, out)
		})
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.recordTransition(bookingID, domain.BookingExpired)
		return nil, ErrBookingExpired
	}
	s.recordTransition(bookingID, domain.BookingOccupied)
	return out, nil
}

// CompleteBooking closes a pending or occupied booking, prices it and issues its bill.
func (s *BookingService) CompleteBooking(ctx context.Context, bookingID string) (*CompletionResult, error) {
	var res *CompletionResult
	var expired bool
	err := withRetry(ctx, s.retries, func() error {
		expired = false
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return notFound(err, ErrBookingNotFound)
			}
			now := s.now()
			if b.ExpiredAt(now) {
				expired = true
				_, err := s.expireInTx(ctx, tx, b, now)
				return err
			}
			if !domain.CanTransition(b.Status, domain.BookingCompleted) {
				return ErrInvalidStateTransition
			}
			quote, err := s.pricing.Price(b.UserRole, now.Sub(b.StartTime))
			if err != nil {
				return fmt.Errorf("pricing booking %s: %w", b.ID, err)
			}
			done, err := s.transition(ctx, tx, b, domain.BookingCompleted, func(b *domain.Booking) {
				b.EndTime = null.TimeFrom(now)
				b.BillingRate = quote.BillingRate
				b.PaymentAmount = quote.Amount
				b.PaymentStatus = domain.PaymentPaid
			})
			if err != nil {
				return err
			}
			bill, err := tx.Bills().Create(ctx, &domain.Bill{
				BookingID:   done.ID,
				UserID:      done.UserID,
				UserEmail:   done.UserEmail,
				Amount:      quote.Amount,
				Status:      domain.BillPaid,
				DueDate:     now,
				Description: fmt.Sprintf("Parking at %s, space %d", done.LotName, done.SpaceNumber),
			})
			if err != nil {
				return fmt.Errorf("creating bill for booking %s: %w", done.ID, err)
			}
			if err := s.releaseSpace(ctx, tx, done); err != nil {
				return err
			}
			res = &CompletionResult{Booking: done, Bill: bill, Amount: quote.Amount}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.recordTransition(bookingID, domain.BookingExpired)
		return nil, ErrBookingExpired
	}
	s.recordTransition(bookingID, domain.BookingCompleted)
	return res, nil
}

// CancelBooking lets the owner withdraw a booking before arrival.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID, userID string) (*domain.Booking, error) {
	return s.release(ctx, bookingID, domain.BookingCancelled, func(b *domain.Booking) error {
		if b.UserID != userID {
			return ErrNotBookingOwner
		}
		return nil
	})
}

// ForceAbandon is the administrative way out of any live booking.
func (s *BookingService) ForceAbandon(ctx context.Context, bookingID string) (*domain.Booking, error) {
	return s.release(ctx, bookingID, domain.BookingAbandoned, nil)
}

// release moves a booking to a terminal status and frees its space.
func (s *BookingService) release(ctx context.Context, bookingID string, to domain.BookingStatus, check func(*domain.Booking) error) (*domain.Booking, error) {
	var out *domain.Booking
	var expired bool
	err := withRetry(ctx, s.retries, func() error {
		expired = false
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return notFound(err, ErrBookingNotFound)
			}
			if check != nil {
				if err := check(b); err != nil {
					return err
				}
			}
			now := s.now()
			if b.ExpiredAt(now) {
				expired = true
				_, err := s.expireInTx(ctx, tx, b, now)
				return err
			}
			out, err = s.transition(ctx, tx, b, to, func(b *domain.Booking) {
				b.EndTime = null.TimeFrom(now)
			})
			if err != nil {
				return err
			}
			return s.releaseSpace(ctx, tx, out)
		})
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.recordTransition(bookingID, domain.BookingExpired)
		return nil, ErrBookingExpired
	}
	s.recordTransition(bookingID, to)
	return out, nil
}

// ExpireBooking is the expiry check. It is safe to run any number of times for the same
// booking: only the call that flips Pending to Expired reports true.
func (s *BookingService) ExpireBooking(ctx context.Context, bookingID string) (bool, error) {
	var flipped bool
	err := withRetry(ctx, s.retries, func() error {
		flipped = false
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return notFound(err, ErrBookingNotFound)
			}
			flipped, err = s.expireInTx(ctx, tx, b, s.now())
			return err
		})
	})
	switch {
	case err != nil:
		metrics.IncExpiryCheck("error")
		return false, err
	case flipped:
		metrics.IncExpiryCheck("expired")
		s.recordTransition(bookingID, domain.BookingExpired)
	default:
		metrics.IncExpiryCheck("noop")
	}
	return flipped, nil
}

func (s *BookingService) expireInTx(ctx context.Context, tx repository.Repositories, b *domain.Booking, now time.Time) (bool, error) {
	if !b.ExpiredAt(now) {
		return false, nil
	}
	done, err := s.transition(ctx, tx, b, domain.BookingExpired, func(b *domain.Booking) {
		b.EndTime = null.TimeFrom(now)
	})
	if err != nil {
		return false, err
	}
	return true, s.releaseSpace(ctx, tx, done)
}

// transition applies mutate and writes the booking conditionally on its current status.
func (s *BookingService) transition(ctx context.Context, tx repository.Repositories, b *domain.Booking, to domain.BookingStatus, mutate func(*domain.Booking)) (*domain.Booking, error) {
	if !domain.CanTransition(b.Status, to) {
		return nil, ErrInvalidStateTransition
	}
	prev := b.Status
	next := *b
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	updated, err := tx.Bookings().UpdateIf(ctx, &next, prev)
	if err != nil {
		return nil, notFound(err, ErrBookingNotFound)
	}
	return updated, nil
}

// moveSpace brings the booking's space to the status the booking implies.
func (s *BookingService) moveSpace(ctx context.Context, tx repository.Repositories, b *domain.Booking) error {
	space, err := tx.Spaces().FindByID(ctx, b.SpaceID)
	if err != nil {
		return notFound(err, ErrSpaceNotFound)
	}
	if space.CurrentBookingID.String != b.ID {
		return fmt.Errorf("space %s is held by booking %q, not %s: %w",
			space.ID, space.CurrentBookingID.String, b.ID, ErrInvalidStateTransition)
	}
	_, err = s.reconciler.Apply(ctx, tx, space, b.Status.SpaceStatus(), occupantFor(b))
	return err
}

// releaseSpace vacates the booking's space, unless the space already moved on to
// another booking.
func (s *BookingService) releaseSpace(ctx context.Context, tx repository.Repositories, b *domain.Booking) error {
	space, err := tx.Spaces().FindByID(ctx, b.SpaceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if space.CurrentBookingID.String != b.ID {
		return nil
	}
	_, err = s.reconciler.Apply(ctx, tx, space, domain.SpaceVacant, nil)
	return err
}

func (s *BookingService) recordTransition(bookingID string, to domain.BookingStatus) {
	metrics.IncBookingTransition(string(to))
	s.log.Info().Str("booking_id", bookingID).Str("status", string(to)).Msg("booking transition")
}

// --- Administration ---

// OverrideSpaceStatus is the administrative status change. It goes through the booking
// lifecycle whenever a booking holds the space, so the space never disagrees with it.
func (s *BookingService) OverrideSpaceStatus(ctx context.Context, spaceID string, status domain.SpaceStatus) (*domain.Space, error) {
	if !status.Valid() {
		return nil, ErrInvalidSpaceStatus
	}
	space, err := s.store.Spaces().FindByID(ctx, spaceID)
	if err != nil {
		return nil, notFound(err, ErrSpaceNotFound)
	}
	if space.Status == status {
		return space, nil
	}

	bookingID := space.CurrentBookingID.String
	var live *domain.Booking
	if bookingID != "" {
		b, err := s.store.Bookings().FindByID(ctx, bookingID)
		switch {
		case err == nil && !b.Status.IsTerminal():
			live = b
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}

	switch {
	case status == domain.SpaceVacant && live != nil:
		if _, err := s.ForceAbandon(ctx, live.ID); err != nil && !errors.Is(err, ErrBookingExpired) {
			return nil, err
		}
	case status == domain.SpaceVacant:
		if _, err := s.reconciler.SetSpaceStatus(ctx, spaceID, domain.SpaceVacant, nil); err != nil {
			return nil, err
		}
	case status == domain.SpaceOccupied && live != nil:
		if _, err := s.MarkOccupied(ctx, live.ID); err != nil {
			return nil, err
		}
	default:
		// A space only becomes booked or occupied through a booking.
		return nil, ErrInvalidStateTransition
	}
	return s.store.Spaces().FindByID(ctx, spaceID)
}

// ProvisionLot creates a lot with spaces numbered 1..totalSpaces, all vacant.
func (s *BookingService) ProvisionLot(ctx context.Context, dto domain.LotDTO) (*domain.Lot, error) {
	var lot *domain.Lot
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
		var err error
		lot, err = tx.Lots().Create(ctx, &domain.Lot{
			Name:            dto.Name,
			Location:        dto.Location,
			TotalSpaces:     dto.TotalSpaces,
			AvailableSpaces: dto.TotalSpaces,
		})
		if err != nil {
			return err
		}
		for n := 1; n <= dto.TotalSpaces; n++ {
			if _, err := tx.Spaces().Create(ctx, &domain.Space{LotID: lot.ID, Number: n, Status: domain.SpaceVacant}); err != nil {
				return fmt.Errorf("creating space %d: %w", n, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("lot_id", lot.ID).Str("name", lot.Name).Int("spaces", lot.TotalSpaces).Msg("lot provisioned")
	return lot, nil
}

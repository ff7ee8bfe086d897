package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
)

var ErrNotFound = errors.New("record not found")
var ErrDuplicateEntry = errors.New("record already exists")

// ErrConflict means a conditional write lost a race: the row changed since it was read.
// Callers reread and retry.
var ErrConflict = errors.New("record was modified concurrently")

type LotRepository interface {
	Create(ctx context.Context, lot *domain.Lot) (*domain.Lot, error)
	FindByID(ctx context.Context, id string) (*domain.Lot, error)
	FindAll(ctx context.Context) ([]domain.Lot, error)
	// ApplyDelta adds delta to the lot's counters in a single statement.
	ApplyDelta(ctx context.Context, id string, delta domain.LotCounters) error
	// SetCounters overwrites the counters with an absolute tally, provided they still equal
	// expected. Otherwise it returns ErrConflict.
	SetCounters(ctx context.Context, id string, expected, counters domain.LotCounters) error
}

type SpaceRepository interface {
	Create(ctx context.Context, space *domain.Space) (*domain.Space, error)
	FindByID(ctx context.Context, id string) (*domain.Space, error)
	FindByLotID(ctx context.Context, lotID string) ([]domain.Space, error)
	FindAll(ctx context.Context) ([]domain.Space, error)
	// CompareAndSwap writes space only if the stored row still has expectedStatus and
	// expectedVersion, and returns the stored row with its new version. Otherwise ErrConflict.
	CompareAndSwap(ctx context.Context, space *domain.Space, expectedStatus domain.SpaceStatus, expectedVersion int64) (*domain.Space, error)
}

type BookingRepository interface {
	Create(ctx context.Context, booking *domain.Booking) (*domain.Booking, error)
	FindByID(ctx context.Context, id string) (*domain.Booking, error)
	// FindByUser lists a user's bookings newest first. No statuses means all of them.
	FindByUser(ctx context.Context, userID string, statuses []domain.BookingStatus) ([]domain.Booking, error)
	FindByStatus(ctx context.Context, status domain.BookingStatus) ([]domain.Booking, error)
	FindExpiredPending(ctx context.Context, now time.Time) ([]domain.Booking, error)
	FindLive(ctx context.Context) ([]domain.Booking, error)
	// UpdateIf writes booking only if the stored status is still expected, else ErrConflict.
	UpdateIf(ctx context.Context, booking *domain.Booking, expected domain.BookingStatus) (*domain.Booking, error)
}

type BillRepository interface {
	Create(ctx context.Context, bill *domain.Bill) (*domain.Bill, error)
	FindByBookingID(ctx context.Context, bookingID string) (*domain.Bill, error)
}

// Repositories is the set of collections reachable inside and outside a transaction.
type Repositories interface {
	Lots() LotRepository
	Spaces() SpaceRepository
	Bookings() BookingRepository
	Bills() BillRepository
}

// Store commits everything fn writes through tx atomically, or nothing. Change
// notifications for the writes go out only after a successful commit.
type Store interface {
	Repositories
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error
}

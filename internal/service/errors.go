package service

import (
	"errors"
	"fmt"

	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

var (
	ErrSpaceNotFound   = fmt.Errorf("space %w", repository.ErrNotFound)
	ErrLotNotFound     = fmt.Errorf("lot %w", repository.ErrNotFound)
	ErrBookingNotFound = fmt.Errorf("booking %w", repository.ErrNotFound)
	ErrBillNotFound    = fmt.Errorf("bill %w", repository.ErrNotFound)

	ErrInvalidStateTransition = errors.New("booking cannot make this transition from its current status")
	ErrSpaceUnavailable       = errors.New("space is not vacant")
	ErrBookingExpired         = errors.New("booking has expired")
	ErrConcurrencyConflict    = errors.New("too many concurrent updates, try again")
	ErrNotBookingOwner        = errors.New("booking belongs to another user")
	ErrInvalidRole            = errors.New("role is not allowed to book spaces")
	ErrInvalidSpaceStatus     = errors.New("invalid space status")
	ErrOccupantRequired       = errors.New("occupant is required for a non-vacant space")
)

// notFound rewrites a bare repository.ErrNotFound into the domain-specific sentinel.
func notFound(err error, as error) error {
	if errors.Is(err, repository.ErrNotFound) && !errors.Is(err, as) {
		return as
	}
	return err
}

package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/realtime"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
	"github.com/Kobia22/lanesParkin-sub001/internal/service"
)

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBookingExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrInvalidStateTransition),
		errors.Is(err, service.ErrSpaceUnavailable),
		errors.Is(err, service.ErrConcurrencyConflict),
		errors.Is(err, repository.ErrDuplicateEntry):
		return http.StatusConflict
	case errors.Is(err, service.ErrNotBookingOwner), errors.Is(err, service.ErrInvalidRole):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidSpaceStatus), errors.Is(err, service.ErrOccupantRequired):
		return http.StatusBadRequest
	case errors.Is(err, realtime.ErrSubscriptionUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// responder writes error responses; unexpected failures are logged, not shown.
type responder struct {
	log zerolog.Logger
}

func newResponder(logger *zerolog.Logger, component string) responder {
	return responder{log: logger.With().Str("component", component).Logger()}
}

func (r responder) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		r.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

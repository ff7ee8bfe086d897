package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/api/middleware"
	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/service"
)

type BookingHandler struct {
	responder
	bookingService *service.BookingService
}

func NewBookingHandler(bs *service.BookingService, logger *zerolog.Logger) *BookingHandler {
	return &BookingHandler{responder: newResponder(logger, "booking_handler"), bookingService: bs}
}

// POST /bookings
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	var dto domain.CreateBookingDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, _ := middleware.CurrentIdentity(c)
	b, err := h.bookingService.CreateBooking(c.Request.Context(), service.CreateBookingInput{
		SpaceID:     dto.SpaceID,
		UserID:      id.UserID,
		UserEmail:   id.Email,
		UserRole:    id.Role,
		VehicleInfo: dto.VehicleInfo,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// GET /bookings/me?status=pending,occupied
func (h *BookingHandler) MyBookings(c *gin.Context) {
	statuses, err := parseStatuses(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, _ := middleware.CurrentIdentity(c)
	bookings, err := h.bookingService.ListUserBookings(c.Request.Context(), id.UserID, statuses)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bookings)
}

// GET /bookings?status=pending
func (h *BookingHandler) BookingsByStatus(c *gin.Context) {
	status := domain.BookingStatus(c.DefaultQuery("status", string(domain.BookingPending)))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown booking status %q", status)})
		return
	}
	bookings, err := h.bookingService.ListBookingsByStatus(c.Request.Context(), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bookings)
}

// GET /bookings/:id
func (h *BookingHandler) GetBooking(c *gin.Context) {
	b, ok := h.visibleBooking(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, b)
}

// GET /bookings/:id/bill
func (h *BookingHandler) GetBill(c *gin.Context) {
	b, ok := h.visibleBooking(c)
	if !ok {
		return
	}
	bill, err := h.bookingService.GetBill(c.Request.Context(), b.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bill)
}

// POST /bookings/:id/arrive
func (h *BookingHandler) MarkOccupied(c *gin.Context) {
	b, err := h.bookingService.MarkOccupied(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /bookings/:id/complete
func (h *BookingHandler) CompleteBooking(c *gin.Context) {
	res, err := h.bookingService.CompleteBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /bookings/:id/cancel
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	id, _ := middleware.CurrentIdentity(c)
	b, err := h.bookingService.CancelBooking(c.Request.Context(), c.Param("id"), id.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /bookings/:id/abandon
func (h *BookingHandler) ForceAbandon(c *gin.Context) {
	b, err := h.bookingService.ForceAbandon(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /admin/sweep
func (h *BookingHandler) Sweep(c *gin.Context) {
	rep, err := h.bookingService.Sweep(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// visibleBooking loads the booking in the path, which only its owner and staff may see.
func (h *BookingHandler) visibleBooking(c *gin.Context) (*domain.Booking, bool) {
	b, err := h.bookingService.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	id, _ := middleware.CurrentIdentity(c)
	if b.UserID != id.UserID && !id.IsStaff() {
		h.writeError(c, service.ErrNotBookingOwner)
		return nil, false
	}
	return b, true
}

func parseStatuses(raw string) ([]domain.BookingStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []domain.BookingStatus
	for _, part := range strings.Split(raw, ",") {
		s := domain.BookingStatus(strings.TrimSpace(part))
		if !s.Valid() {
			return nil, fmt.Errorf("unknown booking status %q", s)
		}
		out = append(out, s)
	}
	return out, nil
}

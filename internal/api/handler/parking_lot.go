package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/service"
)

type LotHandler struct {
	responder
	bookingService *service.BookingService
}

func NewLotHandler(bs *service.BookingService, logger *zerolog.Logger) *LotHandler {
	return &LotHandler{responder: newResponder(logger, "lot_handler"), bookingService: bs}
}

// POST /lots
func (h *LotHandler) CreateLot(c *gin.Context) {
	var dto domain.LotDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	lot, err := h.bookingService.ProvisionLot(c.Request.Context(), dto)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lot)
}

// GET /lots
func (h *LotHandler) ListLots(c *gin.Context) {
	lots, err := h.bookingService.ListLots(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lots)
}

// GET /lots/:id
func (h *LotHandler) GetLot(c *gin.Context) {
	lot, err := h.bookingService.GetLot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lot)
}

// GET /lots/:id/spaces
func (h *LotHandler) ListSpaces(c *gin.Context) {
	if _, err := h.bookingService.GetLot(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	spaces, err := h.bookingService.ListSpaces(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, spaces)
}

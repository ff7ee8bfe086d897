package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/service"
)

type SpaceHandler struct {
	responder
	bookingService *service.BookingService
}

func NewSpaceHandler(bs *service.BookingService, logger *zerolog.Logger) *SpaceHandler {
	return &SpaceHandler{responder: newResponder(logger, "space_handler"), bookingService: bs}
}

// GET /spaces/:id
func (h *SpaceHandler) GetSpace(c *gin.Context) {
	space, err := h.bookingService.GetSpace(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, space)
}

// PUT /spaces/:id/status
func (h *SpaceHandler) OverrideStatus(c *gin.Context) {
	var dto domain.SpaceStatusDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	space, err := h.bookingService.OverrideSpaceStatus(c.Request.Context(), c.Param("id"), domain.SpaceStatus(dto.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, space)
}

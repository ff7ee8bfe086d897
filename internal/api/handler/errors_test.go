package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kobia22/lanesParkin-sub001/internal/service"
)

func serveError(t *testing.T, logger *zerolog.Logger, err error) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := newResponder(logger, "booking_handler")
	engine := gin.New()
	engine.GET("/bookings/:id", func(c *gin.Context) { r.writeError(c, err) })
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bookings/b1", nil))
	return rec
}

func TestUnexpectedErrorsAreLoggedThroughInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	rec := serveError(t, &logger, errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "booking_handler", entry["component"])
	assert.Equal(t, "/bookings/:id", entry["path"])
	assert.Equal(t, "disk on fire", entry["error"])
}

func TestDomainErrorsAreNotLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	rec := serveError(t, &logger, fmt.Errorf("cancel: %w", service.ErrNotBookingOwner))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, buf.String())
}

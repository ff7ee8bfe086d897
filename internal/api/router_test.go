package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kobia22/lanesParkin-sub001/internal/api/handler"
	"github.com/Kobia22/lanesParkin-sub001/internal/api/middleware"
	"github.com/Kobia22/lanesParkin-sub001/internal/changefeed"
	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/identity"
	"github.com/Kobia22/lanesParkin-sub001/internal/pricing"
	"github.com/Kobia22/lanesParkin-sub001/internal/realtime"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository/memory"
	"github.com/Kobia22/lanesParkin-sub001/internal/service"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	router   *gin.Engine
	svc      *service.BookingService
	clock    *clock
	verifier *identity.Verifier
	lot      *domain.Lot
	spaces   []domain.Space
	hub      *realtime.Hub
	ws       *handler.WebSocketManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zerolog.New(io.Discard)
	clk := &clock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}

	broker := changefeed.NewBroker()
	t.Cleanup(broker.Close)
	store := memory.New(broker, &logger)
	store.SetClock(clk.Now)
	svc := service.NewBookingService(store, pricing.NewEngine(200, 50, 30*time.Minute), service.Options{Now: clk.Now}, &logger)
	hub := realtime.NewHub(broker, svc, time.Second, &logger)
	t.Cleanup(hub.Close)
	ws := handler.NewWebSocketManager(hub, time.Second, &logger)
	t.Cleanup(ws.Close)
	verifier := identity.NewVerifier("test-secret")

	lot, err := svc.ProvisionLot(context.Background(), domain.LotDTO{Name: "Engineering", TotalSpaces: 3})
	require.NoError(t, err)
	spaces, err := svc.ListSpaces(context.Background(), lot.ID)
	require.NoError(t, err)

	return &testServer{
		router:   SetupRouter(svc, middleware.NewAuthMiddleware(verifier, &logger), ws, &logger),
		svc:      svc,
		clock:    clk,
		verifier: verifier,
		lot:      lot,
		spaces:   spaces,
		hub:      hub,
		ws:       ws,
	}
}

func (s *testServer) token(t *testing.T, user string, role domain.UserRole) string {
	t.Helper()
	tok, err := s.verifier.Issue(domain.Identity{UserID: user, Email: user + "@campus.edu", Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/lots", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/lots", "bogus", nil).Code)

	w := s.do(t, http.MethodGet, "/api/v1/lots", s.token(t, "u1", domain.RoleGuest), nil)
	require.Equal(t, http.StatusOK, w.Code)
	lots := decode[[]domain.Lot](t, w)
	require.Len(t, lots, 1)
	assert.Equal(t, 3, lots[0].AvailableSpaces)
}

func TestBookingRoundTripOverHTTP(t *testing.T) {
	s := newTestServer(t)
	student := s.token(t, "stu", domain.RoleStudent)
	staff := s.token(t, "staff", domain.RoleStaff)

	w := s.do(t, http.MethodPost, "/api/v1/bookings", student, domain.CreateBookingDTO{SpaceID: s.spaces[0].ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decode[domain.Booking](t, w)
	assert.Equal(t, domain.BookingPending, b.Status)
	assert.Equal(t, "stu", b.UserID)

	w = s.do(t, http.MethodPost, "/api/v1/bookings", s.token(t, "other", domain.RoleGuest), domain.CreateBookingDTO{SpaceID: s.spaces[0].ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID, s.token(t, "other", domain.RoleGuest), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/arrive", student, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "students cannot confirm arrival")

	w = s.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/arrive", staff, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.BookingOccupied, decode[domain.Booking](t, w).Status)

	s.clock.Advance(3 * time.Hour)
	w = s.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/complete", staff, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[service.CompletionResult](t, w)
	assert.Equal(t, 200.0, res.Amount)

	w = s.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID+"/bill", student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 200.0, decode[domain.Bill](t, w).Amount)

	w = s.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/complete", staff, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/bookings/me?status=completed", student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Booking](t, w), 1)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	guest := s.token(t, "g1", domain.RoleGuest)
	staff := s.token(t, "staff", domain.RoleStaff)
	admin := s.token(t, "admin", domain.RoleAdmin)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/bookings/nope", staff, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/lots/nope/spaces", guest, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/bookings/me?status=parked", guest, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/bookings", guest, map[string]string{}).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/bookings", staff, domain.CreateBookingDTO{SpaceID: s.spaces[0].ID}).Code)

	w := s.do(t, http.MethodPost, "/api/v1/bookings", guest, domain.CreateBookingDTO{SpaceID: s.spaces[1].ID})
	require.Equal(t, http.StatusCreated, w.Code)
	b := decode[domain.Booking](t, w)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/cancel", s.token(t, "g2", domain.RoleGuest), nil).Code)

	s.clock.Advance(6 * time.Minute)
	w = s.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/arrive", staff, nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Contains(t, w.Body.String(), "expired")

	w = s.do(t, http.MethodPut, "/api/v1/spaces/"+s.spaces[2].ID+"/status", admin, domain.SpaceStatusDTO{Status: "occupied"})
	assert.Equal(t, http.StatusConflict, w.Code, "a space only becomes occupied through a booking")
	w = s.do(t, http.MethodPut, "/api/v1/spaces/"+s.spaces[2].ID+"/status", admin, domain.SpaceStatusDTO{Status: "parked"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPut, "/api/v1/spaces/"+s.spaces[2].ID+"/status", staff, domain.SpaceStatusDTO{Status: "vacant"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminSweep(t *testing.T) {
	s := newTestServer(t)
	_, err := s.svc.CreateBooking(context.Background(), service.CreateBookingInput{
		SpaceID: s.spaces[0].ID, UserID: "g1", UserRole: domain.RoleGuest,
	})
	require.NoError(t, err)
	s.clock.Advance(10 * time.Minute)

	w := s.do(t, http.MethodPost, "/api/v1/admin/sweep", s.token(t, "admin", domain.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[service.SweepReport](t, w).Expired)
}

func TestWebSocketStreamsLots(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?topic=lots&token=" + s.token(t, "g1", domain.RoleGuest)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	type lotsFrame struct {
		Topic string        `json:"topic"`
		Mode  realtime.Mode `json:"mode"`
		Data  []domain.Lot  `json:"data"`
	}
	read := func() lotsFrame {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f lotsFrame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	first := read()
	assert.Equal(t, "lots", first.Topic)
	assert.Equal(t, realtime.ModeStream, first.Mode)
	require.Len(t, first.Data, 1)
	assert.Equal(t, 3, first.Data[0].AvailableSpaces)
	assert.Equal(t, 1, s.hub.ActiveListeners())

	_, err = s.svc.CreateBooking(context.Background(), service.CreateBookingInput{
		SpaceID: s.spaces[0].ID, UserID: "g1", UserRole: domain.RoleGuest,
	})
	require.NoError(t, err)
	next := read()
	require.Len(t, next.Data, 1)
	assert.Equal(t, 2, next.Data[0].AvailableSpaces)

	conn.Close()
	assert.Eventually(t, func() bool { return s.hub.ActiveListeners() == 0 && s.ws.Clients() == 0 },
		2*time.Second, 10*time.Millisecond, "disconnect must release the subscription")
}

func TestWebSocketRejectsBadTopic(t *testing.T) {
	s := newTestServer(t)
	guest := s.token(t, "g1", domain.RoleGuest)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/ws?topic=weather", guest, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/ws?topic=spaces", guest, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/ws?topic=bookings", guest, nil).Code)
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/api/middleware"
	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/realtime"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type frame struct {
	Topic string        `json:"topic"`
	Mode  realtime.Mode `json:"mode"`
	Data  any           `json:"data"`
}

// opener starts the hub subscription for one connection; push receives each snapshot.
type opener func(ctx context.Context, push func(any)) (realtime.Unsubscribe, realtime.Mode, error)

// WebSocketManager tracks live connections so they can be closed on shutdown.
type WebSocketManager struct {
	hub          *realtime.Hub
	pollInterval time.Duration
	log          zerolog.Logger

	mutex   sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	unsub  realtime.Unsubscribe
	once   sync.Once
}

func NewWebSocketManager(hub *realtime.Hub, pollInterval time.Duration, logger *zerolog.Logger) *WebSocketManager {
	return &WebSocketManager{
		hub:          hub,
		pollInterval: pollInterval,
		log:          logger.With().Str("component", "websocket").Logger(),
		clients:      make(map[*wsClient]struct{}),
	}
}

func (wsm *WebSocketManager) register(c *wsClient) {
	wsm.mutex.Lock()
	wsm.clients[c] = struct{}{}
	n := len(wsm.clients)
	wsm.mutex.Unlock()
	wsm.log.Debug().Int("clients", n).Msg("client connected")
}

func (wsm *WebSocketManager) unregister(c *wsClient) {
	c.once.Do(func() {
		wsm.mutex.Lock()
		delete(wsm.clients, c)
		n := len(wsm.clients)
		unsub := c.unsub
		wsm.mutex.Unlock()
		if unsub != nil {
			unsub()
		}
		c.cancel()
		c.conn.Close()
		wsm.log.Debug().Int("clients", n).Msg("client disconnected")
	})
}

// Clients is the number of open connections.
func (wsm *WebSocketManager) Clients() int {
	wsm.mutex.Lock()
	defer wsm.mutex.Unlock()
	return len(wsm.clients)
}

// Close disconnects every client and releases its subscription.
func (wsm *WebSocketManager) Close() {
	wsm.mutex.Lock()
	clients := make([]*wsClient, 0, len(wsm.clients))
	for c := range wsm.clients {
		clients = append(clients, c)
	}
	wsm.mutex.Unlock()
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		wsm.unregister(c)
	}
}

func subscribeTopic[K comparable, T any](r *realtime.Registry[K, T], key K, interval time.Duration) opener {
	return func(ctx context.Context, push func(any)) (realtime.Unsubscribe, realtime.Mode, error) {
		return realtime.SubscribeOrPoll[K, T](ctx, r, key, interval, func(items []T) {
			if items == nil {
				items = []T{}
			}
			push(items)
		})
	}
}

// topicOpener resolves the query a connection asked for.
func (wsm *WebSocketManager) topicOpener(c *gin.Context, id domain.Identity) (opener, error) {
	switch topic := c.Query("topic"); topic {
	case "lots":
		return subscribeTopic(wsm.hub.Lots, realtime.LotsKey{}, wsm.pollInterval), nil
	case "spaces":
		lotID := c.Query("lot_id")
		if lotID == "" {
			return nil, errors.New("topic spaces needs lot_id")
		}
		return subscribeTopic(wsm.hub.Spaces, realtime.LotSpacesKey{LotID: lotID}, wsm.pollInterval), nil
	case "my-bookings":
		return subscribeTopic(wsm.hub.UserBookings, realtime.UserBookingsKey{UserID: id.UserID}, wsm.pollInterval), nil
	case "bookings":
		if !id.IsStaff() {
			return nil, errForbiddenTopic
		}
		status := domain.BookingStatus(c.DefaultQuery("status", string(domain.BookingPending)))
		if !status.Valid() {
			return nil, fmt.Errorf("unknown booking status %q", status)
		}
		return subscribeTopic(wsm.hub.BookingsByStatus, realtime.BookingsByStatusKey{Status: status}, wsm.pollInterval), nil
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
}

var errForbiddenTopic = errors.New("topic requires a staff role")

type WebSocketHandler struct {
	wsManager *WebSocketManager
}

func NewWebSocketHandler(wsManager *WebSocketManager) *WebSocketHandler {
	return &WebSocketHandler{wsManager: wsManager}
}

// GET /ws?topic=lots|spaces|my-bookings|bookings
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	wsm := h.wsManager
	id, _ := middleware.CurrentIdentity(c)
	open, err := wsm.topicOpener(c, id)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errForbiddenTopic) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	topic := c.Query("topic")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wsm.log.Warn().Err(err).Msg("failed to upgrade to websocket")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{conn: conn, cancel: cancel}
	wsm.register(client)

	// Latest snapshot wins; a slow client skips intermediate ones.
	mailbox := make(chan any, 1)
	push := func(v any) {
		for {
			select {
			case mailbox <- v:
				return
			default:
			}
			select {
			case <-mailbox:
			default:
			}
		}
	}

	unsub, mode, err := open(ctx, push)
	if err != nil {
		wsm.log.Warn().Err(err).Str("topic", topic).Msg("subscription failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(writeWait))
		wsm.unregister(client)
		return
	}
	wsm.mutex.Lock()
	_, live := wsm.clients[client]
	if live {
		client.unsub = unsub
	}
	wsm.mutex.Unlock()
	if !live {
		unsub()
		return
	}

	go func() {
		defer wsm.unregister(client)
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-mailbox:
				msg, err := json.Marshal(frame{Topic: topic, Mode: mode, Data: data})
				if err != nil {
					wsm.log.Error().Err(err).Str("topic", topic).Msg("marshal frame")
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					wsm.log.Debug().Err(err).Msg("write to websocket client failed")
					return
				}
			}
		}
	}()

	// Keep the connection alive and notice the disconnect.
	go func() {
		defer wsm.unregister(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					wsm.log.Warn().Err(err).Msg("websocket error")
				}
				return
			}
		}
	}()
}

package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/capsule-auction/backend/internal/auth"
	"github.com/capsule-auction/backend/internal/config"
	"github.com/capsule-auction/backend/internal/events"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const wsWriteTimeout = 5 * time.Second

// WSHub pushes capsule events to the connected user they are addressed to:
// bid placed to the creator, bid accepted and capsule opened to the bidder.
type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.Mutex
	connections map[uuid.UUID][]*websocket.Conn
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[uuid.UUID][]*websocket.Conn),
	}
}

func (h *WSHub) Start(ctx context.Context) error {
	return h.subscriber.Subscribe(ctx, events.StreamCapsule, h.dispatch)
}

func (h *WSHub) dispatch(event events.Event) {
	recipient, err := uuid.Parse(event.NotifyUserID())
	if err != nil {
		return
	}
	h.SendToUser(recipient, event)
}

// SendToUser writes event to every open connection of userID. Writes are
// serialized by the hub lock since a connection allows one writer at a time.
func (h *WSHub) SendToUser(userID uuid.UUID, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conn := range h.connections[userID] {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug("ws write failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, h.cfg.JWTIssuer, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}
	userID, _ := claims.UserID()

	h.mu.Lock()
	h.connections[userID] = append(h.connections[userID], conn)
	h.mu.Unlock()
	h.log.Debug("ws connected", zap.String("user_id", userID.String()))

	defer func() {
		h.mu.Lock()
		conns := h.connections[userID]
		for i, c := range conns {
			if c == conn {
				h.connections[userID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(h.connections[userID]) == 0 {
			delete(h.connections, userID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Read loop keeps the connection alive until the client leaves.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cashflowdash/chatbridge/internal/config"
	"github.com/cashflowdash/chatbridge/internal/gateway"
	"github.com/cashflowdash/chatbridge/internal/slogging"
)

// Upstream is the slice of the gateway session the relay needs. Tests swap in
// a fake.
type Upstream interface {
	SendChat(ctx context.Context, sessionKey, message string) error
	History(ctx context.Context, sessionKey string, limit int) ([]gateway.HistoryMessage, error)
}

// Handler serves the browser-facing chat endpoints and bridges between the
// hub and the upstream gateway session.
type Handler struct {
	hub      *Hub
	upstream Upstream
	commands *CommandRouter
	cfg      config.RelayConfig
	logger   *slogging.Logger
	upgrader websocket.Upgrader
}

// NewHandler wires the relay endpoints. commands may be nil, in which case
// slash commands are forwarded upstream like any other message.
func NewHandler(hub *Hub, upstream Upstream, commands *CommandRouter, cfg config.RelayConfig, logger *slogging.Logger) *Handler {
	if logger == nil {
		logger = slogging.Get()
	}
	return &Handler{
		hub:      hub,
		upstream: upstream,
		commands: commands,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay fronts a single-user dashboard; the shared password
			// is the access control, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register installs the chat routes on a gin router group.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/api/chat", h.HandleChat)
	r.GET("/api/chat/history", h.HandleHistory)
}

// HandleChat upgrades the connection and attaches it to the session registry.
// A wrong password is reported over the socket with close code 1008 so the
// browser can distinguish a credential problem from a network failure.
func (h *Handler) HandleChat(c *gin.Context) {
	password := c.Query("password")
	sessionKey := c.Query("session")
	userID := c.Query("userId")
	if userID == "" {
		userID = "default"
	}
	if sessionKey == "" {
		sessionKey = DailySessionKey(userID, time.Now())
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("relay upgrade failed: %v", err)
		return
	}

	if h.cfg.Password != "" && password != h.cfg.Password {
		h.logger.Warn("relay rejected connection with bad password: user=%s", userID)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid password"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := &Client{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		UserID:     userID,
		conn:       conn,
		send:       make(chan []byte, h.cfg.SendBufferSize),
		hub:        h.hub,
		handler:    h,
		logger:     h.logger,
	}
	h.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// HandleHistory returns the recent upstream transcript for a session as JSON.
// The shared password travels in a header here since there is no socket.
func (h *Handler) HandleHistory(c *gin.Context) {
	if h.cfg.Password != "" && c.GetHeader("X-Password") != h.cfg.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	sessionKey := c.Query("session")
	if sessionKey == "" {
		userID := c.Query("userId")
		if userID == "" {
			userID = "default"
		}
		sessionKey = DailySessionKey(userID, time.Now())
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()
	messages, err := h.upstream.History(ctx, sessionKey, limit)
	if err != nil {
		h.logger.Error("relay history fetch failed: session=%s err=%v", sessionKey, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "history unavailable"})
		return
	}
	if messages == nil {
		messages = []gateway.HistoryMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// Run pumps final agent replies from the gateway into the hub until the
// context is cancelled or the event channel closes.
func (h *Handler) Run(ctx context.Context, events <-chan gateway.ChatEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := Message{
				Type:      TypeMessage,
				Sender:    SenderAgent,
				Content:   ev.Text,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			if h.cfg.ScopeBroadcasts && ev.SessionKey != "" {
				h.hub.BroadcastToSession(ev.SessionKey, msg)
			} else {
				h.hub.BroadcastToAll(msg)
			}
		}
	}
}

// handleClientMessage processes one inbound frame from a downstream client.
// Runs on its own goroutine, so blocking on the upstream is fine.
func (h *Handler) handleClientMessage(client *Client, msg Message) {
	if msg.Type != TypeMessage {
		h.logger.Debug("relay ignoring downstream frame: type=%s conn=%s", msg.Type, client.ID)
		return
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	// Mirror the user's message to sibling connections of the same session
	// so other devices see it. The sender already rendered it locally and
	// filters the echo by clientId.
	echo := Message{
		Type:      TypeMessage,
		Sender:    SenderUser,
		Content:   content,
		Timestamp: msg.Timestamp,
		ClientID:  msg.ClientID,
	}
	h.hub.BroadcastToSessionExcept(client.SessionKey, echo, client)

	if h.commands != nil && strings.HasPrefix(content, "/") {
		if reply, handled := h.commands.Handle(context.Background(), content, client.UserID); handled {
			h.hub.BroadcastToSession(client.SessionKey, reply)
			return
		}
	}

	h.hub.BroadcastToSession(client.SessionKey, Message{Type: TypeTyping, Sender: SenderAgent})

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := h.upstream.SendChat(ctx, client.SessionKey, content); err != nil {
		h.forwardSendError(client.SessionKey, err)
	}
}

// forwardSendError surfaces upstream failures the user can act on as error
// frames. Transient transport problems are only logged; the gateway session
// is already reconnecting and the user message cannot be salvaged either way.
func (h *Handler) forwardSendError(sessionKey string, err error) {
	var remote *gateway.RemoteError
	switch {
	case errors.As(err, &remote):
		h.emitError(sessionKey, remote.Message)
	case errors.Is(err, gateway.ErrMaxRetriesExceeded):
		h.emitError(sessionKey, "The assistant is unreachable. Check the gateway and try again.")
	default:
		h.logger.Error("relay upstream send failed: session=%s err=%v", sessionKey, err)
	}
}

func (h *Handler) emitError(sessionKey, content string) {
	h.hub.BroadcastToSession(sessionKey, Message{
		Type:      TypeError,
		Sender:    SenderError,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

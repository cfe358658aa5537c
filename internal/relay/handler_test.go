package relay

import (
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashflowdash/chatbridge/internal/config"
	"github.com/cashflowdash/chatbridge/internal/gateway"
	"github.com/cashflowdash/chatbridge/internal/slogging"
)

type sendCall struct {
	SessionKey string
	Message    string
}

type fakeUpstream struct {
	mu         sync.Mutex
	sends      []sendCall
	sendErr    error
	history    []gateway.HistoryMessage
	historyErr error
}

func (f *fakeUpstream) SendChat(_ context.Context, sessionKey, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{SessionKey: sessionKey, Message: message})
	return f.sendErr
}

func (f *fakeUpstream) History(_ context.Context, _ string, _ int) ([]gateway.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, f.historyErr
}

func (f *fakeUpstream) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeUpstream) lastSend() sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return sendCall{}
	}
	return f.sends[len(f.sends)-1]
}

type relayFixture struct {
	server   *httptest.Server
	handler  *Handler
	hub      *Hub
	upstream *fakeUpstream
}

func newRelayFixture(t *testing.T, cfg config.RelayConfig) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg.SendBufferSize == 0 {
		cfg.SendBufferSize = 16
	}

	hub := NewHub(slogging.Get())
	upstream := &fakeUpstream{}
	handler := NewHandler(hub, upstream, nil, cfg, slogging.Get())

	router := gin.New()
	handler.Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	t.Cleanup(hub.CloseAll)

	return &relayFixture{server: server, handler: handler, hub: hub, upstream: upstream}
}

func (f *relayFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/chat?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestBadPasswordClosesWithPolicyViolation(t *testing.T) {
	f := newRelayFixture(t, config.RelayConfig{Password: "secret"})

	conn := f.dial(t, "password=wrong&session=web:u:2026-09-01&userId=u")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, 0, f.hub.TotalClients())
}

func TestMessageForwardedUpstreamAndEchoedToSiblings(t *testing.T) {
	f := newRelayFixture(t, config.RelayConfig{Password: "secret"})
	key := "web:u:2026-09-01"

	sender := f.dial(t, "password=secret&session="+key+"&userId=u")
	sibling := f.dial(t, "password=secret&session="+key+"&userId=u")
	require.Eventually(t, func() bool { return f.hub.SessionClients(key) == 2 },
		time.Second, 10*time.Millisecond)

	sendFrame(t, sender, Message{
		Type:      TypeMessage,
		Sender:    SenderUser,
		Content:   "show my balance",
		Timestamp: "2026-09-01T10:00:00Z",
		ClientID:  key,
	})

	// Sibling sees the user echo first, then the typing indicator.
	echo := readFrame(t, sibling)
	assert.Equal(t, TypeMessage, echo.Type)
	assert.Equal(t, SenderUser, echo.Sender)
	assert.Equal(t, "show my balance", echo.Content)
	assert.Equal(t, key, echo.ClientID)

	typing := readFrame(t, sibling)
	assert.Equal(t, TypeTyping, typing.Type)

	// Sender only sees the typing indicator, never its own echo.
	got := readFrame(t, sender)
	assert.Equal(t, TypeTyping, got.Type)

	require.Eventually(t, func() bool { return f.upstream.sendCount() == 1 },
		time.Second, 10*time.Millisecond)
	call := f.upstream.lastSend()
	assert.Equal(t, key, call.SessionKey)
	assert.Equal(t, "show my balance", call.Message)
}

func TestRemoteErrorSurfacedAsErrorFrame(t *testing.T) {
	f := newRelayFixture(t, config.RelayConfig{Password: "secret"})
	f.upstream.sendErr = &gateway.RemoteError{Code: "unavailable", Message: "agent busy"}
	key := "web:u:2026-09-01"

	conn := f.dial(t, "password=secret&session="+key+"&userId=u")
	require.Eventually(t, func() bool { return f.hub.SessionClients(key) == 1 },
		time.Second, 10*time.Millisecond)

	sendFrame(t, conn, Message{Type: TypeMessage, Sender: SenderUser, Content: "hi", ClientID: key})

	typing := readFrame(t, conn)
	assert.Equal(t, TypeTyping, typing.Type)

	errFrame := readFrame(t, conn)
	assert.Equal(t, TypeError, errFrame.Type)
	assert.Equal(t, SenderError, errFrame.Sender)
	assert.Equal(t, "agent busy", errFrame.Content, "remote errors pass through verbatim")
}

func TestTransientUpstreamErrorNotSurfaced(t *testing.T) {
	f := newRelayFixture(t, config.RelayConfig{Password: "secret"})
	f.upstream.sendErr = gateway.ErrRequestTimeout
	key := "web:u:2026-09-01"

	conn := f.dial(t, "password=secret&session="+key+"&userId=u")
	require.Eventually(t, func() bool { return f.hub.SessionClients(key) == 1 },
		time.Second, 10*time.Millisecond)

	sendFrame(t, conn, Message{Type: TypeMessage, Sender: SenderUser, Content: "hi", ClientID: key})

	typing := readFrame(t, conn)
	assert.Equal(t, TypeTyping, typing.Type)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "transient failures must not produce chat frames")
}

func TestRunScopesAgentBroadcasts(t *testing.T) {
	f := newRelayFixture(t, config.RelayConfig{Password: "secret", ScopeBroadcasts: true})
	key := "web:u:2026-09-01"

	member := f.dial(t, "password=secret&session="+key+"&userId=u")
	outsider := f.dial(t, "password=secret&session=web:v:2026-09-01&userId=v")
	require.Eventually(t, func() bool { return f.hub.TotalClients() == 2 },
		time.Second, 10*time.Millisecond)

	events := make(chan gateway.ChatEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.handler.Run(ctx, events)

	events <- gateway.ChatEvent{SessionKey: key, Text: "Your balance is 1200.00"}

	frame := readFrame(t, member)
	assert.Equal(t, TypeMessage, frame.Type)
	assert.Equal(t, SenderAgent, frame.Sender)
	assert.Equal(t, "Your balance is 1200.00", frame.Content)

	outsider.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := outsider.ReadMessage()
	assert.Error(t, err, "scoped broadcasts must not leak across sessions")
}

func TestRunBroadcastsToAllByDefault(t *testing.T) {
	f := newRelayFixture(t, config.RelayConfig{Password: "secret"})

	first := f.dial(t, "password=secret&session=web:u:2026-09-01&userId=u")
	second := f.dial(t, "password=secret&session=web:v:2026-09-01&userId=v")
	require.Eventually(t, func() bool { return f.hub.TotalClients() == 2 },
		time.Second, 10*time.Millisecond)

	events := make(chan gateway.ChatEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.handler.Run(ctx, events)

	events <- gateway.ChatEvent{SessionKey: "web:u:2026-09-01", Text: "done"}

	assert.Equal(t, "done", readFrame(t, first).Content)
	assert.Equal(t, "done", readFrame(t, second).Content)
}

func TestHistoryEndpoint(t *testing.T) {
	f := newRelayFixture(t, config.RelayConfig{Password: "secret"})
	f.upstream.history = []gateway.HistoryMessage{
		{Sender: "user", Content: "hello", Timestamp: "2026-09-01T09:00:00Z"},
		{Sender: "agent", Content: "hi there", Timestamp: "2026-09-01T09:00:02Z"},
	}

	t.Run("requires password", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/chat/history?session=web:u:2026-09-01", nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("returns transcript", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/chat/history?session=web:u:2026-09-01&limit=10", nil)
		req.Header.Set("X-Password", "secret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var parsed struct {
			Messages []gateway.HistoryMessage `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(body, &parsed))
		require.Len(t, parsed.Messages, 2)
		assert.Equal(t, "hi there", parsed.Messages[1].Content)
	})
}

func TestSlashCommandHandledLocally(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(slogging.Get())
	upstream := &fakeUpstream{}
	commands := NewCommandRouter(nil, nil, nil, slogging.Get())
	handler := NewHandler(hub, upstream, commands, config.RelayConfig{Password: "secret", SendBufferSize: 16}, slogging.Get())

	router := gin.New()
	handler.Register(router)
	server := httptest.NewServer(router)
	defer server.Close()
	defer hub.CloseAll()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/chat?password=secret&session=web:u:2026-09-01&userId=u"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.TotalClients() == 1 },
		time.Second, 10*time.Millisecond)

	sendFrame(t, conn, Message{Type: TypeMessage, Sender: SenderUser, Content: "/help", ClientID: "web:u:2026-09-01"})

	frame := readFrame(t, conn)
	assert.Equal(t, TypeSystem, frame.Type)
	assert.Contains(t, frame.Content, "/tasks")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, upstream.sendCount(), "commands must not reach the gateway")
}

package chatclient

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashflowdash/chatbridge/internal/relay"
	"github.com/cashflowdash/chatbridge/internal/tabsync"
)

// fakeRelay is a minimal stand-in for the backend chat endpoint.
type fakeRelay struct {
	server *httptest.Server
	conns  chan *websocket.Conn
	reject atomic.Bool
	lastQuery atomic.Value // url.Values as map[string][]string via Query()
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.lastQuery.Store(r.URL.Query())
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if f.reject.Load() {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid password"),
				time.Now().Add(time.Second))
			conn.Close()
			return
		}
		f.conns <- conn
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/chat"
}

func (f *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no relay connection arrived")
		return nil
	}
}

func fixedClock(value string) func() time.Time {
	ts, _ := time.Parse(time.RFC3339, value)
	return func() time.Time { return ts }
}

func newTestClient(t *testing.T, relayURL string, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		RelayURL:             relayURL,
		UserID:               "alice",
		Password:             "secret",
		ReconnectBaseDelay:   20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		Clock:                fixedClock("2026-09-01T10:00:00Z"),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSessionIDDerivation(t *testing.T) {
	c := newTestClient(t, "ws://unused", nil)
	assert.Equal(t, "web:alice:2026-09-01", c.SessionID())
}

func TestConnectRequiresCredential(t *testing.T) {
	c := newTestClient(t, "ws://unused", func(o *Options) { o.Password = "" })

	err := c.Connect()
	assert.ErrorIs(t, err, ErrCredentialRequired)
	assert.True(t, c.NeedsCredential())
	assert.False(t, c.IsConnected())
}

func TestConnectSendsSessionParams(t *testing.T) {
	f := newFakeRelay(t)
	c := newTestClient(t, f.url(), nil)

	require.NoError(t, c.Connect())
	f.accept(t)

	q := f.lastQuery.Load().(url.Values)
	assert.Equal(t, "secret", q.Get("password"))
	assert.Equal(t, "web:alice:2026-09-01", q.Get("session"))
	assert.Equal(t, "alice", q.Get("userId"))
	assert.True(t, c.IsConnected())
}

func TestSendWithoutConnectionFailsFast(t *testing.T) {
	c := newTestClient(t, "ws://unused", nil)

	err := c.SendMessage("hello?")
	assert.ErrorIs(t, err, ErrNotConnected)

	msgs := c.Messages()
	require.Len(t, msgs, 1, "only the system notice is recorded")
	assert.Equal(t, relay.TypeSystem, msgs[0].Type)
	assert.Contains(t, msgs[0].Content, "not sent")
}

func TestOwnEchoSuppressed(t *testing.T) {
	f := newFakeRelay(t)
	c := newTestClient(t, f.url(), nil)
	require.NoError(t, c.Connect())
	server := f.accept(t)

	require.NoError(t, c.SendMessage("show my tasks"))

	// The relay echoes the frame back, clientId intact.
	var sent relay.Message
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, server.ReadJSON(&sent))
	require.NoError(t, server.WriteJSON(sent))

	time.Sleep(150 * time.Millisecond)
	msgs := c.Messages()
	require.Len(t, msgs, 1, "echo of own message must be discarded")
	assert.Equal(t, "show my tasks", msgs[0].Content)
}

func TestDuplicateAcrossNetworkAndBusKeptOnce(t *testing.T) {
	f := newFakeRelay(t)
	bus := tabsync.NewBus()
	sibling := bus.Subscribe(8)
	defer sibling.Close()

	c := newTestClient(t, f.url(), func(o *Options) { o.Bus = bus })
	require.NoError(t, c.Connect())
	server := f.accept(t)

	agentMsg := relay.Message{
		Type:      relay.TypeMessage,
		Sender:    relay.SenderAgent,
		Content:   "You have 3 open tasks.",
		Timestamp: "2026-09-01T10:00:05Z",
	}

	// Same logical message arrives over the bus and over the socket.
	sibling.Publish(tabsync.Event{Kind: tabsync.KindMessage, Message: agentMsg})
	require.NoError(t, server.WriteJSON(agentMsg))

	require.Eventually(t, func() bool { return c.conv.Len() >= 1 },
		time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, c.conv.Len(), "exactly one copy survives deduplication")
}

func TestAgentMessageSetsNewMessageFlagWhenCollapsed(t *testing.T) {
	f := newFakeRelay(t)
	c := newTestClient(t, f.url(), nil)
	require.NoError(t, c.Connect())
	server := f.accept(t)

	require.NoError(t, server.WriteJSON(relay.Message{
		Type: relay.TypeMessage, Sender: relay.SenderAgent,
		Content: "done", Timestamp: "2026-09-01T10:00:06Z",
	}))

	require.Eventually(t, c.HasNewMessage, time.Second, 10*time.Millisecond)

	c.SetExpanded(true)
	assert.False(t, c.HasNewMessage())
}

func TestTypingIndicatorExpiryNotRefreshed(t *testing.T) {
	f := newFakeRelay(t)
	c := newTestClient(t, f.url(), func(o *Options) { o.TypingDuration = 200 * time.Millisecond })
	require.NoError(t, c.Connect())
	server := f.accept(t)

	require.NoError(t, server.WriteJSON(relay.Message{Type: relay.TypeTyping, Sender: relay.SenderAgent}))
	require.Eventually(t, c.IsTyping, time.Second, 5*time.Millisecond)

	// A second typing frame mid-window must not extend the expiry.
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, server.WriteJSON(relay.Message{Type: relay.TypeTyping, Sender: relay.SenderAgent}))

	time.Sleep(150 * time.Millisecond)
	assert.False(t, c.IsTyping(), "indicator should expire on the original schedule")
}

func TestCredentialRejectionStopsReconnect(t *testing.T) {
	f := newFakeRelay(t)
	f.reject.Store(true)
	bus := tabsync.NewBus()
	sibling := bus.Subscribe(8)
	defer sibling.Close()

	c := newTestClient(t, f.url(), func(o *Options) { o.Bus = bus })
	require.NoError(t, c.Connect())

	require.Eventually(t, c.NeedsCredential, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.IsConnected())

	select {
	case ev := <-sibling.C:
		assert.Equal(t, tabsync.KindCredentialRequired, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("siblings were not told the credential is required")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	f := newFakeRelay(t)
	c := newTestClient(t, f.url(), nil)
	require.NoError(t, c.Connect())

	server := f.accept(t)
	server.Close()

	// A fresh connection arrives after the backoff delay.
	f.accept(t)
	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
}

func TestClearConversationPropagates(t *testing.T) {
	bus := tabsync.NewBus()
	sibling := bus.Subscribe(8)
	defer sibling.Close()

	c := newTestClient(t, "ws://unused", func(o *Options) { o.Bus = bus })
	c.conv.Append(relay.Message{Type: relay.TypeMessage, Sender: relay.SenderUser,
		Content: "hi", Timestamp: "2026-09-01T10:00:00Z"})

	c.ClearConversation()
	assert.Equal(t, 0, c.conv.Len())

	select {
	case ev := <-sibling.C:
		assert.Equal(t, tabsync.KindClear, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("clear was not broadcast")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	assert.Equal(t, 1*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(base, 3))
	assert.Equal(t, 16*time.Second, backoffDelay(base, 5))
	assert.Equal(t, maxReconnectDelay, backoffDelay(base, 10))
}

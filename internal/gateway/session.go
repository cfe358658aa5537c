// Package gateway maintains the single authenticated WebSocket connection to
// the upstream conversational-agent gateway. It drives the
// connect/challenge/authenticate state machine, correlates requests with
// responses, and exposes final chat events as a stream.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cashflowdash/chatbridge/internal/metrics"
	"github.com/cashflowdash/chatbridge/internal/slogging"
)

// State describes the upstream connection's lifecycle position.
type State int32

const (
	// StateDisconnected means no socket is open.
	StateDisconnected State = iota
	// StateConnecting means the socket is open but no challenge has arrived.
	StateConnecting
	// StateAwaitingChallenge means the challenge arrived and the connect
	// request is about to be sent.
	StateAwaitingChallenge
	// StateAuthenticating means the connect request is awaiting its response.
	StateAuthenticating
	// StateConnected means the handshake completed successfully.
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	protocolVersion = 3
	writeTimeout    = 10 * time.Second
	defaultLimit    = 50
)

// Options configures a Session.
type Options struct {
	// URL is the gateway WebSocket address.
	URL string
	// Token authenticates the connect request. The challenge nonce itself is
	// only a liveness marker; the credential is always derived from Token.
	Token string
	// ClientID identifies this bridge to the gateway.
	ClientID string
	// ClientVersion is reported in the connect request.
	ClientVersion string

	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
	HistoryTimeout   time.Duration

	// ReconnectBaseDelay is the first backoff delay; each subsequent attempt
	// doubles it.
	ReconnectBaseDelay time.Duration
	// MaxReconnectAttempts bounds automatic reconnection. Once exhausted the
	// session fails permanently.
	MaxReconnectAttempts int

	// EventBuffer is the capacity of the chat event stream.
	EventBuffer int

	Logger *slogging.Logger
}

func (o *Options) withDefaults() {
	if o.ClientID == "" {
		o.ClientID = "webchat"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "1.0.0"
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = 10 * time.Second
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Logger == nil {
		o.Logger = slogging.Get()
	}
}

// ChatEvent is a final chat message received from the gateway.
type ChatEvent struct {
	// SessionKey scopes the event to a logical conversation; empty when the
	// gateway did not attribute the event to one.
	SessionKey string
	// Text is the concatenated text content of the message.
	Text string
}

// HistoryMessage is one entry returned by a chat.history query.
type HistoryMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Session owns the upstream socket. Exactly one Session exists per backend
// process; all other components reach the gateway through Send and Events.
type Session struct {
	opts   Options
	logger *slogging.Logger
	corr   *correlator
	events chan ChatEvent

	mu                sync.Mutex
	conn              *websocket.Conn
	state             State
	nonce             string
	handshakeID       string
	reconnectAttempts int
	reconnectTimer    *time.Timer
	waiters           []chan error
	dialing           bool
	closed            bool
	// permErr is set on handshake rejection or retry exhaustion; both are
	// terminal for this session instance.
	permErr error

	writeMu sync.Mutex
}

// NewSession creates a session. The socket is opened lazily on the first
// Connect, SendChat, or History call.
func NewSession(opts Options) *Session {
	opts.withDefaults()
	return &Session{
		opts:   opts,
		logger: opts.Logger,
		corr:   newCorrelator(),
		events: make(chan ChatEvent, opts.EventBuffer),
	}
}

// Events returns the stream of final chat events, in receipt order.
func (s *Session) Events() <-chan ChatEvent {
	return s.events
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempts reports the current reconnect attempt count.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// Connect ensures the session is authenticated. It is idempotent: if the
// handshake already completed it returns immediately, otherwise it blocks
// until the handshake succeeds, fails terminally, or ctx is done.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.permErr != nil {
		err := s.permErr
		s.mu.Unlock()
		return err
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	s.waiters = append(s.waiters, ch)
	s.startDialLocked()
	s.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startDialLocked kicks off a dial if none is in progress. Caller holds s.mu.
func (s *Session) startDialLocked() {
	if s.dialing || s.state != StateDisconnected {
		return
	}
	s.dialing = true
	s.state = StateConnecting
	go s.dial()
}

func (s *Session) dial() {
	s.logger.Info("connecting to gateway at %s", s.opts.URL)

	dialer := websocket.Dialer{HandshakeTimeout: s.opts.HandshakeTimeout}
	conn, resp, err := dialer.Dial(s.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s.mu.Lock()
	s.dialing = false
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.state = StateDisconnected
		s.mu.Unlock()
		s.logger.Warn("gateway dial failed: %v", err)
		s.scheduleReconnect()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
}

// readLoop reads gateway frames until the socket drops. It is the only
// goroutine that reads from the socket.
func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.handleDisconnect(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("gateway read error: %v", err)
			}
			return
		}

		msg, err := decodeInbound(data)
		if err != nil {
			s.logger.Warn("dropping undecodable gateway frame: %v", err)
			continue
		}

		switch m := msg.(type) {
		case challengeEvent:
			s.handleChallenge(conn, m)
		case response:
			s.handleResponse(m)
		case pingEvent:
			s.handlePing(conn)
		case chatEvent:
			s.handleChat(m)
		case unknownEvent:
			s.logger.Debug("ignoring gateway frame kind %q", m.Name)
		}
	}
}

// handleChallenge answers connect.challenge with the connect request.
func (s *Session) handleChallenge(conn *websocket.Conn, m challengeEvent) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.state = StateAwaitingChallenge
	s.nonce = m.Nonce
	id := s.corr.next()
	s.handshakeID = id
	s.state = StateAuthenticating
	s.mu.Unlock()

	s.logger.Debug("received gateway challenge, authenticating")

	params := connectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: connectClient{
			ID:          s.opts.ClientID,
			DisplayName: "Cashflow Web Chat",
			Version:     s.opts.ClientVersion,
			Platform:    "go",
			Mode:        "webchat",
		},
		Role:   "operator",
		Scopes: []string{"operator.admin"},
		Auth:   connectAuth{Token: s.opts.Token},
	}
	raw, err := json.Marshal(params)
	if err != nil {
		s.logger.Error("failed to marshal connect params: %v", err)
		_ = conn.Close()
		return
	}

	if err := s.writeFrame(conn, frame{Type: "req", ID: id, Method: "connect", Params: raw}); err != nil {
		s.logger.Warn("failed to send connect request: %v", err)
		_ = conn.Close()
	}
}

func (s *Session) handleResponse(m response) {
	s.mu.Lock()
	isHandshake := s.handshakeID != "" && m.ID == s.handshakeID
	s.mu.Unlock()

	if isHandshake {
		s.finishHandshake(m)
		return
	}

	if m.OK {
		s.corr.complete(m.ID, m.Payload)
		return
	}
	remoteErr := &RemoteError{}
	if m.Err != nil {
		remoteErr.Code = m.Err.Code
		remoteErr.Message = m.Err.Message
	}
	metrics.GatewayRequestFailures.WithLabelValues("remote").Inc()
	s.corr.fail(m.ID, remoteErr)
}

// finishHandshake settles the authentication attempt. A rejection is terminal
// until the operator corrects the token, so no reconnect is scheduled.
func (s *Session) finishHandshake(m response) {
	if m.OK {
		s.mu.Lock()
		s.handshakeID = ""
		s.state = StateConnected
		s.reconnectAttempts = 0
		waiters := s.takeWaitersLocked()
		s.mu.Unlock()

		metrics.GatewayHandshakes.WithLabelValues("ok").Inc()
		s.logger.Info("gateway handshake complete")
		for _, w := range waiters {
			w <- nil
		}
		return
	}

	rejection := &HandshakeRejectedError{}
	if m.Err != nil {
		rejection.Message = m.Err.Message
	}

	s.mu.Lock()
	s.handshakeID = ""
	s.permErr = rejection
	conn := s.conn
	waiters := s.takeWaitersLocked()
	s.mu.Unlock()

	metrics.GatewayHandshakes.WithLabelValues("rejected").Inc()
	s.logger.Error("gateway handshake rejected: %v", rejection)
	for _, w := range waiters {
		w <- rejection
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// handlePing answers the gateway's liveness probe. The reply allocates an id
// but registers no pending record; no response is expected.
func (s *Session) handlePing(conn *websocket.Conn) {
	f := frame{Type: "req", ID: s.corr.next(), Method: "ping", Params: json.RawMessage(`{}`)}
	if err := s.writeFrame(conn, f); err != nil {
		s.logger.Warn("failed to answer gateway ping: %v", err)
	}
}

// handleChat forwards final chat events to subscribers. Intermediate
// streaming deltas are discarded here.
func (s *Session) handleChat(m chatEvent) {
	if m.State != "final" {
		return
	}
	if m.Text == "" {
		return
	}

	select {
	case s.events <- ChatEvent{SessionKey: m.SessionKey, Text: m.Text}:
	default:
		s.logger.Warn("chat event subscriber lagging, dropping event")
	}
}

// handleDisconnect resets state after the socket for conn drops, cancels all
// pending requests, and schedules a reconnect unless the failure is terminal.
func (s *Session) handleDisconnect(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		// A stale read loop from a superseded socket.
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = nil
	s.state = StateDisconnected
	s.nonce = ""
	s.handshakeID = ""
	closed := s.closed
	permErr := s.permErr
	s.mu.Unlock()

	_ = conn.Close()
	s.corr.cancelAll(ErrTransportClosed)

	if closed || permErr != nil {
		return
	}
	s.logger.Info("gateway connection closed")
	s.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or fails the
// session permanently once the attempt cap is reached.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.closed || s.permErr != nil || s.dialing || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	if s.reconnectAttempts >= s.opts.MaxReconnectAttempts {
		s.permErr = ErrMaxRetriesExceeded
		waiters := s.takeWaitersLocked()
		s.mu.Unlock()

		s.logger.Error("gateway reconnection abandoned after %d attempts", s.opts.MaxReconnectAttempts)
		for _, w := range waiters {
			w <- ErrMaxRetriesExceeded
		}
		return
	}
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	delay := backoffDelay(s.opts.ReconnectBaseDelay, attempt)
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.startDialLocked()
		s.mu.Unlock()
	})
	s.mu.Unlock()

	metrics.GatewayReconnectAttempts.Inc()
	s.logger.Info("reconnecting to gateway in %s (attempt %d/%d)", delay, attempt, s.opts.MaxReconnectAttempts)
}

// backoffDelay computes base * 2^(attempt-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// takeWaitersLocked drains the connect waiter list. Caller holds s.mu.
func (s *Session) takeWaitersLocked() []chan error {
	waiters := s.waiters
	s.waiters = nil
	return waiters
}

// Send transmits one request and blocks until its correlated response
// arrives, the timeout elapses, or ctx is done. It requires an established
// connection; use SendChat/History for operations with implicit connect.
func (s *Session) Send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if conn == nil || !connected {
		return nil, ErrNotConnected
	}

	id := s.corr.next()
	ch := s.corr.register(id, timeout)

	if err := s.writeFrame(conn, frame{Type: "req", ID: id, Method: method, Params: raw}); err != nil {
		// Settle our own pending so the map drains.
		s.corr.fail(id, ErrTransportClosed)
		<-ch
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			if res.err == ErrRequestTimeout {
				metrics.GatewayRequestFailures.WithLabelValues("timeout").Inc()
			}
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		s.corr.fail(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// SendChat delivers one user message to the gateway conversation identified
// by sessionKey, connecting first if necessary.
func (s *Session) SendChat(ctx context.Context, sessionKey, message string) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	params := chatSendParams{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: uuid.New().String(),
	}
	_, err := s.Send(ctx, "chat.send", params, s.opts.SendTimeout)
	return err
}

// History fetches up to limit prior messages for sessionKey, connecting
// first if necessary.
func (s *Session) History(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	payload, err := s.Send(ctx, "chat.history", chatHistoryParams{SessionKey: sessionKey, Limit: limit}, s.opts.HistoryTimeout)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Messages []struct {
			Sender    string          `json:"sender"`
			Content   json.RawMessage `json:"content"`
			Timestamp string          `json:"timestamp"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse chat.history payload: %w", err)
	}

	messages := make([]HistoryMessage, 0, len(parsed.Messages))
	for _, m := range parsed.Messages {
		messages = append(messages, HistoryMessage{
			Sender:    m.Sender,
			Content:   extractText(m.Content),
			Timestamp: m.Timestamp,
		})
	}
	return messages, nil
}

// writeFrame serializes writes to the socket; gorilla connections allow only
// one concurrent writer.
func (s *Session) writeFrame(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Shutdown closes the session: the socket is closed, every outstanding
// request fails, and no reconnect is attempted.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timer := s.reconnectTimer
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	waiters := s.takeWaitersLocked()
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	s.corr.cancelAll(ErrSessionClosed)
	for _, w := range waiters {
		w <- ErrSessionClosed
	}
	s.logger.Info("gateway session shut down")
}

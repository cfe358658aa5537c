// Package chatclient implements the headless counterpart of the browser chat
// widget: it connects to the relay endpoint, keeps an ordered deduplicated
// transcript, reconnects with exponential backoff and stays in step with
// other clients of the same user through the tabsync bus.
package chatclient

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cashflowdash/chatbridge/internal/relay"
	"github.com/cashflowdash/chatbridge/internal/slogging"
	"github.com/cashflowdash/chatbridge/internal/tabsync"
)

var (
	// ErrCredentialRequired indicates no chat password is set, or the relay
	// rejected the one provided.
	ErrCredentialRequired = errors.New("chat password required")

	// ErrNotConnected indicates a send was attempted without a live relay
	// connection. The message is not queued.
	ErrNotConnected = errors.New("not connected to chat relay")

	// ErrClientClosed indicates the client was shut down.
	ErrClientClosed = errors.New("chat client closed")
)

const (
	defaultTypingDuration     = 3 * time.Second
	defaultReconnectBaseDelay = time.Second
	defaultMaxReconnects      = 5
	maxReconnectDelay         = 30 * time.Second
	clientWriteWait           = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	// RelayURL is the chat endpoint, e.g. ws://localhost:3001/api/chat.
	RelayURL string

	// UserID identifies the logical user; it feeds the daily session key.
	UserID string

	// Password is the shared relay credential. Empty means the credential
	// must be supplied later via SetPassword.
	Password string

	// StatePath persists the transcript across restarts. Empty disables it.
	StatePath string

	// Bus links this client with others of the same user. Optional.
	Bus *tabsync.Bus

	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	TypingDuration       time.Duration

	Logger *slogging.Logger

	// Clock overrides time.Now, used by tests to pin the session day.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.UserID == "" {
		o.UserID = "default"
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnects
	}
	if o.TypingDuration <= 0 {
		o.TypingDuration = defaultTypingDuration
	}
	if o.Logger == nil {
		o.Logger = slogging.Get()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Client is one chat endpoint attachment, equivalent to a single open tab.
type Client struct {
	opts      Options
	logger    *slogging.Logger
	conv      *Conversation
	sessionID string
	sub       *tabsync.Subscription

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	closed            bool
	password          string
	needsCredential   bool
	typing            bool
	typingTimer       *time.Timer
	expanded          bool
	hasNewMessage     bool
	reconnectAttempts int
	reconnectTimer    *time.Timer

	writeMu sync.Mutex
}

// New builds a client. It does not connect; call Connect.
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	conv, err := NewConversation(opts.StatePath, opts.Logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:            opts,
		logger:          opts.Logger,
		conv:            conv,
		sessionID:       relay.DailySessionKey(opts.UserID, opts.Clock()),
		password:        opts.Password,
		needsCredential: opts.Password == "",
	}
	if opts.Bus != nil {
		c.sub = opts.Bus.Subscribe(32)
		go c.busLoop()
	}
	return c, nil
}

// SessionID returns the per-day conversation key this client joined.
func (c *Client) SessionID() string { return c.sessionID }

// Messages returns the transcript.
func (c *Client) Messages() []relay.Message { return c.conv.Messages() }

// IsConnected reports whether the relay socket is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// NeedsCredential reports whether a password must be supplied before
// connecting.
func (c *Client) NeedsCredential() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsCredential
}

// IsTyping reports whether the agent typing indicator is active.
func (c *Client) IsTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// HasNewMessage reports whether an agent reply arrived while collapsed.
func (c *Client) HasNewMessage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasNewMessage
}

// SetExpanded records whether the conversation is in view. Expanding clears
// the new-message flag.
func (c *Client) SetExpanded(expanded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expanded = expanded
	if expanded {
		c.hasNewMessage = false
	}
}

// SetPassword stores the relay credential and clears the credential-required
// state.
func (c *Client) SetPassword(password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = password
	c.needsCredential = password == ""
}

// Connect dials the relay. On a failed dial a reconnect is scheduled and the
// error returned, so callers can both report and wait.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.password == "" {
		c.needsCredential = true
		c.mu.Unlock()
		return ErrCredentialRequired
	}
	password := c.password
	c.mu.Unlock()

	u, err := url.Parse(c.opts.RelayURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("password", password)
	q.Set("session", c.sessionID)
	q.Set("userId", c.opts.UserID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		c.logger.Warn("chat relay dial failed: %v", err)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.connected = true
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.logger.Debug("chat relay connected: session=%s", c.sessionID)
	go c.readLoop(conn)
	return nil
}

// SendMessage appends the message locally, mirrors it to sibling clients and
// forwards it to the relay. Without a connection it fails fast: a system
// notice is appended and the message is not queued for later.
func (c *Client) SendMessage(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	msg := relay.Message{
		Type:      relay.TypeMessage,
		Sender:    relay.SenderUser,
		Content:   content,
		Timestamp: c.opts.Clock().UTC().Format(time.RFC3339),
		ClientID:  c.sessionID,
	}

	c.mu.Lock()
	connected := c.connected
	conn := c.conn
	c.mu.Unlock()

	if !connected {
		notice := relay.Message{
			Type:      relay.TypeSystem,
			Sender:    relay.SenderSystem,
			Content:   "Not connected to chat. Your message was not sent.",
			Timestamp: c.opts.Clock().UTC().Format(time.RFC3339),
		}
		if c.conv.Append(notice) {
			c.publish(tabsync.Event{Kind: tabsync.KindMessage, Message: notice})
		}
		return ErrNotConnected
	}

	c.conv.Append(msg)
	c.publish(tabsync.Event{Kind: tabsync.KindMessage, Message: msg})

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		c.logger.Warn("chat relay write failed: %v", err)
		return err
	}
	return nil
}

// ClearConversation discards the transcript here and on sibling clients.
func (c *Client) ClearConversation() {
	c.conv.Clear()
	c.publish(tabsync.Event{Kind: tabsync.KindClear})
}

// Close shuts the client down permanently.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if c.sub != nil {
		c.sub.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg relay.Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.handleIncoming(msg)
	}
}

func (c *Client) handleIncoming(msg relay.Message) {
	switch msg.Type {
	case relay.TypeMessage:
		// Suppress the relay's echo of this client's own message; it was
		// already rendered optimistically on send.
		if msg.ClientID == c.sessionID && msg.Sender == relay.SenderUser {
			return
		}
		appended := c.conv.Append(msg)
		if msg.Sender == relay.SenderAgent {
			c.stopTyping(false)
			if appended {
				c.mu.Lock()
				if !c.expanded {
					c.hasNewMessage = true
				}
				c.mu.Unlock()
			}
		}

	case relay.TypeSystem:
		if c.conv.Append(msg) {
			c.publish(tabsync.Event{Kind: tabsync.KindMessage, Message: msg})
		}

	case relay.TypeError:
		c.stopTyping(false)
		if c.conv.Append(msg) {
			c.publish(tabsync.Event{Kind: tabsync.KindMessage, Message: msg})
		}

	case relay.TypeTyping:
		c.startTyping()

	default:
		c.logger.Debug("chat client ignoring frame type %q", msg.Type)
	}
}

// startTyping raises the typing indicator for the configured duration.
// Further typing frames while it is up do not extend the window; the
// indicator is a hint, not a progress bar.
func (c *Client) startTyping() {
	c.mu.Lock()
	if c.typingTimer != nil {
		c.mu.Unlock()
		return
	}
	c.typing = true
	c.typingTimer = time.AfterFunc(c.opts.TypingDuration, func() {
		c.stopTyping(true)
	})
	c.mu.Unlock()
	c.publish(tabsync.Event{Kind: tabsync.KindTyping, Typing: true})
}

func (c *Client) stopTyping(broadcast bool) {
	c.mu.Lock()
	wasTyping := c.typing
	c.typing = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()
	if broadcast && wasTyping {
		c.publish(tabsync.Event{Kind: tabsync.KindTyping, Typing: false})
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A stale read loop from a previous connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	closed := c.closed
	c.mu.Unlock()
	conn.Close()

	if closed {
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
		// The relay refused the password. Reconnecting with the same
		// credential would just loop; wait for a new one.
		c.logger.Warn("chat relay rejected credential")
		c.mu.Lock()
		c.needsCredential = true
		c.mu.Unlock()
		c.publish(tabsync.Event{Kind: tabsync.KindCredentialRequired})
		return
	}

	c.logger.Debug("chat relay disconnected: %v", err)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.reconnectAttempts >= c.opts.MaxReconnectAttempts {
		c.mu.Unlock()
		notice := relay.Message{
			Type:      relay.TypeSystem,
			Sender:    relay.SenderSystem,
			Content:   "Chat connection lost. Could not reconnect.",
			Timestamp: c.opts.Clock().UTC().Format(time.RFC3339),
		}
		if c.conv.Append(notice) {
			c.publish(tabsync.Event{Kind: tabsync.KindMessage, Message: notice})
		}
		return
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	delay := backoffDelay(c.opts.ReconnectBaseDelay, attempt)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.Connect()
	})
	c.mu.Unlock()
	c.logger.Debug("chat relay reconnect %d scheduled in %s", attempt, delay)
}

// backoffDelay doubles per attempt starting from base, capped at 30s.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > maxReconnectDelay || d <= 0 {
		d = maxReconnectDelay
	}
	return d
}

func (c *Client) publish(ev tabsync.Event) {
	if c.sub != nil {
		c.sub.Publish(ev)
	}
}

// busLoop applies events published by sibling clients of the same user.
func (c *Client) busLoop() {
	for ev := range c.sub.C {
		switch ev.Kind {
		case tabsync.KindMessage:
			appended := c.conv.Append(ev.Message)
			if appended && ev.Message.Sender == relay.SenderAgent {
				c.mu.Lock()
				if !c.expanded {
					c.hasNewMessage = true
				}
				c.mu.Unlock()
			}
		case tabsync.KindTyping:
			// Mirror the sibling's indicator; its timer drives expiry.
			c.mu.Lock()
			c.typing = ev.Typing
			c.mu.Unlock()
		case tabsync.KindClear:
			c.conv.Clear()
		case tabsync.KindCredentialRequired:
			c.mu.Lock()
			c.needsCredential = true
			c.mu.Unlock()
		}
	}
}

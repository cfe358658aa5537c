package chatclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cashflowdash/chatbridge/internal/relay"
	"github.com/cashflowdash/chatbridge/internal/slogging"
)

// Conversation holds the ordered message transcript with duplicate
// absorption. The same message can arrive over the relay socket and over the
// cross-client bus; exactly one copy is kept.
type Conversation struct {
	mu         sync.Mutex
	path       string
	logger     *slogging.Logger
	messages   []relay.Message
	seen       map[string]bool
	lastActive time.Time
}

type conversationState struct {
	Messages   []relay.Message `json:"messages"`
	LastActive time.Time       `json:"lastActive"`
}

// NewConversation restores a transcript from path. An empty path disables
// persistence.
func NewConversation(path string, logger *slogging.Logger) (*Conversation, error) {
	if logger == nil {
		logger = slogging.Get()
	}
	c := &Conversation{path: path, logger: logger, seen: make(map[string]bool)}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation state: %w", err)
	}
	var state conversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing conversation state: %w", err)
	}
	for _, m := range state.Messages {
		c.messages = append(c.messages, m)
		c.seen[m.DedupKey()] = true
	}
	c.lastActive = state.LastActive
	return c, nil
}

// Append adds a message unless an identical one was already recorded. It
// reports whether the message was actually appended.
func (c *Conversation) Append(msg relay.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := msg.DedupKey()
	if c.seen[key] {
		return false
	}
	c.seen[key] = true
	c.messages = append(c.messages, msg)
	c.lastActive = time.Now().UTC()
	c.persistLocked()
	return true
}

// Clear discards the transcript.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.seen = make(map[string]bool)
	c.lastActive = time.Now().UTC()
	c.persistLocked()
}

// Messages returns a copy of the transcript in arrival order.
func (c *Conversation) Messages() []relay.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]relay.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len reports the number of messages held.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// persistLocked writes the state file via temp-and-rename. Persistence is
// best effort; a failed write must not break the live conversation.
func (c *Conversation) persistLocked() {
	if c.path == "" {
		return
	}
	state := conversationState{Messages: c.messages, LastActive: c.lastActive}
	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		c.logger.Error("conversation state encode failed: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		c.logger.Error("conversation state dir failed: %v", err)
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Error("conversation state write failed: %v", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.logger.Error("conversation state replace failed: %v", err)
	}
}

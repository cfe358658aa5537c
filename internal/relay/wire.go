// Package relay fans gateway chat events out to downstream WebSocket clients
// and forwards their messages upstream. It owns the session registry and the
// browser-facing relay endpoint.
package relay

import (
	"fmt"
	"time"
)

// Downstream frame types.
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypeSystem  = "system"
	TypeError   = "error"
	TypeStream  = "stream"
)

// Message senders.
const (
	SenderUser   = "user"
	SenderAgent  = "agent"
	SenderSystem = "system"
	SenderError  = "error"
)

// Message is the frame exchanged between the relay and downstream clients,
// in both directions.
type Message struct {
	Type      string `json:"type"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	// ClientID identifies the originating browser session so that tab's own
	// optimistic echo can be suppressed. Absent for agent and system frames.
	ClientID string `json:"clientId,omitempty"`
}

// DedupKey returns the identity used to absorb duplicates arriving over both
// the network and the cross-tab channel.
func (m Message) DedupKey() string {
	return m.Timestamp + "\x00" + m.Content + "\x00" + m.Sender
}

// DailySessionKey derives the stable per-day conversation key shared by every
// tab and device of one logical user.
func DailySessionKey(userID string, now time.Time) string {
	return fmt.Sprintf("web:%s:%s", userID, now.UTC().Format("2006-01-02"))
}

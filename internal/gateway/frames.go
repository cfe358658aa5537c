package gateway

import (
	"encoding/json"
	"fmt"
)

// frame is the raw JSON envelope exchanged with the gateway.
type frame struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      string          `json:"id,omitempty"`      // request/response correlation id
	Method  string          `json:"method,omitempty"`  // request method
	Params  json.RawMessage `json:"params,omitempty"`  // request params
	OK      *bool           `json:"ok,omitempty"`      // response ok flag
	Payload json.RawMessage `json:"payload,omitempty"` // response/event payload
	Event   string          `json:"event,omitempty"`   // event name
	Error   *frameError     `json:"error,omitempty"`   // response error
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// inbound is the decoded form of a gateway frame. Exactly one concrete type
// exists per frame kind the bridge understands; decodeInbound performs the
// classification once so nothing downstream switches on raw type strings.
type inbound interface {
	inboundFrame()
}

// challengeEvent is the server-initiated connect.challenge.
type challengeEvent struct {
	Nonce string
}

// chatEvent is a chat delivery. Only State == "final" is forwarded.
type chatEvent struct {
	State      string
	SessionKey string
	Text       string
}

// pingEvent is the gateway's liveness probe.
type pingEvent struct{}

// response is a correlated reply to an earlier request.
type response struct {
	ID      string
	OK      bool
	Payload json.RawMessage
	Err     *frameError
}

// unknownEvent covers event kinds the bridge does not act on.
type unknownEvent struct {
	Name string
}

func (challengeEvent) inboundFrame() {}
func (chatEvent) inboundFrame()      {}
func (pingEvent) inboundFrame()      {}
func (response) inboundFrame()       {}
func (unknownEvent) inboundFrame()   {}

type challengePayload struct {
	Nonce string `json:"nonce"`
}

type chatPayload struct {
	State      string `json:"state"`
	SessionKey string `json:"sessionKey"`
	Message    struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// decodeInbound parses a raw gateway frame into its tagged form.
func decodeInbound(data []byte) (inbound, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed gateway frame: %w", err)
	}

	switch f.Type {
	case "event":
		switch f.Event {
		case "connect.challenge":
			var p challengePayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				return nil, fmt.Errorf("malformed challenge payload: %w", err)
			}
			return challengeEvent{Nonce: p.Nonce}, nil
		case "chat":
			var p chatPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				return nil, fmt.Errorf("malformed chat payload: %w", err)
			}
			return chatEvent{
				State:      p.State,
				SessionKey: p.SessionKey,
				Text:       extractText(p.Message.Content),
			}, nil
		case "ping":
			return pingEvent{}, nil
		default:
			return unknownEvent{Name: f.Event}, nil
		}
	case "res":
		return response{
			ID:      f.ID,
			OK:      f.OK != nil && *f.OK,
			Payload: f.Payload,
			Err:     f.Error,
		}, nil
	default:
		return unknownEvent{Name: f.Type}, nil
	}
}

// connectParams is the handshake request body (protocol v3).
type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Auth        connectAuth   `json:"auth"`
}

type connectClient struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

// chatSendParams is the chat.send request body.
type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// chatHistoryParams is the chat.history request body.
type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// Package protocol defines the JSON wire forms exchanged over the chat
// WebSocket. The inbound and outbound shapes are deliberately asymmetric:
// a client may only set its session token and the message text, while the
// broadcast form carries the server-resolved username. Identity fields are
// never read from client input; anything beyond the two inbound fields is
// ignored during parsing.
package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxFrameBytes is the largest inbound frame the server will parse.
	MaxFrameBytes = 4096

	// MaxContentChars is the maximum message length in characters.
	MaxContentChars = 2000
)

// Inbound is a chat message as submitted by a client.
type Inbound struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// Outbound is a chat message as relayed to every connected client.
type Outbound struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// ParseInbound decodes a client frame. It returns an error for frames that
// are not valid JSON, exceed the size limit, or carry unusable content. A
// missing session_id is not an error here; the relay treats it as an
// authentication failure so it can be logged distinctly.
func ParseInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if len(data) > MaxFrameBytes {
		return msg, fmt.Errorf("protocol: frame exceeds %d byte limit", MaxFrameBytes)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if err := ValidateContent(msg.Content); err != nil {
		return msg, err
	}
	return msg, nil
}

// Encode serializes the broadcast form. Only username and content ever reach
// the wire.
func (o Outbound) Encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal outbound message: %w", err)
	}
	return data, nil
}

// ValidateContent checks that message text meets content requirements.
func ValidateContent(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("protocol: message content is empty")
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return fmt.Errorf("protocol: message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("protocol: message contains invalid UTF-8")
	}
	return nil
}

package websocket

import (
	"encoding/json"
	"fmt"
)

const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSyncRequest  = "sync:request"
	TypeSyncResponse = "sync:response"
	TypeHeartbeat    = "execution:heartbeat"
	TypeError        = "error"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with payload marshaled to JSON.
func NewMessage(msgType string, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// ParsePayload decodes the payload into v.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// ChannelsRequest is the payload of subscribe and unsubscribe.
type ChannelsRequest struct {
	Channels []string `json:"channels"`
}

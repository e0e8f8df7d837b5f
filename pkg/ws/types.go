// Package ws holds the JSON frames exchanged on the realtime chat socket.
// Both the server and cmd/chatutil speak this protocol.
package ws

import (
	"encoding/json"
)

// Inbound event types
const (
	TypeSend     = "chat:send"
	TypeMarkRead = "chat:mark-read"
	TypeDelete   = "chat:delete"
	TypeHistory  = "chat:history"

	// TypeAck answers an inbound frame that carried an ack id
	TypeAck = "ack"
)

// Frame is one message on the socket. Outbound events leave Ack empty.
type Frame struct {
	Type string          `json:"type"`
	Ack  string          `json:"ack,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is the outbound shape, marshalled once per broadcast
type Event struct {
	Type string `json:"type"`
	Ack  string `json:"ack,omitempty"`
	Data any    `json:"data"`
}

// AckData reports the outcome of an inbound frame
type AckData struct {
	OK    bool   `json:"ok"`
	ID    uint   `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// SendData is the body of chat:send. Message stays untyped so that a
// non-string value is treated as empty rather than failing the frame.
type SendData struct {
	Message any `json:"message"`
}

// Text returns the message if it is a string
func (d SendData) Text() string {
	s, _ := d.Message.(string)
	return s
}

// DeleteData is the body of chat:delete
type DeleteData struct {
	ID int64 `json:"id"`
}

// HistoryData is the body of a chat:history resync request
type HistoryData struct {
	Limit   int  `json:"limit"`
	SinceID uint `json:"since_id"`
}

// ErrorData is the body of chat:error
type ErrorData struct {
	Message string `json:"message"`
}

// Encode marshals an outbound event
func Encode(eventType string, data any) ([]byte, error) {
	return json.Marshal(Event{Type: eventType, Data: data})
}

// EncodeAck marshals an ack frame
func EncodeAck(ack string, data AckData) ([]byte, error) {
	return json.Marshal(Event{Type: TypeAck, Ack: ack, Data: data})
}

// Package nats message types for the event mirror.
//
// Every message is a JSON envelope whose payload matches the bus signal it
// mirrors.
package nats

import "encoding/json"

// Event types carried in MessageEnvelope.Type.
const (
	TypeOutput    = "child_output"
	TypeCompleted = "request_completed"
)

// MessageEnvelope wraps all NATS messages with type information.
type MessageEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// OutputMessage mirrors childOutputReceived.
type OutputMessage struct {
	Output string `json:"output"`
}

// CompletedMessage mirrors requestCompleted.
type CompletedMessage struct {
	Method string `json:"method"`
	Status int    `json:"status"`
}

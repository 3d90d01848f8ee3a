// Package nats publisher turns daemon events into NATS messages.
package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Conn is the part of Client the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Subject(kind string) string
}

// Publisher mirrors daemon events. It implements daemon.Sink.
type Publisher struct {
	conn   Conn
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(conn Conn, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
		now:    time.Now,
	}
}

// OutputProduced publishes one chunk of child output.
func (p *Publisher) OutputProduced(chunk string) error {
	return p.publish("output", TypeOutput, OutputMessage{Output: chunk})
}

// RequestCompleted publishes an operation's completion.
func (p *Publisher) RequestCompleted(method string, status int) error {
	return p.publish("completed", TypeCompleted, CompletedMessage{Method: method, Status: status})
}

// publish sends a message via core NATS (fire-and-forget).
func (p *Publisher) publish(kind, msgType string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	msg := MessageEnvelope{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: p.now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	subject := p.conn.Subject(kind)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	p.logger.Debug("Published message",
		slog.String("subject", subject),
		slog.String("type", msgType),
	)
	return nil
}

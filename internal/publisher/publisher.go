// Package publisher emits run summaries and inserted-record events on NATS
// for the external scheduler and downstream consumers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/medatlas/telegram-ingest/internal/ingest"
	"github.com/medatlas/telegram-ingest/internal/report"
)

// subjects
const (
	SubjectRuns        = "ingest.runs"
	SubjectNewMessages = "ingest.messages.new"
)

// Conn is the NATS operation the publisher needs, narrowed for mocking.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher publishes pipeline events.
type Publisher struct {
	conn Conn
}

// New creates a publisher over an established NATS connection.
func New(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// NewWithConn creates a publisher over any Conn (used by tests).
func NewWithConn(conn Conn) *Publisher {
	return &Publisher{conn: conn}
}

// PublishRunSummary publishes the run summary on ingest.runs.
func (p *Publisher) PublishRunSummary(summary *report.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	if err := p.conn.Publish(SubjectRuns, data); err != nil {
		return fmt.Errorf("publish run summary: %w", err)
	}
	return nil
}

// NewMessageEvent identifies one freshly inserted record.
type NewMessageEvent struct {
	ChatID      int64  `json:"chat_id"`
	MessageID   int64  `json:"message_id"`
	ChannelName string `json:"channel_name"`
	HasMedia    bool   `json:"has_media"`
}

// MessageInserted publishes an event for a record that was actually inserted
// (duplicates never produce events). Satisfies the loader's Events hook.
func (p *Publisher) MessageInserted(_ context.Context, rec ingest.Record) error {
	data, err := json.Marshal(NewMessageEvent{
		ChatID:      rec.ChatID,
		MessageID:   rec.MessageID,
		ChannelName: rec.ChannelName,
		HasMedia:    rec.HasMedia,
	})
	if err != nil {
		return fmt.Errorf("marshal message event: %w", err)
	}
	if err := p.conn.Publish(SubjectNewMessages, data); err != nil {
		return fmt.Errorf("publish message event: %w", err)
	}
	return nil
}

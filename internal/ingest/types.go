// Package ingest defines the canonical types flowing through the pipeline:
// channel targets, raw platform messages, normalized records and the
// per-channel / per-batch outcome objects collected into a run summary.
package ingest

import (
	"encoding/json"
	"time"
)

// ChannelTarget identifies one source channel for a run.
// Read-only once a run has started.
type ChannelTarget struct {
	// Handle is the stable channel username, without @.
	Handle string `yaml:"handle" json:"handle"`

	// Limit caps the number of messages fetched this run. 0 means no cap.
	Limit int `yaml:"limit" json:"limit"`

	// SinceID is the highest message id already persisted for this channel.
	// Messages with id <= SinceID are not fetched again. The store is the
	// source of truth; this is resolved at run start, never cached.
	SinceID int64 `yaml:"-" json:"since_id"`
}

// RawMessage is the as-received unit from the Telegram API. It exists only
// between the scraper and the normalizer.
type RawMessage struct {
	MessageID       int64
	ChatID          int64
	ChatTitle       string
	SenderID        int64
	SenderUsername  string
	SenderFirstName string
	SenderLastName  string
	Text            string
	Date            time.Time
	HasMedia        bool
	MediaType       string
	MediaPath       string
	ReplyToMsgID    int64
	ForwardFrom     string

	// Raw is the full-fidelity API payload, kept for forward compatibility.
	Raw json.RawMessage
}

// Record is the normalized, storage-ready message.
type Record struct {
	MessageID       int64           `json:"message_id"`
	ChatID          int64           `json:"chat_id"`
	ChatTitle       string          `json:"chat_title"`
	SenderID        int64           `json:"sender_id"`
	SenderUsername  string          `json:"sender_username"`
	SenderFirstName string          `json:"sender_first_name"`
	SenderLastName  string          `json:"sender_last_name"`
	MessageText     string          `json:"message_text"`
	MessageDate     time.Time       `json:"message_date"`
	HasMedia        bool            `json:"has_media"`
	MediaType       *string         `json:"media_type"`
	MediaPath       *string         `json:"media_path"`
	ReplyToMsgID    *int64          `json:"reply_to_msg_id"`
	ForwardFrom     *string         `json:"forward_from"`
	ScrapedAt       time.Time       `json:"scraped_at"`
	ChannelName     string          `json:"channel_name"`
	RawData         json.RawMessage `json:"raw_data,omitempty"`
}

// ChannelState is the terminal state of one channel's scrape.
type ChannelState string

const (
	StateCompleted ChannelState = "completed"
	StateSkipped   ChannelState = "skipped"
	StateFailed    ChannelState = "failed"
)

// ScrapeOutcome is the per-channel scrape result.
type ScrapeOutcome struct {
	Channel string        `json:"channel"`
	Fetched int           `json:"fetched"`
	State   ChannelState  `json:"state"`
	Error   string        `json:"error,omitempty"`
	Fatal   bool          `json:"fatal,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// LoadOutcome is the per-source-batch load result.
type LoadOutcome struct {
	Batch      string `json:"batch"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
	Error      string `json:"error,omitempty"`
}

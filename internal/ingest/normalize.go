package ingest

import (
	"errors"
	"time"
)

// validation errors for record-level rejection
var (
	ErrMissingMessageID = errors.New("message has no id")
	ErrMissingChatID    = errors.New("message has no chat id")
)

// Normalize maps a raw platform message into the canonical record.
//
// It is a pure function: same inputs, same output, no side effects.
// channel_name comes from the target handle, not from the chat title —
// the title is free text and may diverge from the stable handle.
func Normalize(raw RawMessage, target ChannelTarget, scrapedAt time.Time) (Record, error) {
	if raw.MessageID == 0 {
		return Record{}, NewError(KindRecord, ErrMissingMessageID)
	}
	if raw.ChatID == 0 {
		return Record{}, NewError(KindRecord, ErrMissingChatID)
	}

	rec := Record{
		MessageID:       raw.MessageID,
		ChatID:          raw.ChatID,
		ChatTitle:       raw.ChatTitle,
		SenderID:        raw.SenderID,
		SenderUsername:  raw.SenderUsername,
		SenderFirstName: raw.SenderFirstName,
		SenderLastName:  raw.SenderLastName,
		MessageText:     raw.Text,
		MessageDate:     raw.Date.UTC(),
		HasMedia:        raw.HasMedia,
		ScrapedAt:       scrapedAt.UTC(),
		ChannelName:     target.Handle,
		RawData:         raw.Raw,
	}

	if raw.MediaType != "" {
		mt := raw.MediaType
		rec.MediaType = &mt
	}
	if raw.MediaPath != "" {
		mp := raw.MediaPath
		rec.MediaPath = &mp
	}
	if raw.ReplyToMsgID != 0 {
		r := raw.ReplyToMsgID
		rec.ReplyToMsgID = &r
	}
	if raw.ForwardFrom != "" {
		f := raw.ForwardFrom
		rec.ForwardFrom = &f
	}

	return rec, nil
}

// Package repository handles persistence of ingestion records and
// enrichment detections in PostgreSQL.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medatlas/telegram-ingest/internal/ingest"
)

// MessagesRepository handles the raw.telegram_messages table.
type MessagesRepository struct {
	pool *pgxpool.Pool
}

// NewMessagesRepository creates a messages repository.
func NewMessagesRepository(pool *pgxpool.Pool) *MessagesRepository {
	return &MessagesRepository{pool: pool}
}

// Insert persists a record. Returns inserted=false when the record already
// exists; the store's unique constraint on (chat_id, message_id) is the sole
// arbiter, so concurrent and repeated submissions cannot double-insert.
// message_date and scraped_at of an existing row are never overwritten.
func (r *MessagesRepository) Insert(ctx context.Context, rec ingest.Record) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO raw.telegram_messages
		    (message_id, chat_id, chat_title, sender_id, sender_username,
		     sender_first_name, sender_last_name, message_text, message_date,
		     has_media, media_type, media_path, reply_to_msg_id, forward_from,
		     scraped_at, channel_name, raw_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (chat_id, message_id) DO NOTHING
	`, rec.MessageID, rec.ChatID, rec.ChatTitle, rec.SenderID, rec.SenderUsername,
		rec.SenderFirstName, rec.SenderLastName, rec.MessageText, rec.MessageDate,
		rec.HasMedia, rec.MediaType, rec.MediaPath, rec.ReplyToMsgID, rec.ForwardFrom,
		rec.ScrapedAt, rec.ChannelName, rec.RawData,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert message %d/%d: %w", rec.ChatID, rec.MessageID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// LastMessageID returns the highest persisted message id for a channel.
// This is the "since" cursor; the store is the source of truth for it.
func (r *MessagesRepository) LastMessageID(ctx context.Context, channel string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(message_id), 0)
		FROM raw.telegram_messages
		WHERE channel_name = $1
	`, channel).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("last message id for %s: %w", channel, err)
	}
	return id, nil
}

// CountByChannel returns the number of persisted rows for a channel.
func (r *MessagesRepository) CountByChannel(ctx context.Context, channel string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM raw.telegram_messages WHERE channel_name = $1
	`, channel).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages for %s: %w", channel, err)
	}
	return count, nil
}

// isUniqueViolation reports whether err is a postgres unique constraint hit.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

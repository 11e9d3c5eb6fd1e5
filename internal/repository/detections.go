package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Detection is one persisted enrichment result for a media message.
// Detections are replaceable: re-running enrichment updates the row,
// unlike messages which are insert-once.
type Detection struct {
	ChatID    int64           `json:"chat_id"`
	MessageID int64           `json:"message_id"`
	ImagePath string          `json:"image_path"`
	Labels    json.RawMessage `json:"labels"`
}

// DetectionsRepository handles the raw.image_detections table.
type DetectionsRepository struct {
	pool *pgxpool.Pool
}

// NewDetectionsRepository creates a detections repository.
func NewDetectionsRepository(pool *pgxpool.Pool) *DetectionsRepository {
	return &DetectionsRepository{pool: pool}
}

// Upsert inserts or replaces the detection row for a message.
func (r *DetectionsRepository) Upsert(ctx context.Context, d Detection) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO raw.image_detections (chat_id, message_id, image_path, detections)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET
		    image_path  = EXCLUDED.image_path,
		    detections  = EXCLUDED.detections,
		    detected_at = NOW()
	`, d.ChatID, d.MessageID, d.ImagePath, d.Labels)
	if err != nil {
		return fmt.Errorf("upsert detection %d/%d: %w", d.ChatID, d.MessageID, err)
	}
	return nil
}

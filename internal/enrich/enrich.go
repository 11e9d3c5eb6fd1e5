// Package enrich runs the black-box image classifier over downloaded media
// and persists its detections. The classifier itself is an external
// collaborator behind the Detector interface; this package only owns the
// plumbing around it.
package enrich

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/medatlas/telegram-ingest/internal/ingest"
	"github.com/medatlas/telegram-ingest/internal/logger"
	"github.com/medatlas/telegram-ingest/internal/repository"
)

// Label is one detection returned by the classifier.
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Detector classifies a local image file.
type Detector interface {
	Detect(ctx context.Context, imagePath string) ([]Label, error)
}

// Sink persists detections.
type Sink interface {
	Upsert(ctx context.Context, d repository.Detection) error
}

// Enricher applies the detector to records carrying downloaded images.
type Enricher struct {
	detector Detector
	sink     Sink
	log      *logger.Logger
}

// New creates an enricher.
func New(detector Detector, sink Sink) *Enricher {
	return &Enricher{detector: detector, sink: sink, log: logger.Get()}
}

// imageExtensions lists the media files worth classifying.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
}

// Process classifies every image-bearing record and upserts the result.
// A failing record is logged and skipped; siblings are unaffected.
// Returns the number of records successfully processed.
func (e *Enricher) Process(ctx context.Context, records []ingest.Record) int {
	processed := 0
	for _, rec := range records {
		if rec.MediaPath == nil || *rec.MediaPath == "" {
			continue
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(*rec.MediaPath))] {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		labels, err := e.detector.Detect(ctx, *rec.MediaPath)
		if err != nil {
			e.log.Warn().Err(err).
				Str("image", *rec.MediaPath).
				Int64("message_id", rec.MessageID).
				Msg("enrich: detection failed")
			continue
		}

		data, err := json.Marshal(labels)
		if err != nil {
			e.log.Warn().Err(err).Int64("message_id", rec.MessageID).Msg("enrich: marshal labels")
			continue
		}

		det := repository.Detection{
			ChatID:    rec.ChatID,
			MessageID: rec.MessageID,
			ImagePath: *rec.MediaPath,
			Labels:    data,
		}
		if err := e.sink.Upsert(ctx, det); err != nil {
			e.log.Warn().Err(err).Int64("message_id", rec.MessageID).Msg("enrich: persist detection")
			continue
		}
		processed++
	}
	return processed
}

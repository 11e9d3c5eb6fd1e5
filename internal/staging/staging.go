// Package staging writes scraped records to durable JSON files before they
// are loaded, and reads them back. The stage is the crash-recovery seam: a
// restart between scrape and load re-loads the staged files, and the store's
// dedup key makes the re-load idempotent.
//
// Layout: <dir>/<YYYY-MM-DD>/<channel>/messages.json, one file per
// (date, channel).
package staging

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/medatlas/telegram-ingest/internal/ingest"
)

// FileName is the per-batch stage file name.
const FileName = "messages.json"

// Batch is the self-describing stage file envelope.
type Batch struct {
	Channel   string          `json:"channel"`
	ScrapedAt time.Time       `json:"scraped_at"`
	Records   []ingest.Record `json:"records"`
}

// Write stores records for one channel under the given date partition and
// returns the file path. The write is atomic: a temp file is renamed into
// place so a crash never leaves a half-written batch.
func Write(dir string, date time.Time, channel string, records []ingest.Record) (string, error) {
	partition := filepath.Join(dir, date.UTC().Format("2006-01-02"), channel)
	if err := os.MkdirAll(partition, 0o755); err != nil {
		return "", fmt.Errorf("create stage dir: %w", err)
	}

	batch := Batch{
		Channel:   channel,
		ScrapedAt: time.Now().UTC(),
		Records:   records,
	}

	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal stage batch: %w", err)
	}

	path := filepath.Join(partition, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write stage file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit stage file: %w", err)
	}

	return path, nil
}

// Read parses one stage file.
func Read(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage file: %w", err)
	}

	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse stage file %s: %w", path, err)
	}
	return &batch, nil
}

// List returns all stage file paths under dir, oldest partition first.
func List(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == FileName {
			paths = append(paths, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("walk stage dir: %w", err)
	}
	return paths, nil
}

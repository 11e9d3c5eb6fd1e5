package telegram

import (
	"fmt"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/glebarez/sqlite"

	"github.com/medatlas/telegram-ingest/internal/config"
)

// NewPersistentClient creates an authenticated MTProto client backed by a
// sqlite session store. Auth key refreshes are persisted automatically, so
// repeated runs reuse the same session.
//
// The session is seeded from TG_SESSION_STRING on first run; afterwards the
// sqlite store is authoritative.
func NewPersistentClient(cfg *config.Config) (*gotgproto.Client, error) {
	var session sessionMaker.SessionConstructor
	if cfg.TGSessionString != "" {
		session = sessionMaker.StringSession(cfg.TGSessionString)
	} else {
		session = sessionMaker.SqlSession(sqlite.Open(cfg.TGSessionFile))
	}

	client, err := gotgproto.NewClient(
		cfg.TGApiID,
		cfg.TGApiHash,
		gotgproto.ClientTypePhone(""), // empty phone: session must already exist
		&gotgproto.ClientOpts{
			Session:          session,
			DisableCopyright: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create telegram client: %w", err)
	}

	return client, nil
}

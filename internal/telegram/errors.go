package telegram

import (
	"github.com/gotd/td/tgerr"

	"github.com/medatlas/telegram-ingest/internal/ingest"
)

// permanent per-channel error codes: the channel is unusable for this
// account, but other channels are unaffected.
var channelErrors = []string{
	"USERNAME_NOT_OCCUPIED",
	"USERNAME_INVALID",
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHAT_ADMIN_REQUIRED",
	"PEER_ID_INVALID",
}

// fatal error codes: the session itself is rejected, no channel can be
// scraped until re-authentication.
var fatalErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
}

// classify maps a Telegram RPC error into the pipeline's closed error set.
// FLOOD_WAIT becomes a CooldownError carrying the quoted seconds; unknown
// errors default to transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &ingest.CooldownError{Seconds: int(wait.Seconds())}
	}

	for _, code := range fatalErrors {
		if tgerr.Is(err, code) {
			return ingest.NewError(ingest.KindFatal, err)
		}
	}

	for _, code := range channelErrors {
		if tgerr.Is(err, code) {
			return ingest.NewError(ingest.KindChannel, err)
		}
	}

	return ingest.NewError(ingest.KindTransient, err)
}

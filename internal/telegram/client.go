// Package telegram wraps the MTProto client and maps its message and error
// shapes into the pipeline's canonical types.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/medatlas/telegram-ingest/internal/ingest"
	"github.com/medatlas/telegram-ingest/internal/logger"
)

// Channel holds resolved channel identity for API calls.
type Channel struct {
	ID         int64
	AccessHash int64
	Handle     string
	Title      string
}

// Client provides high-level channel operations over a raw tg.Client.
type Client struct {
	api *tg.Client
	log *logger.Logger
}

// NewClient wraps a raw API client.
func NewClient(api *tg.Client) *Client {
	return &Client{api: api, log: logger.Get()}
}

// Resolve resolves a channel handle (with or without @) to channel identity.
func (c *Client) Resolve(ctx context.Context, handle string) (*Channel, error) {
	handle = strings.TrimPrefix(handle, "@")

	c.log.Debug().Str("handle", handle).Msg("telegram: resolving channel")
	resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: handle,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("resolve %s: %w", handle, err))
	}

	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return &Channel{
				ID:         ch.ID,
				AccessHash: ch.AccessHash,
				Handle:     handle,
				Title:      ch.Title,
			}, nil
		}
	}

	return nil, ingest.NewError(ingest.KindChannel,
		fmt.Errorf("username %s is not a channel", handle))
}

// History fetches one page of channel history, newest first.
// offsetID pages backwards (0 = newest); minID excludes messages with
// id <= minID, which is how the per-channel "since" cursor is enforced.
//
// nextOffset is the lowest message id of the RAW page, including service
// and empty messages that never become records. Paging must advance on it,
// not on the parsed slice: a page of nothing but service messages parses to
// zero records but is not the end of history. nextOffset 0 means no more.
func (c *Client) History(ctx context.Context, ch *Channel, offsetID int, minID int64, limit int) (page []ingest.RawMessage, nextOffset int, err error) {
	if limit > 100 {
		limit = 100 // hard API page size limit
	}

	c.log.Debug().
		Str("channel", ch.Handle).
		Int("offset_id", offsetID).
		Int64("min_id", minID).
		Int("limit", limit).
		Msg("telegram: fetching history page")

	history, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer: &tg.InputPeerChannel{
			ChannelID:  ch.ID,
			AccessHash: ch.AccessHash,
		},
		OffsetID: offsetID,
		MinID:    int(minID),
		Limit:    limit,
	})
	if err != nil {
		return nil, 0, classify(fmt.Errorf("get history for %s: %w", ch.Handle, err))
	}

	page, nextOffset = c.extract(history, ch)
	return page, nextOffset, nil
}

// extract converts an API history response into raw messages, resolving
// senders through the user map shipped alongside the page. The second
// result is the lowest raw message id on the page (0 for an empty page).
func (c *Client) extract(resp tg.MessagesMessagesClass, ch *Channel) ([]ingest.RawMessage, int) {
	var (
		msgs  []tg.MessageClass
		users []tg.UserClass
	)

	switch h := resp.(type) {
	case *tg.MessagesChannelMessages:
		msgs, users = h.Messages, h.Users
	case *tg.MessagesMessages:
		msgs, users = h.Messages, h.Users
	case *tg.MessagesMessagesSlice:
		msgs, users = h.Messages, h.Users
	default:
		return nil, 0
	}

	userByID := make(map[int64]*tg.User, len(users))
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			userByID[user.ID] = user
		}
	}

	lowest := 0
	out := make([]ingest.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		if id := m.GetID(); lowest == 0 || id < lowest {
			lowest = id
		}
		if raw, ok := c.parse(m, ch, userByID); ok {
			out = append(out, raw)
		}
	}
	return out, lowest
}

// parse converts a single API message. Service and empty messages carry no
// content and are dropped here.
func (c *Client) parse(msg tg.MessageClass, ch *Channel, users map[int64]*tg.User) (ingest.RawMessage, bool) {
	m, ok := msg.(*tg.Message)
	if !ok {
		return ingest.RawMessage{}, false
	}

	raw := ingest.RawMessage{
		MessageID: int64(m.ID),
		ChatID:    ch.ID,
		ChatTitle: ch.Title,
		Text:      m.Message,
		Date:      time.Unix(int64(m.Date), 0).UTC(),
	}

	// sender: channel posts have no FromID, the channel itself is the sender
	if from, ok := m.GetFromID(); ok {
		if peer, ok := from.(*tg.PeerUser); ok {
			raw.SenderID = peer.UserID
			if u := users[peer.UserID]; u != nil {
				raw.SenderUsername = u.Username
				raw.SenderFirstName = u.FirstName
				raw.SenderLastName = u.LastName
			}
		}
	} else {
		raw.SenderID = ch.ID
		raw.SenderUsername = ch.Handle
	}

	if media, ok := m.GetMedia(); ok {
		raw.HasMedia = true
		raw.MediaType = media.TypeName()
	}

	if reply, ok := m.GetReplyTo(); ok {
		if header, ok := reply.(*tg.MessageReplyHeader); ok {
			raw.ReplyToMsgID = int64(header.ReplyToMsgID)
		}
	}

	if fwd, ok := m.GetFwdFrom(); ok {
		raw.ForwardFrom = forwardSource(fwd, users)
	}

	if data, err := json.Marshal(m); err == nil {
		raw.Raw = data
	}

	return raw, true
}

// forwardSource derives a human-readable origin for a forwarded message.
func forwardSource(fwd tg.MessageFwdHeader, users map[int64]*tg.User) string {
	if name, ok := fwd.GetFromName(); ok && name != "" {
		return name
	}
	if from, ok := fwd.GetFromID(); ok {
		switch peer := from.(type) {
		case *tg.PeerUser:
			if u := users[peer.UserID]; u != nil && u.Username != "" {
				return u.Username
			}
			return strconv.FormatInt(peer.UserID, 10)
		case *tg.PeerChannel:
			return strconv.FormatInt(peer.ChannelID, 10)
		case *tg.PeerChat:
			return strconv.FormatInt(peer.ChatID, 10)
		}
	}
	return ""
}

// DownloadMedia downloads a message attachment into dir and returns the
// local path. The message is refetched by id to get a fresh file reference.
// Only photos and documents are downloadable; other media kinds (polls, geo,
// webpage previews) return an empty path without error.
func (c *Client) DownloadMedia(ctx context.Context, ch *Channel, raw *ingest.RawMessage, dir string) (string, error) {
	media, err := c.fetchMedia(ctx, ch, raw.MessageID)
	if err != nil {
		return "", err
	}
	if media == nil {
		return "", nil
	}

	var (
		loc tg.InputFileLocationClass
		ext string
	)

	switch md := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := md.Photo.(*tg.Photo)
		if !ok {
			return "", nil
		}
		thumb := largestPhotoSize(photo)
		if thumb == "" {
			return "", nil
		}
		loc = &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}
		ext = ".jpg"
	case *tg.MessageMediaDocument:
		doc, ok := md.Document.(*tg.Document)
		if !ok {
			return "", nil
		}
		loc = &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}
		ext = extensionForMime(doc.MimeType)
	default:
		return "", nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d%s", raw.MessageID, ext))
	if _, err := downloader.NewDownloader().Download(c.api, loc).ToPath(ctx, path); err != nil {
		return "", classify(fmt.Errorf("download media for message %d: %w", raw.MessageID, err))
	}
	return path, nil
}

// fetchMedia refetches one message and returns its media, or nil when the
// message has none.
func (c *Client) fetchMedia(ctx context.Context, ch *Channel, msgID int64) (tg.MessageMediaClass, error) {
	resp, err := c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash},
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: int(msgID)}},
	})
	if err != nil {
		return nil, classify(fmt.Errorf("refetch message %d: %w", msgID, err))
	}

	var msgs []tg.MessageClass
	switch h := resp.(type) {
	case *tg.MessagesChannelMessages:
		msgs = h.Messages
	case *tg.MessagesMessages:
		msgs = h.Messages
	default:
		return nil, nil
	}

	for _, mc := range msgs {
		if m, ok := mc.(*tg.Message); ok && int64(m.ID) == msgID {
			if media, ok := m.GetMedia(); ok {
				return media, nil
			}
		}
	}
	return nil, nil
}

// largestPhotoSize picks the biggest available thumb type.
func largestPhotoSize(photo *tg.Photo) string {
	best := ""
	bestArea := 0
	for _, s := range photo.Sizes {
		if sz, ok := s.(*tg.PhotoSize); ok {
			if area := sz.W * sz.H; area > bestArea {
				bestArea = area
				best = sz.Type
			}
		}
	}
	return best
}

func extensionForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

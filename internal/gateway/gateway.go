// Package gateway implements the outbound send path: validate media, persist
// a durable copy, transmit through the session and record the message through
// the same idempotent applier the webhook path uses.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"zapleads/internal/media"
	"zapleads/internal/session"
	"zapleads/internal/store"
)

// ErrInvalidMedia flags attachments rejected before any upload happens.
var ErrInvalidMedia = errors.New("invalid media")

// allowedMime is the attachment allow-list. Everything else is rejected
// up front, never discovered mid-send.
var allowedMime = map[string]bool{
	"image/jpeg":             true,
	"image/png":              true,
	"image/webp":             true,
	"video/mp4":              true,
	"audio/ogg":              true,
	"audio/ogg; codecs=opus": true,
	"application/pdf":        true,
}

// Request is one outbound message. Media, when present, is either a base64
// data URL or an http(s) URL the gateway fetches; MimeType overrides the
// detected content type for the URL form.
type Request struct {
	Phone    string `json:"phone"`
	Text     string `json:"text"`
	Media    string `json:"media,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Gateway validates, stores and transmits outbound messages.
type Gateway struct {
	sessions *session.Manager
	messages *store.Store
	uploader *media.Uploader
	fetcher  *resty.Client
	maxBytes int64
}

func New(sessions *session.Manager, messages *store.Store, uploader *media.Uploader, maxBytes int64) *Gateway {
	return &Gateway{
		sessions: sessions,
		messages: messages,
		uploader: uploader,
		fetcher:  resty.New().SetTimeout(30 * time.Second).SetDoNotParseResponse(true),
		maxBytes: maxBytes,
	}
}

// Send delivers one message to phone. Validation happens before any upload or
// network call; the durable media copy is written before the provider send so
// the stored URL survives a transmit failure.
func (g *Gateway) Send(ctx context.Context, req Request) (*store.Message, error) {
	if req.Phone == "" {
		return nil, fmt.Errorf("%w: phone is required", ErrInvalidMedia)
	}
	if req.Text == "" && req.Media == "" {
		return nil, fmt.Errorf("%w: message needs text or media", ErrInvalidMedia)
	}

	content := session.Content{Text: req.Text, FileName: req.FileName}
	if req.Media != "" {
		data, mimeType, err := g.loadMedia(ctx, req)
		if err != nil {
			return nil, err
		}
		if !allowedMime[mimeType] {
			return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidMedia, mimeType)
		}
		if int64(len(data)) > g.maxBytes {
			return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidMedia, len(data), g.maxBytes)
		}
		content.Data = data
		content.MimeType = mimeType
	}

	var mediaURL string
	if len(content.Data) > 0 && g.uploader.Enabled() {
		key := g.uploader.Key(req.Phone, uuid.NewString(), content.MimeType)
		url, err := g.uploader.Upload(ctx, key, content.Data, content.MimeType)
		if err != nil {
			return nil, fmt.Errorf("failed to store media copy: %w", err)
		}
		mediaURL = url
	}

	externalID, err := g.sessions.Send(ctx, req.Phone, content)
	if err != nil {
		// The durable copy stays put; a retry reuses nothing from it but
		// the failed send must not orphan the caller's attachment silently.
		if mediaURL != "" {
			log.Warn().Str("mediaUrl", mediaURL).Msg("Send failed after media upload, copy retained")
		}
		return nil, err
	}

	msg, err := g.messages.ApplyMessage(ctx, store.Message{
		ExternalID: externalID,
		LeadPhone:  req.Phone,
		Direction:  store.Outbound,
		Body:       req.Text,
		MediaURL:   mediaURL,
		MediaMime:  content.MimeType,
		Status:     "sent",
	})
	if err != nil {
		return nil, fmt.Errorf("message sent but not recorded: %w", err)
	}
	log.Info().Str("phone", req.Phone).Str("externalId", externalID).Msg("Outbound message sent")
	return msg, nil
}

// loadMedia resolves the request's media field into raw bytes and a MIME
// type: data URLs are decoded in place, http(s) URLs are fetched.
func (g *Gateway) loadMedia(ctx context.Context, req Request) ([]byte, string, error) {
	if strings.HasPrefix(req.Media, "data:") {
		decoded, err := dataurl.DecodeString(req.Media)
		if err != nil {
			return nil, "", fmt.Errorf("%w: could not decode media payload: %v", ErrInvalidMedia, err)
		}
		return decoded.Data, decoded.MediaType.ContentType(), nil
	}

	if !strings.HasPrefix(req.Media, "http://") && !strings.HasPrefix(req.Media, "https://") {
		return nil, "", fmt.Errorf("%w: media must be a data URL or an http(s) URL", ErrInvalidMedia)
	}

	resp, err := g.fetcher.R().SetContext(ctx).Get(req.Media)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch media: %w", err)
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.IsError() {
		return nil, "", fmt.Errorf("%w: media fetch returned status %d", ErrInvalidMedia, resp.StatusCode())
	}

	// Read at most one byte past the cap so an oversized remote file is
	// rejected without buffering it whole.
	data, err := io.ReadAll(io.LimitReader(raw, g.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch media: %w", err)
	}
	if int64(len(data)) > g.maxBytes {
		return nil, "", fmt.Errorf("%w: media exceeds limit of %d bytes", ErrInvalidMedia, g.maxBytes)
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = resp.Header().Get("Content-Type")
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 && !strings.HasPrefix(mimeType, "audio/ogg") {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return data, mimeType, nil
}

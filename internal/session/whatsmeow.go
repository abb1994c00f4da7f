package session

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"zapleads/internal/connstate"
)

// waProvider backs the session with a whatsmeow client. Inbound chat traffic
// is ingested through provider webhooks, so the event handler here only
// drives the connection lifecycle.
type waProvider struct {
	client *whatsmeow.Client
	events Events
}

// NewWhatsmeowFactory opens the device store once and returns a Factory that
// builds providers on top of it. The device store shares the application
// database URL but keeps its own tables.
func NewWhatsmeowFactory(ctx context.Context, databaseURL, deviceName string) (Factory, error) {
	dialect, dsn := waDialect(databaseURL)
	dbLog := waLog.Stdout("SessionDB", "ERROR", false)
	container, err := sqlstore.New(ctx, dialect, dsn, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	if deviceName != "" {
		store.DeviceProps.Os = proto.String(deviceName)
	}

	return func(evts Events) (Provider, error) {
		device, err := container.GetFirstDevice(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to load device: %w", err)
		}
		p := &waProvider{
			client: whatsmeow.NewClient(device, waLog.Stdout("Client", "ERROR", false)),
			events: evts,
		}
		// The manager owns reconnection with its own bounded backoff; the
		// library retrying underneath it would duplicate sessions.
		p.client.EnableAutoReconnect = false
		p.client.AddEventHandler(p.handleEvent)
		return p, nil
	}, nil
}

func waDialect(databaseURL string) (string, string) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "postgres", databaseURL
	}
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	return "sqlite", "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
}

func (p *waProvider) Connect(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- p.client.Connect() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		p.client.Disconnect()
		return ctx.Err()
	}
}

func (p *waProvider) Disconnect() {
	p.client.Disconnect()
}

func (p *waProvider) Logout(ctx context.Context) error {
	return p.client.Logout(ctx)
}

func (p *waProvider) IsLoggedIn() bool {
	return p.client.Store.ID != nil
}

func (p *waProvider) GetQRChannel(ctx context.Context) (<-chan QRItem, error) {
	src, err := p.client.GetQRChannel(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan QRItem, 8)
	go func() {
		defer close(out)
		for evt := range src {
			out <- QRItem{Event: evt.Event, Code: evt.Code}
		}
	}()
	return out, nil
}

func (p *waProvider) Send(ctx context.Context, toPhone string, content Content) (string, error) {
	jid := types.NewJID(toPhone, types.DefaultUserServer)

	var msg *waE2E.Message
	if len(content.Data) > 0 {
		built, err := p.buildMediaMessage(ctx, content)
		if err != nil {
			return "", err
		}
		msg = built
	} else {
		msg = &waE2E.Message{Conversation: proto.String(content.Text)}
	}

	resp, err := p.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (p *waProvider) buildMediaMessage(ctx context.Context, content Content) (*waE2E.Message, error) {
	kind := whatsmeow.MediaDocument
	switch {
	case strings.HasPrefix(content.MimeType, "image/"):
		kind = whatsmeow.MediaImage
	case strings.HasPrefix(content.MimeType, "video/"):
		kind = whatsmeow.MediaVideo
	case strings.HasPrefix(content.MimeType, "audio/"):
		kind = whatsmeow.MediaAudio
	}

	uploaded, err := p.client.Upload(ctx, content.Data, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", err)
	}

	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(content.MimeType),
			Caption:       proto.String(content.Text),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
			JPEGThumbnail: jpegThumbnail(content.Data),
		}}, nil
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(content.MimeType),
			Caption:       proto.String(content.Text),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		}}, nil
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(content.MimeType),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(content.MimeType),
			Title:         proto.String(content.FileName),
			FileName:      proto.String(content.FileName),
			Caption:       proto.String(content.Text),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		}}, nil
	}
}

func (p *waProvider) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Connected, *events.PushNameSetting:
		p.events.OnConnected(p.identity())
	case *events.PairSuccess:
		log.Info().Str("jid", evt.ID.String()).Msg("Device paired")
	case *events.Disconnected:
		p.events.OnDisconnected("transport closed")
	case *events.StreamReplaced:
		p.events.OnDisconnected("stream replaced by another session")
	case *events.ConnectFailure:
		p.events.OnDisconnected(fmt.Sprintf("connect failure: %s", evt.Reason))
	case *events.LoggedOut:
		p.events.OnLoggedOut(evt.Reason.String())
	}
}

func (p *waProvider) identity() connstate.Identity {
	id := connstate.Identity{DisplayName: p.client.Store.PushName}
	if p.client.Store.ID != nil {
		id.Phone = p.client.Store.ID.User
	}
	return id
}

// jpegThumbnail renders a small preview for image messages. Undecodable
// input just means no preview.
func jpegThumbnail(data []byte) []byte {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	thumb := resize.Thumbnail(72, 72, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 75}); err != nil {
		return nil
	}
	return buf.Bytes()
}

package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapleads/internal/connstate"
	"zapleads/internal/media"
	"zapleads/internal/session"
	"zapleads/internal/store"
)

type countingProvider struct {
	sends atomic.Int64
}

func (p *countingProvider) Connect(ctx context.Context) error { return nil }
func (p *countingProvider) Disconnect() {}
func (p *countingProvider) Logout(ctx context.Context) error { return nil }
func (p *countingProvider) IsLoggedIn() bool { return true }
func (p *countingProvider) GetQRChannel(ctx context.Context) (<-chan session.QRItem, error) {
	return nil, nil
}
func (p *countingProvider) Send(ctx context.Context, to string, c session.Content) (string, error) {
	p.sends.Add(1)
	return "PROV-MSG-1", nil
}

type env struct {
	gateway  *Gateway
	store    *store.Store
	provider *countingProvider
	manager  *session.Manager
	states   *connstate.Store
}

func newEnv(t *testing.T, maxBytes int64) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := &env{store: s, states: connstate.NewStore(), provider: &countingProvider{}}
	var events session.Events
	e.manager = session.NewManager(e.states, func(evts session.Events) (session.Provider, error) {
		events = evts
		return e.provider, nil
	}, session.Config{})

	uploader, err := media.NewUploader(media.Config{})
	require.NoError(t, err)

	e.gateway = New(e.manager, s, uploader, maxBytes)

	require.NoError(t, e.manager.Connect(context.Background()))
	events.OnConnected(connstate.Identity{Phone: "5511000000000"})
	return e
}

func pngDataURL(payload []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)
}

func TestSendText(t *testing.T) {
	e := newEnv(t, 1<<20)

	msg, err := e.gateway.Send(context.Background(), Request{
		Phone: "5511999887766",
		Text:  "Segue o orçamento",
	})
	require.NoError(t, err)
	assert.Equal(t, "PROV-MSG-1", msg.ExternalID)
	assert.Equal(t, store.Outbound, msg.Direction)
	assert.Equal(t, "sent", msg.Status)
	assert.Equal(t, int64(1), e.provider.sends.Load())

	// The outbound copy lands in the same conversation history.
	msgs, err := e.store.MessagesByLead(context.Background(), "5511999887766", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestSendMediaWithoutObjectStore(t *testing.T) {
	e := newEnv(t, 1<<20)

	msg, err := e.gateway.Send(context.Background(), Request{
		Phone:    "5511999887766",
		Text:     "orçamento em anexo",
		Media:    pngDataURL([]byte{0x89, 0x50, 0x4e, 0x47}),
		FileName: "orcamento.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", msg.MediaMime)
	assert.Empty(t, msg.MediaURL, "no durable copy without an object store")
}

func TestSendMediaFromURL(t *testing.T) {
	e := newEnv(t, 1<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff})
	}))
	defer srv.Close()

	msg, err := e.gateway.Send(context.Background(), Request{
		Phone: "5511999887766",
		Media: srv.URL + "/photo.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", msg.MediaMime)
}

func TestSendRejectsOversizedURLMedia(t *testing.T) {
	e := newEnv(t, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(make([]byte, 1<<20))
	}))
	defer srv.Close()

	_, err := e.gateway.Send(context.Background(), Request{
		Phone: "5511999887766",
		Media: srv.URL + "/huge.jpg",
	})
	require.ErrorIs(t, err, ErrInvalidMedia)
	assert.Equal(t, int64(0), e.provider.sends.Load())
}

func TestSendRejectsNonURLMedia(t *testing.T) {
	e := newEnv(t, 1<<20)
	_, err := e.gateway.Send(context.Background(), Request{Phone: "5511999887766", Media: "ftp://nope"})
	require.ErrorIs(t, err, ErrInvalidMedia)
}

func TestSendRejectsEmptyRequest(t *testing.T) {
	e := newEnv(t, 1<<20)

	_, err := e.gateway.Send(context.Background(), Request{Phone: "5511999887766"})
	require.ErrorIs(t, err, ErrInvalidMedia)

	_, err = e.gateway.Send(context.Background(), Request{Text: "sem numero"})
	require.ErrorIs(t, err, ErrInvalidMedia)
}

func TestSendRejectsUnsupportedMime(t *testing.T) {
	e := newEnv(t, 1<<20)

	payload := "data:application/zip;base64," + base64.StdEncoding.EncodeToString([]byte("PK\x03\x04"))
	_, err := e.gateway.Send(context.Background(), Request{Phone: "5511999887766", Media: payload})
	require.ErrorIs(t, err, ErrInvalidMedia)
	assert.Equal(t, int64(0), e.provider.sends.Load(), "validation happens before any transmit")
}

func TestSendRejectsOversizedMedia(t *testing.T) {
	e := newEnv(t, 8)

	_, err := e.gateway.Send(context.Background(), Request{
		Phone: "5511999887766",
		Media: pngDataURL([]byte("way more than eight bytes")),
	})
	require.ErrorIs(t, err, ErrInvalidMedia)
	assert.Equal(t, int64(0), e.provider.sends.Load())
}

func TestSendFailsWhileDisconnected(t *testing.T) {
	e := newEnv(t, 1<<20)
	require.NoError(t, e.manager.Disconnect(context.Background()))

	_, err := e.gateway.Send(context.Background(), Request{Phone: "5511999887766", Text: "oi"})
	require.ErrorIs(t, err, session.ErrNotConnected)

	// Nothing is recorded for a message that never left.
	msgs, err := e.store.MessagesByLead(context.Background(), "5511999887766", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

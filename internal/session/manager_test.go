package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapleads/internal/connstate"
)

// fakeProvider counts calls and lets tests drive lifecycle events by hand.
type fakeProvider struct {
	mu              sync.Mutex
	loggedIn        bool
	connectErr      error
	sendErr         error
	connectCalls    int
	sendCalls       int
	disconnectCalls int
	logoutCalls     int
	events          Events
	qr              chan QRItem
}

func (f *fakeProvider) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeProvider) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
}

func (f *fakeProvider) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return nil
}

func (f *fakeProvider) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeProvider) GetQRChannel(ctx context.Context) (<-chan QRItem, error) {
	return f.qr, nil
}

func (f *fakeProvider) Send(ctx context.Context, toPhone string, content Content) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "FAKE-MSG-ID", nil
}

func (f *fakeProvider) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeProvider) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeProvider) disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectCalls
}

func (f *fakeProvider) logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutCalls
}

type fixture struct {
	states   *connstate.Store
	manager  *Manager
	provider *fakeProvider
	created  int
}

func newFixture(t *testing.T, cfg Config, loggedIn bool) *fixture {
	t.Helper()
	fx := &fixture{
		states:   connstate.NewStore(),
		provider: &fakeProvider{loggedIn: loggedIn, qr: make(chan QRItem, 4)},
	}
	factory := func(evts Events) (Provider, error) {
		fx.created++
		fx.provider.events = evts
		return fx.provider, nil
	}
	fx.manager = NewManager(fx.states, factory, cfg)
	return fx
}

func (fx *fixture) waitStatus(t *testing.T, want connstate.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fx.states.Current().Status == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for status %s", want)
}

func TestConnectIsIdempotent(t *testing.T) {
	fx := newFixture(t, Config{}, true)
	ctx := context.Background()

	require.NoError(t, fx.manager.Connect(ctx))
	assert.Equal(t, connstate.Connecting, fx.states.Current().Status)

	// A second connect while the first is in flight must not create a
	// second session.
	require.NoError(t, fx.manager.Connect(ctx))
	assert.Equal(t, 1, fx.created)
	assert.Equal(t, 1, fx.provider.connects())

	fx.provider.events.OnConnected(connstate.Identity{Phone: "5511999887766"})
	fx.waitStatus(t, connstate.Connected)

	require.NoError(t, fx.manager.Connect(ctx))
	assert.Equal(t, 1, fx.created)
}

func TestSendFailsFastWhileDisconnected(t *testing.T) {
	fx := newFixture(t, Config{}, true)

	_, err := fx.manager.Send(context.Background(), "5511999887766", Content{Text: "oi"})
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, fx.provider.sends(), "no network call before the connectivity check")
}

func TestSendWhenConnected(t *testing.T) {
	fx := newFixture(t, Config{}, true)
	require.NoError(t, fx.manager.Connect(context.Background()))
	fx.provider.events.OnConnected(connstate.Identity{})
	fx.waitStatus(t, connstate.Connected)

	id, err := fx.manager.Send(context.Background(), "5511999887766", Content{Text: "oi"})
	require.NoError(t, err)
	assert.Equal(t, "FAKE-MSG-ID", id)
}

func TestSendWrapsProviderError(t *testing.T) {
	fx := newFixture(t, Config{}, true)
	require.NoError(t, fx.manager.Connect(context.Background()))
	fx.provider.events.OnConnected(connstate.Identity{})
	fx.waitStatus(t, connstate.Connected)

	fx.provider.sendErr = errors.New("socket reset")
	_, err := fx.manager.Send(context.Background(), "5511999887766", Content{Text: "oi"})
	require.ErrorIs(t, err, ErrSendFailed)
}

func TestQRPairingFlow(t *testing.T) {
	fx := newFixture(t, Config{}, false)
	require.NoError(t, fx.manager.Connect(context.Background()))

	fx.provider.qr <- QRItem{Event: "code", Code: "2@challenge"}
	fx.waitStatus(t, connstate.QrPending)
	assert.Equal(t, "2@challenge", fx.states.Current().QRChallenge)

	// Regenerated challenge replaces the old one in place.
	fx.provider.qr <- QRItem{Event: "code", Code: "2@second"}
	require.Eventually(t, func() bool {
		return fx.states.Current().QRChallenge == "2@second"
	}, 2*time.Second, 5*time.Millisecond)

	fx.provider.qr <- QRItem{Event: "success"}
	fx.provider.events.OnConnected(connstate.Identity{Phone: "5511999887766"})
	fx.waitStatus(t, connstate.Connected)
}

func TestQRTimeoutDisconnects(t *testing.T) {
	fx := newFixture(t, Config{}, false)
	require.NoError(t, fx.manager.Connect(context.Background()))

	fx.provider.qr <- QRItem{Event: "code", Code: "2@challenge"}
	fx.waitStatus(t, connstate.QrPending)

	fx.provider.qr <- QRItem{Event: "timeout"}
	fx.waitStatus(t, connstate.Disconnected)
}

func TestUnexpectedDropReconnects(t *testing.T) {
	fx := newFixture(t, Config{ReconnectBaseWait: time.Millisecond, ReconnectMaxWait: 2 * time.Millisecond}, true)
	require.NoError(t, fx.manager.Connect(context.Background()))
	fx.provider.events.OnConnected(connstate.Identity{})
	fx.waitStatus(t, connstate.Connected)

	fx.provider.events.OnDisconnected("stream error")
	require.Eventually(t, func() bool {
		return fx.provider.connects() >= 2
	}, 2*time.Second, time.Millisecond, "reconnect attempt expected")

	fx.provider.events.OnConnected(connstate.Identity{})
	fx.waitStatus(t, connstate.Connected)
}

func TestReconnectExhaustionEndsInError(t *testing.T) {
	fx := newFixture(t, Config{
		ReconnectMax:      3,
		ReconnectBaseWait: time.Millisecond,
		ReconnectMaxWait:  2 * time.Millisecond,
	}, true)
	require.NoError(t, fx.manager.Connect(context.Background()))
	fx.provider.events.OnConnected(connstate.Identity{})
	fx.waitStatus(t, connstate.Connected)

	fx.provider.mu.Lock()
	fx.provider.connectErr = errors.New("refused")
	fx.provider.mu.Unlock()

	fx.provider.events.OnDisconnected("stream error")
	fx.waitStatus(t, connstate.Errored)
	assert.Equal(t, 1+3, fx.provider.connects(), "initial connect plus the bounded retries")
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	fx := newFixture(t, Config{ReconnectBaseWait: time.Hour}, true)
	require.NoError(t, fx.manager.Connect(context.Background()))
	fx.provider.events.OnConnected(connstate.Identity{})
	fx.waitStatus(t, connstate.Connected)

	fx.provider.events.OnDisconnected("stream error")
	fx.waitStatus(t, connstate.Disconnected)

	require.NoError(t, fx.manager.Disconnect(context.Background()))
	assert.Equal(t, connstate.Disconnected, fx.states.Current().Status)
	assert.Equal(t, 1, fx.provider.logouts(), "explicit disconnect unpairs the device")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, fx.provider.connects(), "no retry after explicit disconnect")
}

// A connect issued while an earlier session is down but still held for the
// backoff loop must not leave two live handles behind.
func TestConnectReplacesStaleSession(t *testing.T) {
	states := connstate.NewStore()
	var mu sync.Mutex
	var built []*fakeProvider
	factory := func(evts Events) (Provider, error) {
		p := &fakeProvider{loggedIn: true, qr: make(chan QRItem, 4), events: evts}
		mu.Lock()
		built = append(built, p)
		mu.Unlock()
		return p, nil
	}
	m := NewManager(states, factory, Config{ReconnectBaseWait: 10 * time.Millisecond, ReconnectMaxWait: 20 * time.Millisecond})

	require.NoError(t, m.Connect(context.Background()))
	mu.Lock()
	first := built[0]
	mu.Unlock()
	first.events.OnConnected(connstate.Identity{})
	require.Eventually(t, func() bool {
		return states.Current().Status == connstate.Connected
	}, 2*time.Second, 5*time.Millisecond)

	first.events.OnDisconnected("stream error")
	require.Eventually(t, func() bool {
		return states.Current().Status == connstate.Disconnected
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Connect(context.Background()))
	mu.Lock()
	n := len(built)
	second := built[1]
	mu.Unlock()
	require.Equal(t, 2, n)
	assert.NotZero(t, first.disconnects(), "stale session socket must be closed before its replacement")

	// The backoff loop armed by the drop was cancelled: neither handle sees
	// a retry beyond its own connect.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, first.connects())
	assert.Equal(t, 1, second.connects())
}

// Process shutdown closes the socket but keeps the device paired; only the
// explicit disconnect command logs the device out.
func TestCloseKeepsPairing(t *testing.T) {
	fx := newFixture(t, Config{ReconnectBaseWait: time.Hour}, true)
	require.NoError(t, fx.manager.Connect(context.Background()))
	fx.provider.events.OnConnected(connstate.Identity{})
	fx.waitStatus(t, connstate.Connected)

	fx.manager.Close()
	assert.Equal(t, connstate.Disconnected, fx.states.Current().Status)
	assert.NotZero(t, fx.provider.disconnects())
	assert.Equal(t, 0, fx.provider.logouts(), "shutdown must not unpair the device")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, fx.provider.connects(), "no retry after shutdown")
}

func TestLoggedOutDoesNotReconnect(t *testing.T) {
	fx := newFixture(t, Config{ReconnectBaseWait: time.Millisecond}, true)
	require.NoError(t, fx.manager.Connect(context.Background()))
	fx.provider.events.OnConnected(connstate.Identity{})
	fx.waitStatus(t, connstate.Connected)

	fx.provider.events.OnLoggedOut("device removed")
	fx.waitStatus(t, connstate.Disconnected)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, fx.provider.connects(), "pairing is gone, auto reconnect would spin on QR")
}

func TestApplyProviderState(t *testing.T) {
	fx := newFixture(t, Config{}, true)

	// Stale "open" while disconnected lands on an illegal edge and is
	// absorbed.
	fx.manager.ApplyProviderState("open")
	assert.Equal(t, connstate.Disconnected, fx.states.Current().Status)

	fx.manager.ApplyProviderState("connecting")
	assert.Equal(t, connstate.Connecting, fx.states.Current().Status)

	fx.manager.ApplyProviderState("open")
	assert.Equal(t, connstate.Connected, fx.states.Current().Status)

	fx.manager.ApplyProviderState("close")
	assert.Equal(t, connstate.Disconnected, fx.states.Current().Status)
}

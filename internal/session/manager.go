// Package session owns the lifecycle of the single external WhatsApp session:
// connecting, QR pairing, reconnect backoff and outbound sends. It is the only
// writer of the connection state store.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"

	"zapleads/internal/connstate"
	"zapleads/pkg/logger"
)

var (
	// ErrNotConnected is returned by Send while the session is not paired
	// and online.
	ErrNotConnected = errors.New("session is not connected")
	// ErrSendFailed wraps provider-side transmit failures.
	ErrSendFailed = errors.New("send failed")
)

// Content is an outbound message body. Data/MimeType/FileName describe an
// optional attachment; Text doubles as the media caption.
type Content struct {
	Text     string
	Data     []byte
	MimeType string
	FileName string
}

// QRItem is one pairing-channel event from the provider.
type QRItem struct {
	Event string // "code", "success", "timeout"
	Code  string
}

// Events are the provider callbacks the manager wires into state transitions.
type Events struct {
	OnConnected    func(identity connstate.Identity)
	OnDisconnected func(reason string)
	OnLoggedOut    func(reason string)
}

// Provider abstracts the protocol client so the manager can be exercised with
// a fake in tests.
type Provider interface {
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	IsLoggedIn() bool
	GetQRChannel(ctx context.Context) (<-chan QRItem, error)
	Send(ctx context.Context, toPhone string, content Content) (string, error)
}

// Factory builds a provider with the given callbacks wired. The manager
// guarantees at most one live provider at a time.
type Factory func(events Events) (Provider, error)

// Config bounds the manager's network interactions. Backoff values are
// tunables, not a contract; the defaults are deliberately conservative.
type Config struct {
	ConnectTimeout    time.Duration
	SendTimeout       time.Duration
	ReconnectMax      int
	ReconnectBaseWait time.Duration
	ReconnectMaxWait  time.Duration
}

// DefaultConfig returns the bounds used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    30 * time.Second,
		SendTimeout:       30 * time.Second,
		ReconnectMax:      5,
		ReconnectBaseWait: 2 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
	}
}

// Manager serializes access to the single provider session.
type Manager struct {
	states  *connstate.Store
	factory Factory
	cfg     Config

	mu              sync.Mutex
	provider        Provider
	explicitDown    bool
	reconnectCancel context.CancelFunc
}

// NewManager wires a manager to its state store and provider factory.
func NewManager(states *connstate.Store, factory Factory, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.ReconnectBaseWait == 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait == 0 {
		cfg.ReconnectMaxWait = def.ReconnectMaxWait
	}
	return &Manager{states: states, factory: factory, cfg: cfg}
}

// Connect establishes the external session. It is idempotent: while a session
// is already connecting, pairing or connected it returns immediately without
// creating a second one, since the provider treats duplicate sessions as a
// conflict and kicks one.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	st := m.states.Current().Status
	if m.provider != nil && (st == connstate.Connecting || st == connstate.QrPending || st == connstate.Connected) {
		m.mu.Unlock()
		log.Debug().Str("status", string(st)).Msg("Connect requested but session already active")
		return nil
	}
	m.explicitDown = false
	// A provider may survive an unplanned drop while the backoff loop retries
	// it. Replacing it without teardown would leave two live handles fighting
	// over the same pairing, so stop the loop and close the old socket first.
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	if m.provider != nil {
		m.provider.Disconnect()
		m.provider = nil
	}
	m.states.Transition(connstate.Connecting, connstate.Detail{})

	prov, err := m.factory(Events{
		OnConnected:    m.onConnected,
		OnDisconnected: m.onDisconnected,
		OnLoggedOut:    m.onLoggedOut,
	})
	if err != nil {
		m.states.Transition(connstate.Errored, connstate.Detail{Err: err.Error()})
		m.mu.Unlock()
		return fmt.Errorf("failed to create session: %w", err)
	}
	m.provider = prov

	var qrCh <-chan QRItem
	if !prov.IsLoggedIn() {
		// The QR channel must be requested before the socket opens.
		qrCh, err = prov.GetQRChannel(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("Could not obtain QR channel, proceeding with stored pairing")
			qrCh = nil
		}
	}
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := prov.Connect(cctx); err != nil {
		m.states.Transition(connstate.Errored, connstate.Detail{Err: err.Error()})
		m.clearProvider()
		return fmt.Errorf("failed to establish session: %w", err)
	}

	if qrCh != nil {
		go m.watchQR(qrCh)
	}
	return nil
}

// Disconnect performs an explicit logout and tears the session down. The
// local state always ends Disconnected, even when the provider-side logout
// call fails: disconnection is always locally honored. Any reconnect backoff
// loop in flight is cancelled so a stray retry cannot race the logout.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.explicitDown = true
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	prov := m.provider
	m.provider = nil
	m.mu.Unlock()

	if prov != nil {
		lctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		if err := prov.Logout(lctx); err != nil {
			log.Warn().Err(err).Msg("Provider logout failed, disconnecting locally anyway")
		}
		cancel()
		prov.Disconnect()
	}

	m.states.Reset()
	return nil
}

// Close tears the socket down without logging out, so the stored pairing
// survives a process restart. Disconnect remains the operator-facing command
// that unpairs the device.
func (m *Manager) Close() {
	m.mu.Lock()
	m.explicitDown = true
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	prov := m.provider
	m.provider = nil
	m.mu.Unlock()

	if prov != nil {
		prov.Disconnect()
	}
	m.states.Reset()
}

// Send transmits content to the phone number and returns the provider's
// message id. It fails fast with ErrNotConnected before touching the network
// when the session is down.
func (m *Manager) Send(ctx context.Context, toPhone string, content Content) (string, error) {
	if m.states.Current().Status != connstate.Connected {
		return "", ErrNotConnected
	}
	m.mu.Lock()
	prov := m.provider
	m.mu.Unlock()
	if prov == nil {
		return "", ErrNotConnected
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	id, err := prov.Send(sctx, toPhone, content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return id, nil
}

// ApplyProviderState folds a webhook-delivered connection update into the
// state machine. Stale or reordered signals land on illegal edges and are
// absorbed by the store.
func (m *Manager) ApplyProviderState(state string) {
	switch state {
	case "open":
		m.states.Transition(connstate.Connected, connstate.Detail{})
	case "connecting":
		m.states.Transition(connstate.Connecting, connstate.Detail{})
	case "close":
		m.states.Transition(connstate.Disconnected, connstate.Detail{})
	default:
		log.Debug().Str("state", state).Msg("Unknown provider connection state, ignored")
	}
}

func (m *Manager) watchQR(ch <-chan QRItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			m.states.Transition(connstate.QrPending, connstate.Detail{QR: item.Code})
			if logger.ConsoleMode() {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			log.Info().Msg("QR challenge issued, waiting for scan")
		case "timeout":
			log.Warn().Msg("QR challenge expired without pairing")
			m.states.Transition(connstate.Disconnected, connstate.Detail{})
			m.clearProvider()
			return
		case "success":
			log.Info().Msg("QR pairing confirmed")
			return
		default:
			log.Debug().Str("event", item.Event).Msg("QR channel event")
		}
	}
}

func (m *Manager) onConnected(identity connstate.Identity) {
	m.states.Transition(connstate.Connected, connstate.Detail{Identity: &identity})
}

// onDisconnected handles transport-level drops that were not requested
// locally: transition down and start the bounded reconnect loop.
func (m *Manager) onDisconnected(reason string) {
	m.mu.Lock()
	explicit := m.explicitDown
	m.mu.Unlock()
	if explicit {
		return
	}

	log.Warn().Str("reason", reason).Msg("Session dropped by provider")
	m.states.Transition(connstate.Disconnected, connstate.Detail{})
	m.scheduleReconnect()
}

// onLoggedOut handles a remote logout: the stored pairing is gone, so
// reconnecting automatically would only loop on QR challenges nobody is
// watching. An explicit connect command is required to pair again.
func (m *Manager) onLoggedOut(reason string) {
	log.Warn().Str("reason", reason).Msg("Session logged out by provider")
	m.states.Transition(connstate.Disconnected, connstate.Detail{})
	m.clearProvider()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectCancel = cancel
	go m.reconnectLoop(ctx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.reconnectCancel = nil
		m.mu.Unlock()
	}()

	wait := m.cfg.ReconnectBaseWait
	for attempt := 1; attempt <= m.cfg.ReconnectMax; attempt++ {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Reconnect loop cancelled")
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > m.cfg.ReconnectMaxWait {
			wait = m.cfg.ReconnectMaxWait
		}

		if m.states.Current().Status == connstate.Connected {
			return
		}

		m.mu.Lock()
		prov := m.provider
		m.mu.Unlock()
		if prov == nil {
			return
		}

		log.Info().Int("attempt", attempt).Int("max", m.cfg.ReconnectMax).Msg("Attempting session reconnect")
		m.states.Transition(connstate.Connecting, connstate.Detail{})

		cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		err := prov.Connect(cctx)
		cancel()
		if err == nil {
			log.Info().Int("attempt", attempt).Msg("Session reconnected")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
	}

	log.Error().Int("attempts", m.cfg.ReconnectMax).Msg("Reconnect attempts exhausted")
	m.states.Transition(connstate.Errored, connstate.Detail{Err: "reconnect attempts exhausted"})
}

func (m *Manager) clearProvider() {
	m.mu.Lock()
	if m.provider != nil {
		m.provider.Disconnect()
		m.provider = nil
	}
	m.mu.Unlock()
}

// Package connstate tracks the lifecycle of the single external WhatsApp
// session. The store is mutated only by the session manager (single writer)
// and read by HTTP handlers.
package connstate

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status is the coarse session state.
type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	QrPending    Status = "qr_pending"
	Connected    Status = "connected"
	Errored      Status = "error"
)

// Identity is the paired account, known only while Connected.
type Identity struct {
	Phone       string `json:"phone"`
	DisplayName string `json:"displayName,omitempty"`
}

// Detail carries the status-specific payload of a transition. Exactly one
// field is meaningful, matching the target status: QR for QrPending, Identity
// for Connected, Err for Errored.
type Detail struct {
	QR       string
	Identity *Identity
	Err      string
}

// State is a snapshot of the session lifecycle.
type State struct {
	Status         Status
	QRChallenge    string
	Identity       *Identity
	LastError      string
	TransitionedAt time.Time
}

// allowed is the legal edge set. Transitions to Errored are permitted from any
// state and handled separately.
var allowed = map[Status][]Status{
	Disconnected: {Connecting},
	Connecting:   {QrPending, Connected},
	QrPending:    {Connected, Disconnected},
	Connected:    {Disconnected},
	Errored:      {Connecting},
}

// Store holds the process-wide connection state.
type Store struct {
	mu    sync.RWMutex
	state State
}

// NewStore returns a store in the initial Disconnected state.
func NewStore() *Store {
	return &Store{state: State{Status: Disconnected, TransitionedAt: time.Now().UTC()}}
}

// Current returns a copy of the present state.
func (s *Store) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the machine to next, applying detail. An edge not in the
// legal set is logged and ignored: provider-driven signals arrive stale and
// reordered, so an illegal transition is treated as a duplicate, not a bug.
// It reports whether the transition was applied.
func (s *Store) Transition(next Status, detail Detail) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Status
	if cur == next {
		// Refresh detail in place (e.g. a regenerated QR challenge).
		s.apply(next, detail)
		return true
	}
	if next != Errored && !edgeAllowed(cur, next) {
		log.Warn().
			Str("from", string(cur)).
			Str("to", string(next)).
			Msg("Ignoring illegal connection state transition")
		return false
	}

	s.apply(next, detail)
	log.Info().Str("from", string(cur)).Str("to", string(next)).Msg("Connection state changed")
	return true
}

// Reset forces the machine back to Disconnected regardless of the current
// state. It exists for explicit local disconnects, which are always honored
// even when the provider-side teardown fails mid-flight.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.state.Status
	s.apply(Disconnected, Detail{})
	if cur != Disconnected {
		log.Info().Str("from", string(cur)).Str("to", string(Disconnected)).Msg("Connection state changed")
	}
}

func (s *Store) apply(next Status, detail Detail) {
	s.state = State{Status: next, TransitionedAt: time.Now().UTC()}
	switch next {
	case QrPending:
		s.state.QRChallenge = detail.QR
	case Connected:
		s.state.Identity = detail.Identity
	case Errored:
		s.state.LastError = detail.Err
	}
}

func edgeAllowed(from, to Status) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Package webhook receives provider event deliveries, authenticates them and
// routes each classified event to the component that owns it.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"zapleads/internal/event"
	"zapleads/internal/notify"
	"zapleads/internal/session"
	"zapleads/internal/store"
)

const signatureHeader = "x-provider-hmac-sha256"

// Dispatcher is the webhook entry point. Every accepted delivery is
// acknowledged with 200 unless a message upsert could not be persisted;
// the provider retries on anything else and the applier absorbs the
// redeliveries.
type Dispatcher struct {
	messages *store.Store
	sessions *session.Manager
	notifier *notify.Notifier
	secret   string
	timeout  time.Duration
}

func NewDispatcher(messages *store.Store, sessions *session.Manager, notifier *notify.Notifier, secret string, timeout time.Duration) *Dispatcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{messages: messages, sessions: sessions, notifier: notifier, secret: secret, timeout: timeout}
}

// Handle processes one provider delivery. The optional {event} path variable
// is a routing hint used when the body carries no discriminator.
func (d *Dispatcher) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
			"success": false,
			"error":   "method not allowed",
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read webhook body")
		respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "could not read request body",
		})
		return
	}

	if !d.validSignature(body, r.Header.Get(signatureHeader)) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Webhook signature rejected")
		respondWithJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"error":   "invalid signature",
		})
		return
	}

	pathHint := mux.Vars(r)["event"]
	name, ok := event.Discriminator(body, pathHint)
	if !ok {
		log.Warn().Msg("Webhook delivery without event discriminator")
		respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "missing event discriminator",
		})
		return
	}

	inbound := event.Classify(body, pathHint)

	ctx, cancel := context.WithTimeout(r.Context(), d.timeout)
	defer cancel()

	if err := d.dispatch(ctx, inbound); err != nil {
		log.Error().Err(err).Str("event", name).Msg("Failed to process webhook event")
		respondWithJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "event processing failed",
		})
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"event":     name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// validSignature checks the hex HMAC-SHA256 of the raw body. With no secret
// configured validation is skipped with a warning, matching open deployments
// behind a private network.
func (d *Dispatcher) validSignature(body []byte, signature string) bool {
	if d.secret == "" {
		log.Warn().Msg("Webhook secret not configured, skipping signature validation")
		return true
	}
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(d.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// dispatch routes one classified event. Only a failed message persist is an
// error worth a retry from the provider; everything else is fire and forget.
func (d *Dispatcher) dispatch(ctx context.Context, in event.Inbound) error {
	switch in.Kind {
	case event.KindMessageUpserted:
		return d.applyMessages(ctx, in)
	case event.KindMessageStatusChanged:
		d.applyStatusUpdates(ctx, in)
	case event.KindConnectionUpdated:
		if in.Connection != nil {
			d.sessions.ApplyProviderState(in.Connection.State)
		}
	case event.KindContactOrChatUpsert:
		d.applyContacts(ctx, in)
	default:
		log.Info().Str("event", in.Event).Msg("Unrecognized webhook event acknowledged without action")
	}
	return nil
}

func (d *Dispatcher) applyMessages(ctx context.Context, in event.Inbound) error {
	for _, m := range in.Messages {
		if m.Phone == "" || m.ExternalID == "" {
			log.Warn().Str("event", in.Event).Msg("Message upsert missing phone or id, skipped")
			continue
		}
		direction := store.Inbound
		if m.FromMe {
			direction = store.Outbound
		}
		if m.PushName != "" {
			if _, err := d.messages.UpsertLead(ctx, m.Phone, m.PushName); err != nil {
				log.Warn().Err(err).Str("phone", m.Phone).Msg("Lead upsert failed")
			}
		}
		applied, err := d.messages.ApplyMessage(ctx, store.Message{
			ExternalID: m.ExternalID,
			LeadPhone:  m.Phone,
			Direction:  direction,
			Body:       m.Text,
			MediaURL:   m.MediaURL,
			MediaMime:  m.MediaMime,
			SentAt:     m.Timestamp,
		})
		if err != nil {
			return err
		}
		d.notifier.Publish(notify.Event{
			Type:      "message.applied",
			Instance:  in.InstanceID,
			Payload:   applied,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

func (d *Dispatcher) applyStatusUpdates(ctx context.Context, in event.Inbound) {
	for _, u := range in.StatusUpdates {
		if u.ExternalID == "" {
			continue
		}
		if err := d.messages.UpdateMessageStatus(ctx, u.ExternalID, u.Status); err != nil {
			log.Warn().Err(err).Str("externalId", u.ExternalID).Msg("Status update failed")
		}
	}
}

func (d *Dispatcher) applyContacts(ctx context.Context, in event.Inbound) {
	for _, c := range in.Contacts {
		if c.Phone == "" {
			continue
		}
		if _, err := d.messages.UpsertLead(ctx, c.Phone, c.Name); err != nil {
			log.Warn().Err(err).Str("phone", c.Phone).Msg("Contact upsert failed")
		}
	}
}

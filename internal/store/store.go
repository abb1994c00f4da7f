// Package store persists leads and messages. Idempotency is enforced by the
// storage engine itself (unique constraints + ON CONFLICT), never by
// in-process locking, since multiple dispatcher instances may run behind a
// load balancer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"zapleads/internal/event"
)

// Direction of a message relative to this deployment.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Lead is the CRM contact a message thread attaches to, identified by phone.
type Lead struct {
	ID        string    `db:"id" json:"id"`
	Phone     string    `db:"phone" json:"phone"`
	Name      string    `db:"name" json:"name"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Message is one WhatsApp message, deduplicated per conversation by the
// provider-assigned external id. Only Status mutates after insert.
type Message struct {
	ID         string    `db:"id" json:"id"`
	ExternalID string    `db:"external_id" json:"externalId"`
	LeadPhone  string    `db:"lead_phone" json:"leadPhone"`
	Direction  Direction `db:"direction" json:"direction"`
	Body       string    `db:"body" json:"body"`
	MediaURL   string    `db:"media_url" json:"mediaUrl,omitempty"`
	MediaMime  string    `db:"media_mime" json:"mediaMime,omitempty"`
	Status     string    `db:"status" json:"status"`
	SentAt     time.Time `db:"sent_at" json:"sentAt"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

const schema = `
CREATE TABLE IF NOT EXISTS leads (
	id TEXT PRIMARY KEY,
	phone TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'new',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL,
	lead_phone TEXT NOT NULL,
	direction TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	media_url TEXT NOT NULL DEFAULT '',
	media_mime TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'sent',
	sent_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (lead_phone, external_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_lead_phone ON messages (lead_phone, sent_at);
`

// Store wraps the database handle plus a short-lived cache of externalIds that
// were already applied, to short-circuit obvious redeliveries before hitting
// the database. The unique constraint stays authoritative.
type Store struct {
	db   *sqlx.DB
	seen *cache.Cache
}

// Open connects to the database named by databaseURL. A postgres:// DSN uses
// lib/pq; anything else is treated as an SQLite path.
func Open(databaseURL string) (*Store, error) {
	driver := "sqlite"
	dsn := databaseURL
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver = "postgres"
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent webhook handling.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, seen: cache.New(24*time.Hour, time.Hour)}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertLead creates or refreshes a lead keyed by phone. A non-empty incoming
// name wins over the stored one; an empty name never clobbers an existing one.
func (s *Store) UpsertLead(ctx context.Context, phone, name string) (*Lead, error) {
	if phone == "" {
		return nil, errors.New("lead phone cannot be empty")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, phone, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'new', $4, $4)
		ON CONFLICT (phone) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE leads.name END,
			updated_at = excluded.updated_at`,
		uuid.NewString(), phone, name, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert lead %s: %w", phone, err)
	}

	var lead Lead
	if err := s.db.GetContext(ctx, &lead, `SELECT * FROM leads WHERE phone = $1`, phone); err != nil {
		return nil, fmt.Errorf("failed to load lead %s: %w", phone, err)
	}
	return &lead, nil
}

// GetLead loads a lead by phone, or nil when absent.
func (s *Store) GetLead(ctx context.Context, phone string) (*Lead, error) {
	var lead Lead
	err := s.db.GetContext(ctx, &lead, `SELECT * FROM leads WHERE phone = $1`, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lead %s: %w", phone, err)
	}
	return &lead, nil
}

// ApplyMessage upserts a message keyed by (lead phone, external id). Calling
// it any number of times, concurrently included, leaves exactly one stored
// row; redeliveries return the existing record untouched. The owning lead is
// created first when missing ("first contact creates a lead").
func (s *Store) ApplyMessage(ctx context.Context, msg Message) (*Message, error) {
	if msg.ExternalID == "" {
		return nil, errors.New("message external id cannot be empty")
	}
	if msg.LeadPhone == "" {
		return nil, errors.New("message lead phone cannot be empty")
	}

	cacheKey := msg.LeadPhone + "/" + msg.ExternalID
	if _, dup := s.seen.Get(cacheKey); dup {
		log.Debug().Str("externalID", msg.ExternalID).Msg("Duplicate message short-circuited by cache")
		return s.getMessage(ctx, msg.LeadPhone, msg.ExternalID)
	}

	if _, err := s.UpsertLead(ctx, msg.LeadPhone, ""); err != nil {
		return nil, err
	}

	if msg.Status == "" {
		msg.Status = string(event.StatusSent)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, external_id, lead_phone, direction, body, media_url, media_mime, status, sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (lead_phone, external_id) DO NOTHING`,
		uuid.NewString(), msg.ExternalID, msg.LeadPhone, msg.Direction, msg.Body,
		msg.MediaURL, msg.MediaMime, msg.Status, msg.SentAt.UTC(), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to insert message %s: %w", msg.ExternalID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Debug().
			Str("externalID", msg.ExternalID).
			Str("leadPhone", msg.LeadPhone).
			Msg("Message already stored, redelivery absorbed")
	}

	s.seen.Set(cacheKey, struct{}{}, cache.DefaultExpiration)
	return s.getMessage(ctx, msg.LeadPhone, msg.ExternalID)
}

func (s *Store) getMessage(ctx context.Context, leadPhone, externalID string) (*Message, error) {
	var m Message
	err := s.db.GetContext(ctx, &m,
		`SELECT * FROM messages WHERE lead_phone = $1 AND external_id = $2`, leadPhone, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", externalID, err)
	}
	return &m, nil
}

// GetMessageByExternalID returns the first message carrying externalID across
// conversations, or nil when absent.
func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	var m Message
	err := s.db.GetContext(ctx, &m, `SELECT * FROM messages WHERE external_id = $1 LIMIT 1`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", externalID, err)
	}
	return &m, nil
}

// UpdateMessageStatus sets the delivery status of the message with externalID.
// A status update racing ahead of its message upsert is expected under
// redelivery and is absorbed as a no-op.
func (s *Store) UpdateMessageStatus(ctx context.Context, externalID string, status event.MessageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $1 WHERE external_id = $2`, string(status), externalID)
	if err != nil {
		return fmt.Errorf("failed to update status of message %s: %w", externalID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Debug().
			Str("externalID", externalID).
			Str("status", string(status)).
			Msg("Status update for unknown message, ignored")
	}
	return nil
}

// MessagesByLead lists a conversation's messages, oldest first.
func (s *Store) MessagesByLead(ctx context.Context, phone string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs := []Message{}
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT * FROM messages WHERE lead_phone = $1 ORDER BY sent_at ASC LIMIT $2`, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", phone, err)
	}
	return msgs, nil
}

// CountMessagesByExternalID reports how many rows share externalID, used by
// idempotency checks.
func (s *Store) CountMessagesByExternalID(ctx context.Context, externalID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE external_id = $1`, externalID)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages %s: %w", externalID, err)
	}
	return n, nil
}

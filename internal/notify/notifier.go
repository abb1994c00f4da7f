// Package notify fans applied events out to downstream consumers: an optional
// forward webhook and an optional RabbitMQ queue. Delivery is best-effort and
// decoupled from the inbound webhook acknowledgment.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Event is one applied change pushed downstream.
type Event struct {
	Type      string      `json:"type"`
	Instance  string      `json:"instance,omitempty"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notifier delivers events to the configured channels.
type Notifier struct {
	webhookURL string
	http       *resty.Client

	rabbitConn    *amqp091.Connection
	rabbitChannel *amqp091.Channel
	rabbitQueue   string
	rabbitEnabled bool

	maxRetries int
	backoff    time.Duration
	timeout    time.Duration
}

// New builds a notifier. Either channel may be disabled by leaving its URL
// empty; a RabbitMQ connection failure disables that channel rather than
// failing startup.
func New(webhookURL, rabbitURL, rabbitQueue string) *Notifier {
	n := &Notifier{
		webhookURL:  webhookURL,
		rabbitQueue: rabbitQueue,
		maxRetries:  3,
		backoff:     2 * time.Second,
		timeout:     10 * time.Second,
	}

	if webhookURL != "" {
		n.http = resty.New().SetTimeout(5 * time.Second)
		log.Info().Str("url", webhookURL).Msg("Forward webhook enabled")
	}

	if rabbitURL == "" {
		log.Info().Msg("RABBITMQ_URL is not set, RabbitMQ publishing disabled")
		return n
	}

	conn, err := amqp091.Dial(rabbitURL)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ")
		return n
	}
	ch, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Could not open RabbitMQ channel")
		conn.Close()
		return n
	}

	n.rabbitConn = conn
	n.rabbitChannel = ch
	n.rabbitEnabled = true
	log.Info().Str("queue", rabbitQueue).Msg("RabbitMQ connection established")
	return n
}

// Publish delivers ev to all configured channels in the background. The
// caller's latency never depends on downstream consumers.
func (n *Notifier) Publish(ev Event) {
	if n.http == nil && !n.rabbitEnabled {
		return
	}
	ev.Timestamp = time.Now().UTC()

	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("Failed to marshal notify event")
		return
	}

	go n.deliver(ev.Type, body)
}

func (n *Notifier) deliver(eventType string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	for attempt := 0; attempt < n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				log.Warn().Str("type", eventType).Msg("Notify delivery timed out")
				return
			case <-time.After(time.Duration(attempt) * n.backoff):
			}
		}

		webhookOK := n.deliverWebhook(ctx, body)
		rabbitOK := n.deliverRabbit(body)
		if webhookOK && rabbitOK {
			log.Debug().Str("type", eventType).Int("attempt", attempt+1).Msg("Event fanned out")
			return
		}
	}

	log.Error().Str("type", eventType).Int("maxRetries", n.maxRetries).Msg("Event fan-out failed permanently")
}

func (n *Notifier) deliverWebhook(ctx context.Context, body []byte) bool {
	if n.http == nil {
		return true
	}
	_, err := n.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(n.webhookURL)
	if err != nil {
		log.Error().Err(err).Str("url", n.webhookURL).Msg("Forward webhook delivery failed")
		return false
	}
	return true
}

func (n *Notifier) deliverRabbit(body []byte) bool {
	if !n.rabbitEnabled {
		return true
	}
	// Queue declaration is idempotent.
	if _, err := n.rabbitChannel.QueueDeclare(n.rabbitQueue, true, false, false, false, nil); err != nil {
		log.Error().Err(err).Str("queue", n.rabbitQueue).Msg("Could not declare RabbitMQ queue")
		return false
	}
	err := n.rabbitChannel.Publish("", n.rabbitQueue, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		log.Error().Err(err).Str("queue", n.rabbitQueue).Msg("Could not publish to RabbitMQ")
		return false
	}
	return true
}

// Close shuts the RabbitMQ connection down.
func (n *Notifier) Close() {
	if n.rabbitChannel != nil {
		n.rabbitChannel.Close()
	}
	if n.rabbitConn != nil {
		n.rabbitConn.Close()
	}
}

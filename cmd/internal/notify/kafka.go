// Package notify carries committed offer writes out of the process: offer events to Kafka for the
// notification pipeline, and change signals over Redis pub/sub so every instance refreshes its live queries.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"collab/cmd/internal/offer"
	v1 "collab/shared/contracts/offers/v1"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaWriteTimeout = 5 * time.Second
	// Publishing runs on the request path after commit; a single event must not wait for a batch to fill.
	kafkaBatchTimeout = 5 * time.Millisecond

	headerEventType = "event_type"
)

// KafkaConfig configures the offer event producer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes offer events keyed by offer id, so all events of one offer land on one
// partition in commit order.
type KafkaPublisher struct {
	log     *slog.Logger
	w       messageWriter
	timeout time.Duration
}

// NewKafkaPublisher constructs a publisher backed by a kafka.Writer.
func NewKafkaPublisher(log *slog.Logger, cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("notify: kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("notify: kafka topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultKafkaWriteTimeout
	}

	w := newKafkaWriter(brokers, strings.TrimSpace(cfg.Topic), cfg.WriteTimeout)
	return newKafkaPublisher(log, w, cfg.WriteTimeout), nil
}

func newKafkaWriter(brokers []string, topic string, writeTimeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           kafkaBatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
	}
}

func newKafkaPublisher(log *slog.Logger, w messageWriter, timeout time.Duration) *KafkaPublisher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultKafkaWriteTimeout
	}
	return &KafkaPublisher{log: log, w: w, timeout: timeout}
}

// PublishOfferEvent implements offer.EventPublisher.
func (p *KafkaPublisher) PublishOfferEvent(ctx context.Context, ev offer.Event) error {
	msg, err := eventMessage(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: kafka write %s: %w", ev.Type, err)
	}
	p.log.Debug("notify.kafka.publish.ok", "event", ev.Type, "offer_id", ev.Offer.ID, "version", ev.Offer.Version)
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}

// OfferEvent is the JSON value written to the events topic.
type OfferEvent struct {
	Type        string    `json:"type"`
	OfferID     string    `json:"offer_id"`
	Version     int64     `json:"version"`
	ActorID     string    `json:"actor_id"`
	ActorRole   string    `json:"actor_role"`
	RecipientID string    `json:"recipient_id"`
	At          time.Time `json:"at"`
	Offer       v1.Offer  `json:"offer"`
}

func eventMessage(ev offer.Event) (kafka.Message, error) {
	if strings.TrimSpace(ev.Offer.ID) == "" || strings.TrimSpace(ev.Type) == "" {
		return kafka.Message{}, errors.New("notify: event type and offer id are required")
	}

	value, err := json.Marshal(OfferEvent{
		Type:        ev.Type,
		OfferID:     ev.Offer.ID,
		Version:     ev.Offer.Version,
		ActorID:     ev.Actor.ID,
		ActorRole:   string(ev.Actor.Role),
		RecipientID: recipientOf(ev),
		At:          ev.At.UTC(),
		Offer:       ev.Offer.Wire(),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("notify: marshal event: %w", err)
	}

	return kafka.Message{
		Key:     []byte(ev.Offer.ID),
		Value:   value,
		Time:    ev.At.UTC(),
		Headers: []kafka.Header{{Key: headerEventType, Value: []byte(ev.Type)}},
	}, nil
}

// recipientOf is the party that should hear about the event: whoever did not act.
func recipientOf(ev offer.Event) string {
	if ev.Actor.ID == ev.Offer.ContentCreatorID {
		return ev.Offer.BusinessPeopleID
	}
	return ev.Offer.ContentCreatorID
}

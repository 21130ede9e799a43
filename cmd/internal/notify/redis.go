package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"collab/cmd/internal/ids"
	"collab/cmd/internal/offer"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRelayChannel is the pub/sub channel used when none is configured.
	DefaultRelayChannel = "collab:offers:changes"

	relayPublishTimeout = 2 * time.Second
	relayRetryDelay     = 1 * time.Second
)

// RedisRelay fans committed changes out to every instance subscribed to the channel.
// Each instance tags its own messages and ignores them on receipt; local subscribers were already notified.
type RedisRelay struct {
	log      *slog.Logger
	client   *redis.Client
	channel  string
	instance string
}

// NewRedisRelay constructs a relay on client. An empty channel uses DefaultRelayChannel.
func NewRedisRelay(log *slog.Logger, client *redis.Client, channel string) (*RedisRelay, error) {
	if client == nil {
		return nil, errors.New("notify: nil redis client")
	}
	if log == nil {
		log = slog.Default()
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		log:      log,
		client:   client,
		channel:  channel,
		instance: ids.NewRandomHex(8),
	}, nil
}

// Instance returns the id this relay stamps on its messages.
func (r *RedisRelay) Instance() string { return r.instance }

// Ping checks the Redis connection (readiness).
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// PublishChange implements offer.ChangeRelay.
func (r *RedisRelay) PublishChange(ctx context.Context, c offer.Change) error {
	b, err := encodeRelayMessage(r.instance, c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayPublishTimeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("notify: redis publish: %w", err)
	}
	return nil
}

// Run receives changes published by other instances and hands them to fn until ctx is done.
// A dropped subscription is re-established after a short delay.
func (r *RedisRelay) Run(ctx context.Context, fn func(offer.Change)) error {
	if fn == nil {
		return errors.New("notify: nil change handler")
	}

	for {
		err := r.receive(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("notify.redis.subscribe.fail", "channel", r.channel, "err", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(relayRetryDelay):
		}
	}
}

func (r *RedisRelay) receive(ctx context.Context, fn func(offer.Change)) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	r.log.Info("notify.redis.subscribe.ok", "channel", r.channel, "instance", r.instance)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("notify: redis subscription closed")
			}
			c, remote, err := decodeRelayMessage(r.instance, []byte(msg.Payload))
			if err != nil {
				r.log.Warn("notify.redis.decode.fail", "err", err)
				continue
			}
			if remote {
				fn(c)
			}
		}
	}
}

type relayMessage struct {
	Origin string       `json:"origin"`
	Change offer.Change `json:"change"`
}

func encodeRelayMessage(origin string, c offer.Change) ([]byte, error) {
	if strings.TrimSpace(c.OfferID) == "" {
		return nil, errors.New("notify: change without offer id")
	}
	b, err := json.Marshal(relayMessage{Origin: origin, Change: c})
	if err != nil {
		return nil, fmt.Errorf("notify: marshal change: %w", err)
	}
	return b, nil
}

// decodeRelayMessage reports remote=false for messages published by self.
func decodeRelayMessage(self string, payload []byte) (offer.Change, bool, error) {
	var m relayMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return offer.Change{}, false, fmt.Errorf("notify: decode change: %w", err)
	}
	if strings.TrimSpace(m.Change.OfferID) == "" {
		return offer.Change{}, false, errors.New("notify: change without offer id")
	}
	return m.Change, m.Origin != self, nil
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"collab/cmd/internal/offer"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleOffer() offer.Offer {
	price := int64(750000)
	o := offer.NewOffer("bp", "cc", "camp", 500000, "two reels")
	o.ID = "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	o.Status = offer.StatusNegotiate
	o.NegotiatedPrice = &price
	o.LastActor = offer.RoleCreator
	o.Version = 2
	return o
}

func TestKafkaPublisher_PublishOfferEvent(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	p := newKafkaPublisher(discardLogger(), w, time.Second)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := offer.Event{
		Type:  offer.EventNegotiated,
		Offer: sampleOffer(),
		Actor: offer.Actor{ID: "cc", Role: offer.RoleCreator},
		At:    at,
	}
	if err := p.PublishOfferEvent(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != ev.Offer.ID {
		t.Fatalf("expected key %q, got %q", ev.Offer.ID, msg.Key)
	}
	if len(msg.Headers) != 1 || msg.Headers[0].Key != headerEventType || string(msg.Headers[0].Value) != offer.EventNegotiated {
		t.Fatalf("unexpected headers: %+v", msg.Headers)
	}

	var got OfferEvent
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if got.Type != offer.EventNegotiated || got.Version != 2 || got.ActorRole != "creator" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.RecipientID != "bp" {
		t.Fatalf("expected business party as recipient, got %q", got.RecipientID)
	}
	if !got.At.Equal(at) || got.Offer.NegotiatedPrice == nil || *got.Offer.NegotiatedPrice != 750000 {
		t.Fatalf("unexpected payload: %+v", got)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("close: err=%v closed=%v", err, w.closed)
	}
}

func TestKafkaPublisher_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	p := newKafkaPublisher(discardLogger(), &recordingWriter{err: boom}, time.Second)

	err := p.PublishOfferEvent(context.Background(), offer.Event{Type: offer.EventCreated, Offer: sampleOffer()})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}

	if err := p.PublishOfferEvent(context.Background(), offer.Event{Type: offer.EventCreated}); err == nil {
		t.Fatalf("expected error for event without offer id")
	}
}

func TestNewKafkaPublisher_Validates(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(nil, KafkaConfig{Topic: "offers"}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewKafkaPublisher(nil, KafkaConfig{Brokers: []string{" "}, Topic: "offers"}); err == nil {
		t.Fatalf("expected error with blank brokers")
	}
	if _, err := NewKafkaPublisher(nil, KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected error without topic")
	}
	p, err := NewKafkaPublisher(nil, KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "offers"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	_ = p.Close()
}

func TestNewKafkaWriter_FlushesSingleEvents(t *testing.T) {
	t.Parallel()

	w := newKafkaWriter([]string{"localhost:9092"}, "offers", time.Second)
	defer func() { _ = w.Close() }()

	if w.BatchSize != 1 {
		t.Fatalf("BatchSize=%d want=1", w.BatchSize)
	}
	if w.BatchTimeout <= 0 || w.BatchTimeout > 50*time.Millisecond {
		t.Fatalf("BatchTimeout=%v must be a few milliseconds", w.BatchTimeout)
	}
	if w.Topic != "offers" || w.WriteTimeout != time.Second || w.RequiredAcks != kafka.RequireOne {
		t.Fatalf("unexpected writer: topic=%q timeout=%v acks=%v", w.Topic, w.WriteTimeout, w.RequiredAcks)
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Fatalf("expected hash balancer keyed by offer id, got %T", w.Balancer)
	}
}

func TestRecipientOf(t *testing.T) {
	t.Parallel()

	o := sampleOffer()
	tests := []struct {
		actor string
		want  string
	}{
		{actor: "bp", want: "cc"},
		{actor: "cc", want: "bp"},
		{actor: "", want: "cc"},
	}
	for _, tc := range tests {
		if got := recipientOf(offer.Event{Offer: o, Actor: offer.Actor{ID: tc.actor}}); got != tc.want {
			t.Fatalf("actor %q: got %q want %q", tc.actor, got, tc.want)
		}
	}
}

func TestRelayMessage_Decode(t *testing.T) {
	t.Parallel()

	c := offer.ChangeOf(sampleOffer())
	b, err := encodeRelayMessage("self", c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, remote, err := decodeRelayMessage("other", b)
	if err != nil || !remote || got != c {
		t.Fatalf("remote decode: change=%+v remote=%v err=%v", got, remote, err)
	}
	if _, remote, err := decodeRelayMessage("self", b); err != nil || remote {
		t.Fatalf("own message must not be remote: remote=%v err=%v", remote, err)
	}

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "nope"},
		{name: "missing offer id", payload: `{"origin":"x","change":{"version":1}}`},
	}
	for _, tc := range tests {
		if _, _, err := decodeRelayMessage("self", []byte(tc.payload)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	if _, err := encodeRelayMessage("self", offer.Change{}); err == nil {
		t.Fatalf("expected encode error for empty change")
	}
}

// TestRedisRelay_CrossInstance runs when COLLAB_REDIS_ADDR is set.
func TestRedisRelay_CrossInstance(t *testing.T) {
	t.Parallel()

	addr := strings.TrimSpace(os.Getenv("COLLAB_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: COLLAB_REDIS_ADDR is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if os.Getenv("CI") == "" {
			t.Skipf("integration test skipped: Redis unreachable: %v", err)
		}
		t.Fatalf("ping: %v", err)
	}

	channel := "collab:test:" + t.Name()
	a, err := NewRedisRelay(discardLogger(), client, channel)
	if err != nil {
		t.Fatalf("relay a: %v", err)
	}
	b, err := NewRedisRelay(discardLogger(), client, channel)
	if err != nil {
		t.Fatalf("relay b: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotA := make(chan offer.Change, 4)
	gotB := make(chan offer.Change, 4)
	go func() { _ = a.Run(ctx, func(c offer.Change) { gotA <- c }) }()
	go func() { _ = b.Run(ctx, func(c offer.Change) { gotB <- c }) }()

	// Give both subscriptions time to register before publishing.
	time.Sleep(200 * time.Millisecond)

	want := offer.ChangeOf(sampleOffer())
	if err := a.PublishChange(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-gotB:
		if got != want {
			t.Fatalf("unexpected change: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for relayed change")
	}

	select {
	case got := <-gotA:
		t.Fatalf("publisher received its own change: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

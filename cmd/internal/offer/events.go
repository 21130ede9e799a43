package offer

import (
	"context"
	"time"
)

// Event types published after a committed write.
const (
	EventCreated    = "offer.created"
	EventAccepted   = "offer.accepted"
	EventRejected   = "offer.rejected"
	EventNegotiated = "offer.negotiated"
)

// Event is the notification emitted after a write commits.
type Event struct {
	Type  string
	Offer Offer
	Actor Actor
	At    time.Time
}

// EventPublisher delivers offer events to the other party (push, email, downstream consumers).
// Delivery is best effort: a failure is logged and never undoes the committed write.
type EventPublisher interface {
	PublishOfferEvent(ctx context.Context, ev Event) error
}

// ChangeRelay forwards committed changes to other service instances so their live queries refresh.
type ChangeRelay interface {
	PublishChange(ctx context.Context, c Change) error
}

// Observer receives operation outcomes and subscription lifecycle signals (metrics).
type Observer interface {
	SubscriptionObserver
	ObserveTransition(op, result string)
}

// Package v1 defines the Collab Offers Protocol v1 contract.
//
// It is shared between the server and clients (HTTP API and realtime gateway) so the offer wire shape
// has a single definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by the realtime gateway.
const Subprotocol = "collab.offers.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeOffersSubscribe opens a live query (client -> server).
	TypeOffersSubscribe = "offers_subscribe"
	// TypeOffersUnsubscribe closes a live query (client -> server).
	TypeOffersUnsubscribe = "offers_unsubscribe"

	// TypeOffersSnapshot carries the full current result set of a live query (server -> client).
	TypeOffersSnapshot = "offers_snapshot"
	// TypeOffersUnsubscribed confirms a closed live query (server -> client).
	TypeOffersUnsubscribed = "offers_unsubscribed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeOffersSubscribe,
		TypeOffersUnsubscribe,
		TypeOffersSnapshot,
		TypeOffersUnsubscribed,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// OffersSubscribePayload opens a live query. Either OfferID or both party ids must be set;
// CampaignID optionally narrows a party query.
type OffersSubscribePayload struct {
	SubscriptionID   string `json:"subscription_id"`
	OfferID          string `json:"offer_id,omitempty"`
	BusinessPeopleID string `json:"business_people_id,omitempty"`
	ContentCreatorID string `json:"content_creator_id,omitempty"`
	CampaignID       string `json:"campaign_id,omitempty"`
}

// OffersUnsubscribePayload closes a live query.
type OffersUnsubscribePayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// OffersSnapshotPayload is the full result set of a live query, never a diff.
type OffersSnapshotPayload struct {
	SubscriptionID string  `json:"subscription_id"`
	Offers         []Offer `json:"offers"`
}

// OffersUnsubscribedPayload confirms a closed live query.
type OffersUnsubscribedPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Offer is the wire shape of an offer document. Prices are integer minor units.
type Offer struct {
	ID               string    `json:"id"`
	BusinessPeopleID string    `json:"business_people_id"`
	ContentCreatorID string    `json:"content_creator_id"`
	CampaignID       string    `json:"campaign_id"`
	OfferedPrice     int64     `json:"offered_price"`
	NegotiatedPrice  *int64    `json:"negotiated_price,omitempty"`
	ImportantNotes   string    `json:"important_notes,omitempty"`
	NegotiatedNotes  string    `json:"negotiated_notes,omitempty"`
	Status           string    `json:"status"`
	LastActor        string    `json:"last_actor"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

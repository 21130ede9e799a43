// Package offer implements the offer negotiation lifecycle between a business party and a content creator.
//
// An Offer is a shared document: both parties read it and, depending on its status, write to it.
// Every write goes through Service, which checks the state machine and the acting party, then replaces
// the whole document with a compare-and-swap on Version so concurrent answers cannot both win.
package offer

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const maxNotesChars = 2000

// Status is the negotiation status stored on the offer document.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusNegotiate Status = "negotiate"
)

// OpenStatuses are the statuses that still expect an answer.
var OpenStatuses = []Status{StatusPending, StatusNegotiate}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusNegotiate:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ParseStatus parses a wire status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// Role identifies which side of the negotiation acts.
type Role string

const (
	RoleBusiness Role = "business"
	RoleCreator  Role = "creator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleBusiness || r == RoleCreator }

// ParseRole parses a wire role value.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return r, nil
}

// Actor is the party performing an operation.
type Actor struct {
	ID   string
	Role Role
}

// Offer is a priced negotiation proposal between a business party and a content creator for a campaign.
type Offer struct {
	ID string

	BusinessPeopleID string
	ContentCreatorID string
	CampaignID       string

	OfferedPrice    int64
	NegotiatedPrice *int64

	ImportantNotes  string
	NegotiatedNotes string

	Status Status

	// LastActor is the role that made the latest proposal: the business on insert, the negotiator afterwards.
	LastActor Role

	// Version is the optimistic concurrency token. Zero means the offer was never stored.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOffer constructs an unsaved offer extended by the business party. Status defaults to pending and
// CreatedAt stays zero until insert.
func NewOffer(businessPeopleID, contentCreatorID, campaignID string, offeredPrice int64, importantNotes string) Offer {
	return Offer{
		BusinessPeopleID: strings.TrimSpace(businessPeopleID),
		ContentCreatorID: strings.TrimSpace(contentCreatorID),
		CampaignID:       strings.TrimSpace(campaignID),
		OfferedPrice:     offeredPrice,
		ImportantNotes:   strings.TrimSpace(importantNotes),
		Status:           StatusPending,
		LastActor:        RoleBusiness,
	}
}

// CurrentPrice is the latest price on the table: the counter offer when there is one.
func (o Offer) CurrentPrice() int64 {
	if o.NegotiatedPrice != nil {
		return *o.NegotiatedPrice
	}
	return o.OfferedPrice
}

// PartyRole returns the role actorID plays on this offer.
func (o Offer) PartyRole(actorID string) (Role, bool) {
	switch strings.TrimSpace(actorID) {
	case "":
		return "", false
	case o.BusinessPeopleID:
		return RoleBusiness, true
	case o.ContentCreatorID:
		return RoleCreator, true
	default:
		return "", false
	}
}

// Clone returns a copy that shares no pointers with o.
func (o Offer) Clone() Offer {
	if o.NegotiatedPrice != nil {
		p := *o.NegotiatedPrice
		o.NegotiatedPrice = &p
	}
	return o
}

func (o Offer) validateNew() error {
	if o.BusinessPeopleID == "" || o.ContentCreatorID == "" || o.CampaignID == "" {
		return fmt.Errorf("%w: business_people_id, content_creator_id and campaign_id are required", ErrInvalidInput)
	}
	for _, id := range []string{o.BusinessPeopleID, o.ContentCreatorID, o.CampaignID} {
		if !validRefID(id) {
			return fmt.Errorf("%w: id %q must not contain '/' or surrounding spaces", ErrInvalidInput, id)
		}
	}
	if o.BusinessPeopleID == o.ContentCreatorID {
		return fmt.Errorf("%w: business and creator must differ", ErrInvalidInput)
	}
	if o.OfferedPrice <= 0 {
		return fmt.Errorf("%w: offered_price must be positive", ErrInvalidInput)
	}
	if utf8.RuneCountInString(o.ImportantNotes) > maxNotesChars {
		return fmt.Errorf("%w: important_notes too long", ErrInvalidInput)
	}
	if o.Status != "" && !o.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, o.Status)
	}
	return nil
}

// validRefID reports whether id can be stored as the last segment of a DocRef path.
func validRefID(id string) bool {
	return id != "" && id == strings.TrimSpace(id) && !strings.Contains(id, "/")
}

// FilterByCampaignID returns the offers whose CampaignID matches, preserving relative order.
func FilterByCampaignID(offers []Offer, campaignID string) []Offer {
	out := make([]Offer, 0, len(offers))
	for _, o := range offers {
		if o.CampaignID == campaignID {
			out = append(out, o)
		}
	}
	return out
}

// ---- state machine ----

type transition struct {
	op    string
	to    Status
	fee   int64
	notes string
}

// apply computes the next document state for t without touching cur.
// strict enables the status and party guards; the actor must always be a party.
func apply(cur Offer, t transition, actor Actor, strict bool, now time.Time) (Offer, error) {
	role, ok := cur.PartyRole(actor.ID)
	if !ok || (actor.Role != "" && actor.Role != role) {
		return Offer{}, opErr(t.op, ErrNotAuthorized, "")
	}

	if strict {
		if cur.Status.Terminal() {
			return Offer{}, opErr(t.op, ErrInvalidTransition, fmt.Sprintf("%s -> %s", cur.Status, t.to))
		}
		lastActor := cur.LastActor
		if lastActor == "" {
			lastActor = RoleBusiness
		}
		if role == lastActor {
			return Offer{}, opErr(t.op, ErrSameParty, "")
		}
	}

	next := cur.Clone()
	next.Status = t.to
	next.UpdatedAt = now

	if t.to == StatusNegotiate {
		if t.fee <= 0 {
			return Offer{}, opErr(t.op, ErrInvalidInput, "fee must be positive")
		}
		if strict && t.fee == cur.CurrentPrice() {
			return Offer{}, opErr(t.op, ErrInvalidInput, "fee must differ from the current price")
		}
		notes := strings.TrimSpace(t.notes)
		if utf8.RuneCountInString(notes) > maxNotesChars {
			return Offer{}, opErr(t.op, ErrInvalidInput, "notes too long")
		}
		fee := t.fee
		next.NegotiatedPrice = &fee
		next.NegotiatedNotes = notes
		next.LastActor = role
	}

	return next, nil
}

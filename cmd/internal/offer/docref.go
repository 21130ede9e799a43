package offer

import (
	"fmt"
	"strings"
	"time"
)

// Collection names of the documents an offer references.
const (
	CollectionOffers          = "offers"
	CollectionBusinessPeople  = "businessPeople"
	CollectionContentCreators = "contentCreators"
	CollectionCampaigns       = "campaigns"
)

// DocRef is a store-native reference to a document owned by another collection.
type DocRef struct {
	Collection string
	ID         string
}

// Path returns the "collection/id" form persisted by stores.
func (r DocRef) Path() string {
	if r.Collection == "" || r.ID == "" {
		return ""
	}
	return r.Collection + "/" + r.ID
}

func (r DocRef) String() string { return r.Path() }

// ParseDocRef parses a "collection/id" path.
func ParseDocRef(path string) (DocRef, error) {
	col, id, ok := strings.Cut(strings.TrimSpace(path), "/")
	if !ok || col == "" || id == "" || strings.Contains(id, "/") {
		return DocRef{}, fmt.Errorf("%w: malformed document reference %q", ErrInvalidInput, path)
	}
	return DocRef{Collection: col, ID: id}, nil
}

func refTo(collection, id string) DocRef {
	if id == "" {
		return DocRef{}
	}
	return DocRef{Collection: collection, ID: id}
}

func idFrom(ref DocRef, collection string) (string, error) {
	if ref.Collection != collection {
		return "", fmt.Errorf("%w: reference %q is not in collection %q", ErrInvalidInput, ref.Path(), collection)
	}
	return ref.ID, nil
}

// Document is the persisted shape of an offer: foreign ids are stored as references.
type Document struct {
	ID string

	BusinessPeople DocRef
	ContentCreator DocRef
	Campaign       DocRef

	OfferedPrice    int64
	NegotiatedPrice *int64
	ImportantNotes  string
	NegotiatedNotes string

	Status    Status
	LastActor Role
	Version   int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToDocument resolves the offer's foreign ids to store-native references.
func ToDocument(o Offer) Document {
	o = o.Clone()
	return Document{
		ID:              o.ID,
		BusinessPeople:  refTo(CollectionBusinessPeople, o.BusinessPeopleID),
		ContentCreator:  refTo(CollectionContentCreators, o.ContentCreatorID),
		Campaign:        refTo(CollectionCampaigns, o.CampaignID),
		OfferedPrice:    o.OfferedPrice,
		NegotiatedPrice: o.NegotiatedPrice,
		ImportantNotes:  o.ImportantNotes,
		NegotiatedNotes: o.NegotiatedNotes,
		Status:          o.Status,
		LastActor:       o.LastActor,
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

// FromDocument resolves references back to plain ids.
func FromDocument(d Document) (Offer, error) {
	bp, err := idFrom(d.BusinessPeople, CollectionBusinessPeople)
	if err != nil {
		return Offer{}, err
	}
	cc, err := idFrom(d.ContentCreator, CollectionContentCreators)
	if err != nil {
		return Offer{}, err
	}
	camp, err := idFrom(d.Campaign, CollectionCampaigns)
	if err != nil {
		return Offer{}, err
	}
	o := Offer{
		ID:               d.ID,
		BusinessPeopleID: bp,
		ContentCreatorID: cc,
		CampaignID:       camp,
		OfferedPrice:     d.OfferedPrice,
		NegotiatedPrice:  d.NegotiatedPrice,
		ImportantNotes:   d.ImportantNotes,
		NegotiatedNotes:  d.NegotiatedNotes,
		Status:           d.Status,
		LastActor:        d.LastActor,
		Version:          d.Version,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	return o.Clone(), nil
}

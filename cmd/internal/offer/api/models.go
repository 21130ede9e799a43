package offerapi

import (
	"time"

	"collab/cmd/internal/offer"
	v1 "collab/shared/contracts/offers/v1"
)

type createOfferRequest struct {
	BusinessPeopleID string `json:"business_people_id"`
	ContentCreatorID string `json:"content_creator_id"`
	CampaignID       string `json:"campaign_id"`
	OfferedPrice     int64  `json:"offered_price"`
	ImportantNotes   string `json:"important_notes"`
}

type transitionRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type negotiateRequest struct {
	Fee             int64  `json:"fee"`
	Notes           string `json:"notes"`
	ExpectedVersion int64  `json:"expected_version"`
}

type offerResponse struct {
	Offer v1.Offer `json:"offer"`
}

type offersResponse struct {
	Offers []v1.Offer `json:"offers"`
}

type historyEntryResponse struct {
	Version    int64     `json:"version"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Price      int64     `json:"price"`
	Notes      string    `json:"notes,omitempty"`
	At         time.Time `json:"at"`
}

type historyResponse struct {
	OfferID string                 `json:"offer_id"`
	History []historyEntryResponse `json:"history"`
}

func toHistoryResponse(offerID string, entries []offer.HistoryEntry) historyResponse {
	out := historyResponse{OfferID: offerID, History: make([]historyEntryResponse, 0, len(entries))}
	for _, e := range entries {
		out.History = append(out.History, historyEntryResponse{
			Version:    e.Version,
			FromStatus: string(e.FromStatus),
			ToStatus:   string(e.ToStatus),
			ActorID:    e.ActorID,
			ActorRole:  string(e.ActorRole),
			Price:      e.Price,
			Notes:      e.Notes,
			At:         e.At,
		})
	}
	return out
}

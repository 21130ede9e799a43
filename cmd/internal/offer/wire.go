package offer

import v1 "collab/shared/contracts/offers/v1"

// Wire converts o to its protocol representation.
func (o Offer) Wire() v1.Offer {
	o = o.Clone()
	return v1.Offer{
		ID:               o.ID,
		BusinessPeopleID: o.BusinessPeopleID,
		ContentCreatorID: o.ContentCreatorID,
		CampaignID:       o.CampaignID,
		OfferedPrice:     o.OfferedPrice,
		NegotiatedPrice:  o.NegotiatedPrice,
		ImportantNotes:   o.ImportantNotes,
		NegotiatedNotes:  o.NegotiatedNotes,
		Status:           string(o.Status),
		LastActor:        string(o.LastActor),
		Version:          o.Version,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

// WireList converts a result set, never returning nil so it encodes as [].
func WireList(offers []Offer) []v1.Offer {
	out := make([]v1.Offer, 0, len(offers))
	for _, o := range offers {
		out = append(out, o.Wire())
	}
	return out
}

package offer

import (
	"context"
	"time"
)

// HistoryEntry records one write to an offer document.
type HistoryEntry struct {
	OfferID    string
	Version    int64
	FromStatus Status // empty for the insert
	ToStatus   Status
	ActorID    string
	ActorRole  Role
	Price      int64
	Notes      string
	At         time.Time
}

// Query is a where-clause over the offers collection. Empty fields do not filter.
type Query struct {
	OfferID          string
	BusinessPeopleID string
	ContentCreatorID string
	CampaignID       string
	Statuses         []Status
}

// Store is the document-store boundary for offers.
//
// Requirements:
//   - Create assigns the id when empty and stores Version = 1.
//   - Replace overwrites the whole document only when the stored version equals expectedVersion,
//     stores Version = expectedVersion + 1 and appends the history entry in the same write.
//   - Query results are ordered by CreatedAt ASC, then ID ASC.
//   - History is ordered by Version ASC.
type Store interface {
	Create(ctx context.Context, doc Document, entry HistoryEntry) (Document, error)
	Get(ctx context.Context, id string) (Document, error)
	Replace(ctx context.Context, doc Document, expectedVersion int64, entry HistoryEntry) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	History(ctx context.Context, offerID string) ([]HistoryEntry, error)
	Close() error
}

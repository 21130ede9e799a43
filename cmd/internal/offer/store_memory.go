package offer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"collab/cmd/internal/ids"
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It honors the same version and ordering contract as PostgresStore.
type InMemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]Document
	history map[string][]HistoryEntry
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs:    make(map[string]Document),
		history: make(map[string][]HistoryEntry),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Create stores a new document with Version = 1.
func (s *InMemoryStore) Create(ctx context.Context, doc Document, entry HistoryEntry) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if doc.BusinessPeople.Path() == "" || doc.ContentCreator.Path() == "" || doc.Campaign.Path() == "" {
		return Document{}, ErrInvalidInput
	}

	now := doc.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		doc.CreatedAt = now
	}
	if strings.TrimSpace(doc.ID) == "" {
		id, err := ids.NewULID(now)
		if err != nil {
			return Document{}, err
		}
		doc.ID = id
	}
	doc.Version = 1
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	doc = cloneDoc(doc)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return Document{}, ErrVersionConflict
	}
	s.docs[doc.ID] = doc

	entry.OfferID = doc.ID
	entry.Version = doc.Version
	s.history[doc.ID] = append(s.history[doc.ID], entry)

	return cloneDoc(doc), nil
}

// Get returns the document by id.
func (s *InMemoryStore) Get(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	s.mu.RLock()
	d, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDoc(d), nil
}

// Replace overwrites the document when the stored version matches expectedVersion.
func (s *InMemoryStore) Replace(ctx context.Context, doc Document, expectedVersion int64, entry HistoryEntry) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(doc.ID) == "" || expectedVersion <= 0 {
		return Document{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.docs[doc.ID]
	if !ok {
		return Document{}, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return Document{}, ErrVersionConflict
	}

	doc = cloneDoc(doc)
	doc.CreatedAt = cur.CreatedAt
	doc.Version = expectedVersion + 1
	s.docs[doc.ID] = doc

	entry.OfferID = doc.ID
	entry.Version = doc.Version
	s.history[doc.ID] = append(s.history[doc.ID], entry)

	return cloneDoc(doc), nil
}

// Query returns the documents matching q ordered by CreatedAt, then ID.
func (s *InMemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Document, 0, 16)
	for _, d := range s.docs {
		if q.matchesDoc(d) {
			out = append(out, cloneDoc(d))
		}
	}
	s.mu.RUnlock()

	sortDocs(out)
	return out, nil
}

// History returns the history entries of an offer ordered by version.
func (s *InMemoryStore) History(ctx context.Context, offerID string) ([]HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.docs[offerID]; !ok {
		return nil, ErrNotFound
	}
	return append([]HistoryEntry(nil), s.history[offerID]...), nil
}

func (q Query) matchesDoc(d Document) bool {
	if q.OfferID != "" && d.ID != q.OfferID {
		return false
	}
	if q.BusinessPeopleID != "" && d.BusinessPeople != refTo(CollectionBusinessPeople, q.BusinessPeopleID) {
		return false
	}
	if q.ContentCreatorID != "" && d.ContentCreator != refTo(CollectionContentCreators, q.ContentCreatorID) {
		return false
	}
	if q.CampaignID != "" && d.Campaign != refTo(CollectionCampaigns, q.CampaignID) {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, st := range q.Statuses {
			if d.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortDocs(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

func cloneDoc(d Document) Document {
	if d.NegotiatedPrice != nil {
		p := *d.NegotiatedPrice
		d.NegotiatedPrice = &p
	}
	return d
}

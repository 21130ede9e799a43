package offer

import (
	"context"
	"log/slog"
	"sync"
)

// Change describes a committed write to one offer document. It carries the foreign ids so live
// queries can decide whether the write may affect their result set.
type Change struct {
	OfferID          string `json:"offer_id"`
	BusinessPeopleID string `json:"business_people_id"`
	ContentCreatorID string `json:"content_creator_id"`
	CampaignID       string `json:"campaign_id"`
	Version          int64  `json:"version"`
}

// ChangeOf builds the Change for a stored offer.
func ChangeOf(o Offer) Change {
	return Change{
		OfferID:          o.ID,
		BusinessPeopleID: o.BusinessPeopleID,
		ContentCreatorID: o.ContentCreatorID,
		CampaignID:       o.CampaignID,
		Version:          o.Version,
	}
}

// affects reports whether c can change the result set of q. Status filters are ignored on purpose:
// a write that moves an offer out of the filtered statuses must still refresh the subscription.
func (q Query) affects(c Change) bool {
	if q.OfferID != "" {
		return q.OfferID == c.OfferID
	}
	if q.BusinessPeopleID != "" && q.BusinessPeopleID != c.BusinessPeopleID {
		return false
	}
	if q.ContentCreatorID != "" && q.ContentCreatorID != c.ContentCreatorID {
		return false
	}
	if q.CampaignID != "" && q.CampaignID != c.CampaignID {
		return false
	}
	return true
}

// QueryFunc evaluates a live query against the store.
type QueryFunc func(ctx context.Context, q Query) ([]Offer, error)

// SnapshotFunc receives the full current result set of a live query (never a diff).
// err is non-nil when the re-query failed; the subscription stays open and retries on the next change.
type SnapshotFunc func(offers []Offer, err error)

// Unsubscribe tears a live subscription down. It is idempotent.
type Unsubscribe func()

// SubscriptionObserver is notified when live subscriptions open and close.
type SubscriptionObserver interface {
	SubscriptionOpened()
	SubscriptionClosed()
}

// Broker is the in-process registry of live queries.
//
// Concurrency guarantees:
//   - Notify never blocks: each subscription has a one-slot signal, so bursts coalesce into a single
//     re-query and the callback always sees the latest committed set.
//   - Callbacks of one subscription run sequentially on its own goroutine; a slow callback only
//     delays its own subscription.
//   - Unsubscribe cancels the subscription's query; a callback already running may still complete,
//     no new one starts.
type Broker struct {
	log *slog.Logger
	run QueryFunc
	obs SubscriptionObserver

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	id     uint64
	q      Query
	fn     SnapshotFunc
	signal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroker constructs a Broker that evaluates live queries with run.
func NewBroker(log *slog.Logger, run QueryFunc, obs SubscriptionObserver) *Broker {
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Broker{
		log:  log,
		run:  run,
		obs:  obs,
		subs: make(map[uint64]*subscription),
	}
}

// Subscribe registers a live query. The first snapshot is delivered asynchronously right away.
func (b *Broker) Subscribe(q Query, fn SnapshotFunc) (Unsubscribe, error) {
	if b == nil || b.run == nil {
		return nil, ErrClosed
	}
	if fn == nil {
		return nil, ErrInvalidInput
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		q:      q,
		fn:     fn,
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	sub.signal <- struct{}{}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	b.obs.SubscriptionOpened()
	b.log.Debug("offer.subscription.open", "subscription", sub.id, "offer_id", q.OfferID,
		"business_people_id", q.BusinessPeopleID, "content_creator_id", q.ContentCreatorID)

	go b.loop(sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}, nil
}

// Notify schedules a re-query for every subscription the change may affect.
func (b *Broker) Notify(c Change) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.q.affects(c) {
			continue
		}
		select {
		case sub.signal <- struct{}{}:
		default:
			// A refresh is already pending; it will observe this change too.
		}
	}
}

// Len returns the number of open subscriptions.
func (b *Broker) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close tears down every subscription and waits for their goroutines to exit.
func (b *Broker) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		b.obs.SubscriptionClosed()
	}
	b.wg.Wait()
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.cancel()
	b.obs.SubscriptionClosed()
	b.log.Debug("offer.subscription.close", "subscription", id)
}

func (b *Broker) loop(sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.signal:
		}
		if sub.ctx.Err() != nil {
			return
		}

		offers, err := b.run(sub.ctx, sub.q)
		if err != nil && sub.ctx.Err() != nil {
			return
		}
		if err != nil {
			b.log.Warn("offer.subscription.query.fail", "subscription", sub.id, "err", err)
		}

		sub.deliver(offers, err)
	}
}

func (s *subscription) deliver(offers []Offer, err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.fn(offers, err)
}

type nopObserver struct{}

func (nopObserver) SubscriptionOpened() {}

func (nopObserver) SubscriptionClosed() {}

func (nopObserver) ObserveTransition(_, _ string) {}

package offer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) PublishOfferEvent(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingRelay struct {
	n atomic.Int64
}

func (r *recordingRelay) PublishChange(context.Context, Change) error {
	r.n.Add(1)
	return errors.New("relay down")
}

type transitionCounter struct {
	nopObserver
	mu      sync.Mutex
	results map[string]int
}

func (c *transitionCounter) ObserveTransition(op, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = make(map[string]int)
	}
	c.results[op+"/"+result]++
}

func (c *transitionCounter) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[key]
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	base := []Option{WithLogger(discardLogger()), WithClock(clock.Now)}
	svc, err := NewService(NewInMemoryStore(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

var (
	bizActor     = Actor{ID: "bp", Role: RoleBusiness}
	creatorActor = Actor{ID: "cc", Role: RoleCreator}
)

func TestService_NegotiationExample(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	svc := newTestService(t, WithEventPublisher(pub))
	ctx := context.Background()

	in := Offer{BusinessPeopleID: "bp", ContentCreatorID: "cc", CampaignID: "camp", OfferedPrice: 500000}
	o, err := svc.Insert(ctx, in)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if o.ID == "" {
		t.Fatalf("expected id after insert")
	}
	if o.Status != StatusPending || o.Version != 1 || o.CreatedAt.IsZero() {
		t.Fatalf("unexpected inserted offer: %+v", o)
	}

	o, err = svc.Negotiate(ctx, NegotiateInput{OfferID: o.ID, Actor: creatorActor, Fee: 750000, Notes: "counter", ExpectedVersion: o.Version})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if o.Status != StatusNegotiate || o.NegotiatedPrice == nil || *o.NegotiatedPrice != 750000 {
		t.Fatalf("unexpected negotiated offer: %+v", o)
	}
	if o.OfferedPrice != 500000 || o.NegotiatedNotes != "counter" {
		t.Fatalf("negotiate must keep the offered price, got %+v", o)
	}

	o, err = svc.Accept(ctx, TransitionInput{OfferID: o.ID, Actor: bizActor, ExpectedVersion: o.Version})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if o.Status != StatusApproved || *o.NegotiatedPrice != 750000 || o.Version != 3 {
		t.Fatalf("unexpected accepted offer: %+v", o)
	}

	h, err := svc.History(ctx, o.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(h) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(h))
	}
	if h[1].FromStatus != StatusPending || h[1].ToStatus != StatusNegotiate || h[1].ActorRole != RoleCreator || h[1].Price != 750000 {
		t.Fatalf("unexpected negotiate entry: %+v", h[1])
	}
	if h[2].ToStatus != StatusApproved || h[2].ActorID != "bp" {
		t.Fatalf("unexpected accept entry: %+v", h[2])
	}

	want := []string{EventCreated, EventNegotiated, EventAccepted}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestService_InsertDoesNotMutateArgument(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()

	in := NewOffer("bp", "cc", "camp", 100, "")
	out, err := svc.Insert(ctx, in)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if in.ID != "" || !in.CreatedAt.IsZero() || in.Version != 0 {
		t.Fatalf("argument mutated: %+v", in)
	}
	if out.ID == "" {
		t.Fatalf("expected stored id")
	}

	if _, err := svc.Insert(ctx, out); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput re-inserting a stored offer, got %v", err)
	}

	bad := NewOffer("bp", "cc", "camp", 0, "")
	if _, err := svc.Insert(ctx, bad); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if bad.ID != "" || !bad.CreatedAt.IsZero() {
		t.Fatalf("failed insert touched the argument: %+v", bad)
	}

	var oe OpError
	if _, err := svc.Insert(ctx, bad); !errors.As(err, &oe) || oe.Op != "offer.Insert" {
		t.Fatalf("expected OpError from offer.Insert, got %v", err)
	}
}

// pathStore re-parses stored references on every read, the way the Postgres store scans rows.
type pathStore struct {
	*InMemoryStore
}

func reparse(d Document) (Document, error) {
	for _, r := range []*DocRef{&d.BusinessPeople, &d.ContentCreator, &d.Campaign} {
		ref, err := ParseDocRef(r.Path())
		if err != nil {
			return Document{}, err
		}
		*r = ref
	}
	return d, nil
}

func (s pathStore) Get(ctx context.Context, id string) (Document, error) {
	d, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}
	return reparse(d)
}

func (s pathStore) Query(ctx context.Context, q Query) ([]Document, error) {
	docs, err := s.InMemoryStore.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i], err = reparse(docs[i]); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func TestService_InsertKeepsReferencesReadable(t *testing.T) {
	t.Parallel()

	svc, err := NewService(pathStore{NewInMemoryStore()}, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, NewOffer("acme/eu", "cc", "camp", 100, "")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for an id with '/', got %v", err)
	}
	if _, err := svc.Insert(ctx, NewOffer("bp", "cc", "camp/2026", 100, "")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a campaign id with '/', got %v", err)
	}

	o, err := svc.Insert(ctx, NewOffer("bp", "cc", "camp", 100, ""))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := svc.Get(ctx, o.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	pending, err := svc.PendingByParties(ctx, "bp", "cc")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !sameIDs(pending, []string{o.ID}) {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}

func TestService_InsertStatusModes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	approved := NewOffer("bp", "cc", "camp", 100, "")
	approved.Status = StatusApproved

	strict := newTestService(t)
	if _, err := strict.Insert(ctx, approved); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition in strict mode, got %v", err)
	}

	lenient := newTestService(t, WithLenientTransitions())
	o, err := lenient.Insert(ctx, approved)
	if err != nil {
		t.Fatalf("lenient insert: %v", err)
	}
	if o.Status != StatusApproved {
		t.Fatalf("expected supplied status to be kept, got %q", o.Status)
	}

	noStatus := NewOffer("bp", "cc", "camp", 100, "")
	noStatus.Status = ""
	o, err = lenient.Insert(ctx, noStatus)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if o.Status != StatusPending {
		t.Fatalf("expected pending default, got %q", o.Status)
	}
}

func TestService_LenientLastWriteWins(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, WithLenientTransitions())
	ctx := context.Background()

	o, err := svc.Insert(ctx, NewOffer("bp", "cc", "camp", 100, ""))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := svc.Accept(ctx, TransitionInput{OfferID: o.ID, Actor: creatorActor}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.Reject(ctx, TransitionInput{OfferID: o.ID, Actor: creatorActor}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRejected {
		t.Fatalf("expected last write (rejected) to win, got %q", got.Status)
	}
}

func TestService_StrictGuards(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()

	o, err := svc.Insert(ctx, NewOffer("bp", "cc", "camp", 100, ""))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := svc.Accept(ctx, TransitionInput{OfferID: o.ID, Actor: bizActor}); !errors.Is(err, ErrSameParty) {
		t.Fatalf("expected ErrSameParty, got %v", err)
	}
	if _, err := svc.Accept(ctx, TransitionInput{OfferID: o.ID, Actor: Actor{ID: "stranger"}}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.Accept(ctx, TransitionInput{OfferID: "missing", Actor: creatorActor}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Accept(ctx, TransitionInput{OfferID: o.ID, Actor: creatorActor, ExpectedVersion: 7}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	if _, err := svc.Reject(ctx, TransitionInput{OfferID: o.ID, Actor: creatorActor}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := svc.Accept(ctx, TransitionInput{OfferID: o.ID, Actor: creatorActor}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after reject, got %v", err)
	}
}

func TestService_ConcurrentAcceptSingleWinner(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()

	o, err := svc.Insert(ctx, NewOffer("bp", "cc", "camp", 100, ""))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	const n = 16
	var (
		wg        sync.WaitGroup
		ok        atomic.Int64
		conflicts atomic.Int64
		start     = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Accept(ctx, TransitionInput{OfferID: o.ID, Actor: creatorActor, ExpectedVersion: o.Version})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrInvalidTransition):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != 1 {
		t.Fatalf("expected exactly one successful accept, got %d", ok.Load())
	}
	if conflicts.Load() != n-1 {
		t.Fatalf("expected %d conflicts, got %d", n-1, conflicts.Load())
	}

	got, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2, got %d", got.Version)
	}
}

func TestService_SubscribePendingReceivesFullSets(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()

	ch := make(chan snapshot, 16)
	unsub, err := svc.SubscribePending("bp", "cc", func(offers []Offer, err error) {
		ch <- snapshot{offers: offers, err: err}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if s := recvSnapshot(t, ch); s.err != nil || len(s.offers) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", s)
	}

	first, err := svc.Insert(ctx, NewOffer("bp", "cc", "a", 100, ""))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	waitForSet(t, ch, first.ID)

	second, err := svc.Insert(ctx, NewOffer("bp", "cc", "b", 200, ""))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	waitForSet(t, ch, first.ID, second.ID)

	if _, err := svc.Insert(ctx, NewOffer("bp", "other", "a", 100, "")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	expectNoSnapshot(t, ch)

	if _, err := svc.Accept(ctx, TransitionInput{OfferID: first.ID, Actor: creatorActor}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitForSet(t, ch, second.ID)

	if _, err := svc.SubscribePending("", "cc", func([]Offer, error) {}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestService_SubscribeOffer(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()

	o, err := svc.Insert(ctx, NewOffer("bp", "cc", "camp", 100, ""))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	ch := make(chan snapshot, 8)
	unsub, err := svc.SubscribeOffer(o.ID, func(offers []Offer, err error) {
		ch <- snapshot{offers: offers, err: err}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if s := recvSnapshot(t, ch); len(s.offers) != 1 || s.offers[0].Status != StatusPending {
		t.Fatalf("unexpected initial snapshot: %+v", s)
	}

	if _, err := svc.Negotiate(ctx, NegotiateInput{OfferID: o.ID, Actor: creatorActor, Fee: 150}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	s := recvSnapshot(t, ch)
	if len(s.offers) != 1 || s.offers[0].Status != StatusNegotiate || s.offers[0].Version != 2 {
		t.Fatalf("unexpected snapshot after negotiate: %+v", s)
	}
}

func TestService_SideEffectFailuresDoNotFailWrites(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{err: errors.New("kafka down")}
	relay := &recordingRelay{}
	obs := &transitionCounter{}
	svc := newTestService(t, WithEventPublisher(pub), WithChangeRelay(relay), WithObserver(obs))
	ctx := context.Background()

	o, err := svc.Insert(ctx, NewOffer("bp", "cc", "camp", 100, ""))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := svc.Reject(ctx, TransitionInput{OfferID: o.ID, Actor: creatorActor}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := svc.Reject(ctx, TransitionInput{OfferID: o.ID, Actor: creatorActor}); err == nil {
		t.Fatalf("expected second reject to fail")
	}

	if relay.n.Load() != 2 {
		t.Fatalf("expected 2 relayed changes, got %d", relay.n.Load())
	}
	if len(pub.types()) != 2 {
		t.Fatalf("expected 2 published events, got %v", pub.types())
	}
	if obs.count("insert/ok") != 1 || obs.count("reject/ok") != 1 || obs.count("reject/invalid_transition") != 1 {
		t.Fatalf("unexpected observed results: %v", obs.results)
	}
}

func TestService_RemoteChangeRefreshesSubscription(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	a, err := NewService(store, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer a.Close()
	b, err := NewService(store, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer b.Close()

	ch := make(chan snapshot, 8)
	unsub, err := b.SubscribePending("bp", "cc", func(offers []Offer, err error) {
		ch <- snapshot{offers: offers, err: err}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	recvSnapshot(t, ch)

	o, err := a.Insert(context.Background(), NewOffer("bp", "cc", "camp", 100, ""))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	expectNoSnapshot(t, ch)

	// What a relay does on the receiving instance.
	b.Broker().Notify(ChangeOf(o))
	waitForSet(t, ch, o.ID)
}

func waitForSet(t *testing.T, ch <-chan snapshot, ids ...string) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.err != nil {
				t.Fatalf("snapshot error: %v", s.err)
			}
			if sameIDs(s.offers, ids) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for set %v", ids)
		}
	}
}

func sameIDs(offers []Offer, ids []string) bool {
	if len(offers) != len(ids) {
		return false
	}
	for i := range ids {
		if offers[i].ID != ids[i] {
			return false
		}
	}
	return true
}

package offer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// TransitionInput describes an accept or reject.
type TransitionInput struct {
	OfferID string
	Actor   Actor

	// ExpectedVersion is the version the caller based its decision on. Zero means the version read
	// by this call; the write is still compare-and-swap against it.
	ExpectedVersion int64
}

// NegotiateInput describes a counter offer.
type NegotiateInput struct {
	OfferID         string
	Actor           Actor
	Fee             int64
	Notes           string
	ExpectedVersion int64
}

// Service is the offer lifecycle manager: it constructs, persists and transitions offers and serves
// the read views (single offer, pending list, live subscriptions).
type Service struct {
	store  Store
	log    *slog.Logger
	broker *Broker
	events EventPublisher
	relay  ChangeRelay
	obs    Observer
	strict bool
	now    func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithEventPublisher sets the publisher notified after every committed write.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) error {
		s.events = p
		return nil
	}
}

// WithChangeRelay sets the relay used to fan committed changes out to other instances.
func WithChangeRelay(r ChangeRelay) Option {
	return func(s *Service) error {
		s.relay = r
		return nil
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Service) error {
		if o != nil {
			s.obs = o
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// WithLenientTransitions disables the status and party guards: any status can be rewritten and the last
// write wins. The version check still applies.
func WithLenientTransitions() Option {
	return func(s *Service) error {
		s.strict = false
		return nil
	}
}

// NewService constructs a Service with strict transitions.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:  store,
		log:    slog.Default(),
		obs:    nopObserver{},
		strict: true,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.broker = NewBroker(s.log, s.Find, s.obs)
	return s, nil
}

// Broker returns the live query registry. Remote changes received by a relay are fed to Broker().Notify.
func (s *Service) Broker() *Broker { return s.broker }

// Strict reports whether transition guards are enforced.
func (s *Service) Strict() bool { return s.strict }

// Close tears down all live subscriptions. The store is owned by the caller.
func (s *Service) Close() {
	s.broker.Close()
}

// Insert persists a new offer: it stamps CreatedAt, lets the store assign the id and returns the stored
// offer. The argument is never modified.
func (s *Service) Insert(ctx context.Context, in Offer) (Offer, error) {
	const op = "offer.Insert"
	if err := ctx.Err(); err != nil {
		return Offer{}, err
	}
	if in.ID != "" || in.Version != 0 {
		return Offer{}, s.fail(op, opErr(op, ErrInvalidInput, "offer already stored"))
	}

	o := in.Clone()
	o.BusinessPeopleID = strings.TrimSpace(o.BusinessPeopleID)
	o.ContentCreatorID = strings.TrimSpace(o.ContentCreatorID)
	o.CampaignID = strings.TrimSpace(o.CampaignID)
	o.ImportantNotes = strings.TrimSpace(o.ImportantNotes)
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.LastActor == "" {
		o.LastActor = RoleBusiness
	}
	if err := o.validateNew(); err != nil {
		return Offer{}, s.fail(op, OpError{Op: op, Kind: ErrInvalidInput, Err: err})
	}
	if s.strict && (o.Status != StatusPending || o.NegotiatedPrice != nil || o.LastActor != RoleBusiness) {
		return Offer{}, s.fail(op, opErr(op, ErrInvalidTransition, "new offers start pending from the business party"))
	}

	now := s.now()
	o.CreatedAt = now
	o.UpdatedAt = now

	doc, err := s.store.Create(ctx, ToDocument(o), HistoryEntry{
		ToStatus:  o.Status,
		ActorID:   o.BusinessPeopleID,
		ActorRole: RoleBusiness,
		Price:     o.OfferedPrice,
		Notes:     o.ImportantNotes,
		At:        now,
	})
	if err != nil {
		return Offer{}, s.fail(op, wrapStoreErr(op, err))
	}
	out, err := FromDocument(doc)
	if err != nil {
		return Offer{}, s.fail(op, wrapStoreErr(op, err))
	}

	s.committed(ctx, op, EventCreated, out, Actor{ID: out.BusinessPeopleID, Role: RoleBusiness})
	return out, nil
}

// Accept moves the offer to approved.
func (s *Service) Accept(ctx context.Context, in TransitionInput) (Offer, error) {
	return s.transition(ctx, in.OfferID, in.Actor, in.ExpectedVersion, EventAccepted,
		transition{op: "offer.Accept", to: StatusApproved})
}

// Reject moves the offer to rejected.
func (s *Service) Reject(ctx context.Context, in TransitionInput) (Offer, error) {
	return s.transition(ctx, in.OfferID, in.Actor, in.ExpectedVersion, EventRejected,
		transition{op: "offer.Reject", to: StatusRejected})
}

// Negotiate records a counter offer: NegotiatedPrice = fee, status negotiate. OfferedPrice is unchanged.
func (s *Service) Negotiate(ctx context.Context, in NegotiateInput) (Offer, error) {
	return s.transition(ctx, in.OfferID, in.Actor, in.ExpectedVersion, EventNegotiated,
		transition{op: "offer.Negotiate", to: StatusNegotiate, fee: in.Fee, notes: in.Notes})
}

func (s *Service) transition(ctx context.Context, id string, actor Actor, expected int64, evType string, t transition) (Offer, error) {
	if err := ctx.Err(); err != nil {
		return Offer{}, err
	}
	id = strings.TrimSpace(id)
	actor.ID = strings.TrimSpace(actor.ID)
	if id == "" || actor.ID == "" || expected < 0 {
		return Offer{}, s.fail(t.op, opErr(t.op, ErrInvalidInput, "offer id and actor are required"))
	}

	doc, err := s.store.Get(ctx, id)
	if err != nil {
		return Offer{}, s.fail(t.op, wrapStoreErr(t.op, err))
	}
	cur, err := FromDocument(doc)
	if err != nil {
		return Offer{}, s.fail(t.op, wrapStoreErr(t.op, err))
	}
	if expected != 0 && cur.Version != expected {
		return Offer{}, s.fail(t.op, opErr(t.op, ErrVersionConflict, "stale expected_version"))
	}

	next, err := apply(cur, t, actor, s.strict, s.now())
	if err != nil {
		return Offer{}, s.fail(t.op, err)
	}

	role, _ := cur.PartyRole(actor.ID)
	entry := HistoryEntry{
		FromStatus: cur.Status,
		ToStatus:   next.Status,
		ActorID:    actor.ID,
		ActorRole:  role,
		Price:      next.CurrentPrice(),
		At:         next.UpdatedAt,
	}
	if t.to == StatusNegotiate {
		entry.Notes = next.NegotiatedNotes
	}

	stored, err := s.store.Replace(ctx, ToDocument(next), cur.Version, entry)
	if err != nil {
		return Offer{}, s.fail(t.op, wrapStoreErr(t.op, err))
	}
	out, err := FromDocument(stored)
	if err != nil {
		return Offer{}, s.fail(t.op, wrapStoreErr(t.op, err))
	}

	s.committed(ctx, t.op, evType, out, Actor{ID: actor.ID, Role: role})
	return out, nil
}

// Get returns a single offer by id.
func (s *Service) Get(ctx context.Context, id string) (Offer, error) {
	const op = "offer.Get"
	id = strings.TrimSpace(id)
	if id == "" {
		return Offer{}, opErr(op, ErrInvalidInput, "offer id is required")
	}
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		return Offer{}, wrapStoreErr(op, err)
	}
	o, err := FromDocument(doc)
	if err != nil {
		return Offer{}, wrapStoreErr(op, err)
	}
	return o, nil
}

// Find runs a query against the store.
func (s *Service) Find(ctx context.Context, q Query) ([]Offer, error) {
	const op = "offer.Find"
	docs, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, wrapStoreErr(op, err)
	}
	out := make([]Offer, 0, len(docs))
	for _, d := range docs {
		o, err := FromDocument(d)
		if err != nil {
			return nil, wrapStoreErr(op, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// PendingByParties returns the open (pending or negotiate) offers between two parties.
func (s *Service) PendingByParties(ctx context.Context, businessPeopleID, contentCreatorID string) ([]Offer, error) {
	q, err := pendingQuery(businessPeopleID, contentCreatorID)
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, q)
}

// SubscribePending opens a live query over the open offers between two parties. fn receives the full
// result set immediately and after every change; the caller must invoke the returned Unsubscribe.
func (s *Service) SubscribePending(businessPeopleID, contentCreatorID string, fn SnapshotFunc) (Unsubscribe, error) {
	q, err := pendingQuery(businessPeopleID, contentCreatorID)
	if err != nil {
		return nil, err
	}
	return s.broker.Subscribe(q, fn)
}

// SubscribeOffer opens a live view of one offer. The snapshot holds zero or one offer.
func (s *Service) SubscribeOffer(id string, fn SnapshotFunc) (Unsubscribe, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, opErr("offer.SubscribeOffer", ErrInvalidInput, "offer id is required")
	}
	return s.broker.Subscribe(Query{OfferID: id}, fn)
}

// History returns the write history of an offer, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	const op = "offer.History"
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, opErr(op, ErrInvalidInput, "offer id is required")
	}
	h, err := s.store.History(ctx, id)
	if err != nil {
		return nil, wrapStoreErr(op, err)
	}
	return h, nil
}

func pendingQuery(businessPeopleID, contentCreatorID string) (Query, error) {
	bp := strings.TrimSpace(businessPeopleID)
	cc := strings.TrimSpace(contentCreatorID)
	if bp == "" || cc == "" {
		return Query{}, opErr("offer.PendingByParties", ErrInvalidInput, "business_people_id and content_creator_id are required")
	}
	return Query{
		BusinessPeopleID: bp,
		ContentCreatorID: cc,
		Statuses:         append([]Status(nil), OpenStatuses...),
	}, nil
}

// committed runs the post-commit side effects. None of them can fail the operation.
func (s *Service) committed(ctx context.Context, op, evType string, o Offer, actor Actor) {
	s.obs.ObserveTransition(metricOp(op), "ok")
	s.log.Info(evType,
		"offer_id", o.ID,
		"status", string(o.Status),
		"version", o.Version,
		"actor_id", actor.ID,
		"actor_role", string(actor.Role),
	)

	change := ChangeOf(o)
	s.broker.Notify(change)

	if s.relay != nil {
		if err := s.relay.PublishChange(ctx, change); err != nil {
			s.log.Warn("offer.relay.publish.fail", "offer_id", o.ID, "err", err)
		}
	}
	if s.events != nil {
		ev := Event{Type: evType, Offer: o.Clone(), Actor: actor, At: o.UpdatedAt}
		if err := s.events.PublishOfferEvent(ctx, ev); err != nil {
			s.log.Warn("offer.event.publish.fail", "offer_id", o.ID, "event", evType, "err", err)
		}
	}
}

func (s *Service) fail(op string, err error) error {
	result := resultOf(err)
	s.obs.ObserveTransition(metricOp(op), result)

	switch result {
	case "error":
		s.log.Error(op+".fail", "err", err)
	default:
		s.log.Info(op+".rejected", "result", result, "err", err)
	}
	return err
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotAuthorized):
		return "forbidden"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrSameParty):
		return "invalid_transition"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func metricOp(op string) string {
	return strings.ToLower(strings.TrimPrefix(op, "offer."))
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"collab/cmd/internal/ids"
	"collab/cmd/internal/offer"
	offerapi "collab/cmd/internal/offer/api"
	v1 "collab/shared/contracts/offers/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 64
	wsMinSendQueueSize     = 8

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Config controls the gateway's security and flow-control limits.
type Config struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the origin allow-list ("*" allows any origin).
	AllowedOrigins []string
	// DevInsecure disables websocket.Accept origin verification. Dev only.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	MaxSubscriptions int
}

// DefaultConfig returns secure defaults: origin required, localhost only.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		MaxSubscriptions:  maxSubscriptionsPerConn,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = d.MaxSubscriptions
	}
	return c
}

// ConnObserver is notified when websocket sessions start and end (metrics).
type ConnObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

type nopConnObserver struct{}

func (nopConnObserver) ConnectionOpened() {}

func (nopConnObserver) ConnectionClosed() {}

// WSGateway is the WebSocket entrypoint for live offer subscriptions.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and maps offers_subscribe requests to live queries on offer.Service.
type WSGateway struct {
	log    *slog.Logger
	offers *offer.Service
	cfg    Config
	obs    ConnObserver

	origins        originPolicy
	originPatterns []string
}

// NewWSGateway constructs a gateway. Zero limits in cfg fall back to defaults.
func NewWSGateway(log *slog.Logger, offers *offer.Service, cfg Config, obs ConnObserver) (*WSGateway, error) {
	if offers == nil {
		return nil, errors.New("realtime: nil offer service")
	}
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = nopConnObserver{}
	}

	cfg = cfg.normalized()
	allowed := make([]string, 0, len(cfg.AllowedOrigins))
	for _, a := range cfg.AllowedOrigins {
		if a = strings.TrimSpace(a); a != "" {
			allowed = append(allowed, a)
		}
	}

	g := &WSGateway{
		log:     log,
		offers:  offers,
		cfg:     cfg,
		obs:     obs,
		origins: originPolicy{required: cfg.OriginRequired, allowed: allowed},
	}
	g.originPatterns = g.origins.acceptPatterns()
	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the subscription loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	actor, err := offerapi.ActorFromRequest(r)
	if err != nil {
		g.log.Info("ws.reject.actor", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(actor.ID, sessionID, g.cfg.SendQueueSize)
	subs := newSubscriptionSet()

	g.obs.ConnectionOpened()
	defer g.obs.ConnectionClosed()
	g.log.Info("ws.session.open", "session_id", sessionID, "actor_id", actor.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Subscriptions go first so no snapshot is produced for a dead session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			n := subs.closeAll()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.session.close", "session_id", sessionID, "subscriptions", n, "reason", reason)
		})
	}

	sess := &session{g: g, client: client, actor: actor, subs: subs, shutdown: shutdown}
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				sess.sendError("bad_json", "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			sess.sendError("rate_limited", "too many events", "")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			sess.sendError("bad_envelope", err.Error(), "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := sess.onHello(env); err != nil {
				sess.sendError("hello_failed", err.Error(), "")
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeOffersSubscribe:
			if subID, err := sess.onSubscribe(ctx, env); err != nil {
				code, msg := wsErrorCode(err)
				sess.sendError(code, msg, subID)
				continue readLoop
			}

		case v1.TypeOffersUnsubscribe:
			if subID, err := sess.onUnsubscribe(env); err != nil {
				code, msg := wsErrorCode(err)
				sess.sendError(code, msg, subID)
				continue readLoop
			}

		default:
			sess.sendError("unsupported", fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- session handlers ----

type session struct {
	g        *WSGateway
	client   *Client
	actor    offer.Actor
	subs     *subscriptionSet
	shutdown func(code websocket.StatusCode, reason string)
}

// wsError carries a wire error code.
type wsError struct {
	code string
	msg  string
}

func (e *wsError) Error() string { return e.msg }

func wsErrorCode(err error) (string, string) {
	var we *wsError
	if errors.As(err, &we) {
		return we.code, we.msg
	}
	return "internal", "internal error"
}

func (s *session) onHello(env v1.Envelope) error {
	if len(env.Payload) > 0 {
		var p v1.HelloPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: s.client.SessionID})
	if !s.client.TryEnqueue(newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (s *session) onSubscribe(ctx context.Context, env v1.Envelope) (string, error) {
	var p v1.OffersSubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", &wsError{code: "bad_payload", msg: "invalid payload"}
	}

	subID := strings.TrimSpace(p.SubscriptionID)
	offerID := strings.TrimSpace(p.OfferID)
	bp := strings.TrimSpace(p.BusinessPeopleID)
	cc := strings.TrimSpace(p.ContentCreatorID)
	campaign := strings.TrimSpace(p.CampaignID)

	switch {
	case subID == "":
		return "", &wsError{code: "bad_payload", msg: "missing subscription_id"}
	case utf8.RuneCountInString(subID) > maxSubscriptionIDChars:
		return "", &wsError{code: "bad_payload", msg: "subscription_id too long"}
	case s.subs.has(subID):
		return subID, &wsError{code: "subscription_exists", msg: "subscription_id already in use"}
	case s.subs.len() >= s.g.cfg.MaxSubscriptions:
		return subID, &wsError{code: "too_many_subscriptions", msg: fmt.Sprintf("max=%d subscriptions", s.g.cfg.MaxSubscriptions)}
	case offerID == "" && (bp == "" || cc == ""):
		return subID, &wsError{code: "bad_payload", msg: "offer_id or business_people_id and content_creator_id are required"}
	}

	var (
		unsub offer.Unsubscribe
		err   error
	)
	if offerID != "" {
		o, getErr := s.g.offers.Get(ctx, offerID)
		if getErr != nil {
			if offer.IsNotFound(getErr) {
				return subID, &wsError{code: "not_found", msg: "offer not found"}
			}
			s.g.log.Error("ws.subscribe.get.fail", "session_id", s.client.SessionID, "offer_id", offerID, "err", getErr)
			return subID, &wsError{code: "subscribe_failed", msg: "could not load offer"}
		}
		if role, ok := o.PartyRole(s.actor.ID); !ok || !s.actsAs(role) {
			return subID, &wsError{code: "forbidden", msg: "actor is not a party"}
		}
		unsub, err = s.g.offers.SubscribeOffer(offerID, s.snapshotFunc(subID, ""))
	} else {
		if !(s.actor.ID == bp && s.actsAs(offer.RoleBusiness)) && !(s.actor.ID == cc && s.actsAs(offer.RoleCreator)) {
			return subID, &wsError{code: "forbidden", msg: "actor is not a party"}
		}
		unsub, err = s.g.offers.SubscribePending(bp, cc, s.snapshotFunc(subID, campaign))
	}
	if err != nil {
		s.g.log.Error("ws.subscribe.fail", "session_id", s.client.SessionID, "err", err)
		return subID, &wsError{code: "subscribe_failed", msg: "could not open subscription"}
	}

	if !s.subs.add(subID, unsub) {
		return subID, &wsError{code: "closing", msg: "session is closing"}
	}
	s.g.log.Debug("ws.subscribe.ok", "session_id", s.client.SessionID, "subscription_id", subID)
	return subID, nil
}

// actsAs reports whether the forwarded role, when present, matches the party role on the offer.
func (s *session) actsAs(role offer.Role) bool {
	return s.actor.Role == "" || s.actor.Role == role
}

func (s *session) onUnsubscribe(env v1.Envelope) (string, error) {
	var p v1.OffersUnsubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", &wsError{code: "bad_payload", msg: "invalid payload"}
	}
	subID := strings.TrimSpace(p.SubscriptionID)
	if !s.subs.remove(subID) {
		return subID, &wsError{code: "unknown_subscription", msg: "no such subscription"}
	}

	b, _ := json.Marshal(v1.OffersUnsubscribedPayload{SubscriptionID: subID})
	if !s.client.TryEnqueue(newEnvelope(v1.TypeOffersUnsubscribed, b, time.Now().UTC())) {
		s.overflow(subID)
	}
	return subID, nil
}

// snapshotFunc turns live query results into offers_snapshot envelopes. campaign narrows party queries.
func (s *session) snapshotFunc(subID, campaign string) offer.SnapshotFunc {
	return func(offers []offer.Offer, err error) {
		if err != nil {
			s.sendError("query_failed", "live query failed, waiting for the next change", subID)
			return
		}
		if campaign != "" {
			offers = offer.FilterByCampaignID(offers, campaign)
		}
		b, _ := json.Marshal(v1.OffersSnapshotPayload{SubscriptionID: subID, Offers: offer.WireList(offers)})
		if !s.client.TryEnqueue(newEnvelope(v1.TypeOffersSnapshot, b, time.Now().UTC())) {
			s.overflow(subID)
		}
	}
}

// overflow closes a session that cannot keep up. Dropping a full snapshot would leave the client with a
// stale view, so it has to reconnect and resubscribe instead.
func (s *session) overflow(subID string) {
	select {
	case <-s.client.Done():
		return
	default:
	}
	s.g.log.Info("ws.send.overflow", "session_id", s.client.SessionID, "subscription_id", subID)
	go s.shutdown(websocket.StatusPolicyViolation, "slow consumer")
}

func (s *session) sendError(code, msg, subID string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, SubscriptionID: subID})
	_ = s.client.TryEnqueue(newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}

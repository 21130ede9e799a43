// Package main provides a CI-friendly smoke test for collab offers over HTTP and WebSocket.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - pending-list subscription receives the offer created over HTTP
//   - single-offer subscription follows negotiate -> accept
//   - an accepted offer leaves the pending list
//   - unsubscribe confirmation
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "collab/shared/contracts/offers/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	actorID   string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL   = flag.String("api", "", "HTTP base URL (derived from -url when empty)")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		bp       = flag.String("business", "smoke-bp", "Business party id")
		cc       = flag.String("creator", "smoke-cc", "Content creator id")
		campaign = flag.String("campaign", "smoke-campaign", "Campaign id")
		price    = flag.Int64("price", 500000, "Offered price (minor units)")
		counter  = flag.Int64("counter", 750000, "Counter offer fee (minor units)")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	base := strings.TrimRight(strings.TrimSpace(*apiURL), "/")
	if base == "" {
		base = httpBaseURL(*wsURL)
	}

	root := context.Background()
	api := &apiClient{base: base, http: &http.Client{Timeout: *timeout}}

	biz := mustConnect(root, "business", *bp, *wsURL, *origin, *timeout)
	defer closeWS(biz.conn)

	creator := mustConnect(root, "creator", *cc, *wsURL, *origin, *timeout)
	defer closeWS(creator.conn)

	if *verbose {
		fmt.Printf("connected: business=%s creator=%s api=%s\n", biz.sessionID, creator.sessionID, base)
	}

	mustSubscribe(root, creator, v1.OffersSubscribePayload{
		SubscriptionID:   "pending",
		BusinessPeopleID: *bp,
		ContentCreatorID: *cc,
	}, *timeout)
	before := creator.mustReadSnapshot(root, "pending", *timeout, nil)

	created := api.mustDo(root, http.MethodPost, "/offers", *bp, "business", map[string]any{
		"content_creator_id": *cc,
		"campaign_id":        *campaign,
		"offered_price":      *price,
		"important_notes":    "smoke test",
	}, http.StatusCreated)
	if *verbose {
		fmt.Printf("created: id=%s pending_before=%d\n", created.ID, len(before.Offers))
	}

	creator.mustReadSnapshot(root, "pending", *timeout, func(p v1.OffersSnapshotPayload) bool {
		o, ok := findOffer(p.Offers, created.ID)
		return ok && o.Status == "pending"
	})

	mustSubscribe(root, biz, v1.OffersSubscribePayload{SubscriptionID: "one", OfferID: created.ID}, *timeout)
	biz.mustReadSnapshot(root, "one", *timeout, func(p v1.OffersSnapshotPayload) bool {
		return len(p.Offers) == 1 && p.Offers[0].Version == created.Version
	})

	negotiated := api.mustDo(root, http.MethodPost, "/offers/"+created.ID+"/negotiate", *cc, "creator", map[string]any{
		"fee":              *counter,
		"notes":            "counter",
		"expected_version": created.Version,
	}, http.StatusOK)

	biz.mustReadSnapshot(root, "one", *timeout, func(p v1.OffersSnapshotPayload) bool {
		return len(p.Offers) == 1 && p.Offers[0].Status == "negotiate" &&
			p.Offers[0].NegotiatedPrice != nil && *p.Offers[0].NegotiatedPrice == *counter
	})

	accepted := api.mustDo(root, http.MethodPost, "/offers/"+created.ID+"/accept", *bp, "business", map[string]any{
		"expected_version": negotiated.Version,
	}, http.StatusOK)
	if accepted.Status != "approved" || accepted.OfferedPrice != *price {
		fatalf("accept: unexpected offer status=%q offered_price=%d", accepted.Status, accepted.OfferedPrice)
	}

	biz.mustReadSnapshot(root, "one", *timeout, func(p v1.OffersSnapshotPayload) bool {
		return len(p.Offers) == 1 && p.Offers[0].Status == "approved"
	})
	creator.mustReadSnapshot(root, "pending", *timeout, func(p v1.OffersSnapshotPayload) bool {
		_, ok := findOffer(p.Offers, created.ID)
		return !ok
	})

	mustUnsubscribe(root, creator, "pending", *timeout)

	fmt.Printf("OK: business=%s creator=%s offer_id=%s version=%d price=%d\n",
		biz.sessionID, creator.sessionID, accepted.ID, accepted.Version, *accepted.NegotiatedPrice)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// httpBaseURL maps ws://host/ws to http://host.
func httpBaseURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse -url: %v", err)
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func mustConnect(parent context.Context, name, actorID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("X-Actor-ID", actorID)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:    name,
		actorID: actorID,
		conn:    conn,
		inbox:   make(chan v1.Envelope, 512),
		errCh:   make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, p v1.OffersSubscribePayload, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeOffersSubscribe,
		ID:      fmt.Sprintf("%s-sub-%s", c.name, p.SubscriptionID),
		TS:      time.Now().UTC(),
		Payload: mustJSON(p),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustUnsubscribe(parent context.Context, c *smokeClient, subID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeOffersUnsubscribe,
		ID:      fmt.Sprintf("%s-unsub-%s", c.name, subID),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.OffersUnsubscribePayload{SubscriptionID: subID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	got := c.mustReadUntilType(parent, v1.TypeOffersUnsubscribed, stepTimeout, map[string]struct{}{v1.TypeOffersSnapshot: {}})
	var p v1.OffersUnsubscribedPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal offers_unsubscribed (%s): %v", c.name, err)
	}
	if p.SubscriptionID != subID {
		fatalf("offers_unsubscribed mismatch (%s): got=%q want=%q", c.name, p.SubscriptionID, subID)
	}
}

// mustReadSnapshot waits for a snapshot of subID accepted by match (nil accepts the first one).
// Snapshots are full sets, so intermediate ones are skipped.
func (c *smokeClient) mustReadSnapshot(parent context.Context, subID string, stepTimeout time.Duration, match func(v1.OffersSnapshotPayload) bool) v1.OffersSnapshotPayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypeOffersSnapshot, stepTimeout, nil)

		var p v1.OffersSnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal offers_snapshot (%s): %v", c.name, err)
		}
		if p.SubscriptionID != subID {
			continue
		}
		if match == nil || match(p) {
			return p
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q subscription=%q", c.name, ep.Code, ep.Message, ep.SubscriptionID)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

type apiClient struct {
	base string
	http *http.Client
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *apiClient) mustDo(parent context.Context, method, path, actorID, role string, body any, wantStatus int) v1.Offer {
	b, err := json.Marshal(body)
	if err != nil {
		fatalf("marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(parent, method, a.base+path, bytes.NewReader(b))
	if err != nil {
		fatalf("new request %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", actorID)
	req.Header.Set("X-Actor-Role", role)

	res, err := a.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		fatalf("%s %s: read body: %v", method, path, err)
	}
	if res.StatusCode != wantStatus {
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		fatalf("%s %s: status=%d want=%d code=%q msg=%q", method, path, res.StatusCode, wantStatus, ae.Error.Code, ae.Error.Message)
	}

	var out struct {
		Offer v1.Offer `json:"offer"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		fatalf("%s %s: decode: %v", method, path, err)
	}
	if out.Offer.ID == "" {
		fatalf("%s %s: response without offer", method, path)
	}
	return out.Offer
}

func findOffer(offers []v1.Offer, id string) (v1.Offer, bool) {
	for _, o := range offers {
		if o.ID == id {
			return o, true
		}
	}
	return v1.Offer{}, false
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

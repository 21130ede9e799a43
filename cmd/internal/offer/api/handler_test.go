package offerapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"collab/cmd/internal/offer"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := offer.NewService(offer.NewInMemoryStore(), offer.WithLogger(log))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	h, err := NewHandler(log, svc, Config{})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, actorID, role, body string) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if actorID != "" {
		req.Header.Set(HeaderActorID, actorID)
	}
	if role != "" {
		req.Header.Set(HeaderActorRole, role)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, b
}

func decodeOffer(t *testing.T, b []byte) offerResponse {
	t.Helper()
	var out offerResponse
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode offer: %v (%s)", err, b)
	}
	return out
}

func errorCode(t *testing.T, b []byte) string {
	t.Helper()
	var out errorResponse
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode error: %v (%s)", err, b)
	}
	return out.Error.Code
}

func TestOffersAPI_NegotiationFlow(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	res, b := do(t, srv, http.MethodPost, "/offers", "bp", "business",
		`{"content_creator_id":"cc","campaign_id":"camp","offered_price":500000,"important_notes":"two reels"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", res.StatusCode, b)
	}
	created := decodeOffer(t, b).Offer
	if created.ID == "" || created.Status != "pending" || created.Version != 1 {
		t.Fatalf("unexpected created offer: %+v", created)
	}
	if loc := res.Header.Get("Location"); loc != "/offers/"+created.ID {
		t.Fatalf("unexpected Location %q", loc)
	}

	res, b = do(t, srv, http.MethodPost, "/offers/"+created.ID+"/negotiate", "cc", "creator",
		`{"fee":750000,"notes":"counter","expected_version":1}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("negotiate: status=%d body=%s", res.StatusCode, b)
	}
	negotiated := decodeOffer(t, b).Offer
	if negotiated.Status != "negotiate" || negotiated.NegotiatedPrice == nil || *negotiated.NegotiatedPrice != 750000 {
		t.Fatalf("unexpected negotiated offer: %+v", negotiated)
	}

	res, b = do(t, srv, http.MethodGet, "/offers?business_people_id=bp&content_creator_id=cc", "cc", "", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: status=%d body=%s", res.StatusCode, b)
	}
	var list offersResponse
	if err := json.Unmarshal(b, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Offers) != 1 || list.Offers[0].ID != created.ID {
		t.Fatalf("unexpected pending list: %+v", list)
	}

	res, b = do(t, srv, http.MethodGet, "/offers?business_people_id=bp&content_creator_id=cc&campaign_id=other", "cc", "", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list by campaign: status=%d body=%s", res.StatusCode, b)
	}
	if err := json.Unmarshal(b, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Offers) != 0 {
		t.Fatalf("expected campaign filter to drop the offer, got %+v", list.Offers)
	}

	res, b = do(t, srv, http.MethodPost, "/offers/"+created.ID+"/accept", "bp", "business", `{"expected_version":2}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: status=%d body=%s", res.StatusCode, b)
	}
	accepted := decodeOffer(t, b).Offer
	if accepted.Status != "approved" || *accepted.NegotiatedPrice != 750000 || accepted.OfferedPrice != 500000 {
		t.Fatalf("unexpected accepted offer: %+v", accepted)
	}

	res, b = do(t, srv, http.MethodGet, "/offers/"+created.ID+"/history", "bp", "", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: status=%d body=%s", res.StatusCode, b)
	}
	var hist historyResponse
	if err := json.Unmarshal(b, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.History) != 3 || hist.History[2].ToStatus != "approved" {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestOffersAPI_Errors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	_, b := do(t, srv, http.MethodPost, "/offers", "bp", "business",
		`{"content_creator_id":"cc","campaign_id":"camp","offered_price":100}`)
	id := decodeOffer(t, b).Offer.ID

	tests := []struct {
		name   string
		method string
		path   string
		actor  string
		role   string
		body   string
		status int
		code   string
	}{
		{name: "missing actor", method: http.MethodGet, path: "/offers/" + id, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "bad role", method: http.MethodGet, path: "/offers/" + id, actor: "bp", role: "admin", status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "creator cannot create", method: http.MethodPost, path: "/offers", actor: "cc", role: "creator", body: `{"content_creator_id":"x","campaign_id":"c","offered_price":1}`, status: http.StatusForbidden, code: "forbidden"},
		{name: "create for someone else", method: http.MethodPost, path: "/offers", actor: "bp", role: "business", body: `{"business_people_id":"bp2","content_creator_id":"cc","campaign_id":"c","offered_price":1}`, status: http.StatusForbidden, code: "forbidden"},
		{name: "unknown field", method: http.MethodPost, path: "/offers", actor: "bp", role: "business", body: `{"price":1}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "invalid price", method: http.MethodPost, path: "/offers", actor: "bp", role: "business", body: `{"content_creator_id":"cc","campaign_id":"c","offered_price":0}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "stranger get", method: http.MethodGet, path: "/offers/" + id, actor: "zz", status: http.StatusForbidden, code: "forbidden"},
		{name: "role mismatch get", method: http.MethodGet, path: "/offers/" + id, actor: "cc", role: "business", status: http.StatusForbidden, code: "forbidden"},
		{name: "not found", method: http.MethodGet, path: "/offers/nope", actor: "bp", status: http.StatusNotFound, code: "not_found"},
		{name: "stranger list", method: http.MethodGet, path: "/offers?business_people_id=bp&content_creator_id=cc", actor: "zz", status: http.StatusForbidden, code: "forbidden"},
		{name: "list missing party", method: http.MethodGet, path: "/offers?business_people_id=bp", actor: "bp", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "self accept", method: http.MethodPost, path: "/offers/" + id + "/accept", actor: "bp", status: http.StatusConflict, code: "same_party"},
		{name: "stale version", method: http.MethodPost, path: "/offers/" + id + "/accept", actor: "cc", body: `{"expected_version":9}`, status: http.StatusConflict, code: "version_conflict"},
		{name: "negotiate without fee", method: http.MethodPost, path: "/offers/" + id + "/negotiate", actor: "cc", body: `{"notes":"x"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "stranger reject", method: http.MethodPost, path: "/offers/" + id + "/reject", actor: "zz", status: http.StatusForbidden, code: "forbidden"},
	}

	for _, tc := range tests {
		res, b := do(t, srv, tc.method, tc.path, tc.actor, tc.role, tc.body)
		if res.StatusCode != tc.status {
			t.Fatalf("%s: status=%d want=%d body=%s", tc.name, res.StatusCode, tc.status, b)
		}
		if got := errorCode(t, b); got != tc.code {
			t.Fatalf("%s: code=%q want=%q", tc.name, got, tc.code)
		}
	}

	res, b := do(t, srv, http.MethodPost, "/offers/"+id+"/reject", "cc", "creator", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject: status=%d body=%s", res.StatusCode, b)
	}
	res, b = do(t, srv, http.MethodPost, "/offers/"+id+"/accept", "bp", "business", "")
	if res.StatusCode != http.StatusConflict || errorCode(t, b) != "invalid_transition" {
		t.Fatalf("accept after reject: status=%d body=%s", res.StatusCode, b)
	}
}

func TestActorFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/offers", nil)
	if _, err := ActorFromRequest(req); err == nil {
		t.Fatalf("expected error without actor header")
	}

	req.Header.Set(HeaderActorID, " cc ")
	req.Header.Set(HeaderActorRole, "Creator")
	actor, err := ActorFromRequest(req)
	if err != nil {
		t.Fatalf("actor: %v", err)
	}
	if actor.ID != "cc" || actor.Role != offer.RoleCreator {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

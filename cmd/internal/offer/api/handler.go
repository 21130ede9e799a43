// Package offerapi exposes the offer lifecycle over HTTP.
//
// Authentication happens upstream; the gateway forwards the acting party in X-Actor-ID and
// X-Actor-Role. Every endpoint checks that the actor is a party to the offers it reads or writes.
package offerapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"collab/cmd/internal/offer"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// Config controls API limits.
type Config struct {
	MaxBodyBytes int64
}

// Handler wires HTTP offer endpoints to offer.Service.
type Handler struct {
	log    *slog.Logger
	cfg    Config
	offers *offer.Service
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *offer.Service, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("offerapi: nil offer service")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	return &Handler{log: log, cfg: cfg, offers: svc}, nil
}

// Register wires offer routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /offers", h.handleCreate)
	mux.HandleFunc("GET /offers", h.handleListPending)
	mux.HandleFunc("GET /offers/{id}", h.handleGet)
	mux.HandleFunc("GET /offers/{id}/history", h.handleHistory)
	mux.HandleFunc("POST /offers/{id}/accept", h.handleAccept)
	mux.HandleFunc("POST /offers/{id}/reject", h.handleReject)
	mux.HandleFunc("POST /offers/{id}/negotiate", h.handleNegotiate)
}

// ---- handlers ----

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	if actor.Role != offer.RoleBusiness {
		writeError(w, http.StatusForbidden, "forbidden", "only the business party can extend an offer")
		return
	}

	var req createOfferRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if bp := strings.TrimSpace(req.BusinessPeopleID); bp != "" && bp != actor.ID {
		writeError(w, http.StatusForbidden, "forbidden", "business_people_id must be the acting party")
		return
	}

	o := offer.NewOffer(actor.ID, req.ContentCreatorID, req.CampaignID, req.OfferedPrice, req.ImportantNotes)
	stored, err := h.offers.Insert(r.Context(), o)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/offers/"+stored.ID)
	writeJSON(w, http.StatusCreated, offerResponse{Offer: stored.Wire()})
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	bp := strings.TrimSpace(q.Get("business_people_id"))
	cc := strings.TrimSpace(q.Get("content_creator_id"))
	campaign := strings.TrimSpace(q.Get("campaign_id"))
	if bp == "" || cc == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_people_id and content_creator_id are required")
		return
	}
	if actor.ID != bp && actor.ID != cc {
		writeError(w, http.StatusForbidden, "forbidden", "actor is not a party")
		return
	}

	offers, err := h.offers.PendingByParties(r.Context(), bp, cc)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if campaign != "" {
		offers = offer.FilterByCampaignID(offers, campaign)
	}
	writeJSON(w, http.StatusOK, offersResponse{Offers: offer.WireList(offers)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	o, ok := h.loadForParty(w, r, actor)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{Offer: o.Wire()})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	o, ok := h.loadForParty(w, r, actor)
	if !ok {
		return
	}

	entries, err := h.offers.History(r.Context(), o.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(o.ID, entries))
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.offers.Accept)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.offers.Reject)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, do func(context.Context, offer.TransitionInput) (offer.Offer, error)) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req transitionRequest
	if err := decodeOptionalJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	o, err := do(r.Context(), offer.TransitionInput{
		OfferID:         r.PathValue("id"),
		Actor:           actor,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{Offer: o.Wire()})
}

func (h *Handler) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req negotiateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	o, err := h.offers.Negotiate(r.Context(), offer.NegotiateInput{
		OfferID:         r.PathValue("id"),
		Actor:           actor,
		Fee:             req.Fee,
		Notes:           req.Notes,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{Offer: o.Wire()})
}

// ---- helpers ----

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (offer.Actor, bool) {
	actor, err := ActorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid actor headers")
		return offer.Actor{}, false
	}
	return actor, true
}

func (h *Handler) loadForParty(w http.ResponseWriter, r *http.Request, actor offer.Actor) (offer.Offer, bool) {
	o, err := h.offers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return offer.Offer{}, false
	}
	role, ok := o.PartyRole(actor.ID)
	if !ok || (actor.Role != "" && actor.Role != role) {
		writeError(w, http.StatusForbidden, "forbidden", "actor is not a party")
		return offer.Offer{}, false
	}
	return o, true
}

// ActorFromRequest reads the acting party from the forwarded headers. The role header is optional.
func ActorFromRequest(r *http.Request) (offer.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if id == "" {
		return offer.Actor{}, offer.ErrNotAuthorized
	}
	actor := offer.Actor{ID: id}
	if raw := strings.TrimSpace(r.Header.Get(HeaderActorRole)); raw != "" {
		role, err := offer.ParseRole(raw)
		if err != nil {
			return offer.Actor{}, err
		}
		actor.Role = role
	}
	return actor, nil
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, offer.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, offer.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "forbidden", "actor is not a party")
	case errors.Is(err, offer.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "offer not found")
	case errors.Is(err, offer.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", "offer changed, reload and retry")
	case errors.Is(err, offer.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", "offer is no longer open")
	case errors.Is(err, offer.ErrSameParty):
		writeError(w, http.StatusConflict, "same_party", "the other party must answer the latest proposal")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.log.Error("offerapi.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

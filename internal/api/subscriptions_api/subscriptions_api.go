// Package subscriptions_api — REST-слой над сервисом подписок: JSON DTO,
// валидация входа и маппинг ошибок сервиса в HTTP-статусы.
package subscriptions_api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/internal/models"
	"github.com/RailKite/PNRWatch/internal/services/subscriptions"
)

type SubscriptionsAPI struct {
	svc      *subscriptions.Service
	validate *validator.Validate
}

func New(svc *subscriptions.Service) *SubscriptionsAPI {
	return &SubscriptionsAPI{
		svc:      svc,
		validate: validator.New(),
	}
}

func (a *SubscriptionsAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1/subscriptions", func(r chi.Router) {
		r.Post("/", a.create)
		r.Get("/", a.listByOwner)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.get)
			r.Delete("/", a.remove)
			r.Get("/history", a.history)
		})
	})
	return r
}

type createSubscriptionRequest struct {
	OwnerID string `json:"ownerId" validate:"required"`
	PNR     string `json:"pnr" validate:"required,len=10,numeric"`
}

type subscriptionResponse struct {
	ID             uint64           `json:"id"`
	OwnerID        string           `json:"ownerId"`
	PNR            string           `json:"pnr"`
	Active         bool             `json:"active"`
	Current        *models.Snapshot `json:"current,omitempty"`
	LastCheckedAt  *time.Time       `json:"lastCheckedAt,omitempty"`
	CheckFailCount int32            `json:"checkFailCount"`
	LastError      *string          `json:"lastError,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

type historyEntryResponse struct {
	ID        uint64          `json:"id"`
	Snapshot  models.Snapshot `json:"snapshot"`
	CheckedAt time.Time       `json:"checkedAt"`
	Changed   bool            `json:"changed"`
}

func (a *SubscriptionsAPI) create(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := a.svc.Create(r.Context(), models.SubscriptionCreateInput{
		OwnerID: req.OwnerID,
		PNR:     req.PNR,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (a *SubscriptionsAPI) get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	sub, err := a.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (a *SubscriptionsAPI) listByOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId query param is required")
		return
	}
	includeInactive := r.URL.Query().Get("includeInactive") == "true"

	subs, err := a.svc.ListByOwner(r.Context(), ownerID, includeInactive)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toSubscriptionResponse(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (a *SubscriptionsAPI) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := a.svc.Remove(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true, "id": id})
}

func (a *SubscriptionsAPI) history(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	limit, ok := parseQueryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := parseQueryInt(w, r, "offset")
	if !ok {
		return
	}

	entries, err := a.svc.History(r.Context(), id, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntryResponse{
			ID:        e.ID,
			Snapshot:  e.Snapshot,
			CheckedAt: e.CheckedAt,
			Changed:   e.Changed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func toSubscriptionResponse(sub *models.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:             sub.ID,
		OwnerID:        sub.OwnerID,
		PNR:            sub.PNR,
		Active:         sub.Active,
		Current:        sub.Current,
		LastCheckedAt:  sub.LastCheckedAt,
		CheckFailCount: sub.CheckFailCount,
		LastError:      sub.LastError,
		CreatedAt:      sub.CreatedAt,
		UpdatedAt:      sub.UpdatedAt,
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return 0, false
	}
	return id, true
}

func parseQueryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, subscriptions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	slog.Error("subscriptions api", "error", err.Error())
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package api exposes the HTTP surface: campaign management, progress
// polling, message queries, and notifications. Handlers stay thin; all
// dispatch semantics live in the campaign service.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/notify"
	"github.com/emberline/dispatch/internal/pkg/httputil"
	"github.com/emberline/dispatch/internal/service/campaign"
)

type Handlers struct {
	svc           *campaign.Service
	notifications *notify.Store
}

func NewHandlers(svc *campaign.Service, notifications *notify.Store) *Handlers {
	return &Handlers{svc: svc, notifications: notifications}
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// StartCampaign creates a campaign and kicks off dispatch. The campaign
// is accepted before any batch runs; progress is polled separately.
func (h *Handlers) StartCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.StartInput
	if !httputil.Decode(w, r, &in) {
		return
	}

	camp, err := h.svc.Start(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrInvalidChannel),
			errors.Is(err, campaign.ErrEmptyPayload),
			errors.Is(err, campaign.ErrNoRecipients):
			httputil.BadRequest(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
		return
	}

	httputil.Accepted(w, camp)
}

func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	camp, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			httputil.NotFound(w, "campaign not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, camp)
}

func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := campaign.ListFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Limit:  intParam(q.Get("limit"), 20),
		Offset: intParam(q.Get("offset"), 0),
	}

	campaigns, total, err := h.svc.List(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"campaigns": campaigns,
		"total":     total,
		"limit":     f.Limit,
		"offset":    f.Offset,
	})
}

// GetProgress returns the campaign with its batch states for polling
// UIs.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.svc.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			httputil.NotFound(w, "campaign not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, progress)
}

func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msgs, err := h.svc.Messages(r.Context(),
		chi.URLParam(r, "id"),
		domain.MessageStatus(q.Get("status")),
		intParam(q.Get("limit"), 100),
		intParam(q.Get("offset"), 0))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			httputil.NotFound(w, "campaign not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"messages": msgs})
}

func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}

	items, err := h.notifications.ListForUser(r.Context(), userID, intParam(r.URL.Query().Get("limit"), 50))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"notifications": items})
}

func (h *Handlers) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := h.notifications.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

func intParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

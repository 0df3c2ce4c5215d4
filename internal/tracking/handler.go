// Package tracking serves the open pixel, click redirect, unsubscribe
// landing, and the provider bounce webhook. Counter endpoints always
// succeed from the caller's point of view; a tracking failure must
// never break an email render or a provider callback.
package tracking

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/emberline/dispatch/internal/pkg/logger"
	"github.com/emberline/dispatch/internal/service/campaign"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

type Handler struct {
	campaigns campaign.CampaignRepository
	messages  campaign.MessageRepository
}

func NewHandler(campaigns campaign.CampaignRepository, messages campaign.MessageRepository) *Handler {
	return &Handler{campaigns: campaigns, messages: messages}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/t/open", h.HandleOpen)
	r.Get("/t/click", h.HandleClick)
	r.Get("/t/unsubscribe", h.HandleUnsubscribe)
	r.Post("/webhooks/bounce", h.HandleBounce)
	return r
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("c")
	if campaignID != "" {
		if err := h.campaigns.IncrementOpens(r.Context(), campaignID); err != nil {
			logger.Warn("[Tracking] open increment failed", "campaign_id", campaignID, "error", err.Error())
		}
	}
	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("c")
	target := r.URL.Query().Get("url")

	if campaignID != "" {
		if err := h.campaigns.IncrementClicks(r.Context(), campaignID); err != nil {
			logger.Warn("[Tracking] click increment failed", "campaign_id", campaignID, "error", err.Error())
		}
	}

	if u, err := url.Parse(target); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusBadRequest)
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	// Unsubscribes flow back into the CRM out of band; here the link
	// only needs to land somewhere friendly.
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body><p>You have been unsubscribed.</p></body></html>"))
}

type bounceEvent struct {
	CampaignID  string `json:"campaign_id"`
	RecipientID string `json:"recipient_id"`
	Reason      string `json:"reason"`
}

// HandleBounce reconciles an asynchronous bounce: the message drops
// from sent to failed and the campaign's failed counter moves by one.
// A message that already failed is left alone so a double-delivered
// webhook cannot double-count.
func (h *Handler) HandleBounce(w http.ResponseWriter, r *http.Request) {
	var evt bounceEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil || evt.CampaignID == "" || evt.RecipientID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	downgraded, err := h.messages.MarkBounced(r.Context(), evt.CampaignID, evt.RecipientID, evt.Reason)
	if err != nil {
		logger.Error("[Tracking] bounce reconciliation failed",
			"campaign_id", evt.CampaignID,
			"recipient", evt.RecipientID,
			"error", err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if downgraded {
		if err := h.campaigns.IncrementFailed(r.Context(), evt.CampaignID); err != nil {
			logger.Warn("[Tracking] failed counter increment failed",
				"campaign_id", evt.CampaignID, "error", err.Error())
		}
		logger.Info("[Tracking] bounce recorded",
			"campaign_id", evt.CampaignID,
			"recipient", evt.RecipientID,
			"reason", evt.Reason)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

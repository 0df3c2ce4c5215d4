package tracking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/repository/memory"
)

func newTestHandler(t *testing.T) (*Handler, *memory.CampaignRepo, *memory.MessageRepo) {
	t.Helper()
	campaigns := memory.NewCampaignRepo()
	messages := memory.NewMessageRepo()
	require.NoError(t, campaigns.Create(context.Background(), &domain.Campaign{
		ID:      "camp-1",
		Name:    "Launch",
		Channel: domain.ChannelEmail,
		Status:  domain.CampaignProcessing,
	}))
	return NewHandler(campaigns, messages), campaigns, messages
}

func TestHandleOpenServesPixelAndCounts(t *testing.T) {
	h, campaigns, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/open?c=camp-1&r=r1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Equal(t, pixelGIF, rec.Body.Bytes())

	camp, err := campaigns.Get(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, camp.OpenCount)
}

func TestHandleOpenUnknownCampaignStillServesPixel(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/open?c=nope&r=r1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pixelGIF, rec.Body.Bytes())
}

func TestHandleClickRedirectsAndCounts(t *testing.T) {
	h, campaigns, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/click?c=camp-1&r=r1&url=https%3A%2F%2Fexample.com%2Foffer", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/offer", rec.Header().Get("Location"))

	camp, err := campaigns.Get(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, camp.ClickCount)
}

func TestHandleClickRejectsNonHTTPTarget(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/click?c=camp-1&url=javascript%3Aalert(1)", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBounceDowngradesOnce(t *testing.T) {
	h, campaigns, messages := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, messages.BulkCreate(ctx, []domain.Message{
		{ID: "m1", CampaignID: "camp-1", RecipientID: "r1", Email: "a@example.com", Channel: domain.ChannelEmail, Status: domain.MessagePending},
	}))
	require.NoError(t, messages.ApplyResults(ctx, "camp-1", []domain.MessageResult{
		{RecipientID: "r1", Success: true, ProviderMessageID: "prov-1"},
	}, time.Now()))

	body := `{"campaign_id":"camp-1","recipient_id":"r1","reason":"hard bounce"}`

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/bounce", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)

	msg, err := messages.Get(ctx, "camp-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, msg.Status)
	assert.Equal(t, "hard bounce", msg.ErrorMessage)

	camp, err := campaigns.Get(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, camp.FailedCount)

	// The same bounce delivered again must not double-count.
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/bounce", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)

	camp, err = campaigns.Get(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, camp.FailedCount)
}

func TestHandleBounceRejectsMalformedPayload(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/bounce", strings.NewReader(`{"campaign_id":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

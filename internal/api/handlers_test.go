package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/repository/memory"
	"github.com/emberline/dispatch/internal/service/campaign"
)

type recordingScheduler struct {
	ticks      []string
	expansions []string
}

func (s *recordingScheduler) ScheduleTick(ctx context.Context, campaignID string, delay time.Duration) error {
	s.ticks = append(s.ticks, campaignID)
	return nil
}

func (s *recordingScheduler) ScheduleExpansion(ctx context.Context, campaignID string) error {
	s.expansions = append(s.expansions, campaignID)
	return nil
}

func newTestRouter(t *testing.T) (http.Handler, *recordingScheduler) {
	t.Helper()
	sched := &recordingScheduler{}
	svc := campaign.NewService(
		memory.NewCampaignRepo(),
		memory.NewBatchRepo(),
		memory.NewMessageRepo(),
		sched, nil, 0)
	return SetupRoutes(NewHandlers(svc, nil), nil), sched
}

func startBody(recipients int) string {
	var sb strings.Builder
	sb.WriteString(`{"name":"Launch","channel":"email","subject":"Hi","html_content":"<p>x</p>","created_by":"owner-1","recipients":[`)
	for i := 0; i < recipients; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"id":"r%d","email":"r%d@example.com","name":"R %d"}`, i+1, i+1, i+1)
	}
	sb.WriteString(`]}`)
	return sb.String()
}

func TestStartCampaignAcceptedAndTickScheduled(t *testing.T) {
	router, sched := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/campaigns/", strings.NewReader(startBody(3))))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var camp domain.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &camp))
	assert.NotEmpty(t, camp.ID)
	assert.Equal(t, domain.CampaignQueued, camp.Status)
	assert.Equal(t, 3, camp.TotalRecipients)
	assert.Equal(t, 1, camp.TotalBatches)

	assert.Equal(t, []string{camp.ID}, sched.ticks)
	assert.Empty(t, sched.expansions)
}

func TestStartCampaignFilterSchedulesExpansion(t *testing.T) {
	router, sched := newTestRouter(t)

	body := `{"name":"Launch","channel":"whatsapp","template_name":"welcome","created_by":"owner-1","filter_json":"{\"segment\":\"active\"}"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/campaigns/", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Empty(t, sched.ticks, "filter campaigns must not tick before expansion")
	assert.Len(t, sched.expansions, 1)
}

func TestStartCampaignValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := map[string]string{
		"bad channel":    `{"name":"x","channel":"fax","recipients":[{"id":"r1"}]}`,
		"empty payload":  `{"name":"x","channel":"email","recipients":[{"id":"r1","email":"a@b.c"}]}`,
		"no recipients":  `{"name":"x","channel":"email","subject":"s","html_content":"h"}`,
		"malformed json": `{"name":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/campaigns/", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/campaigns/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetProgressReturnsBatches(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/campaigns/", strings.NewReader(startBody(5))))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var camp domain.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &camp))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/campaigns/"+camp.ID+"/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var progress struct {
		Campaign domain.Campaign `json:"campaign"`
		Batches  []domain.Batch  `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	assert.Equal(t, camp.ID, progress.Campaign.ID)
	require.Len(t, progress.Batches, 1)
	assert.Equal(t, 1, progress.Batches[0].BatchNumber)
	assert.Equal(t, domain.BatchPending, progress.Batches[0].Status)
}

func TestListCampaignsPaging(t *testing.T) {
	router, _ := newTestRouter(t)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/campaigns/", strings.NewReader(startBody(1))))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/campaigns/?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Campaigns []domain.Campaign `json:"campaigns"`
		Total     int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Campaigns, 2)
	assert.Equal(t, 3, resp.Total)
}

func TestListMessagesForCampaign(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/campaigns/", strings.NewReader(startBody(2))))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var camp domain.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &camp))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/campaigns/"+camp.ID+"/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, domain.MessagePending, resp.Messages[0].Status)
}

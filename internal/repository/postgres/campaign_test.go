package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/service/campaign"
)

func campaignRow(id string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "name", "channel", "status", "created_by",
		"subject", "html_content", "template_name", "template_variables",
		"attachments", "filter_json",
		"total_recipients", "sent_count", "delivered_count", "failed_count",
		"open_count", "click_count", "total_batches", "current_batch",
		"started_at", "completed_at", "created_at", "updated_at",
	}).AddRow(id, "August promo", "email", "processing", "user-1",
		"Hello", "<p>Hi {{ name }}</p>", "", []byte(`{"brand":"Acme"}`),
		[]byte(`[]`), "",
		1200, 500, 498, 2,
		10, 3, 3, 1,
		now, nil, now, now)
}

func TestGetCampaignDecodesJSONColumns(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCampaignRepo(db)

	mock.ExpectQuery(`SELECT\s+id, name, channel, status, created_by`).
		WithArgs("camp-1").
		WillReturnRows(campaignRow("camp-1"))

	c, err := repo.Get(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelEmail, c.Channel)
	assert.Equal(t, domain.CampaignProcessing, c.Status)
	assert.Equal(t, "Acme", c.TemplateVariables["brand"])
	assert.Equal(t, 1200, c.TotalRecipients)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCampaignNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCampaignRepo(db)

	mock.ExpectQuery(`SELECT\s+id, name, channel, status, created_by`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCampaignEncodesJSONColumns(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCampaignRepo(db)

	mock.ExpectExec(`INSERT INTO campaigns`).
		WithArgs("camp-1", "August promo", "email", "queued", "user-1",
			"Hello", "<p>Hi</p>", "", []byte(`{"brand":"Acme"}`),
			[]byte(`[{"name":"terms.pdf","content_type":"application/pdf","content":"dGVybXM="}]`), "", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &domain.Campaign{
		ID: "camp-1", Name: "August promo", Channel: domain.ChannelEmail,
		Status: domain.CampaignQueued, CreatedBy: "user-1",
		Subject: "Hello", HTMLContent: "<p>Hi</p>",
		TemplateVariables: map[string]string{"brand": "Acme"},
		Attachments:       []domain.Attachment{{Name: "terms.pdf", ContentType: "application/pdf", Content: "dGVybXM="}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStatusReportsLostRace(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCampaignRepo(db)

	mock.ExpectExec(`(?s)UPDATE campaigns\s+SET status = \$3.*WHERE id = \$1 AND status = \$2`).
		WithArgs("camp-1", "processing", "completed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE campaigns\s+SET status = \$3.*WHERE id = \$1 AND status = \$2`).
		WithArgs("camp-1", "processing", "completed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	flipped, err := repo.TransitionStatus(context.Background(), "camp-1", domain.CampaignProcessing, domain.CampaignCompleted)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = repo.TransitionStatus(context.Background(), "camp-1", domain.CampaignProcessing, domain.CampaignCompleted)
	require.NoError(t, err)
	assert.False(t, flipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddCountersIncrementsAtomically(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCampaignRepo(db)

	mock.ExpectExec(`(?s)UPDATE campaigns\s+SET sent_count = sent_count \+ \$2 \+ \$3`).
		WithArgs("camp-1", 498, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AddCounters(context.Background(), "camp-1", 498, 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCampaignsAppliesFilters(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCampaignRepo(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM campaigns WHERE 1=1 AND status = \$1 AND name ILIKE \$2`).
		WithArgs("processing", "%promo%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`(?s)FROM campaigns WHERE 1=1 AND status = \$1 AND name ILIKE \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("processing", "%promo%", 20, 0).
		WillReturnRows(campaignRow("camp-1"))

	out, total, err := repo.List(context.Background(), campaign.ListFilter{
		Status: "processing", Search: "promo", Limit: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, out, 1)
	assert.Equal(t, "camp-1", out[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/service/campaign"
)

func TestBulkCreateCopiesAllRows(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`COPY "campaign_messages"`))
	prep.ExpectExec().
		WithArgs("m1", "camp-1", "r1", "r1@example.com", "", "R One",
			"email", "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "camp-1", "r2", "r2@example.com", "", "R Two",
			"email", "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Final argless exec flushes the COPY buffer.
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.BulkCreate(context.Background(), []domain.Message{
		{ID: "m1", CampaignID: "camp-1", RecipientID: "r1", Email: "r1@example.com",
			Name: "R One", Channel: domain.ChannelEmail, Status: domain.MessagePending},
		{CampaignID: "camp-1", RecipientID: "r2", Email: "r2@example.com",
			Name: "R Two", Channel: domain.ChannelEmail, Status: domain.MessagePending},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyResultsUpsertsOutcomes(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewMessageRepo(db)
	sentAt := time.Now()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO campaign_messages.*ON CONFLICT \(campaign_id, recipient_id\) DO UPDATE`)
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "camp-1", "r1", "sent", sentAt, "", "prov-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "camp-1", "r2", "failed", nil, "mailbox full", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.ApplyResults(context.Background(), "camp-1", []domain.MessageResult{
		{RecipientID: "r1", Success: true, ProviderMessageID: "prov-1"},
		{RecipientID: "r2", Success: false, Error: "mailbox full"},
	}, sentAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessageNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectQuery(`SELECT id, campaign_id, recipient_id`).
		WithArgs("camp-1", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), "camp-1", "ghost")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkBouncedSkipsAlreadyFailed(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectExec(`(?s)UPDATE campaign_messages.*AND status != 'failed'`).
		WithArgs("camp-1", "r1", "hard bounce").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE campaign_messages.*AND status != 'failed'`).
		WithArgs("camp-1", "r1", "hard bounce").
		WillReturnResult(sqlmock.NewResult(0, 0))

	downgraded, err := repo.MarkBounced(context.Background(), "camp-1", "r1", "hard bounce")
	require.NoError(t, err)
	assert.True(t, downgraded)

	downgraded, err = repo.MarkBounced(context.Background(), "camp-1", "r1", "hard bounce")
	require.NoError(t, err)
	assert.False(t, downgraded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessagesFiltersByStatus(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewMessageRepo(db)
	now := time.Now()

	mock.ExpectQuery(`(?s)FROM campaign_messages\s+WHERE campaign_id = \$1 AND status = \$2`).
		WithArgs("camp-1", "failed", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "campaign_id", "recipient_id", "email", "phone", "name",
			"channel", "status", "sent_at", "error_message", "provider_message_id",
			"created_at", "updated_at",
		}).AddRow("m1", "camp-1", "r1", "r1@example.com", "", "R One",
			"email", "failed", nil, "mailbox full", "", now, now))

	msgs, err := repo.ListByCampaign(context.Background(), "camp-1", domain.MessageFailed, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "r1", msgs[0].RecipientID)
	assert.Equal(t, domain.MessageFailed, msgs[0].Status)
	assert.Equal(t, "mailbox full", msgs[0].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

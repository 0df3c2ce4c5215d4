package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/service/campaign"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func batchRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "batch_number", "total_batches", "status",
		"recipients", "processed_count", "success_count", "failure_count",
		"started_at", "completed_at", "error_message", "created_at",
	})
	now := time.Now()
	for i, id := range ids {
		rows.AddRow(id, "camp-1", i+1, len(ids), "processing",
			[]byte(`[{"id":"r1","email":"r1@example.com","name":"R One"}]`),
			0, 0, 0, now, nil, "", now)
	}
	return rows
}

func TestClaimNextReturnsClaimedBatch(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewBatchRepo(db)

	mock.ExpectQuery(`UPDATE campaign_batches\s+SET status = 'processing'`).
		WithArgs("camp-1").
		WillReturnRows(batchRows("batch-1"))

	b, err := repo.ClaimNext(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", b.ID)
	assert.Equal(t, 1, b.BatchNumber)
	require.Len(t, b.Recipients, 1)
	assert.Equal(t, "r1@example.com", b.Recipients[0].Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextNoPendingBatch(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewBatchRepo(db)

	mock.ExpectQuery(`UPDATE campaign_batches\s+SET status = 'processing'`).
		WithArgs("camp-1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.ClaimNext(context.Background(), "camp-1")
	assert.ErrorIs(t, err, campaign.ErrNoPendingBatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatchesInsertsInOneTransaction(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewBatchRepo(db)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO campaign_batches`)
	prep.ExpectExec().
		WithArgs("b1", "camp-1", 1, 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("b2", "camp-1", 2, 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CreateBatches(context.Background(), []domain.Batch{
		{ID: "b1", CampaignID: "camp-1", BatchNumber: 1, TotalBatches: 2, Status: domain.BatchPending,
			Recipients: []domain.Recipient{{ID: "r1"}}},
		{ID: "b2", CampaignID: "camp-1", BatchNumber: 2, TotalBatches: 2, Status: domain.BatchPending,
			Recipients: []domain.Recipient{{ID: "r2"}}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedOnlyTouchesProcessing(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewBatchRepo(db)

	mock.ExpectExec(`(?s)UPDATE campaign_batches\s+SET status = 'completed'.*WHERE id = \$1 AND status = 'processing'`).
		WithArgs("batch-1", 500, 498, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkCompleted(context.Background(), "batch-1", 500, 498, 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnyActiveExcludesGivenBatch(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewBatchRepo(db)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("camp-1", "batch-3").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	active, err := repo.AnyActive(context.Background(), "camp-1", "batch-3")
	require.NoError(t, err)
	assert.False(t, active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaxBatchNumberDefaultsToZero(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewBatchRepo(db)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(batch_number\), 0\)`).
		WithArgs("camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))

	max, err := repo.MaxBatchNumber(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 0, max)
	assert.NoError(t, mock.ExpectationsWereMet())
}

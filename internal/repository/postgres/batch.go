package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/service/campaign"
)

// BatchRepo implements campaign.BatchRepository. All status lookups go
// through the (campaign_id, status) index; see scripts/schema.sql.
type BatchRepo struct{ db *sql.DB }

// NewBatchRepo creates a Postgres-backed batch repository.
func NewBatchRepo(db *sql.DB) *BatchRepo { return &BatchRepo{db: db} }

func (r *BatchRepo) CreateBatches(ctx context.Context, batches []domain.Batch) error {
	if len(batches) == 0 {
		return nil
	}
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer txn.Rollback()

	stmt, err := txn.PrepareContext(ctx, `
		INSERT INTO campaign_batches
			(id, campaign_id, batch_number, total_batches, status, recipients, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range batches {
		recipients, err := json.Marshal(b.Recipients)
		if err != nil {
			return fmt.Errorf("encode recipients for batch %d: %w", b.BatchNumber, err)
		}
		if _, err := stmt.ExecContext(ctx, b.ID, b.CampaignID, b.BatchNumber, b.TotalBatches, b.Status, recipients); err != nil {
			return fmt.Errorf("insert batch %d: %w", b.BatchNumber, err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit batch insert: %w", err)
	}
	return nil
}

// ClaimNext claims the lowest-numbered pending batch in a single
// conditional statement: the inner SELECT picks the FIFO candidate and
// the UPDATE only applies while it is still pending. FOR UPDATE SKIP
// LOCKED keeps a concurrent (double-delivered) tick from blocking on
// the same row; it simply finds nothing to claim.
func (r *BatchRepo) ClaimNext(ctx context.Context, campaignID string) (*domain.Batch, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE campaign_batches
		SET status = 'processing', started_at = NOW()
		WHERE id = (
			SELECT id FROM campaign_batches
			WHERE campaign_id = $1 AND status = 'pending'
			ORDER BY batch_number ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'pending'
		RETURNING id, campaign_id, batch_number, total_batches, status,
		          recipients, processed_count, success_count, failure_count,
		          started_at, completed_at, COALESCE(error_message,''), created_at
	`, campaignID)

	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNoPendingBatch
	}
	if err != nil {
		return nil, fmt.Errorf("claim next batch: %w", err)
	}
	return b, nil
}

func scanBatch(row interface{ Scan(...any) error }) (*domain.Batch, error) {
	b := &domain.Batch{}
	var recipients []byte
	err := row.Scan(
		&b.ID, &b.CampaignID, &b.BatchNumber, &b.TotalBatches, &b.Status,
		&recipients, &b.ProcessedCount, &b.SuccessCount, &b.FailureCount,
		&b.StartedAt, &b.CompletedAt, &b.ErrorMessage, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &b.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients: %w", err)
		}
	}
	return b, nil
}

func (r *BatchRepo) MarkCompleted(ctx context.Context, batchID string, processed, success, failure int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_batches
		SET status = 'completed', processed_count = $2, success_count = $3,
		    failure_count = $4, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, batchID, processed, success, failure)
	if err != nil {
		return fmt.Errorf("mark batch completed: %w", err)
	}
	return nil
}

func (r *BatchRepo) MarkFailed(ctx context.Context, batchID string, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_batches
		SET status = 'failed', error_message = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, batchID, errMsg)
	if err != nil {
		return fmt.Errorf("mark batch failed: %w", err)
	}
	return nil
}

func (r *BatchRepo) AnyActive(ctx context.Context, campaignID, excludeBatchID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM campaign_batches
			WHERE campaign_id = $1 AND id != $2
			  AND status IN ('pending','processing')
		)
	`, campaignID, excludeBatchID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active batches: %w", err)
	}
	return exists, nil
}

// ListByCampaign returns batch progress rows for the UI. Recipients are
// not loaded; a campaign can hold thousands of batches and the list is
// polled.
func (r *BatchRepo) ListByCampaign(ctx context.Context, campaignID string) ([]domain.Batch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, batch_number, total_batches, status,
		       processed_count, success_count, failure_count,
		       started_at, completed_at, COALESCE(error_message,''), created_at
		FROM campaign_batches
		WHERE campaign_id = $1
		ORDER BY batch_number ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []domain.Batch
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(
			&b.ID, &b.CampaignID, &b.BatchNumber, &b.TotalBatches, &b.Status,
			&b.ProcessedCount, &b.SuccessCount, &b.FailureCount,
			&b.StartedAt, &b.CompletedAt, &b.ErrorMessage, &b.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BatchRepo) MaxBatchNumber(ctx context.Context, campaignID string) (int, error) {
	var max int
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(batch_number), 0) FROM campaign_batches WHERE campaign_id = $1
	`, campaignID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max batch number: %w", err)
	}
	return max, nil
}

func (r *BatchRepo) SetTotalBatches(ctx context.Context, campaignID string, total int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_batches SET total_batches = $2 WHERE campaign_id = $1
	`, campaignID, total)
	if err != nil {
		return fmt.Errorf("set batch totals: %w", err)
	}
	return nil
}

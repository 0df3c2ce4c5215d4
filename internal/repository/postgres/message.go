package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/service/campaign"
)

// MessageRepo implements campaign.MessageRepository. The unique
// (campaign_id, recipient_id) constraint backs both the idempotent
// result upsert and the bounce double-count guard.
type MessageRepo struct{ db *sql.DB }

// NewMessageRepo creates a Postgres-backed message repository.
func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

// BulkCreate inserts pending messages with COPY. Campaigns can carry
// hundreds of thousands of recipients; row-at-a-time inserts are far
// too slow at that scale.
func (r *MessageRepo) BulkCreate(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message insert: %w", err)
	}
	defer txn.Rollback()

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(
		"campaign_messages",
		"id", "campaign_id", "recipient_id", "email", "phone", "name",
		"channel", "status", "created_at", "updated_at",
	))
	if err != nil {
		return fmt.Errorf("prepare COPY: %w", err)
	}

	now := time.Now()
	for _, m := range msgs {
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx, id, m.CampaignID, m.RecipientID,
			m.Email, m.Phone, m.Name, m.Channel, m.Status, now, now); err != nil {
			stmt.Close()
			return fmt.Errorf("copy message for recipient %s: %w", m.RecipientID, err)
		}
	}
	// Flush the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush COPY: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close COPY: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit message insert: %w", err)
	}
	return nil
}

// ApplyResults upserts per-recipient outcomes keyed by the composite
// (campaign_id, recipient_id). A repeated apply overwrites in place,
// so at-least-once delivery stays idempotent on status writes.
func (r *MessageRepo) ApplyResults(ctx context.Context, campaignID string, results []domain.MessageResult, sentAt time.Time) error {
	if len(results) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin result apply: %w", err)
	}
	defer txn.Rollback()

	stmt, err := txn.PrepareContext(ctx, `
		INSERT INTO campaign_messages
			(id, campaign_id, recipient_id, status, sent_at, error_message,
			 provider_message_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), NULLIF($7,''), NOW(), NOW())
		ON CONFLICT (campaign_id, recipient_id) DO UPDATE
		SET status = EXCLUDED.status,
		    sent_at = EXCLUDED.sent_at,
		    error_message = EXCLUDED.error_message,
		    provider_message_id = EXCLUDED.provider_message_id,
		    updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("prepare result apply: %w", err)
	}
	defer stmt.Close()

	for _, res := range results {
		status := domain.MessageFailed
		var ts *time.Time
		if res.Success {
			status = domain.MessageSent
			ts = &sentAt
		}
		if _, err := stmt.ExecContext(ctx, uuid.New().String(), campaignID,
			res.RecipientID, status, ts, res.Error, res.ProviderMessageID); err != nil {
			return fmt.Errorf("apply result for recipient %s: %w", res.RecipientID, err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit result apply: %w", err)
	}
	return nil
}

func (r *MessageRepo) Get(ctx context.Context, campaignID, recipientID string) (*domain.Message, error) {
	m := &domain.Message{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, recipient_id, COALESCE(email,''), COALESCE(phone,''),
		       COALESCE(name,''), channel, status, sent_at,
		       COALESCE(error_message,''), COALESCE(provider_message_id,''),
		       created_at, updated_at
		FROM campaign_messages
		WHERE campaign_id = $1 AND recipient_id = $2
	`, campaignID, recipientID).Scan(
		&m.ID, &m.CampaignID, &m.RecipientID, &m.Email, &m.Phone,
		&m.Name, &m.Channel, &m.Status, &m.SentAt,
		&m.ErrorMessage, &m.ProviderMessageID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// MarkBounced downgrades a message to failed for an asynchronous bounce.
// The status guard in the WHERE clause is the double-count protection:
// a message already failed is left untouched and the caller must not
// adjust campaign counters again.
func (r *MessageRepo) MarkBounced(ctx context.Context, campaignID, recipientID, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_messages
		SET status = 'failed', error_message = $3, updated_at = NOW()
		WHERE campaign_id = $1 AND recipient_id = $2 AND status != 'failed'
	`, campaignID, recipientID, reason)
	if err != nil {
		return false, fmt.Errorf("mark bounced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *MessageRepo) ListByCampaign(ctx context.Context, campaignID string, status domain.MessageStatus, limit, offset int) ([]domain.Message, error) {
	q := `
		SELECT id, campaign_id, recipient_id, COALESCE(email,''), COALESCE(phone,''),
		       COALESCE(name,''), channel, status, sent_at,
		       COALESCE(error_message,''), COALESCE(provider_message_id,''),
		       created_at, updated_at
		FROM campaign_messages
		WHERE campaign_id = $1`
	args := []any{campaignID}
	idx := 2
	if status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY recipient_id LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(
			&m.ID, &m.CampaignID, &m.RecipientID, &m.Email, &m.Phone,
			&m.Name, &m.Channel, &m.Status, &m.SentAt,
			&m.ErrorMessage, &m.ProviderMessageID, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Package postgres implements the campaign service repositories against
// PostgreSQL using database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/service/campaign"
)

// CampaignRepo implements campaign.CampaignRepository.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `
	id, name, channel, status, created_by,
	COALESCE(subject,''), COALESCE(html_content,''),
	COALESCE(template_name,''), COALESCE(template_variables,'{}'),
	COALESCE(attachments,'[]'), COALESCE(filter_json,''),
	total_recipients, sent_count, delivered_count, failed_count,
	open_count, click_count, total_batches, current_batch,
	started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var vars, attachments []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.Channel, &c.Status, &c.CreatedBy,
		&c.Subject, &c.HTMLContent,
		&c.TemplateName, &vars,
		&attachments, &c.FilterJSON,
		&c.TotalRecipients, &c.SentCount, &c.DeliveredCount, &c.FailedCount,
		&c.OpenCount, &c.ClickCount, &c.TotalBatches, &c.CurrentBatch,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &c.TemplateVariables); err != nil {
			return nil, fmt.Errorf("decode template variables: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &c.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return c, nil
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	vars, err := json.Marshal(c.TemplateVariables)
	if err != nil {
		return fmt.Errorf("encode template variables: %w", err)
	}
	attachments, err := json.Marshal(c.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, channel, status, created_by, subject, html_content,
			 template_name, template_variables, attachments, filter_json,
			 total_recipients, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, c.ID, c.Name, c.Channel, c.Status, c.CreatedBy, c.Subject, c.HTMLContent,
		c.TemplateName, vars, attachments, c.FilterJSON, c.TotalRecipients)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ` WHERE 1=1`
	args := []any{}
	idx := 1
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND name ILIKE $%d", idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

// TransitionStatus conditionally moves the campaign between statuses.
// The WHERE status guard makes transitions race-safe: the caller that
// sees false lost the race (or the transition already happened), which
// is how "completed exactly once" is enforced.
func (r *CampaignRepo) TransitionStatus(ctx context.Context, id string, from, to domain.CampaignStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $3,
		    started_at = CASE WHEN $3 = 'processing' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $3 IN ('completed','failed') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition campaign status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CampaignRepo) MarkFailed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'failed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed','failed')
	`, id)
	if err != nil {
		return fmt.Errorf("mark campaign failed: %w", err)
	}
	return nil
}

func (r *CampaignRepo) SetTotalRecipients(ctx context.Context, id string, total int) error {
	return r.setInt(ctx, id, "total_recipients", total)
}

func (r *CampaignRepo) SetTotalBatches(ctx context.Context, id string, total int) error {
	return r.setInt(ctx, id, "total_batches", total)
}

func (r *CampaignRepo) SetCurrentBatch(ctx context.Context, id string, current int) error {
	return r.setInt(ctx, id, "current_batch", current)
}

func (r *CampaignRepo) setInt(ctx context.Context, id, column string, v int) error {
	// column is always a compile-time constant from this package.
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE campaigns SET %s = $2, updated_at = NOW() WHERE id = $1`, column), id, v)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	return nil
}

// AddCounters increments the cumulative counters in one atomic
// statement, so the aggregate stays correct even if batch completions
// were ever to overlap.
func (r *CampaignRepo) AddCounters(ctx context.Context, id string, delivered, failed int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = sent_count + $2 + $3,
		    delivered_count = delivered_count + $2,
		    failed_count = failed_count + $3,
		    updated_at = NOW()
		WHERE id = $1
	`, id, delivered, failed)
	if err != nil {
		return fmt.Errorf("add counters: %w", err)
	}
	return nil
}

func (r *CampaignRepo) IncrementOpens(ctx context.Context, id string) error {
	return r.increment(ctx, id, "open_count")
}

func (r *CampaignRepo) IncrementClicks(ctx context.Context, id string) error {
	return r.increment(ctx, id, "click_count")
}

func (r *CampaignRepo) IncrementFailed(ctx context.Context, id string) error {
	return r.increment(ctx, id, "failed_count")
}

func (r *CampaignRepo) increment(ctx context.Context, id, column string) error {
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE campaigns SET %s = %s + 1, updated_at = NOW() WHERE id = $1`, column, column), id)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

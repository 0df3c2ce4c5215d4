package campaign

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/emberline/dispatch/internal/domain"
)

// CreateBatches partitions recipients into consecutive slices of the
// channel's batch size and persists one pending batch per slice.
// Returns the campaign's total batch count after insertion.
//
// Numbering continues from the highest batch number already assigned to
// the campaign: the filter-expansion path calls this once per CRM page,
// and page-relative numbering would collide. An empty recipient list is
// a silent no-op. Calling this twice with the same recipients creates
// duplicate batches; callers own the once-per-list (or once-per-page)
// discipline.
func (s *Service) CreateBatches(ctx context.Context, campaignID string, recipients []domain.Recipient, channel domain.Channel) (int, error) {
	if len(recipients) == 0 {
		current, err := s.batches.MaxBatchNumber(ctx, campaignID)
		if err != nil {
			return 0, fmt.Errorf("max batch number: %w", err)
		}
		return current, nil
	}
	if !channel.Valid() {
		return 0, ErrInvalidChannel
	}

	size := channel.BatchSize()
	start, err := s.batches.MaxBatchNumber(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("max batch number: %w", err)
	}

	var batches []domain.Batch
	for i := 0; i < len(recipients); i += size {
		end := i + size
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, domain.Batch{
			ID:          uuid.New().String(),
			CampaignID:  campaignID,
			BatchNumber: start + len(batches) + 1,
			Status:      domain.BatchPending,
			Recipients:  recipients[i:end],
		})
	}

	total := start + len(batches)
	for i := range batches {
		batches[i].TotalBatches = total
	}

	if err := s.batches.CreateBatches(ctx, batches); err != nil {
		return 0, fmt.Errorf("create batches: %w", err)
	}

	// Earlier pages' batches still carry a stale total; refresh it
	// everywhere, batches first so the campaign never claims more
	// batches than exist.
	if start > 0 {
		if err := s.batches.SetTotalBatches(ctx, campaignID, total); err != nil {
			return 0, fmt.Errorf("refresh batch totals: %w", err)
		}
	}
	if err := s.campaigns.SetTotalBatches(ctx, campaignID, total); err != nil {
		return 0, fmt.Errorf("set campaign batch total: %w", err)
	}

	return total, nil
}

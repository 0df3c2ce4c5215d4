package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/service/campaign"
)

// BatchRepo is an in-memory campaign.BatchRepository.
type BatchRepo struct {
	mu      sync.Mutex
	batches map[string]*domain.Batch
}

// NewBatchRepo creates an empty in-memory batch repository.
func NewBatchRepo() *BatchRepo {
	return &BatchRepo{batches: make(map[string]*domain.Batch)}
}

func (r *BatchRepo) CreateBatches(ctx context.Context, batches []domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, b := range batches {
		cp := b
		cp.CreatedAt = now
		r.batches[b.ID] = &cp
	}
	return nil
}

func (r *BatchRepo) ClaimNext(ctx context.Context, campaignID string) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next *domain.Batch
	for _, b := range r.batches {
		if b.CampaignID != campaignID || b.Status != domain.BatchPending {
			continue
		}
		if next == nil || b.BatchNumber < next.BatchNumber {
			next = b
		}
	}
	if next == nil {
		return nil, campaign.ErrNoPendingBatch
	}

	now := time.Now()
	next.Status = domain.BatchProcessing
	next.StartedAt = &now
	cp := *next
	return &cp, nil
}

func (r *BatchRepo) MarkCompleted(ctx context.Context, batchID string, processed, success, failure int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return campaign.ErrNotFound
	}
	now := time.Now()
	b.Status = domain.BatchCompleted
	b.ProcessedCount = processed
	b.SuccessCount = success
	b.FailureCount = failure
	b.CompletedAt = &now
	return nil
}

func (r *BatchRepo) MarkFailed(ctx context.Context, batchID string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return campaign.ErrNotFound
	}
	now := time.Now()
	b.Status = domain.BatchFailed
	b.ErrorMessage = errMsg
	b.CompletedAt = &now
	return nil
}

func (r *BatchRepo) AnyActive(ctx context.Context, campaignID, excludeBatchID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		if b.CampaignID != campaignID || b.ID == excludeBatchID {
			continue
		}
		if b.Status == domain.BatchPending || b.Status == domain.BatchProcessing {
			return true, nil
		}
	}
	return false, nil
}

func (r *BatchRepo) ListByCampaign(ctx context.Context, campaignID string) ([]domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Batch
	for _, b := range r.batches {
		if b.CampaignID == campaignID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (r *BatchRepo) MaxBatchNumber(ctx context.Context, campaignID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, b := range r.batches {
		if b.CampaignID == campaignID && b.BatchNumber > max {
			max = b.BatchNumber
		}
	}
	return max, nil
}

func (r *BatchRepo) SetTotalBatches(ctx context.Context, campaignID string, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		if b.CampaignID == campaignID {
			b.TotalBatches = total
		}
	}
	return nil
}

// SetStatus force-sets a batch status. Test hook for out-of-order
// scenarios; not part of campaign.BatchRepository.
func (r *BatchRepo) SetStatus(batchID string, status domain.BatchStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.batches[batchID]; ok {
		b.Status = status
	}
}

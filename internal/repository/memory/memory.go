// Package memory provides in-memory repository implementations backing
// service and worker tests. Behavior mirrors repository/postgres,
// including the conditional claim and the bounce double-count guard.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/service/campaign"
)

// CampaignRepo is an in-memory campaign.CampaignRepository.
type CampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
}

// NewCampaignRepo creates an empty in-memory campaign repository.
func NewCampaignRepo() *CampaignRepo {
	return &CampaignRepo{campaigns: make(map[string]*domain.Campaign)}
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cp := *c
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []domain.Campaign
	for _, c := range r.campaigns {
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(f.Search)) {
			continue
		}
		all = append(all, *c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	end := f.Offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end], total, nil
}

func (r *CampaignRepo) TransitionStatus(ctx context.Context, id string, from, to domain.CampaignStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, campaign.ErrNotFound
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	now := time.Now()
	c.UpdatedAt = now
	switch to {
	case domain.CampaignProcessing:
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
	case domain.CampaignCompleted, domain.CampaignFailed:
		c.CompletedAt = &now
	}
	return true, nil
}

func (r *CampaignRepo) MarkFailed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.IsTerminal() {
		return nil
	}
	now := time.Now()
	c.Status = domain.CampaignFailed
	c.CompletedAt = &now
	c.UpdatedAt = now
	return nil
}

func (r *CampaignRepo) SetTotalRecipients(ctx context.Context, id string, total int) error {
	return r.update(id, func(c *domain.Campaign) { c.TotalRecipients = total })
}

func (r *CampaignRepo) SetTotalBatches(ctx context.Context, id string, total int) error {
	return r.update(id, func(c *domain.Campaign) { c.TotalBatches = total })
}

func (r *CampaignRepo) SetCurrentBatch(ctx context.Context, id string, current int) error {
	return r.update(id, func(c *domain.Campaign) { c.CurrentBatch = current })
}

func (r *CampaignRepo) AddCounters(ctx context.Context, id string, delivered, failed int) error {
	return r.update(id, func(c *domain.Campaign) {
		c.SentCount += delivered + failed
		c.DeliveredCount += delivered
		c.FailedCount += failed
	})
}

func (r *CampaignRepo) IncrementOpens(ctx context.Context, id string) error {
	return r.update(id, func(c *domain.Campaign) { c.OpenCount++ })
}

func (r *CampaignRepo) IncrementClicks(ctx context.Context, id string) error {
	return r.update(id, func(c *domain.Campaign) { c.ClickCount++ })
}

func (r *CampaignRepo) IncrementFailed(ctx context.Context, id string) error {
	return r.update(id, func(c *domain.Campaign) { c.FailedCount++ })
}

func (r *CampaignRepo) update(id string, fn func(*domain.Campaign)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	fn(c)
	c.UpdatedAt = time.Now()
	return nil
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/service/campaign"
)

type messageKey struct {
	campaignID  string
	recipientID string
}

// MessageRepo is an in-memory campaign.MessageRepository.
type MessageRepo struct {
	mu       sync.Mutex
	messages map[messageKey]*domain.Message
}

// NewMessageRepo creates an empty in-memory message repository.
func NewMessageRepo() *MessageRepo {
	return &MessageRepo{messages: make(map[messageKey]*domain.Message)}
}

func (r *MessageRepo) BulkCreate(ctx context.Context, msgs []domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, m := range msgs {
		key := messageKey{m.CampaignID, m.RecipientID}
		if _, exists := r.messages[key]; exists {
			continue
		}
		cp := m
		cp.CreatedAt = now
		cp.UpdatedAt = now
		r.messages[key] = &cp
	}
	return nil
}

func (r *MessageRepo) ApplyResults(ctx context.Context, campaignID string, results []domain.MessageResult, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range results {
		key := messageKey{campaignID, res.RecipientID}
		m, ok := r.messages[key]
		if !ok {
			m = &domain.Message{
				CampaignID:  campaignID,
				RecipientID: res.RecipientID,
				Status:      domain.MessagePending,
				CreatedAt:   sentAt,
			}
			r.messages[key] = m
		}
		if res.Success {
			m.Status = domain.MessageSent
			m.SentAt = &sentAt
			m.ErrorMessage = ""
		} else {
			m.Status = domain.MessageFailed
			m.ErrorMessage = res.Error
		}
		m.ProviderMessageID = res.ProviderMessageID
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (r *MessageRepo) Get(ctx context.Context, campaignID, recipientID string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageKey{campaignID, recipientID}]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MessageRepo) MarkBounced(ctx context.Context, campaignID, recipientID, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageKey{campaignID, recipientID}]
	if !ok {
		return false, nil
	}
	if m.Status == domain.MessageFailed {
		return false, nil
	}
	m.Status = domain.MessageFailed
	m.ErrorMessage = reason
	m.UpdatedAt = time.Now()
	return true, nil
}

func (r *MessageRepo) ListByCampaign(ctx context.Context, campaignID string, status domain.MessageStatus, limit, offset int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, m := range r.messages {
		if m.CampaignID != campaignID {
			continue
		}
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

// Count returns the number of messages stored for a campaign. Test hook.
func (r *MessageRepo) Count(campaignID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.messages {
		if k.campaignID == campaignID {
			n++
		}
	}
	return n
}

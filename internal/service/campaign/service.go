package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/pkg/logger"
)

// Service implements campaign business logic. It coordinates the
// repository layer, the contact source, and the dispatch scheduler.
// All public methods are safe for concurrent use if the underlying
// repositories are concurrency-safe.
type Service struct {
	campaigns CampaignRepository
	batches   BatchRepository
	messages  MessageRepository
	scheduler Scheduler
	contacts  ContactSource

	tickDelay time.Duration
}

// NewService creates a campaign service. contacts may be nil when the
// filter-expansion path is not deployed (direct-recipient only).
func NewService(campaigns CampaignRepository, batches BatchRepository, messages MessageRepository, scheduler Scheduler, contacts ContactSource, tickDelay time.Duration) *Service {
	if tickDelay <= 0 {
		tickDelay = 500 * time.Millisecond
	}
	return &Service{
		campaigns: campaigns,
		batches:   batches,
		messages:  messages,
		scheduler: scheduler,
		contacts:  contacts,
		tickDelay: tickDelay,
	}
}

// StartInput holds the fields for starting a new campaign. Exactly one
// of Recipients or FilterJSON must be set.
type StartInput struct {
	Name              string              `json:"name"`
	Channel           domain.Channel      `json:"channel"`
	Subject           string              `json:"subject"`
	HTMLContent       string              `json:"html_content"`
	TemplateName      string              `json:"template_name"`
	TemplateVariables map[string]string   `json:"template_variables"`
	Attachments       []domain.Attachment `json:"attachments"`
	CreatedBy         string              `json:"created_by"`
	Recipients        []domain.Recipient  `json:"recipients"`
	FilterJSON        string              `json:"filter_json"`
}

func (in StartInput) validate() error {
	if in.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !in.Channel.Valid() {
		return ErrInvalidChannel
	}
	switch in.Channel {
	case domain.ChannelEmail:
		if in.Subject == "" || in.HTMLContent == "" {
			return ErrEmptyPayload
		}
	case domain.ChannelWhatsApp:
		if in.TemplateName == "" {
			return ErrEmptyPayload
		}
	}
	if len(in.Recipients) == 0 && in.FilterJSON == "" {
		return ErrNoRecipients
	}
	return nil
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.campaigns.Get(ctx, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	return s.campaigns.List(ctx, f)
}

// Start creates a campaign and kicks off delivery. For a direct
// recipient list this creates the per-recipient messages eagerly,
// partitions the list into batches, and schedules the first processing
// tick. For a filter-based campaign the recipient set is unknown, so a
// filter-expansion job is scheduled instead; batches and messages are
// created incrementally as CRM pages arrive.
func (s *Service) Start(ctx context.Context, in StartInput) (*domain.Campaign, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	c := &domain.Campaign{
		ID:                uuid.New().String(),
		Name:              in.Name,
		Channel:           in.Channel,
		Status:            domain.CampaignQueued,
		Subject:           in.Subject,
		HTMLContent:       in.HTMLContent,
		TemplateName:      in.TemplateName,
		TemplateVariables: in.TemplateVariables,
		Attachments:       in.Attachments,
		FilterJSON:        in.FilterJSON,
		CreatedBy:         in.CreatedBy,
		// Provisional for filter campaigns; corrected after expansion.
		TotalRecipients: len(in.Recipients),
	}
	if err := s.campaigns.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	if in.FilterJSON != "" {
		if err := s.scheduler.ScheduleExpansion(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("schedule filter expansion: %w", err)
		}
		logger.Info("campaign queued for filter expansion",
			"campaign_id", c.ID, "channel", string(c.Channel))
		return c, nil
	}

	if err := s.createMessages(ctx, c, in.Recipients); err != nil {
		return nil, err
	}
	n, err := s.CreateBatches(ctx, c.ID, in.Recipients, c.Channel)
	if err != nil {
		return nil, err
	}
	c.TotalBatches = n

	if n > 0 {
		if err := s.scheduler.ScheduleTick(ctx, c.ID, s.tickDelay); err != nil {
			return nil, fmt.Errorf("schedule first tick: %w", err)
		}
	}

	logger.Info("campaign started",
		"campaign_id", c.ID, "channel", string(c.Channel),
		"recipients", len(in.Recipients), "batches", n)
	return c, nil
}

// createMessages eagerly records one pending message per recipient so
// fine-grained status queries work before the first batch is touched.
func (s *Service) createMessages(ctx context.Context, c *domain.Campaign, recipients []domain.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	msgs := make([]domain.Message, 0, len(recipients))
	for _, r := range recipients {
		msgs = append(msgs, domain.Message{
			ID:          uuid.New().String(),
			CampaignID:  c.ID,
			RecipientID: r.ID,
			Email:       r.Email,
			Phone:       r.Phone,
			Name:        r.Name,
			Channel:     c.Channel,
			Status:      domain.MessagePending,
		})
	}
	if err := s.messages.BulkCreate(ctx, msgs); err != nil {
		return fmt.Errorf("create messages: %w", err)
	}
	return nil
}

// Progress is the polled status surface: the campaign aggregate plus
// its batch list (statuses, counters, timestamps).
type Progress struct {
	Campaign *domain.Campaign `json:"campaign"`
	Batches  []domain.Batch   `json:"batches"`
}

// GetProgress returns the campaign aggregate and its batches.
func (s *Service) GetProgress(ctx context.Context, id string) (*Progress, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	batches, err := s.batches.ListByCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return &Progress{Campaign: c, Batches: batches}, nil
}

// Messages returns per-recipient delivery records for a campaign,
// optionally filtered by status ("" means all).
func (s *Service) Messages(ctx context.Context, id string, status domain.MessageStatus, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.messages.ListByCampaign(ctx, id, status, limit, offset)
}

package campaign

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/pkg/logger"
)

// ExpandFilter resolves a filter-based campaign's recipient set by
// streaming matching contacts from the CRM page by page. Batches and
// messages are created incrementally as pages arrive, so the full
// matching set is never held in memory.
//
// The first processing tick is scheduled exactly once, after the
// adapter signals exhaustion (not per page), so sending never starts
// against an undercounted campaign total.
//
// Failure semantics: a malformed filter or a paging error aborts the
// whole expansion and leaves the campaign queued with whatever batches
// earlier pages produced. No cleanup is attempted; the campaign needs
// manual investigation. That gap is deliberate and documented.
func (s *Service) ExpandFilter(ctx context.Context, campaignID string) error {
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.FilterJSON == "" {
		return fmt.Errorf("campaign %s has no filter", campaignID)
	}
	if s.contacts == nil {
		return fmt.Errorf("no contact source configured")
	}

	// Reject malformed descriptors before touching the CRM.
	var probe map[string]any
	if err := json.Unmarshal([]byte(c.FilterJSON), &probe); err != nil {
		logger.Error("campaign filter is malformed, campaign stuck",
			"campaign_id", campaignID, "error", err)
		return fmt.Errorf("parse filter: %w", err)
	}

	total := 0
	pages := 0
	err = s.contacts.FetchMatchingContacts(ctx, c.FilterJSON, func(ctx context.Context, contacts []domain.Contact) error {
		if len(contacts) == 0 {
			return nil
		}
		recipients := make([]domain.Recipient, 0, len(contacts))
		for _, contact := range contacts {
			recipients = append(recipients, contact.ToRecipient())
		}
		if err := s.createMessages(ctx, c, recipients); err != nil {
			return err
		}
		if _, err := s.CreateBatches(ctx, campaignID, recipients, c.Channel); err != nil {
			return err
		}
		total += len(recipients)
		pages++
		return nil
	})
	if err != nil {
		logger.Error("filter expansion aborted",
			"campaign_id", campaignID, "pages", pages, "recipients_so_far", total, "error", err)
		return fmt.Errorf("expand filter: %w", err)
	}

	if err := s.campaigns.SetTotalRecipients(ctx, campaignID, total); err != nil {
		return fmt.Errorf("set recipient total: %w", err)
	}

	if total > 0 {
		if err := s.scheduler.ScheduleTick(ctx, campaignID, s.tickDelay); err != nil {
			return fmt.Errorf("schedule first tick: %w", err)
		}
	}

	logger.Info("filter expansion complete",
		"campaign_id", campaignID, "pages", pages, "recipients", total)
	return nil
}

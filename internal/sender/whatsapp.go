package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/emberline/dispatch/internal/crm"
	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/pkg/logger"
)

// WhatsAppSender delivers one batch through the messaging gateway in
// sub-batches of up to 50 messages, with a fixed throttle between
// sub-batches.
type WhatsAppSender struct {
	gateway  *GatewayClient
	renderer *Renderer
	activity ActivityLogger
	throttle time.Duration
}

// NewWhatsAppSender creates a WhatsApp sender. activity may be nil to
// disable CRM mirroring.
func NewWhatsAppSender(gateway *GatewayClient, activity ActivityLogger, throttle time.Duration) *WhatsAppSender {
	return &WhatsAppSender{
		gateway:  gateway,
		renderer: NewRenderer(),
		activity: activity,
		throttle: throttle,
	}
}

// SendBatch resolves the template and its header once for the batch,
// then sends recipients in sub-batches. Template lookup and header
// media upload failures are batch-fatal; per-recipient rejections and
// sub-batch HTTP failures are recorded per recipient and do not abort
// the batch.
func (s *WhatsAppSender) SendBatch(ctx context.Context, campaign *domain.Campaign, batch *domain.Batch) (domain.BatchResult, error) {
	var result domain.BatchResult

	if campaign.TemplateName == "" {
		return result, fmt.Errorf("no template configured")
	}

	tpl, err := s.gateway.GetTemplate(ctx, campaign.TemplateName)
	if err != nil {
		return result, fmt.Errorf("resolving template %s: %w", campaign.TemplateName, err)
	}

	// Header media uploads once per batch; every recipient reuses the
	// returned file reference.
	headerFileID := ""
	switch tpl.Header.Kind {
	case domain.HeaderImage, domain.HeaderDocument, domain.HeaderVideo:
		if tpl.Header.MediaURL == "" {
			return result, fmt.Errorf("template %s has a %s header but no media url", tpl.Name, tpl.Header.Kind)
		}
		headerFileID, err = s.gateway.UploadHeaderMedia(ctx, tpl.Header.MediaURL)
		if err != nil {
			return result, fmt.Errorf("uploading header media: %w", err)
		}
	}

	// Recipients lacking a phone are recorded as failed up front; the
	// rest are grouped into sub-batches of gateway-limit size.
	var sendable []domain.Recipient
	for _, rcpt := range batch.Recipients {
		if rcpt.Phone == "" {
			result.Results = append(result.Results, domain.MessageResult{
				RecipientID: rcpt.ID,
				Success:     false,
				Error:       "recipient has no phone number",
			})
			continue
		}
		sendable = append(sendable, rcpt)
	}

	first := true
	for start := 0; start < len(sendable); start += domain.WhatsAppSubBatchSize {
		end := start + domain.WhatsAppSubBatchSize
		if end > len(sendable) {
			end = len(sendable)
		}
		sub := sendable[start:end]

		if !first {
			sleep(ctx, s.throttle)
		}
		first = false

		s.sendSubBatch(ctx, campaign, tpl, headerFileID, sub, &result)
	}

	return result, nil
}

func (s *WhatsAppSender) sendSubBatch(ctx context.Context, campaign *domain.Campaign, tpl *domain.WhatsAppTemplate, headerFileID string, sub []domain.Recipient, result *domain.BatchResult) {
	messages := make([]gatewayMessage, len(sub))
	for i, rcpt := range sub {
		messages[i] = gatewayMessage{
			Phone:        rcpt.Phone,
			TemplateName: tpl.Name,
			Language:     tpl.Language,
			Variables:    s.templateVars(campaign, tpl, rcpt),
			HeaderFileID: headerFileID,
			HeaderText:   tpl.Header.Text,
		}
	}

	results, err := s.gateway.SendMessages(ctx, messages)
	if err != nil {
		// The call failed before any per-message outcome was known;
		// every recipient in the sub-batch shares the error.
		logger.Warn("[WhatsAppSender] sub-batch failed",
			"campaign_id", campaign.ID,
			"recipients", len(sub),
			"error", err.Error())
		for _, rcpt := range sub {
			result.Results = append(result.Results, domain.MessageResult{
				RecipientID: rcpt.ID,
				Success:     false,
				Error:       err.Error(),
			})
		}
		return
	}

	for i, res := range results {
		rcpt := sub[i]
		if !res.Accepted {
			errMsg := res.Error
			if errMsg == "" {
				errMsg = "rejected by gateway"
			}
			result.Results = append(result.Results, domain.MessageResult{
				RecipientID: rcpt.ID,
				Success:     false,
				Error:       errMsg,
			})
			continue
		}

		result.Results = append(result.Results, domain.MessageResult{
			RecipientID:       rcpt.ID,
			Success:           true,
			ProviderMessageID: res.APIMessageID,
		})

		if s.activity != nil {
			s.activity.LogActivity(ctx, crm.ActivityEntry{
				ContactID:   rcpt.ID,
				Channel:     string(domain.ChannelWhatsApp),
				Description: "WhatsApp template " + tpl.Name,
				CampaignID:  campaign.ID,
			})
		}
	}
}

// templateVars overlays campaign-level variables and explicit
// per-recipient variables on top of the auto-derived fields, then keeps
// only the variables the template declares.
func (s *WhatsAppSender) templateVars(campaign *domain.Campaign, tpl *domain.WhatsAppTemplate, rcpt domain.Recipient) map[string]string {
	candidate := map[string]string{
		"name":       rcpt.Name,
		"first_name": firstName(rcpt.Name),
		"phone":      rcpt.Phone,
	}
	for k, v := range campaign.TemplateVariables {
		candidate[k] = v
	}
	for k, v := range rcpt.Variables {
		candidate[k] = v
	}

	if len(tpl.Variables) == 0 {
		return nil
	}
	vars := make(map[string]string, len(tpl.Variables))
	for _, name := range tpl.Variables {
		if v, ok := candidate[name]; ok {
			vars[name] = v
		}
	}
	return vars
}

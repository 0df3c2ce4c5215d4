package domain

import "time"

// Channel identifies the delivery channel for a campaign.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether the channel is one the dispatcher can send on.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelWhatsApp
}

// BatchSize returns the maximum number of recipients per batch for the
// channel. The sizes bound the external-API payload and how much state a
// single processing tick touches.
func (c Channel) BatchSize() int {
	if c == ChannelWhatsApp {
		return WhatsAppBatchSize
	}
	return EmailBatchSize
}

const (
	// EmailBatchSize is the maximum recipients per email batch.
	EmailBatchSize = 500
	// WhatsAppBatchSize is the maximum recipients per WhatsApp batch.
	WhatsAppBatchSize = 1000
	// WhatsAppSubBatchSize is the gateway's batch-send endpoint limit.
	WhatsAppSubBatchSize = 50
)

// CampaignStatus enumerates the lifecycle states of a campaign.
// Transitions move only forward (queued → processing → completed) except
// failed, which is terminal and reachable from any non-terminal state.
type CampaignStatus string

const (
	CampaignQueued     CampaignStatus = "queued"
	CampaignProcessing CampaignStatus = "processing"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignFailed     CampaignStatus = "failed"
)

// Campaign represents one outbound communication job. Counters are
// cumulative and updated as batches complete; TotalRecipients is
// provisional until batch creation (or filter expansion) finishes.
type Campaign struct {
	ID        string         `json:"id" db:"id"`
	Name      string         `json:"name" db:"name"`
	Channel   Channel        `json:"channel" db:"channel"`
	Status    CampaignStatus `json:"status" db:"status"`
	CreatedBy string         `json:"created_by" db:"created_by"`

	// Email payload.
	Subject     string `json:"subject,omitempty" db:"subject"`
	HTMLContent string `json:"html_content,omitempty" db:"html_content"`

	// WhatsApp payload.
	TemplateName      string            `json:"template_name,omitempty" db:"template_name"`
	TemplateVariables map[string]string `json:"template_variables,omitempty" db:"template_variables"`

	Attachments []Attachment `json:"attachments,omitempty" db:"attachments"`

	// FilterJSON is the serialized originating filter descriptor for
	// filter-based campaigns; empty for direct-recipient campaigns.
	FilterJSON string `json:"filter_json,omitempty" db:"filter_json"`

	TotalRecipients int `json:"total_recipients" db:"total_recipients"`
	SentCount       int `json:"sent_count" db:"sent_count"`
	DeliveredCount  int `json:"delivered_count" db:"delivered_count"`
	FailedCount     int `json:"failed_count" db:"failed_count"`
	OpenCount       int `json:"open_count" db:"open_count"`
	ClickCount      int `json:"click_count" db:"click_count"`

	TotalBatches int `json:"total_batches" db:"total_batches"`
	CurrentBatch int `json:"current_batch" db:"current_batch"`

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignFailed
}

// Attachment describes an email attachment. Inline attachments are
// embedded in the HTML at compose time; file attachments are fetched
// from blob storage and base64-encoded on demand.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	// StorageKey locates the file in blob storage. Empty when Content
	// is supplied directly.
	StorageKey string `json:"storage_key,omitempty"`
	// Content is the base64-encoded payload for attachments supplied
	// inline at campaign creation.
	Content string `json:"content,omitempty"`
	Inline  bool   `json:"inline,omitempty"`
	// ContentID is the cid reference for inline images.
	ContentID string `json:"content_id,omitempty"`
}

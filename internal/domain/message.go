package domain

import "time"

// MessageStatus enumerates per-recipient delivery states. The only
// permitted downgrade is sent → failed, driven by asynchronous bounce
// reconciliation arriving after an optimistic success.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// Message is the per-recipient delivery record, keyed uniquely by
// (campaign, recipient). It is independent of batching and backs
// fine-grained status queries and bounce reconciliation.
type Message struct {
	ID          string        `json:"id" db:"id"`
	CampaignID  string        `json:"campaign_id" db:"campaign_id"`
	RecipientID string        `json:"recipient_id" db:"recipient_id"`
	Email       string        `json:"email,omitempty" db:"email"`
	Phone       string        `json:"phone,omitempty" db:"phone"`
	Name        string        `json:"name" db:"name"`
	Channel     Channel       `json:"channel" db:"channel"`
	Status      MessageStatus `json:"status" db:"status"`

	SentAt            *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	ErrorMessage      string     `json:"error_message,omitempty" db:"error_message"`
	ProviderMessageID string     `json:"provider_message_id,omitempty" db:"provider_message_id"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// MessageResult is one recipient's outcome from a batch send, applied as
// an idempotent status update keyed by (campaign, recipient).
type MessageResult struct {
	RecipientID       string `json:"recipient_id"`
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

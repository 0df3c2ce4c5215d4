package domain

import "time"

// BatchStatus enumerates the lifecycle of a campaign batch. Status is
// monotonic: pending → processing → completed|failed, never backwards.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Recipient is the denormalized contact copy embedded in a batch. The
// copy decouples batch processing from the CRM being reachable mid-run,
// trading storage duplication for resilience during long sends.
type Recipient struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Name  string `json:"name"`
	// Variables holds per-recipient template substitutions (e.g.
	// referral code) on top of the auto-derived fields.
	Variables map[string]string `json:"variables,omitempty"`
}

// Batch is a bounded slice of a campaign's recipients and the unit of
// scheduling. Batches are never deleted; they serve as the audit trail
// of a campaign run.
type Batch struct {
	ID           string      `json:"id" db:"id"`
	CampaignID   string      `json:"campaign_id" db:"campaign_id"`
	BatchNumber  int         `json:"batch_number" db:"batch_number"`
	TotalBatches int         `json:"total_batches" db:"total_batches"`
	Status       BatchStatus `json:"status" db:"status"`
	Recipients   []Recipient `json:"recipients" db:"recipients"`

	ProcessedCount int `json:"processed_count" db:"processed_count"`
	SuccessCount   int `json:"success_count" db:"success_count"`
	FailureCount   int `json:"failure_count" db:"failure_count"`

	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

package campaign

import (
	"context"
	"time"

	"github.com/emberline/dispatch/internal/domain"
)

// CampaignRepository defines data access for campaign aggregates.
// Implementations must be safe for concurrent use.
type CampaignRepository interface {
	// Create inserts a new campaign.
	Create(ctx context.Context, c *domain.Campaign) error

	// Get returns a single campaign. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns matching the filter, newest first, plus
	// the total count.
	List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error)

	// TransitionStatus conditionally moves a campaign from one status
	// to another. Returns false (and no error) if the campaign was not
	// in the expected status: the caller lost the race or the
	// transition already happened.
	TransitionStatus(ctx context.Context, id string, from, to domain.CampaignStatus) (bool, error)

	// MarkFailed forces the campaign into the terminal failed state
	// from any non-terminal status.
	MarkFailed(ctx context.Context, id string) error

	// SetTotalRecipients corrects the provisional recipient total
	// (filter expansion completing).
	SetTotalRecipients(ctx context.Context, id string, total int) error

	// SetTotalBatches updates the campaign's batch count.
	SetTotalBatches(ctx context.Context, id string, total int) error

	// SetCurrentBatch records which batch a tick is working on.
	SetCurrentBatch(ctx context.Context, id string, current int) error

	// AddCounters atomically increments the cumulative delivery
	// counters (sent = delivered + failed deltas).
	AddCounters(ctx context.Context, id string, delivered, failed int) error

	// IncrementOpens / IncrementClicks / IncrementFailed back the
	// tracking endpoints and bounce reconciliation.
	IncrementOpens(ctx context.Context, id string) error
	IncrementClicks(ctx context.Context, id string) error
	IncrementFailed(ctx context.Context, id string) error
}

// BatchRepository defines data access for campaign batches. The
// (campaign_id, status) lookup must be index-backed; campaigns can grow
// to thousands of batches.
type BatchRepository interface {
	// CreateBatches inserts a set of batches in one shot.
	CreateBatches(ctx context.Context, batches []domain.Batch) error

	// ClaimNext atomically claims the lowest-numbered pending batch for
	// the campaign, moving it pending → processing and stamping
	// started_at. Returns ErrNoPendingBatch if nothing is claimable.
	// The conditional update guarantees at most one processor per
	// batch even if a tick is ever double-delivered.
	ClaimNext(ctx context.Context, campaignID string) (*domain.Batch, error)

	// MarkCompleted finishes a batch with its final counters.
	MarkCompleted(ctx context.Context, batchID string, processed, success, failure int) error

	// MarkFailed finishes a batch with a batch-fatal error.
	MarkFailed(ctx context.Context, batchID string, errMsg string) error

	// AnyActive reports whether any batch for the campaign is still
	// pending or processing, excluding the given batch id.
	AnyActive(ctx context.Context, campaignID, excludeBatchID string) (bool, error)

	// ListByCampaign returns all batches ordered by batch number
	// (progress UI; recipients omitted).
	ListByCampaign(ctx context.Context, campaignID string) ([]domain.Batch, error)

	// MaxBatchNumber returns the highest batch number assigned so far
	// (0 when none). Filter pages continue numbering from here.
	MaxBatchNumber(ctx context.Context, campaignID string) (int, error)

	// SetTotalBatches refreshes the informational total on every batch
	// of the campaign after late pages extend the sequence.
	SetTotalBatches(ctx context.Context, campaignID string, total int) error
}

// MessageRepository defines data access for per-recipient delivery
// records. At most one row exists per (campaign, recipient).
type MessageRepository interface {
	// BulkCreate inserts pending messages for a recipient set.
	BulkCreate(ctx context.Context, msgs []domain.Message) error

	// ApplyResults upserts per-recipient outcomes keyed by
	// (campaign_id, recipient_id). Applying the same result twice
	// leaves exactly one row with the latest values.
	ApplyResults(ctx context.Context, campaignID string, results []domain.MessageResult, sentAt time.Time) error

	// Get returns a single message by its composite key.
	Get(ctx context.Context, campaignID, recipientID string) (*domain.Message, error)

	// MarkBounced downgrades a message to failed for an asynchronous
	// bounce. Returns false if the message was already failed (the
	// double-count guard) or does not exist.
	MarkBounced(ctx context.Context, campaignID, recipientID, reason string) (bool, error)

	// ListByCampaign returns messages for fine-grained status queries.
	ListByCampaign(ctx context.Context, campaignID string, status domain.MessageStatus, limit, offset int) ([]domain.Message, error)
}

// Scheduler enqueues dispatch work. Implemented by the worker's tick
// queue; injected so the service stays free of queue mechanics.
type Scheduler interface {
	// ScheduleTick enqueues one "process next batch" tick for the
	// campaign after the given delay.
	ScheduleTick(ctx context.Context, campaignID string, delay time.Duration) error

	// ScheduleExpansion enqueues a filter-expansion job.
	ScheduleExpansion(ctx context.Context, campaignID string) error
}

// ContactSource streams CRM contacts matching a serialized filter
// descriptor, invoking onPage once per page in arrival order. Fetch
// errors and onPage errors abort the stream and propagate.
type ContactSource interface {
	FetchMatchingContacts(ctx context.Context, filterJSON string, onPage func(context.Context, []domain.Contact) error) error
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}

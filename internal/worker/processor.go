package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/notify"
	"github.com/emberline/dispatch/internal/pkg/logger"
	"github.com/emberline/dispatch/internal/sender"
	"github.com/emberline/dispatch/internal/service/campaign"
)

// BatchProcessor runs one scheduling tick: claim the next pending batch
// of a campaign, drive it through the channel sender, persist outcomes,
// and either finish the campaign or schedule the next tick. One tick
// touches exactly one batch, so a crash loses at most one batch of
// progress.
type BatchProcessor struct {
	campaigns campaign.CampaignRepository
	batches   campaign.BatchRepository
	messages  campaign.MessageRepository
	senders   map[domain.Channel]sender.Sender
	notifier  notify.Sink
	scheduler campaign.Scheduler
	tickDelay time.Duration
}

func NewBatchProcessor(
	campaigns campaign.CampaignRepository,
	batches campaign.BatchRepository,
	messages campaign.MessageRepository,
	senders map[domain.Channel]sender.Sender,
	notifier notify.Sink,
	scheduler campaign.Scheduler,
	tickDelay time.Duration,
) *BatchProcessor {
	return &BatchProcessor{
		campaigns: campaigns,
		batches:   batches,
		messages:  messages,
		senders:   senders,
		notifier:  notifier,
		scheduler: scheduler,
		tickDelay: tickDelay,
	}
}

// ProcessTick processes the next pending batch for the campaign. A
// missing campaign or an empty pending queue ends the run quietly; a
// batch-fatal send error fails the batch and the campaign and schedules
// nothing further.
func (p *BatchProcessor) ProcessTick(ctx context.Context, campaignID string) error {
	camp, err := p.campaigns.Get(ctx, campaignID)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			logger.Error("[BatchProcessor] campaign gone, dropping tick", "campaign_id", campaignID)
			return nil
		}
		return fmt.Errorf("loading campaign %s: %w", campaignID, err)
	}
	if camp.IsTerminal() {
		logger.Debug("[BatchProcessor] campaign already terminal, dropping tick",
			"campaign_id", campaignID,
			"status", string(camp.Status))
		return nil
	}

	batch, err := p.batches.ClaimNext(ctx, campaignID)
	if err != nil {
		if errors.Is(err, campaign.ErrNoPendingBatch) {
			return nil
		}
		return fmt.Errorf("claiming batch for campaign %s: %w", campaignID, err)
	}

	logger.Info("[BatchProcessor] processing batch",
		"campaign_id", campaignID,
		"batch_number", batch.BatchNumber,
		"recipients", len(batch.Recipients))

	// First claimed batch flips the campaign to processing and emits
	// the one-time started notification.
	flipped, err := p.campaigns.TransitionStatus(ctx, campaignID, domain.CampaignQueued, domain.CampaignProcessing)
	if err != nil {
		return fmt.Errorf("transitioning campaign %s: %w", campaignID, err)
	}
	if flipped {
		p.notifier.Notify(ctx, camp.CreatedBy,
			"Campaign Started",
			fmt.Sprintf("Campaign %q has started sending.", camp.Name),
			domain.NotificationInfo,
			"/campaigns/"+camp.ID)
	}
	if err := p.campaigns.SetCurrentBatch(ctx, campaignID, batch.BatchNumber); err != nil {
		return fmt.Errorf("updating current batch: %w", err)
	}

	snd, ok := p.senders[camp.Channel]
	if !ok {
		return p.failBatch(ctx, camp, batch, fmt.Errorf("no sender for channel %s", camp.Channel))
	}

	result, err := snd.SendBatch(ctx, camp, batch)
	if err != nil {
		return p.failBatch(ctx, camp, batch, err)
	}

	if err := p.messages.ApplyResults(ctx, campaignID, result.Results, time.Now()); err != nil {
		return fmt.Errorf("applying message results: %w", err)
	}

	success, failure := result.Successes(), result.Failures()
	if err := p.batches.MarkCompleted(ctx, batch.ID, len(result.Results), success, failure); err != nil {
		return fmt.Errorf("completing batch: %w", err)
	}
	if err := p.campaigns.AddCounters(ctx, campaignID, success, failure); err != nil {
		return fmt.Errorf("updating campaign counters: %w", err)
	}

	active, err := p.batches.AnyActive(ctx, campaignID, batch.ID)
	if err != nil {
		return fmt.Errorf("checking remaining batches: %w", err)
	}
	if active {
		return p.scheduler.ScheduleTick(ctx, campaignID, p.tickDelay)
	}

	// The conditional transition makes completion fire exactly once
	// even if a stray extra tick reaches this point.
	completed, err := p.campaigns.TransitionStatus(ctx, campaignID, domain.CampaignProcessing, domain.CampaignCompleted)
	if err != nil {
		return fmt.Errorf("completing campaign %s: %w", campaignID, err)
	}
	if completed {
		logger.Info("[BatchProcessor] campaign completed", "campaign_id", campaignID)
		p.notifier.Notify(ctx, camp.CreatedBy,
			"Campaign Completed",
			fmt.Sprintf("Campaign %q has finished sending.", camp.Name),
			domain.NotificationSuccess,
			"/campaigns/"+camp.ID)
	}
	return nil
}

// failBatch handles a batch-fatal error: the batch and the campaign are
// both failed, a notification goes out, and no further tick is
// scheduled. The pipeline halts until someone intervenes.
func (p *BatchProcessor) failBatch(ctx context.Context, camp *domain.Campaign, batch *domain.Batch, cause error) error {
	logger.Error("[BatchProcessor] batch failed",
		"campaign_id", camp.ID,
		"batch_number", batch.BatchNumber,
		"error", cause.Error())

	if err := p.batches.MarkFailed(ctx, batch.ID, cause.Error()); err != nil {
		return fmt.Errorf("marking batch failed: %w", err)
	}
	if err := p.campaigns.MarkFailed(ctx, camp.ID); err != nil {
		return fmt.Errorf("marking campaign failed: %w", err)
	}

	p.notifier.Notify(ctx, camp.CreatedBy,
		"Campaign Failed",
		fmt.Sprintf("Campaign %q failed on batch %d: %s", camp.Name, batch.BatchNumber, cause.Error()),
		domain.NotificationError,
		"/campaigns/"+camp.ID)
	return nil
}

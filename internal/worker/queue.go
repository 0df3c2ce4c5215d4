package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const jobsKey = "dispatch:jobs"

// JobType discriminates queued work.
type JobType string

const (
	// JobTick processes the next pending batch of a campaign.
	JobTick JobType = "tick"
	// JobExpand runs filter expansion for a campaign.
	JobExpand JobType = "expand"
)

// Job is one unit of deferred work.
type Job struct {
	Type       JobType `json:"type"`
	CampaignID string  `json:"campaign_id"`
}

// popDueScript atomically removes and returns members whose score
// (ready-at, unix millis) has passed. Without the script, two workers
// could both read the same due member before either removes it.
var popDueScript = redis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	for _, member in ipairs(due) do
		redis.call("ZREM", KEYS[1], member)
	end
	return due
`)

// TickQueue is a Redis-backed delayed job queue. Jobs are members of a
// sorted set scored by their ready-at time; one member per (type,
// campaign), so re-enqueueing an already-queued job just moves its
// ready-at instead of duplicating it.
type TickQueue struct {
	client *redis.Client
}

func NewTickQueue(client *redis.Client) *TickQueue {
	return &TickQueue{client: client}
}

func (q *TickQueue) enqueue(ctx context.Context, job Job, delay time.Duration) error {
	member, err := json.Marshal(job)
	if err != nil {
		return err
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, jobsKey, redis.Z{Score: score, Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("enqueue %s for campaign %s: %w", job.Type, job.CampaignID, err)
	}
	return nil
}

// ScheduleTick enqueues one batch-processing tick for the campaign
// after the given delay.
func (q *TickQueue) ScheduleTick(ctx context.Context, campaignID string, delay time.Duration) error {
	return q.enqueue(ctx, Job{Type: JobTick, CampaignID: campaignID}, delay)
}

// ScheduleExpansion enqueues a filter-expansion job for immediate
// pickup.
func (q *TickQueue) ScheduleExpansion(ctx context.Context, campaignID string) error {
	return q.enqueue(ctx, Job{Type: JobExpand, CampaignID: campaignID}, 0)
}

// PopDue removes and returns up to limit jobs that are ready to run.
func (q *TickQueue) PopDue(ctx context.Context, limit int) ([]Job, error) {
	now := time.Now().UnixMilli()
	raw, err := popDueScript.Run(ctx, q.client, []string{jobsKey}, now, limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("pop due jobs: %w", err)
	}

	jobs := make([]Job, 0, len(raw))
	for _, member := range raw {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			// A malformed member would otherwise come back every poll.
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth returns the number of queued jobs, due or not.
func (q *TickQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, jobsKey).Result()
}

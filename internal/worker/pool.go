// Package worker runs the dispatch loop: a Redis-backed delayed job
// queue feeding a small worker pool. Each tick job touches exactly one
// batch and re-enqueues itself while work remains, so the pool never
// holds a campaign for longer than one batch.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberline/dispatch/internal/pkg/distlock"
	"github.com/emberline/dispatch/internal/pkg/logger"
	"github.com/emberline/dispatch/internal/service/campaign"
)

const (
	// defaultPollInterval is how often the queue is checked for due
	// jobs.
	defaultPollInterval = 250 * time.Millisecond

	// popLimit caps how many due jobs one poll hands to the pool.
	popLimit = 32

	// lockRetryDelay is how long a tick waits before retrying when
	// another worker holds the campaign lock.
	lockRetryDelay = time.Second
)

// Pool consumes the tick queue with a fixed number of workers. A
// per-campaign distributed lock serializes ticks for the same campaign
// across workers and processes; batch order within a campaign depends
// on it.
type Pool struct {
	queue        *TickQueue
	processor    *BatchProcessor
	svc          *campaign.Service
	redisClient  *redis.Client
	db           *sql.DB
	workers      int
	pollInterval time.Duration
	lockTTL      time.Duration

	processed int64
	errors    int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewPool(queue *TickQueue, processor *BatchProcessor, svc *campaign.Service, redisClient *redis.Client, db *sql.DB, workers int, pollInterval, lockTTL time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Pool{
		queue:        queue,
		processor:    processor,
		svc:          svc,
		redisClient:  redisClient,
		db:           db,
		workers:      workers,
		pollInterval: pollInterval,
		lockTTL:      lockTTL,
	}
}

// Start launches the poll loop and worker goroutines.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pool already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	logger.Info("[Pool] starting", "workers", p.workers, "poll_interval", p.pollInterval.String())

	jobs := make(chan Job, popLimit)

	p.wg.Add(1)
	go p.pollLoop(jobs)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(jobs)
	}
	return nil
}

// Stop drains in-flight jobs and shuts the pool down.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	logger.Info("[Pool] stopped",
		"processed", atomic.LoadInt64(&p.processed),
		"errors", atomic.LoadInt64(&p.errors))
}

func (p *Pool) pollLoop(jobs chan<- Job) {
	defer p.wg.Done()
	defer close(jobs)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			due, err := p.queue.PopDue(p.ctx, popLimit)
			if err != nil {
				if p.ctx.Err() == nil {
					logger.Error("[Pool] queue poll failed", "error", err.Error())
				}
				continue
			}
			for _, job := range due {
				select {
				case jobs <- job:
				case <-p.ctx.Done():
					return
				}
			}
		}
	}
}

func (p *Pool) workerLoop(jobs <-chan Job) {
	defer p.wg.Done()

	for job := range jobs {
		if err := p.runJob(p.ctx, job); err != nil {
			atomic.AddInt64(&p.errors, 1)
			logger.Error("[Pool] job failed",
				"type", string(job.Type),
				"campaign_id", job.CampaignID,
				"error", err.Error())
		} else {
			atomic.AddInt64(&p.processed, 1)
		}
	}
}

func (p *Pool) runJob(ctx context.Context, job Job) error {
	switch job.Type {
	case JobTick:
		return p.runTick(ctx, job.CampaignID)
	case JobExpand:
		return p.svc.ExpandFilter(ctx, job.CampaignID)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// runTick serializes on the campaign lock. Losing the lock is not an
// error; the tick is pushed back onto the queue for a later attempt.
func (p *Pool) runTick(ctx context.Context, campaignID string) error {
	lock := distlock.ForCampaign(p.redisClient, p.db, campaignID, p.lockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring campaign lock: %w", err)
	}
	if !acquired {
		return p.queue.ScheduleTick(ctx, campaignID, lockRetryDelay)
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warn("[Pool] lock release failed", "campaign_id", campaignID, "error", err.Error())
		}
	}()

	return p.processor.ProcessTick(ctx, campaignID)
}

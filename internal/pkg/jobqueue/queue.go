package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/CarePay/internal/pkg/billing"
	metrics "github.com/ManuelReschke/CarePay/internal/pkg/metrics/counter"
)

const (
	// Redis key prefixes
	JobKeyPrefix           = "carepay:job:"
	JobQueueKey            = "carepay:job_queue"
	JobProcessingKey       = "carepay:job_processing"
	JobStatsKey            = "carepay:job_stats"
	ResumePendingKeyPrefix = "carepay:resume_pending:"

	// Job settings
	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour

	defaultWorkers = 3
)

// PaymentRunner is the part of the billing processor the queue drives.
type PaymentRunner interface {
	ProcessPayment(ctx context.Context, id string, pc billing.PaymentContext) (*billing.Outcome, error)
	ResumePayment(ctx context.Context, id string) (*billing.Outcome, error)
}

// QueueConfig sizes the worker pool and the recovery timings of payment jobs.
type QueueConfig struct {
	Workers int
	// RetryDelay is the base wait before a failed job is pushed again. Retry
	// n waits n times as long.
	RetryDelay time.Duration
	// StuckAge is how long a job may stay in processing before the sweeper
	// hands it to another worker.
	StuckAge      time.Duration
	SweepInterval time.Duration
}

// QueueConfigFor derives the job timings from the payment retry protocol.
// A payment job keeps its worker through every backoff sleep, so it only
// counts as stuck once a full retry chain and two claim leases have passed.
// Contended jobs retry once the competing claim could have lapsed.
func QueueConfigFor(cfg billing.Config, workers int) QueueConfig {
	return QueueConfig{
		Workers:       workers,
		RetryDelay:    cfg.ClaimTTL,
		StuckAge:      billing.ChainBudget(cfg) + 2*cfg.ClaimTTL,
		SweepInterval: cfg.ClaimTTL,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.StuckAge <= 0 {
		c.StuckAge = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Queue runs payment jobs on a pool of workers backed by Redis lists.
type Queue struct {
	client     *redis.Client
	payments   PaymentRunner
	outcomes   metrics.Counter
	cfg        QueueConfig
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewQueue creates a payment job queue. outcomes may be nil.
func NewQueue(client *redis.Client, payments PaymentRunner, outcomes metrics.Counter, cfg QueueConfig) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		client:     client,
		payments:   payments,
		outcomes:   outcomes,
		cfg:        cfg,
		workerPool: make(chan struct{}, cfg.Workers),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the payment workers and the stuck-job sweeper.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	log.Infof("[JobQueue] Starting %d payment workers", q.cfg.Workers)

	for i := 0; i < q.cfg.Workers; i++ {
		q.workerPool <- struct{}{}
	}
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.stuckSweeper()
}

// Stop waits for in-flight payment jobs to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping payment workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All payment workers stopped")
}

func (q *Queue) stuckSweeper() {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (stuckAge=%s, interval=%s)", q.cfg.StuckAge, q.cfg.SweepInterval)
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			if n := q.recoverStuck(context.Background(), time.Now()); n > 0 {
				log.Warnf("[JobQueue] Requeued %d stuck payment job(s)", n)
			}
		}
	}
}

// recoverStuck moves jobs that have been processing for longer than
// StuckAge back to the pending list and drops stray processing entries.
// It returns the number of requeued jobs.
func (q *Queue) recoverStuck(ctx context.Context, now time.Time) int {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		log.Errorf("[JobQueue] Sweeper LRange error: %v", err)
		return 0
	}
	requeued := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			if err != nil && err != redis.Nil {
				log.Errorf("[JobQueue] Sweeper dropping unreadable job %s: %v", id, err)
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		started := job.startedAt()
		if now.Sub(started) <= q.cfg.StuckAge {
			continue
		}
		log.Warnf("[JobQueue] Recovering stuck %s job %s for record %s, age=%s", job.Type, job.ID, job.recordID(), now.Sub(started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, job)
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, JobProcessingKey, 1, id)
		pipe.RPush(ctx, JobQueueKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Errorf("[JobQueue] Sweeper requeue of %s: %v", id, err)
			continue
		}
		requeued++
	}
	return requeued
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			<-q.workerPool

			job, err := q.dequeueJob(ctx)
			if err != nil {
				if err != redis.Nil {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
				}
				q.workerPool <- struct{}{}
				time.Sleep(time.Second)
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d running %s for record %s (job %s)", id, job.Type, job.recordID(), job.ID)
				q.processJob(ctx, job)
			}

			q.workerPool <- struct{}{}
		}
	}
}

// EnqueueJob stores a job and pushes it onto the pending list.
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued %s for record %s (job %s)", job.Type, job.recordID(), job.ID)
	return job, nil
}

// EnqueuePayment queues the first payment run for a billing record.
func (q *Queue) EnqueuePayment(ctx context.Context, payload PaymentJobPayload) (*Job, error) {
	if payload.RecordID == "" {
		return nil, fmt.Errorf("cannot enqueue payment without record id")
	}
	return q.EnqueueJob(ctx, JobTypeProcessPayment, payload.ToMap())
}

// EnqueueResume queues a resume for a stalled retry chain. While a resume
// for the record is still queued or running it returns nil, nil.
func (q *Queue) EnqueueResume(ctx context.Context, recordID string) (*Job, error) {
	if recordID == "" {
		return nil, fmt.Errorf("cannot enqueue resume without record id")
	}
	key := ResumePendingKeyPrefix + recordID
	ok, err := q.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), q.resumeMarkerTTL()).Result()
	if err != nil {
		return nil, fmt.Errorf("mark resume pending: %w", err)
	}
	if !ok {
		log.Debugf("[JobQueue] Resume for record %s already queued", recordID)
		return nil, nil
	}
	job, err := q.EnqueueJob(ctx, JobTypeResumePayment, PaymentJobPayload{RecordID: recordID}.ToMap())
	if err != nil {
		_ = q.client.Del(ctx, key).Err()
		return nil, err
	}
	return job, nil
}

// resumeMarkerTTL covers a resume job through all of its retries and one
// sweeper recovery. The marker outlives a crashed worker by at most this.
func (q *Queue) resumeMarkerTTL() time.Duration {
	retries := time.Duration(DefaultMaxRetries * (DefaultMaxRetries + 1) / 2)
	return q.cfg.StuckAge + q.cfg.RetryDelay*retries + q.cfg.SweepInterval
}

func (q *Queue) clearResumeMarker(ctx context.Context, job *Job) {
	if job.Type != JobTypeResumePayment {
		return
	}
	if err := q.client.Del(ctx, ResumePendingKeyPrefix+job.recordID()).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to clear resume marker of record %s: %v", job.recordID(), err)
	}
}

func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job %s unreadable: %w", jobID, err)
	}
	return job, nil
}

// processJob runs one job and books the result. Retryable failures go back
// on the pending list after RetryDelay times the attempt number.
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	err := q.handle(ctx, job)
	switch {
	case err == nil:
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		q.removeCompletedJob(ctx, job.ID)
		q.clearResumeMarker(ctx, job)
	default:
		log.Errorf("[JobQueue] %s for record %s failed: %v", job.Type, job.recordID(), err)
		job.MarkAsFailed(err.Error())
		if job.IsRetryable() {
			delay := q.cfg.RetryDelay * time.Duration(job.RetryCount)
			log.Infof("[JobQueue] Retrying job %s in %s (attempt %d/%d)", job.ID, delay, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			time.AfterFunc(delay, func() {
				q.client.LPush(context.Background(), JobQueueKey, job.ID)
			})
		} else {
			log.Errorf("[JobQueue] Job %s permanently failed after %d retries", job.ID, job.RetryCount)
			q.updateJobStats(ctx, JobStatusFailed, 1)
			q.clearResumeMarker(ctx, job)
		}
		q.updateJob(ctx, job)
	}
	q.removeFromProcessing(ctx, job.ID)
}

func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing list: %v", jobID, err)
	}
}

func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, JobKeyPrefix+jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s: %v", jobID, err)
	}
}

func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob loads a job by ID. Completed jobs are deleted and return redis.Nil.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns completed, failed and enqueued totals.
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64, len(stats))
	for status, count := range stats {
		if n, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = n
		}
	}
	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

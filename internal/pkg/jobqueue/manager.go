package jobqueue

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CarePay/app/repository"
	"github.com/ManuelReschke/CarePay/internal/pkg/billing"
	"github.com/ManuelReschke/CarePay/internal/pkg/env"
	metrics "github.com/ManuelReschke/CarePay/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CarePay/internal/pkg/webhook"
)

// AttemptSweeper drops expired attempt windows from a process-local ledger.
type AttemptSweeper interface {
	Sweep(window time.Duration, now time.Time) int
}

// ManagerConfig holds the background task intervals.
type ManagerConfig struct {
	Workers         int
	RedriveInterval time.Duration
	PurgeInterval   time.Duration
	StalledInterval time.Duration
	SweepInterval   time.Duration
	FlushInterval   time.Duration
	StalledBatch    int
	AttemptWindow   time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Workers:         5,
		RedriveInterval: 2 * time.Minute,
		PurgeInterval:   time.Hour,
		StalledInterval: time.Minute,
		SweepInterval:   5 * time.Minute,
		FlushInterval:   time.Minute,
		StalledBatch:    50,
		AttemptWindow:   time.Hour,
	}
}

func ManagerConfigFromEnv() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Workers = env.GetEnvInt("JOBQUEUE_WORKERS", cfg.Workers)
	cfg.RedriveInterval = env.GetEnvDuration("WEBHOOK_REDRIVE_INTERVAL", cfg.RedriveInterval)
	cfg.PurgeInterval = env.GetEnvDuration("WEBHOOK_PURGE_INTERVAL", cfg.PurgeInterval)
	cfg.StalledInterval = env.GetEnvDuration("PAYMENT_STALLED_INTERVAL", cfg.StalledInterval)
	cfg.SweepInterval = env.GetEnvDuration("SECURITY_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.FlushInterval = env.GetEnvDuration("METRICS_FLUSH_INTERVAL", cfg.FlushInterval)
	cfg.StalledBatch = env.GetEnvInt("PAYMENT_STALLED_BATCH", cfg.StalledBatch)
	return cfg
}

// Tasks are the collaborators the periodic workers drive. Queue, Sweeper
// and Outcomes are optional.
type Tasks struct {
	Queue    *Queue
	Payments PaymentRunner
	Records  repository.BillingRecordRepository
	Webhooks *webhook.Ledger
	Apply    webhook.Applier
	Sweeper  AttemptSweeper
	Outcomes metrics.Counter
}

// Manager manages the job queue and background tasks
type Manager struct {
	tasks   Tasks
	cfg     ManagerConfig
	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewManager(tasks Tasks, cfg ManagerConfig) *Manager {
	return &Manager{
		tasks:  tasks,
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue, nil without Redis
func (m *Manager) GetQueue() *Queue {
	return m.tasks.Queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	if m.tasks.Queue != nil {
		m.tasks.Queue.Start()
	}

	if m.tasks.Webhooks != nil && m.tasks.Apply != nil {
		m.every("webhook re-drive", m.cfg.RedriveInterval, m.redriveWebhooksOnce)
		m.every("webhook retention", m.cfg.PurgeInterval, m.purgeWebhooksOnce)
	}
	if m.tasks.Records != nil && m.tasks.Payments != nil {
		m.every("stalled payments", m.cfg.StalledInterval, m.resumeStalledOnce)
	}
	if m.tasks.Sweeper != nil {
		m.every("attempt sweep", m.cfg.SweepInterval, func(ctx context.Context) error {
			m.tasks.Sweeper.Sweep(m.cfg.AttemptWindow, m.now())
			return nil
		})
	}
	if m.tasks.Outcomes != nil {
		m.every("outcome flush", m.cfg.FlushInterval, m.flushOutcomesOnce)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// every runs fn on a ticker until Stop.
func (m *Manager) every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		log.Warnf("[JobQueue Manager] %s worker disabled (interval=%s)", name, interval)
		return
	}
	ticker := time.NewTicker(interval)
	stopCh := m.stopCh
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", name, interval)
		for {
			select {
			case <-stopCh:
				log.Infof("[JobQueue Manager] %s worker stopping", name)
				return
			case <-ticker.C:
				if err := fn(context.Background()); err != nil {
					log.Errorf("[JobQueue Manager] %s error: %v", name, err)
				}
			}
		}
	}()
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	// Signal workers to stop
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	if m.tasks.Queue != nil {
		m.tasks.Queue.Stop()
	}
	if m.tasks.Outcomes != nil {
		if err := m.flushOutcomesOnce(context.Background()); err != nil {
			log.Errorf("[JobQueue Manager] final outcome flush: %v", err)
		}
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) redriveWebhooksOnce(ctx context.Context) error {
	_, _, err := m.tasks.Webhooks.Redrive(ctx, m.tasks.Apply)
	return err
}

func (m *Manager) purgeWebhooksOnce(ctx context.Context) error {
	_, err := m.tasks.Webhooks.PurgeExpired(ctx)
	return err
}

// resumeStalledOnce picks up retry chains whose processor died. With a
// queue the resume runs on a worker and a record gets at most one queued
// resume, otherwise it runs inline.
func (m *Manager) resumeStalledOnce(ctx context.Context) error {
	stalled, err := m.tasks.Records.ListStalled(ctx, m.now(), m.cfg.StalledBatch)
	if err != nil {
		return err
	}
	resumed := 0
	for _, rec := range stalled {
		if m.tasks.Queue != nil {
			job, err := m.tasks.Queue.EnqueueResume(ctx, rec.ID)
			if err != nil {
				log.Errorf("[JobQueue Manager] enqueue resume for %s: %v", rec.ID, err)
			}
			if job != nil {
				resumed++
			}
			continue
		}
		resumed++
		out, err := m.tasks.Payments.ResumePayment(ctx, rec.ID)
		if m.tasks.Outcomes != nil {
			_ = m.tasks.Outcomes.Add(ctx, billing.OutcomeLabel(out, err), 1)
		}
		if err != nil {
			log.Warnf("[JobQueue Manager] resume of %s: %v", rec.ID, err)
		}
	}
	if resumed > 0 {
		log.Infof("[JobQueue Manager] resumed %d stalled payment(s)", resumed)
	}
	return nil
}

// flushOutcomesOnce drains the outcome counters into one log line.
func (m *Manager) flushOutcomesOnce(ctx context.Context) error {
	counts, err := m.tasks.Outcomes.Drain(ctx)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatInt(counts[k], 10))
	}
	log.Infof("[Metrics] payment outcomes: %s", strings.Join(parts, " "))
	return nil
}

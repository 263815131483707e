package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/CarePay/app/controllers"
	"github.com/ManuelReschke/CarePay/app/repository"
	"github.com/ManuelReschke/CarePay/internal/pkg/billing"
	"github.com/ManuelReschke/CarePay/internal/pkg/cache"
	"github.com/ManuelReschke/CarePay/internal/pkg/database"
	"github.com/ManuelReschke/CarePay/internal/pkg/env"
	"github.com/ManuelReschke/CarePay/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CarePay/internal/pkg/mail"
	"github.com/ManuelReschke/CarePay/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CarePay/internal/pkg/middleware"
	"github.com/ManuelReschke/CarePay/internal/pkg/router"
	"github.com/ManuelReschke/CarePay/internal/pkg/security"
	"github.com/ManuelReschke/CarePay/internal/pkg/webhook"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info("[HTTP] Shutting down...")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Errorf("[HTTP] shutdown: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	manager.Stop()
	_ = cache.Close()
	if err != nil {
		log.Fatal(err)
	}
}

// redisClient returns the cache client when Redis answers, nil otherwise.
func redisClient() *redis.Client {
	client := cache.GetClient()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("[Cache] Redis unavailable, running with process-local ledgers: %v", err)
		return nil
	}
	return client
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()
	rdb := redisClient()

	var (
		ledger   security.AttemptLedger
		sweeper  jobqueue.AttemptSweeper
		outcomes counter.Counter
	)
	if rdb != nil {
		ledger = security.NewRedisLedger(rdb)
		outcomes = counter.NewRedisCounter(rdb)
	} else {
		mem := security.NewMemoryLedger()
		ledger, sweeper = mem, mem
		outcomes = counter.NewMemoryCounter()
	}
	gate := security.NewGate(ledger, security.NewRepositoryHistory(repos.BillingRecord), security.ConfigFromEnv())

	var notifier billing.Notifier = mail.LogNotifier{}
	if mail.Configured() {
		notifier = mail.NewNotifierFromEnv()
	}

	cfg := billing.ConfigFromEnv()
	processor := billing.NewProcessor(repos, billing.NewHTTPGatewayFromEnv(), notifier, gate, cfg)
	service := billing.NewService(repos, cfg)
	reconciler := billing.NewReconciler(repos, notifier, cfg)
	webhooks := webhook.NewLedger(repos.WebhookEvent, webhook.ConfigFromEnv())

	managerCfg := jobqueue.ManagerConfigFromEnv()
	var queue *jobqueue.Queue
	var enqueuer controllers.PaymentEnqueuer
	if rdb != nil {
		queue = jobqueue.NewQueue(rdb, processor, outcomes, jobqueue.QueueConfigFor(cfg, managerCfg.Workers))
		enqueuer = queue
	}
	manager := jobqueue.NewManager(jobqueue.Tasks{
		Queue:    queue,
		Payments: processor,
		Records:  repos.BillingRecord,
		Webhooks: webhooks,
		Apply:    reconciler.Apply,
		Sweeper:  sweeper,
		Outcomes: outcomes,
	}, managerCfg)

	// Immutable: request values outlive handlers in the memory repositories
	app := fiber.New(fiber.Config{
		BodyLimit:   1 << 20,
		ReadTimeout: 15 * time.Second,
		Immutable:   true,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	var storage fiber.Storage
	if rdb != nil {
		storage = router.NewLimiterStorage(rdb)
	}

	// ROUTER
	router.InstallRouter(app, router.Deps{
		Billing:   controllers.NewBillingController(service, processor, enqueuer, outcomes),
		Webhooks:  controllers.NewWebhookController(webhooks, reconciler.Apply, env.GetEnv("WEBHOOK_SECRET", "")),
		Admin:     controllers.NewAdminController(webhooks, reconciler.Apply, outcomes),
		APIKeys:   middleware.KeysFromEnv("API_KEYS"),
		AdminKeys: middleware.KeysFromEnv("ADMIN_API_KEYS"),
		Storage:   storage,
		Limit:     router.LimitConfigFromEnv(),
	})

	return app, manager
}

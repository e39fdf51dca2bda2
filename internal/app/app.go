// Package app builds and runs the crawl orchestrator service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/agent"
	"github.com/ryu-qqq/crawlinghub/internal/api"
	"github.com/ryu-qqq/crawlinghub/internal/config"
	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/engine"
	"github.com/ryu-qqq/crawlinghub/internal/lock"
	"github.com/ryu-qqq/crawlinghub/internal/logging"
	"github.com/ryu-qqq/crawlinghub/internal/metrics"
	"github.com/ryu-qqq/crawlinghub/internal/outbox"
	"github.com/ryu-qqq/crawlinghub/internal/queue"
	"github.com/ryu-qqq/crawlinghub/internal/storage/postgres"
	"github.com/ryu-qqq/crawlinghub/internal/trigger"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *postgres.Store
	redis     *redis.Client
	pubsub    *queue.PubSub
	pool      *agent.Pool
	sessions  *agent.SessionManager
	publisher *outbox.Publisher
	sweeper   *outbox.Sweeper
	engine    *engine.Engine
	worker    *engine.Worker
	scheduler *trigger.Scheduler
	cronJobs  *cron.Cron
	apiServer *api.Server
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	clock := crawl.SystemClock{}

	a.store, err = postgres.New(ctx, postgres.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(cfg.Database.MaxConnLifeMins) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	if err := a.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("schema init failed: %w", err)
	}
	logger.Info("postgres store initialized")

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	locker := lock.NewRedisLocker(a.redis, "crawlhub:lock",
		time.Duration(cfg.Redis.LockTTLSecs)*time.Second)

	sender, err := a.setupQueue(ctx)
	if err != nil {
		return nil, err
	}

	a.publisher = outbox.NewPublisher(a.store, a.store, sender, clock, outbox.Config{
		MaxRetries:  cfg.Outbox.MaxRetries,
		SendTimeout: cfg.SendTimeout(),
		Backoff: outbox.NewBackoff(
			time.Duration(cfg.Outbox.BackoffBaseMs)*time.Millisecond,
			time.Duration(cfg.Outbox.BackoffMaxMs)*time.Millisecond,
			cfg.Outbox.BackoffJitter,
		),
	}, logger.Named("publisher"))
	a.sweeper = outbox.NewSweeper(a.store, a.store, a.publisher, clock, outbox.SweeperConfig{
		BatchSize:   cfg.Outbox.SweepBatchSize,
		StaleLease:  time.Duration(cfg.Outbox.StaleLeaseSecs) * time.Second,
		TaskLease:   time.Duration(cfg.Crawl.StaleRunningSecs) * time.Second,
		MaxAttempts: cfg.Crawl.MaxAttempts,
	}, logger.Named("sweeper"))

	agentCache := agent.NewRedisStateCache(a.redis, "")
	a.pool = agent.NewPool(cfg.Agents.Values, clock, agentCache, agent.PoolConfig{
		CooldownPeriod:     time.Duration(cfg.Agents.CooldownMins) * time.Minute,
		BlacklistThreshold: cfg.Agents.BlacklistThreshold,
	}, logger.Named("agents"))
	if err := a.pool.Restore(ctx); err != nil {
		logger.Warn("agent state restore failed, starting with all entries active", zap.Error(err))
	}

	fetcher := engine.NewHTTPFetcher(nil, clock)
	a.sessions = agent.NewSessionManager(fetcher, clock, agent.SessionConfig{
		ProbeURL:      cfg.Session.ProbeURL,
		RenewalBuffer: time.Duration(cfg.Session.RenewalBufferMins) * time.Minute,
		ProbeTimeout:  time.Duration(cfg.Session.ProbeTimeoutSecs) * time.Second,
	}, logger.Named("sessions"))

	keys := crawl.NewKeyGenerator(clock, cfg.CycleWindow())
	coordinator := trigger.NewCoordinator(locker, a.store, keys, a.publisher, clock, logger.Named("trigger"))

	a.engine = engine.New(
		a.store, a.store, a.store, a.publisher, a.pool, a.sessions, fetcher, coordinator,
		clock,
		engine.Config{
			MaxAttempts:  cfg.Crawl.MaxAttempts,
			FetchTimeout: cfg.FetchTimeout(),
			MiniShopURL:  cfg.Crawl.MiniShopURL,
			ProductURL:   cfg.Crawl.ProductURL,
			PageSize:     cfg.Crawl.PageSize,
		},
		logger.Named("engine"),
	)
	if a.pubsub != nil && cfg.PubSub.SubscriptionID != "" {
		a.worker = engine.NewWorker(a.engine, a.pubsub, logger.Named("worker"))
	}

	a.scheduler = trigger.NewScheduler(coordinator, logger.Named("scheduler"))
	for _, entry := range cfg.Schedules {
		err := a.scheduler.Register(trigger.Schedule{
			SchedulerID: entry.SchedulerID,
			SellerID:    entry.SellerID,
			TaskType:    crawl.TaskType(entry.TaskType),
			ItemNo:      entry.ItemNo,
			Cron:        entry.Cron,
		})
		if err != nil {
			return nil, err
		}
	}

	a.cronJobs = cron.New()
	if cfg.Session.RenewCron != "" {
		_, err := a.cronJobs.AddFunc(cfg.Session.RenewCron, func() {
			a.sessions.RenewDueTokens(context.Background())
		})
		if err != nil {
			return nil, fmt.Errorf("register session renewal: %w", err)
		}
	}

	a.apiServer = api.NewServer(coordinator, a.engine, a.publisher, a.pool, a.store, a.store, logger.Named("api"))
	return a, nil
}

func (a *App) setupQueue(ctx context.Context) (crawl.QueueSender, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using dry-run sender")
		return queue.NewNoop(a.logger.Named("queue")), nil
	}
	ps, err := queue.New(ctx, queue.Config{
		ProjectID:      a.cfg.PubSub.ProjectID,
		TopicID:        a.cfg.PubSub.TopicID,
		SubscriptionID: a.cfg.PubSub.SubscriptionID,
		Concurrency:    a.cfg.Crawl.WorkerConcurrency,
	}, a.logger.Named("queue"))
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	a.pubsub = ps
	a.logger.Info("Pub/Sub queue initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicID),
	)
	return ps, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.scheduler.Start()
	a.cronJobs.Start()
	go a.sweeper.Run(ctx, time.Duration(a.cfg.Outbox.SweepIntervalSecs)*time.Second)

	if a.worker != nil {
		go func() {
			if err := a.worker.Run(ctx); err != nil {
				a.logger.Error("worker stopped with error", zap.Error(err))
				stop()
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	<-a.scheduler.Stop().Done()
	cronCtx := a.cronJobs.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

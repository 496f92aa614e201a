package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/ignite/dispatch-worker/internal/api"
	"github.com/ignite/dispatch-worker/internal/config"
	"github.com/ignite/dispatch-worker/internal/domain"
	"github.com/ignite/dispatch-worker/internal/metrics"
	"github.com/ignite/dispatch-worker/internal/pkg/distlock"
	"github.com/ignite/dispatch-worker/internal/pkg/logger"
	"github.com/ignite/dispatch-worker/internal/provider"
	"github.com/ignite/dispatch-worker/internal/queue"
	"github.com/ignite/dispatch-worker/internal/quota"
	"github.com/ignite/dispatch-worker/internal/ratelimit"
	"github.com/ignite/dispatch-worker/internal/render"
	"github.com/ignite/dispatch-worker/internal/repository/postgres"
	"github.com/ignite/dispatch-worker/internal/tracing"
	"github.com/ignite/dispatch-worker/internal/variation"
	"github.com/ignite/dispatch-worker/internal/worker"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to YAML config file (optional)")
	pflag.Parse()

	if err := run(configPath); err != nil {
		log.Fatalf("dispatch worker: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, RedactPII: cfg.Log.RedactPII})
	log.Printf("Starting dispatch worker (env=%s, engine=%s)", cfg.Env, cfg.Queue.Engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// Database
	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	log.Println("Connected to database")

	// Redis is optional: without it the limiter fails open and launch locks
	// fall back to Postgres advisory locks.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		log.Println("Connected to Redis")
	} else {
		logger.Warn("redis not configured, rate limiter will fail open")
	}

	// Broker
	qcfg := queue.Config{
		Engine:       cfg.Queue.Engine,
		RabbitMQURL:  cfg.Queue.RabbitMQURL,
		KeyPrefix:    cfg.Redis.KeyPrefix,
		PollInterval: cfg.Queue.PollInterval(),
	}
	if redisClient != nil {
		qcfg.Redis = redisClient
	}
	broker, err := queue.Open(ctx, qcfg)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer broker.Close()
	if err := broker.Setup(ctx, cfg.Queue.CampaignQueue, cfg.Queue.MessageQueue); err != nil {
		return fmt.Errorf("setup queues: %w", err)
	}
	log.Printf("Queues ready: %s, %s", cfg.Queue.CampaignQueue, cfg.Queue.MessageQueue)

	collector := metrics.New()
	store := postgres.NewStore(db)

	// Rate limiting
	planLimits := ratelimit.NewPlanLimitCache(postgres.NewPlanLimits(db),
		ratelimit.ParsePlanLimits(cfg.RateLimit.PlanLimitsPerMinute), cfg.RateLimit.CacheTTL())
	var counterStore redis.Cmdable
	if redisClient != nil {
		counterStore = redisClient
	}
	limiter := ratelimit.NewPlanLimiter(counterStore, planLimits,
		ratelimit.WithRetryAfter(cfg.RateLimit.RetryAfter()),
		ratelimit.WithWindowTTL(cfg.RateLimit.WindowTTL()),
		ratelimit.WithFailOpenHook(collector.RateLimiterFailOpen),
	)

	var bg sync.WaitGroup
	if redisClient != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			planLimits.ListenInvalidations(ctx, redisClient, cfg.Redis.KeyPrefix+":plan-limits:invalidate")
		}()
	}

	checker, err := newQuotaChecker(cfg, store)
	if err != nil {
		return err
	}

	sender := provider.NewCloudClient(provider.Config{
		AccessToken:   cfg.Provider.AccessToken,
		PhoneNumberID: cfg.Provider.PhoneNumberID,
		GraphVersion:  cfg.Provider.GraphVersion,
		BaseURL:       cfg.Provider.BaseURL,
		Timeout:       cfg.Provider.Timeout(),
		AllowMock:     cfg.MockSendAllowed(),
		MaxRPS:        cfg.Provider.MaxRPS,
		Burst:         cfg.Provider.Burst,
	})
	if sender.Mock() {
		logger.Warn("provider credentials missing, sends are mocked")
	}

	var archiver queue.Archiver
	if cfg.DeadLetter.S3Bucket != "" {
		archive, err := queue.NewS3Archive(ctx, queue.S3ArchiveConfig{
			Bucket: cfg.DeadLetter.S3Bucket,
			Prefix: cfg.DeadLetter.S3Prefix,
			Region: cfg.DeadLetter.S3Region,
		})
		if err != nil {
			return fmt.Errorf("dead-letter archive: %w", err)
		}
		archiver = archive
		log.Printf("Dead letters archived to s3://%s/%s", cfg.DeadLetter.S3Bucket, cfg.DeadLetter.S3Prefix)
	}

	engine := variation.NewEngine(variation.WithRenderer(render.NewTemplateService()))

	// Processors
	locks := distlock.NewFactory(redisClient, db, time.Duration(cfg.Launch.LockTTLSeconds)*time.Second)
	launch := worker.NewLaunchProcessor(store, broker, engine, locks, worker.LaunchConfig{
		SendQueue: cfg.Queue.MessageQueue,
		LockRetry: time.Duration(cfg.Launch.LockRetrySeconds) * time.Second,
	})
	send := worker.NewSendProcessor(store, checker, limiter, sender, cfg.Provider.Timeout())

	policy := queue.Policy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.RetryBaseDelay(),
		Concurrency: cfg.Queue.Concurrency,
		JobTimeout:  cfg.Queue.JobTimeout(),
	}
	// A fan-out pass grows with the audience, so it gets its own bound.
	launchPolicy := policy
	launchPolicy.JobTimeout = cfg.Launch.JobTimeout()
	launchDispatcher := queue.NewDispatcher[domain.CampaignLaunchJob](broker, cfg.Queue.CampaignQueue, launch.Process, launchPolicy,
		queue.Options{Stage: "campaign", Observer: collector, Archiver: archiver})
	sendDispatcher := queue.NewDispatcher[domain.MessageSendJob](broker, cfg.Queue.MessageQueue, send.Process, policy,
		queue.Options{Stage: "message", Observer: collector, Archiver: archiver})
	sendDispatcher.OnDeadLetter(send.OnDeadLetter)

	// Ops HTTP
	var srv *http.Server
	if cfg.Metrics.Enabled {
		checks := map[string]api.Check{
			"database": func(ctx context.Context) error { return postgres.Ping(ctx, db) },
		}
		if redisClient != nil {
			checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		}
		srv = &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: api.NewRouter(api.Deps{
				Health:  api.NewHealthChecker(checks),
				Preview: api.NewPreviewHandler(engine),
				Metrics: collector.Handler(),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("Ops server listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server failed", "error", err)
			}
		}()
	}

	watched := append(metrics.StageQueues("campaign", queue.Topology(cfg.Queue.CampaignQueue)...),
		metrics.StageQueues("message", queue.Topology(cfg.Queue.MessageQueue)...)...)
	poller := metrics.NewDepthPoller(broker, collector, watched, cfg.Queue.DepthInterval())
	bg.Add(1)
	go func() {
		defer bg.Done()
		poller.Run(ctx)
	}()

	var dispatchers sync.WaitGroup
	for _, run := range []func(context.Context) error{launchDispatcher.Run, sendDispatcher.Run} {
		dispatchers.Add(1)
		go func(run func(context.Context) error) {
			defer dispatchers.Done()
			if err := run(ctx); err != nil {
				logger.Error("dispatcher stopped with error", "error", err)
				stop()
			}
		}(run)
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify failed", "error", err)
	}
	log.Println("Worker running...")

	<-ctx.Done()
	log.Println("Shutting down worker...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Dispatchers stop taking deliveries; jobs in flight run to completion.
	dispatchers.Wait()
	bg.Wait()

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	log.Println("Worker stopped")
	return nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("instrument redis tracing: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newQuotaChecker(cfg *config.Config, store *postgres.Store) (quota.Checker, error) {
	switch cfg.Quota.Mode {
	case config.QuotaDisabled:
		logger.Warn("quota enforcement disabled")
		return quota.Allow{}, nil
	case config.QuotaHTTP:
		return quota.NewHTTPChecker(cfg.Quota.BaseURL, cfg.Quota.Token,
			time.Duration(cfg.Quota.TimeoutSeconds)*time.Second, cfg.Quota.MaxRetries), nil
	case config.QuotaPostgres:
		return quota.NewStatusChecker(store), nil
	}
	return nil, fmt.Errorf("unknown quota mode %q", cfg.Quota.Mode)
}

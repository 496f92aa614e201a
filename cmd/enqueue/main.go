// Command enqueue publishes a CampaignLaunchJob to the configured broker.
//
//	enqueue --tenant <id> --campaign <id> [--request-id <id>] [--config worker.yaml]
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/ignite/dispatch-worker/internal/config"
	"github.com/ignite/dispatch-worker/internal/domain"
	"github.com/ignite/dispatch-worker/internal/queue"
)

func main() {
	var (
		configPath string
		job        domain.CampaignLaunchJob
	)
	pflag.StringVarP(&configPath, "config", "c", "", "Path to YAML config file (optional)")
	pflag.StringVar(&job.TenantID, "tenant", "", "Tenant id (required)")
	pflag.StringVar(&job.CampaignID, "campaign", "", "Campaign id (required)")
	pflag.StringVar(&job.RequestID, "request-id", "", "Request id (default <tenant>:<campaign>)")
	pflag.Parse()

	if err := run(configPath, job); err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, job domain.CampaignLaunchJob) error {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Queue.Engine == config.EngineMemory {
		return errors.New("the memory engine is process-local; use rabbitmq or redis")
	}

	if job.RequestID == "" {
		job.RequestID = job.TenantID + ":" + job.CampaignID
	}
	job.RequestedAt = time.Now().UTC()
	if err := job.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	qcfg := queue.Config{
		Engine:      cfg.Queue.Engine,
		RabbitMQURL: cfg.Queue.RabbitMQURL,
		KeyPrefix:   cfg.Redis.KeyPrefix,
	}
	if cfg.Queue.Engine == config.EngineRedis {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		defer client.Close()
		qcfg.Redis = client
	}

	broker, err := queue.Open(ctx, qcfg)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer broker.Close()

	if err := broker.Setup(ctx, cfg.Queue.CampaignQueue); err != nil {
		return fmt.Errorf("setup %s: %w", cfg.Queue.CampaignQueue, err)
	}
	if err := queue.PublishJSON(ctx, broker, cfg.Queue.CampaignQueue, job, 0); err != nil {
		return err
	}
	log.Printf("Enqueued launch of campaign %s for tenant %s on %s (request %s)",
		job.CampaignID, job.TenantID, cfg.Queue.CampaignQueue, job.RequestID)
	return nil
}

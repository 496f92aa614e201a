package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ignite/dispatch-worker/internal/domain"
	"github.com/ignite/dispatch-worker/internal/pkg/distlock"
	"github.com/ignite/dispatch-worker/internal/pkg/logger"
	"github.com/ignite/dispatch-worker/internal/queue"
	"github.com/ignite/dispatch-worker/internal/variation"
)

// =============================================================================
// CAMPAIGN FAN-OUT
// =============================================================================
// Expands one CampaignLaunchJob into a message row and a MessageSendJob per
// eligible contact. A redelivered launch finds the existing rows through the
// idempotency key and publishes nothing twice.

// Generator produces humanized variants.
type Generator interface {
	Generate(cfg domain.HumanizationConfig, vars domain.Variables) domain.Variant
}

// LaunchProcessor handles campaign.launch jobs.
type LaunchProcessor struct {
	store     LaunchStore
	publisher queue.Publisher
	generator Generator
	locks     distlock.Factory

	sendQueue string
	lockRetry time.Duration
}

// LaunchConfig holds the fan-out settings.
type LaunchConfig struct {
	// SendQueue receives the per-contact MessageSendJobs.
	SendQueue string
	// LockRetry is how long a launch waits when another worker holds the
	// campaign's lock.
	LockRetry time.Duration
}

// NewLaunchProcessor creates a fan-out processor. locks may be nil, which
// disables the per-campaign lock.
func NewLaunchProcessor(store LaunchStore, publisher queue.Publisher, generator Generator, locks distlock.Factory, cfg LaunchConfig) *LaunchProcessor {
	if cfg.SendQueue == "" {
		cfg.SendQueue = "message.send"
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 10 * time.Second
	}
	return &LaunchProcessor{
		store:     store,
		publisher: publisher,
		generator: generator,
		locks:     locks,
		sendQueue: cfg.SendQueue,
		lockRetry: cfg.LockRetry,
	}
}

// Process fans out one launch. It is the queue.Handler for campaign.launch.
func (p *LaunchProcessor) Process(ctx context.Context, job domain.CampaignLaunchJob) error {
	if p.locks == nil {
		return p.fanOut(ctx, job)
	}

	lock := p.locks(distlock.LaunchKey(job.TenantID, job.CampaignID))
	err := distlock.WithLock(ctx, lock, func(ctx context.Context) error {
		return p.fanOut(ctx, job)
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		return queue.Defer(p.lockRetry, "launch_in_progress", err)
	}
	return err
}

func (p *LaunchProcessor) fanOut(ctx context.Context, job domain.CampaignLaunchJob) (err error) {
	campaign, err := p.store.LoadCampaign(ctx, job.TenantID, job.CampaignID)
	if errors.Is(err, ErrCampaignNotFound) {
		return queue.Permanent("campaign_not_found", err)
	}
	if err != nil {
		return err
	}

	contacts, err := p.store.EligibleContacts(ctx, job.TenantID)
	if err != nil {
		return err
	}

	humanization, err := p.store.LoadHumanization(ctx, job.TenantID, job.CampaignID)
	if err != nil {
		return err
	}
	if humanization != nil && p.generator == nil {
		logger.Warn("humanization configured but no generator wired, sending raw template",
			"tenant_id", job.TenantID, "campaign_id", job.CampaignID)
		humanization = nil
	}

	// Rotation state advances across the whole pass and is written back once,
	// including when the pass stops early.
	var rotation *domain.HumanizationConfig
	if humanization != nil {
		cfg := *humanization
		rotation = &cfg
	}
	advanced := false
	defer func() {
		if !advanced {
			return
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if serr := p.store.SaveRotation(sctx, job.TenantID, job.CampaignID, rotation.LastVariantIndex, rotation.LastVariantHash); serr != nil {
			logger.Error("failed to save rotation state", "tenant_id", job.TenantID, "campaign_id", job.CampaignID, "error", serr)
			if err == nil {
				err = serr
			}
		}
	}()

	enqueued, skipped := 0, 0
	for _, contact := range contacts {
		if !contact.Consent.Eligible() {
			skipped++
			continue
		}

		res, err := p.store.UpsertQueuedMessage(ctx, job.TenantID, domain.QueuedMessage{
			CampaignID:     campaign.ID,
			ContactID:      contact.ID,
			IdempotencyKey: domain.IdempotencyKey(campaign.ID, contact.ID),
			TemplateName:   campaign.TemplateName,
			LanguageCode:   campaign.Language(),
		})
		if err != nil {
			return fmt.Errorf("contact %s: %w", contact.ID, err)
		}
		if !res.NeedsEnqueue {
			skipped++
			continue
		}

		var delay time.Duration
		if rotation != nil {
			variant := p.generator.Generate(*rotation, variation.VariablesFromAttributes(contact.Attributes))
			if err := p.store.SaveVariant(ctx, job.TenantID, domain.VariantRecord{
				MessageID:  res.MessageID,
				CampaignID: campaign.ID,
				ContactID:  contact.ID,
				Variant:    variant,
			}); err != nil {
				return fmt.Errorf("contact %s: %w", contact.ID, err)
			}
			*rotation = rotation.Advance(variant)
			advanced = true
			delay = variant.Delay()
		}

		sendJob := domain.MessageSendJob{
			TenantID:   job.TenantID,
			CampaignID: campaign.ID,
			MessageID:  res.MessageID,
			Attempt:    1,
		}
		if err := queue.PublishJSON(ctx, p.publisher, p.sendQueue, sendJob, delay); err != nil {
			return fmt.Errorf("publish send job for message %s: %w", res.MessageID, err)
		}
		if err := p.store.MarkEnqueued(ctx, job.TenantID, res.MessageID); err != nil {
			return fmt.Errorf("contact %s: %w", contact.ID, err)
		}
		enqueued++
	}

	log.Printf("[FanOut] campaign %s (tenant %s): %d send jobs enqueued, %d skipped, humanized=%v",
		campaign.ID, job.TenantID, enqueued, skipped, rotation != nil)
	return nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/dispatch-worker/internal/domain"
	"github.com/ignite/dispatch-worker/internal/pkg/logger"
	"github.com/ignite/dispatch-worker/internal/provider"
	"github.com/ignite/dispatch-worker/internal/queue"
	"github.com/ignite/dispatch-worker/internal/quota"
	"github.com/ignite/dispatch-worker/internal/ratelimit"
)

// CodeMessageNotFound is the dead-letter reason for send jobs whose message
// no longer exists.
const CodeMessageNotFound = "message_target_not_found"

// Limiter gates sends per tenant and plan.
type Limiter interface {
	AssertAllowed(ctx context.Context, tenantID, planCode string) error
}

// SendProcessor handles message.send jobs: quota, rate limit, provider call
// and the resulting status change.
type SendProcessor struct {
	store       SendStore
	quota       quota.Checker
	limiter     Limiter
	sender      provider.Sender
	sendTimeout time.Duration
}

// NewSendProcessor creates a send processor. A nil checker allows every
// tenant and a nil limiter never limits.
func NewSendProcessor(store SendStore, checker quota.Checker, limiter Limiter, sender provider.Sender, sendTimeout time.Duration) *SendProcessor {
	if checker == nil {
		checker = quota.Allow{}
	}
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &SendProcessor{
		store:       store,
		quota:       checker,
		limiter:     limiter,
		sender:      sender,
		sendTimeout: sendTimeout,
	}
}

// Process sends one message. It is the queue.Handler for message.send.
func (p *SendProcessor) Process(ctx context.Context, job domain.MessageSendJob) error {
	target, err := p.store.LoadSendTarget(ctx, job.TenantID, job.CampaignID, job.MessageID)
	if errors.Is(err, ErrMessageNotFound) {
		return queue.Permanent(CodeMessageNotFound, err)
	}
	if err != nil {
		return err
	}
	if target.Status.IsTerminal() {
		logger.Debug("message already settled, skipping send",
			"message_id", target.MessageID, "status", target.Status)
		return nil
	}

	if err := p.quota.AssertCanDispatch(ctx, job.TenantID, 1); err != nil {
		var denied *quota.DeniedError
		if !errors.As(err, &denied) {
			return fmt.Errorf("quota check: %w", err)
		}
		code := denied.ErrorCode()
		if _, aerr := p.store.ApplyStatus(ctx, job.TenantID, target.MessageID, domain.StatusUpdate{
			To:        domain.MessageFailedPermanent,
			ErrorCode: code,
		}); aerr != nil {
			return aerr
		}
		logger.Warn("dispatch denied by quota", "tenant_id", job.TenantID, "message_id", target.MessageID, "reason", denied.Reason)
		return queue.Permanent(code, err)
	}

	if p.limiter != nil {
		if err := p.limiter.AssertAllowed(ctx, job.TenantID, target.PlanCode); err != nil {
			var limited *ratelimit.LimitExceededError
			if !errors.As(err, &limited) {
				return fmt.Errorf("rate limit check: %w", err)
			}
			if _, aerr := p.store.ApplyStatus(ctx, job.TenantID, target.MessageID, domain.StatusUpdate{
				To:        domain.MessageRateLimited,
				ErrorCode: queue.ReasonRateLimited,
			}); aerr != nil {
				return aerr
			}
			return queue.RateLimited(limited.RetryAfter, err)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	res, err := p.sender.Send(sctx, buildRequest(target))
	cancel()
	if err != nil {
		code := provider.CodeOf(err)
		if _, aerr := p.store.ApplyStatus(ctx, job.TenantID, target.MessageID, domain.StatusUpdate{
			To:           domain.MessageFailedRetryable,
			ErrorCode:    code,
			CountAttempt: true,
		}); aerr != nil {
			logger.Error("failed to record provider failure", "message_id", target.MessageID, "error", aerr)
		}
		return fmt.Errorf("send message %s: %w", target.MessageID, err)
	}

	if _, err := p.store.ApplyStatus(ctx, job.TenantID, target.MessageID, domain.StatusUpdate{
		To:                domain.MessageAcceptedMeta,
		ProviderMessageID: res.MessageID,
		CountAttempt:      true,
	}); err != nil {
		return fmt.Errorf("record accepted message %s: %w", target.MessageID, err)
	}
	logger.Debug("message accepted by provider", "message_id", target.MessageID, "provider_message_id", res.MessageID)
	return nil
}

// OnDeadLetter marks the message failed_permanent before its job is
// dead-lettered. A message that is already terminal is left alone.
func (p *SendProcessor) OnDeadLetter(ctx context.Context, job domain.MessageSendJob, reason string) error {
	_, err := p.store.ApplyStatus(ctx, job.TenantID, job.MessageID, domain.StatusUpdate{
		To:        domain.MessageFailedPermanent,
		ErrorCode: reason,
	})
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	return err
}

func buildRequest(t *domain.SendTarget) provider.Request {
	lang := t.LanguageCode
	if strings.TrimSpace(lang) == "" {
		lang = domain.DefaultLanguageCode
	}
	return provider.Request{
		To:           t.Recipient(),
		Text:         t.VariantText,
		TemplateName: t.TemplateName,
		LanguageCode: lang,
	}
}

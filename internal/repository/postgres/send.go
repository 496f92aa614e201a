package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/dispatch-worker/internal/domain"
	"github.com/ignite/dispatch-worker/internal/worker"
)

func (s *Store) LoadSendTarget(ctx context.Context, tenantID, campaignID, messageID string) (*domain.SendTarget, error) {
	t := &domain.SendTarget{}
	err := WithTenant(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT m.id, m.tenant_id, m.campaign_id, m.contact_id, m.status,
			       c.phone_e164, COALESCE(c.wa_id, ''),
			       m.template_name, COALESCE(m.template_language_code, ''),
			       t.plan_code, COALESCE(m.payload_jsonb->>'variantText', '')
			FROM messages m
			INNER JOIN contacts c ON c.id = m.contact_id AND c.tenant_id = m.tenant_id
			INNER JOIN tenants t ON t.id = m.tenant_id
			WHERE m.id = $1 AND m.tenant_id = $2 AND m.campaign_id = $3
			LIMIT 1
		`, messageID, tenantID, campaignID).Scan(
			&t.MessageID, &t.TenantID, &t.CampaignID, &t.ContactID, &t.Status,
			&t.PhoneE164, &t.WaID,
			&t.TemplateName, &t.LanguageCode,
			&t.PlanCode, &t.VariantText,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, worker.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send target: %w", err)
	}
	return t, nil
}

// ApplyStatus locks the message row, checks the transition and writes the
// change. accepted_meta and failed_permanent also append a message_logs row.
func (s *Store) ApplyStatus(ctx context.Context, tenantID, messageID string, u domain.StatusUpdate) (bool, error) {
	applied := false
	err := WithTenant(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		var current domain.MessageStatus
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM messages WHERE id = $1 AND tenant_id = $2 FOR UPDATE
		`, messageID, tenantID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return worker.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		if !current.WorkerMayApply(u.To) {
			return nil
		}

		increment := 0
		if u.CountAttempt {
			increment = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET status = $3,
			    error_code = NULLIF($4, ''),
			    provider_message_id = COALESCE(NULLIF($5, ''), provider_message_id),
			    attempt_count = attempt_count + $6,
			    updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2
		`, messageID, tenantID, string(u.To), u.ErrorCode, u.ProviderMessageID, increment); err != nil {
			return err
		}

		if u.To == domain.MessageAcceptedMeta || u.To == domain.MessageFailedPermanent {
			payload, err := json.Marshal(logPayload{ProviderMessageID: u.ProviderMessageID, ErrorCode: u.ErrorCode})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_logs (tenant_id, message_id, event_type, event_source, payload_jsonb)
				VALUES ($1, $2, $3, 'worker', $4::jsonb)
			`, tenantID, messageID, string(u.To), string(payload)); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if errors.Is(err, worker.ErrMessageNotFound) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("apply status %s: %w", u.To, err)
	}
	return applied, nil
}

type logPayload struct {
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	ErrorCode         string `json:"errorCode,omitempty"`
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/dispatch-worker/internal/domain"
	"github.com/ignite/dispatch-worker/internal/worker"
)

var eligibleConsent = []string{string(domain.ConsentOptedIn), string(domain.ConsentUnknown)}

// Store implements worker.LaunchStore and worker.SendStore.
type Store struct{ db *sql.DB }

// NewStore creates a Postgres-backed store.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

var (
	_ worker.LaunchStore = (*Store)(nil)
	_ worker.SendStore   = (*Store)(nil)
)

func (s *Store) LoadCampaign(ctx context.Context, tenantID, campaignID string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := WithTenant(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT cp.id, cp.tenant_id, t.name, COALESCE(t.language_code, '')
			FROM campaigns cp
			INNER JOIN templates t ON t.id = cp.template_id
			WHERE cp.id = $1 AND cp.tenant_id = $2 AND cp.deleted_at IS NULL
			LIMIT 1
		`, campaignID, tenantID).Scan(&c.ID, &c.TenantID, &c.TemplateName, &c.LanguageCode)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, worker.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *Store) EligibleContacts(ctx context.Context, tenantID string) ([]domain.Contact, error) {
	var contacts []domain.Contact
	err := WithTenant(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, phone_e164, COALESCE(wa_id, ''), consent_status, COALESCE(attributes_jsonb, '{}'::jsonb)
			FROM contacts
			WHERE tenant_id = $1
			  AND consent_status = ANY($2)
			  AND deleted_at IS NULL
			ORDER BY created_at, id
		`, tenantID, pq.Array(eligibleConsent))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				c     domain.Contact
				attrs []byte
			)
			if err := rows.Scan(&c.ID, &c.PhoneE164, &c.WaID, &c.Consent, &attrs); err != nil {
				return err
			}
			if len(attrs) > 0 {
				if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
					return fmt.Errorf("contact %s attributes: %w", c.ID, err)
				}
			}
			contacts = append(contacts, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}

func (s *Store) LoadHumanization(ctx context.Context, tenantID, campaignID string) (*domain.HumanizationConfig, error) {
	var (
		cfg      domain.HumanizationConfig
		bank     []byte
		lastHash sql.NullString
	)
	err := WithTenant(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT s.profile_id, s.rotation_strategy, p.base_template_text,
			       COALESCE(p.phrase_bank_jsonb, '{}'::jsonb), p.syntactic_variation_level,
			       p.min_delay_ms, p.max_delay_ms,
			       COALESCE(s.last_variant_index, -1), s.last_variant_hash
			FROM campaign_message_humanization_settings s
			INNER JOIN message_variation_profiles p ON p.id = s.profile_id AND p.tenant_id = s.tenant_id
			WHERE s.tenant_id = $1 AND s.campaign_id = $2 AND s.is_active
			LIMIT 1
		`, tenantID, campaignID).Scan(
			&cfg.ProfileID, &cfg.RotationStrategy, &cfg.BaseTemplateText,
			&bank, &cfg.SyntacticVariationLevel,
			&cfg.MinDelayMs, &cfg.MaxDelayMs,
			&cfg.LastVariantIndex, &lastHash,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get humanization settings: %w", err)
	}
	if len(bank) > 0 {
		if err := json.Unmarshal(bank, &cfg.PhraseBank); err != nil {
			return nil, fmt.Errorf("phrase bank: %w", err)
		}
	}
	cfg.LastVariantHash = lastHash.String
	return &cfg, nil
}

func (s *Store) UpsertQueuedMessage(ctx context.Context, tenantID string, msg domain.QueuedMessage) (domain.UpsertResult, error) {
	var (
		res          domain.UpsertResult
		needsEnqueue bool
	)
	err := WithTenant(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_contacts (tenant_id, campaign_id, contact_id, status)
			VALUES ($1, $2, $3, 'queued')
			ON CONFLICT (tenant_id, campaign_id, contact_id)
			DO UPDATE SET status = 'queued', updated_at = NOW()
		`, tenantID, msg.CampaignID, msg.ContactID); err != nil {
			return fmt.Errorf("upsert campaign contact: %w", err)
		}

		return tx.QueryRowContext(ctx, `
			INSERT INTO messages (
				tenant_id, campaign_id, contact_id, direction, provider, idempotency_key,
				status, template_name, template_language_code, payload_jsonb
			) VALUES ($1, $2, $3, 'outbound', 'meta', $4, 'queued', $5, $6, '{}'::jsonb)
			ON CONFLICT (tenant_id, idempotency_key)
			DO UPDATE SET updated_at = NOW()
			RETURNING id, status, enqueued_at IS NULL
		`, tenantID, msg.CampaignID, msg.ContactID, msg.IdempotencyKey, msg.TemplateName, msg.LanguageCode,
		).Scan(&res.MessageID, &res.Status, &needsEnqueue)
	})
	if err != nil {
		return domain.UpsertResult{}, fmt.Errorf("upsert message: %w", err)
	}
	res.NeedsEnqueue = needsEnqueue && !res.Status.IsTerminal()
	return res, nil
}

func (s *Store) SaveVariant(ctx context.Context, tenantID string, rec domain.VariantRecord) error {
	err := WithTenant(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET payload_jsonb = COALESCE(payload_jsonb, '{}'::jsonb) || jsonb_build_object(
			        'variantText', $3::text, 'variantHash', $4::text, 'delayMs', $5::int),
			    updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2
		`, rec.MessageID, tenantID, rec.Variant.Text, rec.Variant.Hash, rec.Variant.DelayMs); err != nil {
			return fmt.Errorf("store variant payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_variation_audit (
				tenant_id, campaign_id, message_id, contact_id, variant_index, variant_hash, delay_ms
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, tenantID, rec.CampaignID, rec.MessageID, rec.ContactID,
			rec.Variant.NextIndex, rec.Variant.Hash, rec.Variant.DelayMs); err != nil {
			return fmt.Errorf("insert variation audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save variant: %w", err)
	}
	return nil
}

func (s *Store) MarkEnqueued(ctx context.Context, tenantID, messageID string) error {
	err := WithTenant(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET enqueued_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2 AND enqueued_at IS NULL
		`, messageID, tenantID)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark enqueued: %w", err)
	}
	return nil
}

func (s *Store) SaveRotation(ctx context.Context, tenantID, campaignID string, lastIndex int, lastHash string) error {
	err := WithTenant(ctx, s.db, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE campaign_message_humanization_settings
			SET last_variant_index = $3, last_variant_hash = $4, updated_at = NOW()
			WHERE tenant_id = $1 AND campaign_id = $2
		`, tenantID, campaignID, lastIndex, lastHash)
		return err
	})
	if err != nil {
		return fmt.Errorf("save rotation: %w", err)
	}
	return nil
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/dispatch-worker/internal/domain"
)

// memStore is an in-memory LaunchStore and SendStore with the same
// conflict and transition rules as the Postgres store.
type memStore struct {
	mu sync.Mutex

	campaigns    map[string]domain.Campaign
	contacts     map[string][]domain.Contact
	humanization map[string]domain.HumanizationConfig
	planCode     string

	messages  map[string]*memMessage
	byKey     map[string]string
	audit     []domain.VariantRecord
	rotations []domain.HumanizationConfig
	nextID    int

	// upsertDelay simulates a slow store round trip per contact.
	upsertDelay time.Duration
}

type memMessage struct {
	tenantID    string
	campaignID  string
	contact     domain.Contact
	status      domain.MessageStatus
	template    string
	language    string
	variantText string
	enqueued    bool
	errorCode   string
	providerID  string
	attempts    int
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:    make(map[string]domain.Campaign),
		contacts:     make(map[string][]domain.Contact),
		humanization: make(map[string]domain.HumanizationConfig),
		planCode:     "starter",
		messages:     make(map[string]*memMessage),
		byKey:        make(map[string]string),
	}
}

func scopeKey(tenantID, id string) string { return tenantID + "/" + id }

func (s *memStore) addCampaign(c domain.Campaign, contacts ...domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[scopeKey(c.TenantID, c.ID)] = c
	s.contacts[c.TenantID] = append(s.contacts[c.TenantID], contacts...)
}

func (s *memStore) setHumanization(tenantID, campaignID string, cfg domain.HumanizationConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.humanization[scopeKey(tenantID, campaignID)] = cfg
}

func (s *memStore) message(id string) memMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

func (s *memStore) messageIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.messages))
	for i := 1; i <= s.nextID; i++ {
		ids = append(ids, fmt.Sprintf("msg-%d", i))
	}
	return ids
}

func (s *memStore) LoadCampaign(_ context.Context, tenantID, campaignID string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[scopeKey(tenantID, campaignID)]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	return &c, nil
}

func (s *memStore) EligibleContacts(_ context.Context, tenantID string) ([]domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Contact
	for _, c := range s.contacts[tenantID] {
		if c.Consent.Eligible() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) LoadHumanization(_ context.Context, tenantID, campaignID string) (*domain.HumanizationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.humanization[scopeKey(tenantID, campaignID)]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (s *memStore) UpsertQueuedMessage(ctx context.Context, tenantID string, msg domain.QueuedMessage) (domain.UpsertResult, error) {
	if s.upsertDelay > 0 {
		select {
		case <-time.After(s.upsertDelay):
		case <-ctx.Done():
			return domain.UpsertResult{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey(tenantID, msg.IdempotencyKey)
	if id, ok := s.byKey[key]; ok {
		m := s.messages[id]
		return domain.UpsertResult{
			MessageID:    id,
			Status:       m.status,
			NeedsEnqueue: !m.enqueued && !m.status.IsTerminal(),
		}, nil
	}

	var contact domain.Contact
	for _, c := range s.contacts[tenantID] {
		if c.ID == msg.ContactID {
			contact = c
		}
	}
	s.nextID++
	id := fmt.Sprintf("msg-%d", s.nextID)
	s.messages[id] = &memMessage{
		tenantID:   tenantID,
		campaignID: msg.CampaignID,
		contact:    contact,
		status:     domain.MessageQueued,
		template:   msg.TemplateName,
		language:   msg.LanguageCode,
	}
	s.byKey[key] = id
	return domain.UpsertResult{MessageID: id, Status: domain.MessageQueued, NeedsEnqueue: true}, nil
}

func (s *memStore) SaveVariant(_ context.Context, _ string, rec domain.VariantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[rec.MessageID].variantText = rec.Variant.Text
	s.audit = append(s.audit, rec)
	return nil
}

func (s *memStore) MarkEnqueued(_ context.Context, _, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[messageID].enqueued = true
	return nil
}

func (s *memStore) SaveRotation(_ context.Context, tenantID, campaignID string, lastIndex int, lastHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey(tenantID, campaignID)
	cfg := s.humanization[key]
	cfg.LastVariantIndex = lastIndex
	cfg.LastVariantHash = lastHash
	s.humanization[key] = cfg
	s.rotations = append(s.rotations, cfg)
	return nil
}

func (s *memStore) LoadSendTarget(_ context.Context, tenantID, campaignID, messageID string) (*domain.SendTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.tenantID != tenantID || m.campaignID != campaignID {
		return nil, ErrMessageNotFound
	}
	return &domain.SendTarget{
		MessageID:    messageID,
		TenantID:     tenantID,
		CampaignID:   campaignID,
		ContactID:    m.contact.ID,
		Status:       m.status,
		PhoneE164:    m.contact.PhoneE164,
		WaID:         m.contact.WaID,
		TemplateName: m.template,
		LanguageCode: m.language,
		PlanCode:     s.planCode,
		VariantText:  m.variantText,
	}, nil
}

func (s *memStore) ApplyStatus(_ context.Context, tenantID, messageID string, u domain.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.tenantID != tenantID {
		return false, ErrMessageNotFound
	}
	if !m.status.WorkerMayApply(u.To) {
		return false, nil
	}
	m.status = u.To
	m.errorCode = u.ErrorCode
	if u.ProviderMessageID != "" {
		m.providerID = u.ProviderMessageID
	}
	if u.CountAttempt {
		m.attempts++
	}
	return true, nil
}

package domain

// MessageStatus enumerates the lifecycle of one outbound message.
//
//	queued -> rate_limited <-> queued -> accepted_meta
//	queued -> failed_retryable -> failed_permanent
//
// accepted_meta is later advanced to delivered/read/failed_permanent by the
// provider webhook reconciler, which lives outside this worker.
type MessageStatus string

const (
	MessageQueued          MessageStatus = "queued"
	MessageRateLimited     MessageStatus = "rate_limited"
	MessageFailedRetryable MessageStatus = "failed_retryable"
	MessageAcceptedMeta    MessageStatus = "accepted_meta"
	MessageDelivered       MessageStatus = "delivered"
	MessageRead            MessageStatus = "read"
	MessageFailedPermanent MessageStatus = "failed_permanent"
)

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageQueued:          {MessageQueued, MessageRateLimited, MessageFailedRetryable, MessageAcceptedMeta, MessageFailedPermanent},
	MessageRateLimited:     {MessageQueued, MessageRateLimited, MessageFailedRetryable, MessageAcceptedMeta, MessageFailedPermanent},
	MessageFailedRetryable: {MessageQueued, MessageRateLimited, MessageFailedRetryable, MessageAcceptedMeta, MessageFailedPermanent},
	MessageAcceptedMeta:    {MessageDelivered, MessageRead, MessageFailedPermanent},
	MessageDelivered:       {MessageRead},
}

// IsTerminal reports whether the dispatch worker is done with the message.
// Webhook-driven states past accepted_meta are terminal too.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageAcceptedMeta, MessageDelivered, MessageRead, MessageFailedPermanent:
		return true
	}
	return false
}

// CanTransitionTo reports whether the full status machine allows s -> next.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	for _, allowed := range messageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkerMayApply reports whether the dispatch worker may move a message from
// s to next. The worker never touches a terminal message, so a stale attempt
// cannot overwrite accepted_meta or failed_permanent.
func (s MessageStatus) WorkerMayApply(next MessageStatus) bool {
	return !s.IsTerminal() && s.CanTransitionTo(next)
}

// SendTarget is everything the send processor needs about one message,
// loaded in a single tenant-scoped query.
type SendTarget struct {
	MessageID    string        `db:"id"`
	TenantID     string        `db:"tenant_id"`
	CampaignID   string        `db:"campaign_id"`
	ContactID    string        `db:"contact_id"`
	Status       MessageStatus `db:"status"`
	PhoneE164    string        `db:"phone_e164"`
	WaID         string        `db:"wa_id"`
	TemplateName string        `db:"template_name"`
	LanguageCode string        `db:"template_language_code"`
	PlanCode     string        `db:"plan_code"`
	VariantText  string        `db:"variant_text"`
}

// Recipient prefers the WhatsApp id over the raw phone number.
func (t *SendTarget) Recipient() string {
	if t.WaID != "" {
		return t.WaID
	}
	return t.PhoneE164
}

// StatusUpdate describes a conditional status change on a message.
type StatusUpdate struct {
	To                MessageStatus
	ErrorCode         string
	ProviderMessageID string
	// CountAttempt increments messages.attempt_count.
	CountAttempt bool
}

// QueuedMessage is the fan-out's insert-or-requeue request for one contact.
type QueuedMessage struct {
	CampaignID     string
	ContactID      string
	IdempotencyKey string
	TemplateName   string
	LanguageCode   string
}

// UpsertResult reports what the store did with a QueuedMessage.
type UpsertResult struct {
	MessageID string
	Status    MessageStatus
	// NeedsEnqueue is false when a send job was already published for the
	// message or the message already reached a terminal state.
	NeedsEnqueue bool
}

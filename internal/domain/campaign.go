package domain

import "strings"

// ConsentStatus records what a contact agreed to receive.
type ConsentStatus string

const (
	ConsentOptedIn  ConsentStatus = "opted_in"
	ConsentUnknown  ConsentStatus = "unknown"
	ConsentOptedOut ConsentStatus = "opted_out"
)

// Eligible reports whether a contact with this consent may receive campaign
// messages. Only an explicit opt-out excludes a contact.
func (c ConsentStatus) Eligible() bool {
	return c != ConsentOptedOut
}

// DefaultLanguageCode is used when a template has no language configured.
const DefaultLanguageCode = "pt_BR"

// Campaign is the slice of a campaign the fan-out needs: who owns it and
// which provider template backs it.
type Campaign struct {
	ID           string `json:"id" db:"id"`
	TenantID     string `json:"tenant_id" db:"tenant_id"`
	TemplateName string `json:"template_name" db:"template_name"`
	LanguageCode string `json:"language_code" db:"language_code"`
}

// Language returns the template language, falling back to DefaultLanguageCode.
func (c *Campaign) Language() string {
	if strings.TrimSpace(c.LanguageCode) == "" {
		return DefaultLanguageCode
	}
	return c.LanguageCode
}

// Contact is a campaign recipient.
type Contact struct {
	ID         string                 `json:"id" db:"id"`
	PhoneE164  string                 `json:"phone_e164" db:"phone_e164"`
	WaID       string                 `json:"wa_id,omitempty" db:"wa_id"`
	Consent    ConsentStatus          `json:"consent_status" db:"consent_status"`
	Attributes map[string]interface{} `json:"attributes,omitempty" db:"attributes_jsonb"`
}

// IdempotencyKey is the deterministic key of the (campaign, contact) pair.
// The store enforces one message row per key.
func IdempotencyKey(campaignID, contactID string) string {
	return campaignID + ":" + contactID
}

package domain

import "time"

// RotationStrategy selects how the variation engine walks the phrase bank.
type RotationStrategy string

const (
	RotationRoundRobin RotationStrategy = "round_robin"
	RotationRandom     RotationStrategy = "random"
)

// PhraseBank holds the interchangeable parts of a humanized message.
type PhraseBank struct {
	Openers  []string `json:"openers,omitempty"`
	Bodies   []string `json:"bodies,omitempty"`
	Closings []string `json:"closings,omitempty"`
}

// HumanizationConfig is a campaign's variation profile plus the rotation
// state carried between fan-out passes.
type HumanizationConfig struct {
	ProfileID               string           `json:"profileId,omitempty"`
	RotationStrategy        RotationStrategy `json:"rotationStrategy"`
	BaseTemplateText        string           `json:"baseTemplateText"`
	PhraseBank              PhraseBank       `json:"phraseBank"`
	SyntacticVariationLevel int              `json:"syntacticVariationLevel"`
	MinDelayMs              int              `json:"minDelayMs"`
	MaxDelayMs              int              `json:"maxDelayMs"`
	LastVariantIndex        int              `json:"lastVariantIndex"`
	LastVariantHash         string           `json:"lastVariantHash,omitempty"`
}

// Advance returns a copy carrying the rotation state of v.
func (c HumanizationConfig) Advance(v Variant) HumanizationConfig {
	c.LastVariantIndex = v.NextIndex
	c.LastVariantHash = v.Hash
	return c
}

// Variables are the recipient values substituted into a variant.
type Variables struct {
	Nome   string `json:"nome"`
	Cidade string `json:"cidade"`
	// Extra carries the remaining contact attributes for template tags
	// beyond nome/cidade.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Variant is one generated message text.
type Variant struct {
	Text      string `json:"text"`
	Hash      string `json:"hash"`
	DelayMs   int    `json:"delayMs"`
	NextIndex int    `json:"nextIndex"`
}

// Delay returns DelayMs as a duration.
func (v Variant) Delay() time.Duration {
	return time.Duration(v.DelayMs) * time.Millisecond
}

// VariantRecord is what the fan-out persists for a humanized message: the
// text goes on the message payload, the rest on the variation audit trail.
type VariantRecord struct {
	MessageID  string
	CampaignID string
	ContactID  string
	Variant    Variant
}

package worker

import (
	"context"
	"errors"

	"github.com/ignite/dispatch-worker/internal/domain"
)

var (
	// ErrCampaignNotFound is returned when the launched campaign does not
	// exist for the tenant.
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrMessageNotFound is returned when a send job names a message that
	// does not exist for the tenant and campaign.
	ErrMessageNotFound = errors.New("message target not found")
)

// LaunchStore is the persistence the fan-out needs. Every call is scoped
// to one tenant.
type LaunchStore interface {
	LoadCampaign(ctx context.Context, tenantID, campaignID string) (*domain.Campaign, error)
	// EligibleContacts returns the tenant's live contacts whose consent
	// allows campaign messages.
	EligibleContacts(ctx context.Context, tenantID string) ([]domain.Contact, error)
	// LoadHumanization returns nil when the campaign has no active profile.
	LoadHumanization(ctx context.Context, tenantID, campaignID string) (*domain.HumanizationConfig, error)
	// UpsertQueuedMessage creates the message row for a contact or returns
	// the existing one. It never regresses an existing status.
	UpsertQueuedMessage(ctx context.Context, tenantID string, msg domain.QueuedMessage) (domain.UpsertResult, error)
	SaveVariant(ctx context.Context, tenantID string, rec domain.VariantRecord) error
	MarkEnqueued(ctx context.Context, tenantID, messageID string) error
	SaveRotation(ctx context.Context, tenantID, campaignID string, lastIndex int, lastHash string) error
}

// SendStore is the persistence the send processor needs.
type SendStore interface {
	LoadSendTarget(ctx context.Context, tenantID, campaignID, messageID string) (*domain.SendTarget, error)
	// ApplyStatus moves the message to update.To unless its current status
	// forbids it, and reports whether the change was applied.
	ApplyStatus(ctx context.Context, tenantID, messageID string, update domain.StatusUpdate) (bool, error)
}

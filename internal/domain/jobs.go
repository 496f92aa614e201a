package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidJob is returned when a job payload fails boundary validation.
var ErrInvalidJob = errors.New("invalid job payload")

// CampaignLaunchJob asks the worker to fan a campaign out to its contacts.
// Produced once per launch action; redelivery is safe because fan-out is
// idempotent.
type CampaignLaunchJob struct {
	TenantID    string    `json:"tenantId"`
	CampaignID  string    `json:"campaignId"`
	RequestedAt time.Time `json:"requestedAt"`
	RequestID   string    `json:"requestId"`
	Attempt     int       `json:"attempt,omitempty"`
}

// Validate checks the required identifiers.
func (j CampaignLaunchJob) Validate() error {
	if strings.TrimSpace(j.TenantID) == "" {
		return fmt.Errorf("%w: tenantId is required", ErrInvalidJob)
	}
	if strings.TrimSpace(j.CampaignID) == "" {
		return fmt.Errorf("%w: campaignId is required", ErrInvalidJob)
	}
	if j.Attempt < 0 {
		return fmt.Errorf("%w: attempt must not be negative", ErrInvalidJob)
	}
	return nil
}

// CurrentAttempt returns the 1-based attempt number. A missing attempt
// counts as the first.
func (j CampaignLaunchJob) CurrentAttempt() int {
	if j.Attempt < 1 {
		return 1
	}
	return j.Attempt
}

// WithAttempt returns a copy of the job carrying attempt n.
func (j CampaignLaunchJob) WithAttempt(n int) CampaignLaunchJob {
	j.Attempt = n
	return j
}

// MessageSendJob asks the worker to deliver one queued message.
type MessageSendJob struct {
	TenantID   string `json:"tenantId"`
	CampaignID string `json:"campaignId"`
	MessageID  string `json:"messageId"`
	Attempt    int    `json:"attempt,omitempty"`
}

// Validate checks the required identifiers.
func (j MessageSendJob) Validate() error {
	switch {
	case strings.TrimSpace(j.TenantID) == "":
		return fmt.Errorf("%w: tenantId is required", ErrInvalidJob)
	case strings.TrimSpace(j.CampaignID) == "":
		return fmt.Errorf("%w: campaignId is required", ErrInvalidJob)
	case strings.TrimSpace(j.MessageID) == "":
		return fmt.Errorf("%w: messageId is required", ErrInvalidJob)
	case j.Attempt < 0:
		return fmt.Errorf("%w: attempt must not be negative", ErrInvalidJob)
	}
	return nil
}

// CurrentAttempt returns the 1-based attempt number.
func (j MessageSendJob) CurrentAttempt() int {
	if j.Attempt < 1 {
		return 1
	}
	return j.Attempt
}

// WithAttempt returns a copy of the job carrying attempt n.
func (j MessageSendJob) WithAttempt(n int) MessageSendJob {
	j.Attempt = n
	return j
}

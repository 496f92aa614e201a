package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageStatus_WorkerMayApply(t *testing.T) {
	tests := []struct {
		from MessageStatus
		to   MessageStatus
		want bool
	}{
		{MessageQueued, MessageRateLimited, true},
		{MessageRateLimited, MessageQueued, true},
		{MessageQueued, MessageAcceptedMeta, true},
		{MessageFailedRetryable, MessageFailedPermanent, true},
		{MessageFailedRetryable, MessageAcceptedMeta, true},
		{MessageAcceptedMeta, MessageFailedRetryable, false},
		{MessageAcceptedMeta, MessageFailedPermanent, false},
		{MessageFailedPermanent, MessageQueued, false},
		{MessageDelivered, MessageRateLimited, false},
	}
	for _, tt := range tests {
		if got := tt.from.WorkerMayApply(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMessageStatus_WebhookTransitions(t *testing.T) {
	if !MessageAcceptedMeta.CanTransitionTo(MessageDelivered) {
		t.Error("accepted_meta should advance to delivered")
	}
	if !MessageDelivered.CanTransitionTo(MessageRead) {
		t.Error("delivered should advance to read")
	}
	if MessageRead.CanTransitionTo(MessageQueued) {
		t.Error("read must not regress")
	}
}

func TestMessageSendJob_Validate(t *testing.T) {
	ok := MessageSendJob{TenantID: "t1", CampaignID: "c1", MessageID: "m1"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	missing := MessageSendJob{TenantID: "t1", CampaignID: "c1"}
	if err := missing.Validate(); !errors.Is(err, ErrInvalidJob) {
		t.Errorf("Validate() = %v, want ErrInvalidJob", err)
	}
}

func TestJobAttempts(t *testing.T) {
	var job MessageSendJob
	if err := json.Unmarshal([]byte(`{"tenantId":"t","campaignId":"c","messageId":"m"}`), &job); err != nil {
		t.Fatal(err)
	}
	if job.CurrentAttempt() != 1 {
		t.Errorf("missing attempt should count as 1, got %d", job.CurrentAttempt())
	}
	next := job.WithAttempt(3)
	if next.CurrentAttempt() != 3 || job.CurrentAttempt() != 1 {
		t.Errorf("WithAttempt must copy: next=%d orig=%d", next.CurrentAttempt(), job.CurrentAttempt())
	}

	launch := CampaignLaunchJob{TenantID: "t", CampaignID: "c"}
	if launch.WithAttempt(2).CurrentAttempt() != 2 {
		t.Error("launch WithAttempt did not apply")
	}
}

func TestConsentEligible(t *testing.T) {
	if !ConsentUnknown.Eligible() || !ConsentOptedIn.Eligible() {
		t.Error("opted_in and unknown contacts are eligible")
	}
	if ConsentOptedOut.Eligible() {
		t.Error("opted_out contacts are not eligible")
	}
}

func TestSendTarget_Recipient(t *testing.T) {
	tg := SendTarget{PhoneE164: "+5511999990000"}
	if tg.Recipient() != "+5511999990000" {
		t.Errorf("Recipient() = %q", tg.Recipient())
	}
	tg.WaID = "5511999990000"
	if tg.Recipient() != "5511999990000" {
		t.Errorf("Recipient() should prefer wa_id, got %q", tg.Recipient())
	}
}

package domain

import (
	"encoding/json"
	"time"
)

// DeadLetterRecord is the write-once artifact left for operators when a job
// exhausts its retries or fails permanently.
type DeadLetterRecord struct {
	Queue       string          `json:"queue"`
	OriginalJob json.RawMessage `json:"originalJob"`
	Reason      string          `json:"reason"`
	Attempt     int             `json:"attempt"`
	FailedAt    time.Time       `json:"failedAt"`
}

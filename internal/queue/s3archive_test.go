package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/dispatch-worker/internal/domain"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archive_Archive(t *testing.T) {
	putter := &fakePutter{}
	a := NewS3ArchiveWithClient(putter, "dlq-bucket", "dead-letters")
	a.newID = func() string { return "fixed-id" }

	rec := domain.DeadLetterRecord{
		Queue:       "message.send",
		OriginalJob: json.RawMessage(`{"messageId":"m1"}`),
		Reason:      "meta_timeout",
		Attempt:     3,
		FailedAt:    time.Date(2026, 1, 9, 23, 0, 0, 0, time.UTC),
	}
	if err := a.Archive(context.Background(), rec); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if len(putter.inputs) != 1 {
		t.Fatalf("expected 1 put, got %d", len(putter.inputs))
	}
	in := putter.inputs[0]
	if got := aws.ToString(in.Bucket); got != "dlq-bucket" {
		t.Errorf("bucket = %q", got)
	}
	if got, want := aws.ToString(in.Key), "dead-letters/message.send/2026/01/09/fixed-id.json"; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
	if in.Metadata["reason"] != "meta_timeout" || in.Metadata["attempt"] != "3" {
		t.Errorf("metadata = %v", in.Metadata)
	}

	var stored domain.DeadLetterRecord
	if err := json.Unmarshal(putter.bodies[0], &stored); err != nil {
		t.Fatalf("stored body: %v", err)
	}
	if stored.Reason != "meta_timeout" || string(stored.OriginalJob) != `{"messageId":"m1"}` {
		t.Errorf("stored record = %+v", stored)
	}
}

func TestS3Archive_PutError(t *testing.T) {
	a := NewS3ArchiveWithClient(&fakePutter{err: errors.New("access denied")}, "b", "p")
	if err := a.Archive(context.Background(), domain.DeadLetterRecord{Queue: "q"}); err == nil {
		t.Fatal("expected error")
	}
}

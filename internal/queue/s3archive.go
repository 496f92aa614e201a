package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/ignite/dispatch-worker/internal/domain"
)

// ObjectPutter is the subset of the S3 client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArchiveConfig locates the archive bucket.
type S3ArchiveConfig struct {
	Bucket string
	Prefix string
	Region string
}

// S3Archive writes each dead letter as its own JSON object:
// <prefix>/<queue>/<yyyy>/<mm>/<dd>/<uuid>.json
type S3Archive struct {
	client ObjectPutter
	bucket string
	prefix string
	newID  func() string
}

// NewS3Archive builds an archive using the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	log.Printf("[S3Archive] dead letters archived to s3://%s/%s", cfg.Bucket, cfg.Prefix)
	return NewS3ArchiveWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiveWithClient builds an archive on an existing client.
func NewS3ArchiveWithClient(client ObjectPutter, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix, newID: uuid.NewString}
}

// Key returns the object key for rec.
func (a *S3Archive) Key(rec domain.DeadLetterRecord) string {
	t := rec.FailedAt.UTC()
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return path.Join(a.prefix, rec.Queue,
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), fmt.Sprintf("%02d", t.Day()),
		a.newID()+".json")
}

// Archive uploads rec.
func (a *S3Archive) Archive(ctx context.Context, rec domain.DeadLetterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	key := a.Key(rec)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"queue":   rec.Queue,
			"reason":  rec.Reason,
			"attempt": strconv.Itoa(rec.Attempt),
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

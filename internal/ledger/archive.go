package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver keeps a copy of raw notification payloads.
type Archiver interface {
	Archive(ctx context.Context, ev *Event) error
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures an S3-compatible archive bucket.
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archiver writes payloads to webhooks/<provider>/<notification id>.json.
type S3Archiver struct {
	client objectPutter
	bucket string
}

// NewS3Archiver creates an archiver for an S3-compatible endpoint.
func NewS3Archiver(cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("archive credentials are required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &S3Archiver{client: s3.New(opts), bucket: cfg.Bucket}, nil
}

// ObjectKey returns the archive key for an event.
func ObjectKey(ev *Event) string {
	return path.Join("webhooks", string(ev.Provider), path.Base(ev.NotificationID)+".json")
}

// Archive implements Archiver.
func (a *S3Archiver) Archive(ctx context.Context, ev *Event) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(ObjectKey(ev)),
		Body:        bytes.NewReader(ev.Payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-id": ev.ID,
			"topic":    ev.Topic,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", ObjectKey(ev), err)
	}
	return nil
}

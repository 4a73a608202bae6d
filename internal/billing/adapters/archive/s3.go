// Package archive stores verified webhook bodies for audit and disputes
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/platform/config"
)

// ObjectPutter is the subset of the S3 client the archive needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client; a custom endpoint switches to path-style
// addressing for MinIO and similar stores
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Archive writes one object per event
type S3Archive struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Archive creates an archive writing under prefix in bucket
func NewS3Archive(client ObjectPutter, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// Key returns <prefix>/<yyyy>/<mm>/<dd>/<event id>.json for the receive date
func (a *S3Archive) Key(env *model.Envelope) string {
	at := env.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	return path.Join(a.prefix, at.UTC().Format("2006/01/02"), env.EventID+".json")
}

// Archive stores body exactly as received
func (a *S3Archive) Archive(ctx context.Context, env *model.Envelope, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(env)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-type": string(env.Type),
			"event-id":   env.EventID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive event %s: %w", env.EventID, err)
	}
	return nil
}

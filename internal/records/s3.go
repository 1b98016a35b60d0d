package records

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var _ Objects = (*S3Objects)(nil)

// S3Objects is the S3 implementation of [Objects].
type S3Objects struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// S3Option configures the S3 client built by [NewS3Objects].
type S3Option func(*s3.Options)

// WithS3Endpoint points the client at an S3-compatible endpoint and enables
// path-style addressing.
func WithS3Endpoint(url string) S3Option {
	return func(o *s3.Options) {
		o.BaseEndpoint = aws.String(url)
		o.UsePathStyle = true
	}
}

// NewS3Objects creates an S3Objects for bucket.
func NewS3Objects(cfg aws.Config, bucket string, opts ...S3Option) *S3Objects {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		for _, opt := range opts {
			opt(o)
		}
	})
	return &S3Objects{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}
}

// ReadText implements [Objects].
func (o *S3Objects) ReadText(ctx context.Context, key string, limit int64) (string, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("records: get s3://%s/%s: %w", o.bucket, key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, limit))
	if err != nil {
		return "", fmt.Errorf("records: read s3://%s/%s: %w", o.bucket, key, err)
	}
	return string(b), nil
}

// PresignGet implements [Objects].
func (o *S3Objects) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := o.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("records: presign s3://%s/%s: %w", o.bucket, key, err)
	}
	return req.URL, nil
}

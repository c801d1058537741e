// Package objectstore reads workspace files from an S3-compatible bucket
// (Cloudflare R2 in production).
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned when the requested object key does not exist.
var ErrNotFound = errors.New("object not found")

// Client fetches objects by key. Implemented by the R2 client below and by
// in-memory fakes in tests.
type Client interface {
	Download(ctx context.Context, bucket, key string, w io.Writer) error
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// R2Client talks to Cloudflare R2 through the S3 API.
type R2Client struct {
	s3 *s3.Client
}

// NewR2Client builds a client for the given R2 account. R2 ignores the
// region but the SDK requires one; "auto" is the documented value.
func NewR2Client(ctx context.Context, accountID, accessKeyID, secretAccessKey string) (*R2Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load R2 config: %w", err)
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &R2Client{s3: client}, nil
}

// Download streams the object body into w.
func (c *R2Client) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapErr(err, key)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("read object %q: %w", key, err)
	}
	return nil
}

// Fetch reads the whole object into memory. Workspace source files are
// small; the 10 MB sandbox file cap bounds what ever lands here.
func (c *R2Client) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Download(ctx, bucket, key, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mapErr(err error, key string) error {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("object %q: %w", key, ErrNotFound)
	}
	return fmt.Errorf("get object %q: %w", key, err)
}

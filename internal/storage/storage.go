// Package storage uploads local recordings to S3-compatible object storage
// so the transcription backend can fetch them by URL.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"meetaudio-desktop/internal/config"
)

const uploadAttempts = 3

// Client implements recognition.Uploader on top of S3
type Client struct {
	s3Client      *s3.Client
	presigner     *s3.PresignClient
	bucket        string
	publicURL     string
	presignExpiry time.Duration
	now           func() time.Time
}

// NewClient creates an S3 client for cfg. Endpoint is optional and selects an
// S3-compatible service (R2, MinIO, TOS) with path-style addressing.
func NewClient(ctx context.Context, cfg config.StorageConfig) (*Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("storage configuration incomplete")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 2 * time.Hour
	}

	return &Client{
		s3Client:      s3Client,
		presigner:     s3.NewPresignClient(s3Client),
		bucket:        cfg.Bucket,
		publicURL:     cfg.PublicURL,
		presignExpiry: expiry,
		now:           time.Now,
	}, nil
}

// Upload stores body under key
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// UploadAudio stores a recording and returns a URL the backend can fetch
func (c *Client) UploadAudio(ctx context.Context, fileName string, data []byte, contentType string) (string, error) {
	key := c.objectKey(fileName)

	err := retryWithBackoff(ctx, key, func() error {
		return c.Upload(ctx, key, bytes.NewReader(data), contentType)
	}, uploadAttempts)
	if err != nil {
		return "", err
	}

	if c.publicURL != "" {
		return c.PublicURL(key), nil
	}
	return c.SignedURL(ctx, key, c.presignExpiry)
}

// SignedURL generates a presigned GET URL for temporary access
func (c *Client) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

// PublicURL returns the CDN URL for key
func (c *Client) PublicURL(key string) string {
	return fmt.Sprintf("%s/%s", c.publicURL, key)
}

// objectKey builds audio/<yyyy-mm-dd>/<uuid><ext>
func (c *Client) objectKey(fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	return fmt.Sprintf("audio/%s/%s%s", c.now().UTC().Format("2006-01-02"), uuid.New().String(), ext)
}

// retryWithBackoff runs operation up to maxAttempts times, sleeping
// 500ms*attempt^2 between tries (500ms, 2s, 4.5s). It gives up early when
// ctx ends during a backoff.
func retryWithBackoff(ctx context.Context, label string, operation func() error, maxAttempts int) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 1 {
				log.Printf("[storage] %s: ✓ succeeded on retry %d/%d", label, attempt, maxAttempts)
			}
			return nil
		}

		lastErr = err

		if attempt == maxAttempts {
			log.Printf("[storage] %s: ✗ all %d attempts failed: %v", label, maxAttempts, err)
			break
		}

		backoff := time.Duration(500*attempt*attempt) * time.Millisecond
		log.Printf("[storage] %s: ⚠ attempt %d/%d failed, retrying in %v: %v", label, attempt, maxAttempts, backoff, err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("gave up after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

// Package archive pushes compliance export artifacts to S3-compatible
// object storage (S3, R2, MinIO).
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Validation errors.
var (
	ErrEmptyTenant  = errors.New("tenant id is required")
	ErrEmptyPayload = errors.New("export payload is empty")
)

// contentTypes maps export file extensions to upload content types.
var contentTypes = map[string]string{
	"csv":  "text/csv",
	"json": "application/json",
	"cbor": "application/cbor",
}

// Upload describes a stored export artifact.
type Upload struct {
	Key       string    `json:"key"`
	Bucket    string    `json:"bucket"`
	Size      int64     `json:"size"`
	StoredAt  time.Time `json:"stored_at"`
	SignedURL string    `json:"signed_url,omitempty"`
}

// Uploader writes export artifacts into an object storage bucket.
type Uploader struct {
	s3Client      *s3.Client
	presignClient *s3.PresignClient
	bucketName    string
	urlExpiry     time.Duration
	logger        *slog.Logger
	timeNow       func() time.Time // For testability
}

// UploaderConfig holds configuration for the archive uploader.
type UploaderConfig struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string
	URLExpiry       time.Duration // Default: 15 minutes
	Logger          *slog.Logger
}

// NewUploader creates an archive uploader with the given configuration.
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	// Default values
	if cfg.Region == "" {
		cfg.Region = "auto" // R2 uses auto region
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Create S3 client with R2-compatible configuration
	s3Client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // No session token for R2
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true, // R2 requires path-style addressing
	})

	return &Uploader{
		s3Client:      s3Client,
		presignClient: s3.NewPresignClient(s3Client),
		bucketName:    cfg.BucketName,
		urlExpiry:     cfg.URLExpiry,
		logger:        cfg.Logger,
		timeNow:       time.Now,
	}, nil
}

// ObjectKey builds the storage key for a tenant export.
// Pattern: audit-exports/{tenant}/{timestamp}.{ext}
func ObjectKey(tenantID, format string, at time.Time) (string, error) {
	sanitized := sanitizePathComponent(tenantID)
	if sanitized == "" {
		return "", ErrEmptyTenant
	}
	ext := strings.ToLower(format)
	if _, ok := contentTypes[ext]; !ok {
		return "", fmt.Errorf("unsupported export format: %q", format)
	}
	return fmt.Sprintf("audit-exports/%s/%s.%s", sanitized, at.UTC().Format("20060102T150405Z"), ext), nil
}

// sanitizePathComponent removes potentially dangerous characters from path components.
func sanitizePathComponent(s string) string {
	// Only allow alphanumeric, hyphens, and underscores
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Store uploads an export artifact and returns its location along with a
// time-limited signed download URL.
func (u *Uploader) Store(ctx context.Context, tenantID, format string, payload []byte) (*Upload, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	now := u.timeNow()
	key, err := ObjectKey(tenantID, format, now)
	if err != nil {
		return nil, err
	}

	_, err = u.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String(contentTypes[strings.ToLower(format)]),
		ContentLength: aws.Int64(int64(len(payload))),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store export: %w", err)
	}

	signed, err := u.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucketName),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = u.urlExpiry
	})
	if err != nil {
		// The upload itself succeeded; report the artifact without a URL.
		u.logger.WarnContext(ctx, "failed to presign export download", "key", key, "error", err)
		return &Upload{Key: key, Bucket: u.bucketName, Size: int64(len(payload)), StoredAt: now}, nil
	}

	u.logger.InfoContext(ctx, "export archived",
		"tenant_id", tenantID,
		"key", key,
		"size", len(payload))

	return &Upload{
		Key:       key,
		Bucket:    u.bucketName,
		Size:      int64(len(payload)),
		StoredAt:  now,
		SignedURL: signed.URL,
	}, nil
}

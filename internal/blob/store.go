// Package blob stores rendered artifacts (CSV exports, reports) in an
// S3-compatible bucket and hands out time-limited signed download URLs.
// Artifacts are encrypted at rest with SSE and never served directly.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrArtifactStoreFailed indicates a bucket operation failed.
var ErrArtifactStoreFailed = errors.New("artifact store operation failed")

// objectAPI is the slice of the S3 client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store uploads artifacts and signs download URLs for them.
type Store struct {
	config    *Config
	objects   objectAPI
	presigner presignAPI
	logger    *slog.Logger
}

// New creates an artifact store bound to the configured bucket. Credentials
// come from the default AWS chain; Endpoint reroutes to S3-compatible
// stores.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Store, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blob config: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		config:    config,
		objects:   client,
		presigner: s3.NewPresignClient(client),
		logger:    logger.With(slog.String("component", "blob_store")),
	}, nil
}

// Upload writes an artifact under the configured prefix with SSE enabled
// and returns the full object key.
func (s *Store) Upload(ctx context.Context, key, contentType string, body []byte) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: object key cannot be empty", ErrArtifactStoreFailed)
	}

	objectKey := s.objectKey(key)

	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	_, err := s.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.config.Bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String(contentType),
		ContentLength:        aws.Int64(int64(len(body))),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %w", ErrArtifactStoreFailed, objectKey, err)
	}

	s.logger.Info("Artifact uploaded",
		slog.String("object_key", objectKey),
		slog.Int("size_bytes", len(body)),
		slog.String("content_type", contentType))

	return objectKey, nil
}

// SignedURL returns a presigned GET for an uploaded artifact together with
// the URL's expiry time.
func (s *Store) SignedURL(ctx context.Context, objectKey string) (string, time.Time, error) {
	if objectKey == "" {
		return "", time.Time{}, fmt.Errorf("%w: object key cannot be empty", ErrArtifactStoreFailed)
	}

	expiresAt := time.Now().UTC().Add(s.config.URLTTL)

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(objectKey),
	}, func(o *s3.PresignOptions) {
		o.Expires = s.config.URLTTL
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: sign %s: %w", ErrArtifactStoreFailed, objectKey, err)
	}

	return req.URL, expiresAt, nil
}

// Delete removes an artifact. Used when an export row is purged.
func (s *Store) Delete(ctx context.Context, objectKey string) error {
	if objectKey == "" {
		return fmt.Errorf("%w: object key cannot be empty", ErrArtifactStoreFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	_, err := s.objects.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrArtifactStoreFailed, objectKey, err)
	}

	return nil
}

// HealthCheck verifies the bucket answers.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	_, err := s.objects.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("%w: bucket %s unreachable: %w", ErrArtifactStoreFailed, s.config.Bucket, err)
	}

	return nil
}

func (s *Store) objectKey(key string) string {
	key = strings.TrimLeft(key, "/")

	if s.config.Prefix == "" {
		return key
	}

	return strings.TrimRight(s.config.Prefix, "/") + "/" + key
}

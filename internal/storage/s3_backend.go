package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures the S3 backend. Endpoint is set for S3-compatible stores
// such as MinIO, which also need PathStyle.
type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style" yaml:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Backend stores attachments as objects in one bucket.
type S3Backend struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Backend loads the default AWS credential chain, overridden by static
// keys when both are configured.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Backend(client, cfg), nil
}

func newS3Backend(client s3API, cfg S3Config) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (b *S3Backend) key(location string) string {
	if b.prefix == "" {
		return location
	}
	return b.prefix + "/" + location
}

// Store uploads the content with its checksum as object metadata.
func (b *S3Backend) Store(ctx context.Context, followUpID int64, content *AttachmentContent) (*Reference, error) {
	hash := sha256.Sum256(content.Content)
	checksum := hex.EncodeToString(hash[:])
	location := objectKey(followUpID, content.CreatedTime, content.FileName)

	metadata := map[string]string{"checksum": checksum}
	for k, v := range content.Metadata {
		metadata[k] = v
	}
	contentType := content.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(location)),
		Body:          bytes.NewReader(content.Content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content.Content))),
		Metadata:      metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 put %s: %w", location, err)
	}
	return &Reference{
		FollowUpID:  followUpID,
		Backend:     BackendS3,
		Location:    location,
		ContentType: contentType,
		FileName:    safeName(content.FileName),
		FileSize:    int64(len(content.Content)),
		Checksum:    checksum,
		CreatedTime: content.CreatedTime,
	}, nil
}

// Retrieve downloads the object behind ref.
func (b *S3Backend) Retrieve(ctx context.Context, ref *Reference) (*AttachmentContent, error) {
	if ref == nil || ref.Location == "" {
		return nil, ErrNotFound
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(ref.Location)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", ref.Location, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", ref.Location, err)
	}
	contentType := ref.ContentType
	if contentType == "" {
		contentType = aws.ToString(out.ContentType)
	}
	return &AttachmentContent{
		FollowUpID:  ref.FollowUpID,
		ContentType: contentType,
		FileName:    ref.FileName,
		FileSize:    int64(len(data)),
		Content:     data,
		Metadata:    out.Metadata,
		CreatedTime: ref.CreatedTime,
	}, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (b *S3Backend) Delete(ctx context.Context, ref *Reference) error {
	if ref == nil || ref.Location == "" {
		return nil
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(ref.Location)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", ref.Location, err)
	}
	return nil
}

// Exists issues a HEAD request for the object.
func (b *S3Backend) Exists(ctx context.Context, ref *Reference) (bool, error) {
	if ref == nil || ref.Location == "" {
		return false, nil
	}
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(ref.Location)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %s: %w", ref.Location, err)
	}
	return true, nil
}

// GetInfo returns backend information.
func (b *S3Backend) GetInfo() *BackendInfo {
	return &BackendInfo{
		Name:         "S3Backend",
		Type:         BackendS3,
		Capabilities: []string{"store", "retrieve", "delete"},
		Status:       "active",
	}
}

// HealthCheck verifies the bucket is reachable.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s unreachable: %w", b.bucket, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

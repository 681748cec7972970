package blobsink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	defaultS3Region    = "us-east-1"
	defaultS3KeyPrefix = "avatars"
)

var errMissingBucket = errors.New("blobsink: s3 bucket is required")

// S3Config holds configuration for an S3 or MinIO upload target.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	PublicURL       string `mapstructure:"public_url"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

// putObjectAPI is the slice of the S3 client the endpoint uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Endpoint writes blobs as objects and returns their public URL.
type S3Endpoint struct {
	client    putObjectAPI
	bucket    string
	keyPrefix string
	baseURL   string
}

// NewS3Endpoint loads AWS configuration and builds an endpoint.
func NewS3Endpoint(ctx context.Context, cfg S3Config) (*S3Endpoint, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errMissingBucket
	}
	if cfg.Region == "" {
		cfg.Region = defaultS3Region
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobsink: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Endpoint(client, cfg), nil
}

func newS3Endpoint(client putObjectAPI, cfg S3Config) *S3Endpoint {
	keyPrefix := strings.Trim(cfg.KeyPrefix, "/")
	if keyPrefix == "" {
		keyPrefix = defaultS3KeyPrefix
	}
	return &S3Endpoint{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: keyPrefix,
		baseURL:   objectBaseURL(cfg),
	}
}

// objectBaseURL resolves the prefix under which uploaded objects are publicly readable.
func objectBaseURL(cfg S3Config) string {
	if cfg.PublicURL != "" {
		return strings.TrimSuffix(cfg.PublicURL, "/")
	}
	if cfg.Endpoint != "" {
		endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
		if cfg.UsePathStyle {
			return endpoint + "/" + cfg.Bucket
		}
		if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
			parsed.Host = cfg.Bucket + "." + parsed.Host
			return parsed.String()
		}
		return endpoint + "/" + cfg.Bucket
	}
	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
}

// Name identifies the endpoint in logs.
func (endpoint *S3Endpoint) Name() string {
	return "s3:" + endpoint.bucket
}

// Upload stores the blob under the key prefix.
func (endpoint *S3Endpoint) Upload(ctx context.Context, blob Blob) (string, error) {
	key := path.Join(endpoint.keyPrefix, sanitizeFilename(blob.Filename))
	input := &s3.PutObjectInput{
		Bucket:        aws.String(endpoint.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(blob.Data),
		ContentLength: aws.Int64(int64(len(blob.Data))),
	}
	if blob.ContentType != "" {
		input.ContentType = aws.String(blob.ContentType)
	}
	if _, err := endpoint.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("%w: put object %s: %v", ErrUploadFailed, key, err)
	}
	return endpoint.baseURL + "/" + key, nil
}

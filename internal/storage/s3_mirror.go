package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"file-normalization-service/internal/config"
)

// Mirror copies finished markdown to an S3 bucket. A nil *Mirror is a
// configured-off mirror; its methods are safe to call.
type Mirror struct {
	client *s3.Client
	bucket string
}

// NewMirror returns nil when no bucket is configured.
func NewMirror(ctx context.Context, cfg config.Config) (*Mirror, error) {
	if cfg.MirrorS3Bucket == "" {
		return nil, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MirrorS3Region),
	}
	if cfg.MirrorS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MirrorS3Endpoint,
					HostnameImmutable: cfg.MirrorS3PathStyle,
					SigningRegion:     cfg.MirrorS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MirrorS3PathStyle
	})
	return &Mirror{client: client, bucket: cfg.MirrorS3Bucket}, nil
}

// Upload puts one object under the processed-relative key and returns its
// s3:// location.
func (m *Mirror) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if m == nil {
		return "", nil
	}
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// Enabled reports whether a bucket is configured.
func (m *Mirror) Enabled() bool { return m != nil }

// Package blobstore is the Worker Runner's blob-store collaborator: an
// interface over input download / output upload, with a concrete
// S3-compatible implementation. Grounded on the S3 wiring found in the
// retrieved pack (aws-sdk-go-v2 with a custom endpoint resolver, since
// S3_ENDPOINT_URL in the spec's env contract need not be AWS's own
// endpoint).
package blobstore

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store downloads and uploads job input/output artifacts by bucket-relative
// key. The Worker Runner is the sole caller.
type Store interface {
	Download(ctx context.Context, key, destPath string) error
	Upload(ctx context.Context, key, srcPath string) error
}

// S3Store implements Store against an S3-compatible endpoint.
type S3Store struct {
	client *s3.Client
	bucket string
}

// Config carries the S3_* environment variables named in spec §6.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	EndpointURL     string
	Region          string // defaults to "us-east-1" if empty; most S3-compatible stores ignore it
}

// NewS3Store builds an S3-compatible client with static credentials and a
// custom endpoint, the same shape used by other S3-backed services in the
// retrieved pack.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
		o.UsePathStyle = true // required by most non-AWS S3-compatible endpoints
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Download(ctx context.Context, key, destPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := f.ReadFrom(out.Body); err != nil {
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return nil
}

func (s *S3Store) Upload(ctx context.Context, key, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func contentTypeFor(key string) string {
	return "application/octet-stream"
}

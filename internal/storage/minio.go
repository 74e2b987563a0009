package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultBucket = "conductor-artifacts"

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioPresigner presigns URLs against an S3-compatible bucket. Presigning
// is computed locally; no request reaches the object store.
type MinioPresigner struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func NewMinioPresigner(cfg MinioConfig) (*MinioPresigner, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when ARTIFACT_BACKEND=minio")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	return &MinioPresigner{client: client, bucket: bucket, now: time.Now}, nil
}

func (p *MinioPresigner) PresignPut(ctx context.Context, key string) (*PresignedURL, error) {
	expires := p.now().Add(URLValidity).UTC()
	u, err := p.client.PresignedPutObject(ctx, p.bucket, key, URLValidity)
	if err != nil {
		return nil, fmt.Errorf("presign put %s: %w", key, err)
	}
	return &PresignedURL{Method: "PUT", URL: u.String(), ObjectKey: key, ExpiresAt: expires}, nil
}

func (p *MinioPresigner) PresignGet(ctx context.Context, key string) (*PresignedURL, error) {
	expires := p.now().Add(URLValidity).UTC()
	u, err := p.client.PresignedGetObject(ctx, p.bucket, key, URLValidity, nil)
	if err != nil {
		return nil, fmt.Errorf("presign get %s: %w", key, err)
	}
	return &PresignedURL{Method: "GET", URL: u.String(), ObjectKey: key, ExpiresAt: expires}, nil
}

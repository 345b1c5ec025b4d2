// Package bucket uploads artifacts to an S3 compatible bucket.
package bucket

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Options struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	URLExpiry time.Duration
}

// Bucket puts objects with PutObject and returns presigned GET URLs.
type Bucket struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	expiry    time.Duration
}

func New(ctx context.Context, opts Options) (*Bucket, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	expiry := opts.URLExpiry
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &Bucket{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    opts.Bucket,
		expiry:    expiry,
	}, nil
}

func (b *Bucket) Provider() string { return "s3" }

func (b *Bucket) Upload(ctx context.Context, data []byte, key string) (string, error) {
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	presigned, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(b.expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return presigned.URL, nil
}

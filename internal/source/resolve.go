// Package source turns enqueued source URLs into fetchable HTTP URLs and
// supplies credentials for protected hosts.
package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

const DefaultPresignExpiry = 6 * time.Hour

// Presigner is the part of the S3 presign client used here.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Resolver struct {
	Profile       string
	PresignExpiry time.Duration
	presigner     Presigner
}

func NewResolver(profile string, expiry time.Duration) *Resolver {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	return &Resolver{Profile: profile, PresignExpiry: expiry}
}

// Resolve returns the URL to fetch for sourceURL. http(s) URLs pass
// through; s3://bucket/key becomes a presigned GET, which honors byte
// ranges like any other HTTPS origin.
func (r *Resolver) Resolve(ctx context.Context, sourceURL string) (string, error) {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
		return sourceURL, nil
	case "s3":
		bucket, key, err := ParseS3URL(sourceURL)
		if err != nil {
			return "", err
		}
		presigner, err := r.getPresigner(ctx)
		if err != nil {
			return "", err
		}
		req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(r.PresignExpiry))
		if err != nil {
			return "", fmt.Errorf("error presigning s3://%s/%s: %w", bucket, key, err)
		}
		log.Debug().Str("op", "source/resolve").Msgf("presigned s3://%s/%s", bucket, key)
		return req.URL, nil
	default:
		return "", fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}
}

func (r *Resolver) getPresigner(ctx context.Context) (Presigner, error) {
	if r.presigner != nil {
		return r.presigner, nil
	}
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if r.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(r.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	r.presigner = s3.NewPresignClient(s3.NewFromConfig(cfg))
	return r.presigner, nil
}

// ParseS3URL splits s3://bucket/key. A key is required since only single
// objects can be downloaded.
func ParseS3URL(raw string) (string, string, error) {
	trimmed := strings.TrimPrefix(raw, "s3://")
	bucket, key, _ := strings.Cut(trimmed, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("invalid S3 URL format: %s", raw)
	}
	return bucket, key, nil
}

// Supported reports whether Resolve can handle raw.
func Supported(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https":
		return parsed.Host != ""
	case "s3":
		_, _, err := ParseS3URL(raw)
		return err == nil
	}
	return false
}

// Package media uploads outbound attachments to an S3-compatible object store
// and hands back a durable public URL for the message record.
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Config holds object store settings.
type Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// Uploader wraps a configured S3 client.
type Uploader struct {
	client *s3.Client
	cfg    Config
}

// NewUploader builds the S3 client, or returns a disabled uploader when the
// config says so.
func NewUploader(cfg Config) (*Uploader, error) {
	if !cfg.Enabled {
		return &Uploader{cfg: cfg}, nil
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available: set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		// A bucket name inside the endpoint is a common misconfiguration.
		if strings.Contains(endpoint, cfg.Bucket+".") {
			endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
			log.Warn().
				Str("cleanedEndpoint", endpoint).
				Str("bucket", cfg.Bucket).
				Msg("Cleaned bucket name from S3 endpoint")
		}
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{URL: endpoint, HostnameImmutable: cfg.PathStyle}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		awsCfg.EndpointResolverWithOptions = resolver
	}

	usePathStyle := cfg.PathStyle
	if strings.Contains(cfg.Bucket, ".") {
		// Dots in bucket names break virtual-hosted TLS verification.
		usePathStyle = true
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Msg("S3 client initialized")

	return &Uploader{client: client, cfg: cfg}, nil
}

// Enabled reports whether uploads will actually hit the object store.
func (u *Uploader) Enabled() bool {
	return u.cfg.Enabled && u.client != nil
}

// Key builds the object key for an outbound attachment:
// leads/<phone>/outbox/<year>/<month>/<day>/<messageID><ext>.
func (u *Uploader) Key(leadPhone, messageID, mimeType string) string {
	now := time.Now().UTC()
	return fmt.Sprintf("leads/%s/outbox/%s/%s/%s/%s%s",
		leadPhone,
		now.Format("2006"), now.Format("01"), now.Format("02"),
		messageID, extensionFor(mimeType))
}

// Upload puts data under key and returns the public URL.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte, mimeType string) (string, error) {
	if !u.Enabled() {
		return "", fmt.Errorf("object store is not configured")
	}

	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(u.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).
			Str("key", key).
			Str("bucket", u.cfg.Bucket).
			Int("size", len(data)).
			Msg("Failed to upload media to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	url := u.publicURL(key)
	log.Info().Str("key", key).Str("url", url).Int("size", len(data)).Msg("Media uploaded to S3")
	return url, nil
}

func (u *Uploader) publicURL(key string) string {
	if u.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(u.cfg.PublicURL, "/"), u.cfg.Bucket, key)
	}

	usePathStyle := u.cfg.PathStyle || strings.Contains(u.cfg.Bucket, ".")

	if u.cfg.Endpoint != "" && !strings.Contains(u.cfg.Endpoint, "amazonaws.com") {
		if usePathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(u.cfg.Endpoint, "/"), u.cfg.Bucket, key)
		}
		host := strings.TrimPrefix(u.cfg.Endpoint, "https://")
		host = strings.TrimPrefix(host, "http://")
		return fmt.Sprintf("https://%s.%s/%s", u.cfg.Bucket, host, key)
	}

	if usePathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", u.cfg.Region, u.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "ogg"), strings.Contains(mimeType, "opus"):
		return ".ogg"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	}
	return ".bin"
}

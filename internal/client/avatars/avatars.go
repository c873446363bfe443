// Package avatars uploads profile pictures to S3-compatible object storage.
package avatars

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// MaxSize bounds uploaded files.
const MaxSize = 5 << 20

var (
	ErrNotConfigured = errors.New("avatar storage not configured")
	ErrTooLarge      = errors.New("avatar file too large")
	ErrNotImage      = errors.New("avatar file is not an image")
)

type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// PublicURL prefixes object keys in returned URLs; defaults to
	// Endpoint/Bucket.
	PublicURL string
}

type Uploader struct {
	client *s3.Client
	cfg    Config
	now    func() time.Time
}

func NewUploader(ctx context.Context, cfg Config) (*Uploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &Uploader{client: client, cfg: cfg, now: time.Now}, nil
}

// Upload stores the image at path for userID and returns its URL.
func (u *Uploader) Upload(ctx context.Context, userID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open avatar: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat avatar: %w", err)
	}
	if info.Size() > MaxSize {
		return "", ErrTooLarge
	}

	head := make([]byte, 512)
	n, _ := f.Read(head)
	contentType := http.DetectContentType(head[:n])
	if !strings.HasPrefix(contentType, "image/") {
		return "", ErrNotImage
	}
	if _, err := f.Seek(0, 0); err != nil {
		return "", fmt.Errorf("rewind avatar: %w", err)
	}

	key := u.objectKey(userID, contentType, path)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return "", fmt.Errorf("upload avatar: %w", err)
	}
	return u.publicURL(key), nil
}

func (u *Uploader) objectKey(userID, contentType, path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	d := u.now()
	return fmt.Sprintf("avatars/%s/%d/%02d/%s%s", userID, d.Year(), d.Month(), uuid.NewString(), ext)
}

func (u *Uploader) publicURL(key string) string {
	base := u.cfg.PublicURL
	if base == "" {
		base = strings.TrimRight(u.cfg.Endpoint, "/") + "/" + u.cfg.Bucket
	}
	return strings.TrimRight(base, "/") + "/" + key
}

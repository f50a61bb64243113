// Package artifacts stores generated report files and mirrored case attachments,
// either on the local filesystem or in an S3 bucket.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"legalcase-jobs/internal/config"
)

const defaultMaxBytes = 50 * 1024 * 1024

// Uploader writes one object and returns the URL it can be read from.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store puts artifacts through an Uploader and fetches remote files for mirroring.
type Store struct {
	uploader   Uploader
	httpClient *http.Client
	maxBytes   int64
}

// New picks S3 when a bucket is configured and the local output directory otherwise.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	timeout := cfg.ArtifactFetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	var uploader Uploader
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		uploader = &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	} else {
		baseDir := cfg.ArtifactOutputDir
		if baseDir == "" {
			baseDir = "./output"
		}
		uploader = &localUploader{baseDir: baseDir, publicBaseURL: cfg.ArtifactPublicBaseURL}
	}
	return NewWithUploader(uploader, &http.Client{Timeout: timeout}, cfg.ArtifactMaxBytes), nil
}

// NewWithUploader builds a store around an explicit uploader.
func NewWithUploader(uploader Uploader, httpClient *http.Client, maxBytes int64) *Store {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Store{uploader: uploader, httpClient: httpClient, maxBytes: maxBytes}
}

// NewLocal stores artifacts under baseDir.
func NewLocal(baseDir, publicBaseURL string) *Store {
	return NewWithUploader(&localUploader{baseDir: baseDir, publicBaseURL: publicBaseURL}, nil, 0)
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Put stores body under key.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	if key == "" || key == "." {
		return "", errors.New("artifact key is required")
	}
	url, err := s.uploader.Upload(ctx, key, body, contentType)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return url, nil
}

// Fetch downloads url, refusing bodies larger than the configured limit.
func (s *Store) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", s.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Mirror copies the file at url into the store under key.
func (s *Store) Mirror(ctx context.Context, key, url string) (string, error) {
	body, contentType, err := s.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = ContentType(filepath.Ext(key))
	}
	return s.Put(ctx, key, body, contentType)
}

// ContentType maps a report format or file extension to its MIME type.
func ContentType(format string) string {
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "pdf":
		return "application/pdf"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

type localUploader struct {
	baseDir       string
	publicBaseURL string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if l.publicBaseURL != "" {
		return strings.TrimRight(l.publicBaseURL, "/") + "/" + key, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return "file://" + filepath.ToSlash(abs), nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

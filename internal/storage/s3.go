package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned when a requested blob does not exist.
var ErrNotFound = errors.New("storage: not found")

// S3Config configures the S3 blob store.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Store reads and writes blobs in S3 under caller-supplied logical
// paths.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store loads AWS config and prepares the store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Get fetches the blob at the given logical path.
func (s *S3Store) Get(ctx context.Context, logicalPath string) ([]byte, error) {
	key := s.objectKey(logicalPath)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, logicalPath)
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Put writes the blob at the given logical path.
func (s *S3Store) Put(ctx context.Context, logicalPath string, data []byte) error {
	key := s.objectKey(logicalPath)
	contentType := "application/octet-stream"
	if strings.HasSuffix(logicalPath, ".json") {
		contentType = "application/json"
	} else if strings.HasSuffix(logicalPath, ".md") || strings.HasSuffix(logicalPath, ".txt") {
		contentType = "text/plain"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	return err
}

func (s *S3Store) objectKey(logicalPath string) string {
	logicalPath = strings.Trim(logicalPath, "/")
	if s.prefix == "" {
		return logicalPath
	}
	return path.Join(s.prefix, logicalPath)
}

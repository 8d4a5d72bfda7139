// Package s3 provides an S3-compatible range store for readcache.
//
// This adapter supports AWS S3, MinIO, LocalStack, Cloudflare R2,
// and other S3-compatible object stores.
//
//   - ReadRange: true range reads via the HTTP Range header
//   - Stat: object size via HeadObject
//   - Put: single PutObject with If-None-Match, for staging test data
//
// Every ReadRange is one GetObject request, so wrapping a Store in a
// readcache.RangeCache directly reduces request count.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/pithecene-io/readcache/readcache"
)

// maxReadRangeLength is the maximum length for ReadRange to prevent overflow
// when converting int64 to int on 32-bit platforms.
const maxReadRangeLength = int64(math.MaxInt)

// API defines the subset of the S3 client interface used by the store.
// This enables testing with mock implementations.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	// If set, all keys are prefixed with this value (with a trailing slash added if missing).
	Prefix string
}

// Store implements readcache.Store using an S3-compatible backend.
type Store struct {
	client API
	bucket string
	prefix string
}

var _ readcache.Store = (*Store)(nil)

// New creates a new S3 store with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint.
// Use github.com/aws/aws-sdk-go-v2/config to load configuration.
//
// Example:
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	client := s3.NewFromConfig(cfg)
//	store, err := s3store.New(client, s3store.Config{Bucket: "my-bucket"})
//	cache, err := readcache.New(readcache.NewObjectStream(store, "data.orc"), readcache.DefaultCacheOptions())
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Put writes data to the given key.
// Returns ErrPathExists if the key already exists.
// Returns ErrInvalidPath for empty or escaping keys.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		Body:        r,
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			code := apiErr.ErrorCode()
			if code == "PreconditionFailed" || code == "412" {
				return readcache.ErrPathExists
			}
		}
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

// Stat returns the size of the object at key.
// Returns ErrNotFound if the key does not exist.
func (s *Store) Stat(ctx context.Context, key string) (int64, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return 0, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, readcache.ErrNotFound
		}
		return 0, fmt.Errorf("s3: head object: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// ReadRange reads a byte range from the given key.
// Returns ErrNotFound if the key does not exist.
// Returns ErrInvalidRange for negative offset/length or overflow.
// If offset is beyond EOF, returns empty slice.
// If range extends beyond EOF, returns available bytes.
// If length is 0, returns empty slice after an existence check.
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || length > maxReadRangeLength {
		return nil, fmt.Errorf("s3: %w: offset=%d length=%d", readcache.ErrInvalidRange, offset, length)
	}
	if offset > math.MaxInt64-length {
		return nil, fmt.Errorf("s3: %w: offset=%d length=%d overflows", readcache.ErrInvalidRange, offset, length)
	}

	fullKey, err := s.validateKey(key)
	if err != nil {
		return nil, err
	}

	// Missing keys are ErrNotFound regardless of length.
	if length == 0 {
		exists, err := s.exists(ctx, fullKey)
		if err != nil {
			return nil, fmt.Errorf("s3: checking existence: %w", err)
		}
		if !exists {
			return nil, readcache.ErrNotFound
		}
		return []byte{}, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
		Range:  aws.String(rangeHeader(offset, length)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, readcache.ErrNotFound
		}
		// InvalidRange means offset is beyond EOF.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("s3: range read: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: reading range body: %w", err)
	}

	return data, nil
}

// rangeHeader formats an inclusive HTTP byte range: "bytes=start-end".
func rangeHeader(offset, length int64) string {
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}

// exists checks if an object exists (internal helper).
func (s *Store) exists(ctx context.Context, fullKey string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// validateKey validates and returns the full key.
func (s *Store) validateKey(key string) (string, error) {
	if key == "" {
		return "", readcache.ErrInvalidPath
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", readcache.ErrInvalidPath
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", readcache.ErrInvalidPath
	}

	return s.prefix + cleaned, nil
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

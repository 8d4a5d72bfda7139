// Package s3 builds S3 clients and parses object locations for the readcache CLI.
package s3

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds configuration for creating an S3 client.
type ClientConfig struct {
	// Region is the AWS region. Empty uses the default chain.
	Region string

	// Endpoint is an optional custom endpoint URL.
	// Used for S3-compatible services (MinIO, LocalStack, R2).
	// Example: "http://localhost:4566" for LocalStack.
	Endpoint string

	// UsePathStyle enables path-style addressing instead of virtual-hosted style.
	// Required for some S3-compatible services (e.g., LocalStack, MinIO with default config).
	UsePathStyle bool

	// Credentials are the AWS credentials to use.
	// If nil, uses the default credential chain.
	Credentials aws.CredentialsProvider
}

// NewClient creates a new S3 client with the given configuration.
//
// For MinIO:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{
//	    Region:       "us-east-1",
//	    Endpoint:     "http://localhost:9000",
//	    UsePathStyle: true,
//	    Credentials:  credentials.NewStaticCredentialsProvider("minioadmin", "minioadmin", ""),
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(cfg.Credentials))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, cfg.apply), nil
}

func (cfg ClientConfig) apply(o *s3.Options) {
	if cfg.Endpoint != "" {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.UsePathStyle {
		o.UsePathStyle = true
	}
}

// NewLocalStackClient creates an S3 client configured for LocalStack.
// Defaults: endpoint=http://localhost:4566, region=us-east-1, credentials=test/test.
func NewLocalStackClient(ctx context.Context) (*s3.Client, error) {
	return NewClient(ctx, LocalStackConfig())
}

// LocalStackConfig returns the client configuration for a default LocalStack.
func LocalStackConfig() ClientConfig {
	return ClientConfig{
		Region:       "us-east-1",
		Endpoint:     "http://localhost:4566",
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	}
}

// URIScheme prefixes S3 object locations on the command line.
const URIScheme = "s3://"

// IsURI reports whether source names an S3 object.
func IsURI(source string) bool {
	return strings.HasPrefix(source, URIScheme)
}

// ParseURI splits "s3://bucket/key" into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	if !IsURI(uri) {
		return "", "", fmt.Errorf("s3: %q is not an %s URI", uri, URIScheme)
	}
	rest := strings.TrimPrefix(uri, URIScheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3: %q must have the form %sbucket/key", uri, URIScheme)
	}
	return bucket, key, nil
}

package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-kit/log/level"

	s3client "github.com/pithecene-io/readcache/internal/s3"
	"github.com/pithecene-io/readcache/readcache"
	s3store "github.com/pithecene-io/readcache/readcache/s3"
)

// openSource resolves a local path or s3://bucket/key to a stream and the
// object's size.
func (a *app) openSource(ctx context.Context, source string) (readcache.Stream, int64, error) {
	var (
		store readcache.RangeStore
		key   string
	)

	if s3client.IsURI(source) {
		bucket, k, err := s3client.ParseURI(source)
		if err != nil {
			return nil, 0, err
		}
		client, err := s3client.NewClient(ctx, s3client.ClientConfig{
			Region:       a.v.GetString("s3-region"),
			Endpoint:     a.v.GetString("s3-endpoint"),
			UsePathStyle: a.v.GetBool("s3-path-style"),
		})
		if err != nil {
			return nil, 0, err
		}
		s, err := s3store.New(client, s3store.Config{Bucket: bucket})
		if err != nil {
			return nil, 0, err
		}
		store, key = s, k
	} else {
		abs, err := filepath.Abs(source)
		if err != nil {
			return nil, 0, err
		}
		s, err := readcache.NewFSStore(filepath.Dir(abs))
		if err != nil {
			return nil, 0, fmt.Errorf("opening %s: %w", source, err)
		}
		store, key = s, filepath.Base(abs)
	}

	size, err := store.Stat(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s: %w", source, err)
	}
	_ = level.Debug(a.logger).Log("msg", "opened source", "source", source, "size", size)

	return readcache.NewObjectStream(store, key), size, nil
}

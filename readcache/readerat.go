package readcache

import (
	"context"
	"errors"
	"io"
)

// ReaderAt returns an io.ReaderAt view of the cache's stream.
//
// A read lying entirely within a merged range is served from the cache,
// waiting for (and, when lazy, starting) its fetch exactly as Read does.
// Any other read is passed straight to the stream with ctx. This lets
// io.ReaderAt consumers such as columnar file readers benefit from ranges
// registered ahead of time without knowing about the cache.
//
// The returned value is safe for concurrent use.
func (c *RangeCache) ReaderAt(ctx context.Context) io.ReaderAt {
	return &cacheReaderAt{cache: c, ctx: ctx}
}

type cacheReaderAt struct {
	cache *RangeCache
	ctx   context.Context
}

// ReadAt implements io.ReaderAt.
func (r *cacheReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("readcache: negative offset")
	}
	if len(p) == 0 {
		return 0, nil
	}

	rng := ReadRange{Offset: off, Length: int64(len(p))}
	if err := validateRange(rng); err != nil {
		return 0, err
	}

	c := r.cache
	c.mu.RLock()
	e := c.findLocked(rng)
	c.mu.RUnlock()

	if e != nil {
		c.dispatch(e)
		if err := e.wait(r.ctx); err != nil {
			return 0, err
		}
		return copy(p, e.slice(rng)), nil
	}

	c.stats.passThroughReads.Add(1)
	data, err := c.stream.ReadAt(r.ctx, off, rng.Length)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

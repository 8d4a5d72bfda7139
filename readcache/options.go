package readcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
)

// Default coalescing limits.
const (
	// DefaultHoleSizeLimit is the largest gap, in bytes, bridged when merging.
	DefaultHoleSizeLimit int64 = 8192

	// DefaultRangeSizeLimit is the largest merged range, in bytes.
	DefaultRangeSizeLimit int64 = 32 * 1024 * 1024 // 32MiB
)

// -----------------------------------------------------------------------------
// Cache options
// -----------------------------------------------------------------------------

// CacheOptions controls how ranges are coalesced and when they are fetched.
type CacheOptions struct {
	// HoleSizeLimit is the maximum distance in bytes between two consecutive
	// ranges; beyond this value, ranges are not combined.
	HoleSizeLimit int64

	// RangeSizeLimit is the maximum size in bytes of a combined range; if
	// combining two consecutive ranges would produce a range larger than
	// this, they are not combined. A single range larger than the limit is
	// kept whole.
	RangeSizeLimit int64

	// Lazy defers fetching until the first WaitFor or Read touching a merged
	// range. When false, Cache starts fetching immediately.
	Lazy bool
}

// DefaultCacheOptions returns eager options with the default limits.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		HoleSizeLimit:  DefaultHoleSizeLimit,
		RangeSizeLimit: DefaultRangeSizeLimit,
	}
}

// LazyCacheOptions returns lazy options with the default limits.
func LazyCacheOptions() CacheOptions {
	opts := DefaultCacheOptions()
	opts.Lazy = true
	return opts
}

// Validate checks that the limits are usable.
func (o CacheOptions) Validate() error {
	if o.HoleSizeLimit < 0 {
		return fmt.Errorf("hole size limit must be non-negative (got %d)", o.HoleSizeLimit)
	}
	if o.RangeSizeLimit < 0 {
		return fmt.Errorf("range size limit must be non-negative (got %d)", o.RangeSizeLimit)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Construction options
// -----------------------------------------------------------------------------

// cacheConfig holds the resolved construction-time configuration.
type cacheConfig struct {
	ctx          context.Context
	logger       log.Logger
	metrics      *Metrics
	executor     Executor
	checkOverlap bool
}

// Option configures cache construction.
type Option interface {
	applyCache(*cacheConfig) error
}

type optionFunc func(*cacheConfig) error

func (f optionFunc) applyCache(cfg *cacheConfig) error { return f(cfg) }

// WithLogger sets the logger used for coalescing and fetch events.
// Default: a no-op logger.
func WithLogger(logger log.Logger) Option {
	return optionFunc(func(cfg *cacheConfig) error {
		if logger == nil {
			return errors.New("WithLogger: logger must not be nil")
		}
		cfg.logger = logger
		return nil
	})
}

// WithMetrics records cache activity into m.
// Default: no metrics.
func WithMetrics(m *Metrics) Option {
	return optionFunc(func(cfg *cacheConfig) error {
		cfg.metrics = m
		return nil
	})
}

// WithExecutor sets the executor that runs background fetches.
// Default: one goroutine per fetch.
func WithExecutor(e Executor) Option {
	return optionFunc(func(cfg *cacheConfig) error {
		if e == nil {
			return errors.New("WithExecutor: executor must not be nil")
		}
		cfg.executor = e
		return nil
	})
}

// WithContext sets the context passed to Stream.ReadAt for every fetch.
// Fetches are shared between callers, so they never use a caller's context.
// Default: context.Background().
func WithContext(ctx context.Context) Option {
	return optionFunc(func(cfg *cacheConfig) error {
		if ctx == nil {
			return errors.New("WithContext: context must not be nil")
		}
		cfg.ctx = ctx
		return nil
	})
}

// WithOverlapCheck makes Cache reject ranges that overlap each other or any
// previously cached range with ErrOverlappingRanges. Without it, overlapping
// ranges are a caller error with undefined results.
// Default: false.
func WithOverlapCheck(enabled bool) Option {
	return optionFunc(func(cfg *cacheConfig) error {
		cfg.checkOverlap = enabled
		return nil
	})
}

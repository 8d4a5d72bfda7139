package readcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// RangeCache hides I/O latency by coalescing and prefetching byte ranges.
//
// To use:
//
//  1. Cache the ranges you expect to read. Ideally these have the exact
//     offset and length that will later be read. Nearby ranges are combined
//     according to CacheOptions and, unless Lazy is set, fetched in parallel
//     in the background.
//  2. Optionally call WaitFor to block until ranges are available. With Lazy
//     set, this is where fetching starts. WaitFor may be called concurrently,
//     for example once per independently parsable chunk of a file.
//  3. Call Read to retrieve the bytes of a cached range. A synchronous caller
//     may skip WaitFor and only call Read; it still benefits from coalescing
//     and parallel fetching.
//
// A RangeCache is safe for concurrent use.
type RangeCache struct {
	stream       Stream
	opts         CacheOptions
	ctx          context.Context
	logger       log.Logger
	metrics      *Metrics
	executor     Executor
	checkOverlap bool

	mu      sync.RWMutex
	entries []*entry // sorted by offset, pairwise non-overlapping

	stats counters
}

// New creates a cache reading from stream.
//
// The stream is borrowed, not owned: it must outlive the cache.
func New(stream Stream, opts CacheOptions, options ...Option) (*RangeCache, error) {
	if stream == nil {
		return nil, errors.New("readcache: stream is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("readcache: %w", err)
	}

	cfg := &cacheConfig{
		ctx:      context.Background(),
		logger:   log.NewNopLogger(),
		executor: goroutineExecutor{},
	}
	for _, opt := range options {
		if err := opt.applyCache(cfg); err != nil {
			return nil, fmt.Errorf("readcache: %w", err)
		}
	}

	return &RangeCache{
		stream:       stream,
		opts:         opts,
		ctx:          cfg.ctx,
		logger:       cfg.logger,
		metrics:      cfg.metrics,
		executor:     cfg.executor,
		checkOverlap: cfg.checkOverlap,
	}, nil
}

// Options returns the options the cache was created with.
func (c *RangeCache) Options() CacheOptions {
	return c.opts
}

// Cache registers ranges for later reads and, unless the cache is lazy,
// starts fetching them in the background. It never waits on I/O.
//
// The ranges must not overlap each other nor any previously cached range.
// Unless overlap checking is enabled with WithOverlapCheck, violating this
// is not detected and later reads are undefined.
//
// Returns ErrInvalidRange for negative or overflowing ranges. Fetch errors
// are reported later by WaitFor and Read.
func (c *RangeCache) Cache(ranges []ReadRange) error {
	for _, r := range ranges {
		if err := validateRange(r); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.checkOverlap {
		if err := c.checkOverlapsLocked(ranges); err != nil {
			c.mu.Unlock()
			return err
		}
	}

	// A range that falls inside an existing merged range is already covered
	// by its fetch; it only needs recording.
	var fresh []ReadRange
	var requested int
	for _, r := range ranges {
		if r.IsEmpty() {
			continue
		}
		requested++
		if e := c.findLocked(r); e != nil {
			e.requested = append(e.requested, r)
			continue
		}
		fresh = append(fresh, r)
	}

	merged := coalesceRanges(fresh, c.opts.HoleSizeLimit, c.opts.RangeSizeLimit, c.occupiedLocked)
	created := make([]*entry, len(merged))
	for i, m := range merged {
		created[i] = newEntry(m)
	}
	c.insertLocked(created)
	c.mu.Unlock()

	c.stats.requestedRanges.Add(int64(requested))
	c.stats.mergedRanges.Add(int64(len(created)))
	c.metrics.observeCache(requested, len(created))
	_ = level.Debug(c.logger).Log("msg", "cached ranges", "requested", requested, "merged", len(created), "lazy", c.opts.Lazy)

	if !c.opts.Lazy {
		for _, e := range created {
			c.dispatch(e)
		}
	}
	return nil
}

// WaitFor blocks until every merged range covering ranges has been fetched
// or has failed, starting lazy fetches as needed.
//
// Returns ErrRangeNotCached if a range is not covered by a prior Cache call,
// the first fetch failure in the order of ranges, or ctx.Err() if ctx is done
// first. Giving up on the wait does not cancel any fetch.
func (c *RangeCache) WaitFor(ctx context.Context, ranges []ReadRange) error {
	entries, err := c.lookup(ranges)
	if err != nil {
		return err
	}

	for _, e := range entries {
		c.dispatch(e)
	}

	var firstErr error
	for _, e := range entries {
		err := e.wait(ctx)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Read returns the bytes of r, waiting for (and, when lazy, starting) the
// fetch of the merged range covering it.
//
// The returned slice shares memory with the cache and must not be modified.
// An empty range yields an empty slice without any lookup.
//
// Returns ErrRangeNotCached if r is not covered by a prior Cache call, the
// fetch error of the covering merged range, or ctx.Err().
func (c *RangeCache) Read(ctx context.Context, r ReadRange) ([]byte, error) {
	if err := validateRange(r); err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return []byte{}, nil
	}

	c.mu.RLock()
	e := c.findLocked(r)
	c.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("readcache: %s: %w", r, ErrRangeNotCached)
	}

	c.dispatch(e)
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	return e.slice(r), nil
}

// MergedRanges returns the physical ranges the cache reads, sorted by offset.
func (c *RangeCache) MergedRanges() []ReadRange {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ReadRange, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.rng
	}
	return out
}

// -----------------------------------------------------------------------------
// Table helpers
// -----------------------------------------------------------------------------

// slice returns the bytes of r from a ready entry. The capacity is clipped so
// appends by the caller cannot reach neighbouring bytes.
func (e *entry) slice(r ReadRange) []byte {
	start := r.Offset - e.rng.Offset
	end := start + r.Length
	return e.buf[start:end:end]
}

// lookup resolves ranges to their entries, deduplicated in first-seen order.
func (c *RangeCache) lookup(ranges []ReadRange) ([]*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var entries []*entry
	seen := make(map[*entry]struct{}, len(ranges))
	for _, r := range ranges {
		if err := validateRange(r); err != nil {
			return nil, err
		}
		if r.IsEmpty() {
			continue
		}
		e := c.findLocked(r)
		if e == nil {
			return nil, fmt.Errorf("readcache: %s: %w", r, ErrRangeNotCached)
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		entries = append(entries, e)
	}
	return entries, nil
}

// findLocked returns the entry containing r, or nil. Requires mu.
func (c *RangeCache) findLocked(r ReadRange) *entry {
	// Last entry starting at or before r.
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].rng.Offset > r.Offset
	}) - 1
	if i < 0 {
		return nil
	}
	if e := c.entries[i]; e.rng.Contains(r) {
		return e
	}
	return nil
}

// occupiedLocked reports whether any entry starts inside [from, to). Requires mu.
func (c *RangeCache) occupiedLocked(from, to int64) bool {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].rng.Offset >= from
	})
	return i < len(c.entries) && c.entries[i].rng.Offset < to
}

// insertLocked adds entries keeping the table sorted. Requires mu.
//
// Entries are held by pointer, so fetch tasks and waiters keep valid
// references when the slice grows.
func (c *RangeCache) insertLocked(created []*entry) {
	if len(created) == 0 {
		return
	}
	c.entries = append(c.entries, created...)
	sort.Slice(c.entries, func(i, j int) bool {
		return c.entries[i].rng.Offset < c.entries[j].rng.Offset
	})
}

// checkOverlapsLocked rejects ranges overlapping each other or any range
// cached before. Requires mu.
func (c *RangeCache) checkOverlapsLocked(ranges []ReadRange) error {
	if err := validateNoOverlaps(ranges); err != nil {
		return err
	}

	for _, r := range ranges {
		if r.IsEmpty() {
			continue
		}
		// Entries intersecting r are contiguous in the table, starting at
		// the last entry that begins at or before r.
		i := sort.Search(len(c.entries), func(i int) bool {
			return c.entries[i].rng.Offset > r.Offset
		}) - 1
		if i < 0 {
			i = 0
		}
		for ; i < len(c.entries) && c.entries[i].rng.Offset < r.End(); i++ {
			for _, prev := range c.entries[i].requested {
				if overlaps(prev, r) {
					return fmt.Errorf("readcache: %w: %s and previously cached %s", ErrOverlappingRanges, r, prev)
				}
			}
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	// RequestedRanges counts non-empty ranges passed to Cache.
	RequestedRanges int64 `json:"requested_ranges"`

	// MergedRanges counts physical ranges created by coalescing.
	MergedRanges int64 `json:"merged_ranges"`

	// FetchesDispatched counts fetches handed to the executor.
	FetchesDispatched int64 `json:"fetches_dispatched"`

	// FetchesSucceeded counts fetches that produced a buffer.
	FetchesSucceeded int64 `json:"fetches_succeeded"`

	// FetchesFailed counts fetches that ended in an error.
	FetchesFailed int64 `json:"fetches_failed"`

	// BytesFetched is the total size of successful fetches.
	BytesFetched int64 `json:"bytes_fetched"`

	// PassThroughReads counts ReaderAt reads not covered by the cache.
	PassThroughReads int64 `json:"pass_through_reads"`
}

type counters struct {
	requestedRanges   atomic.Int64
	mergedRanges      atomic.Int64
	fetchesDispatched atomic.Int64
	fetchesSucceeded  atomic.Int64
	fetchesFailed     atomic.Int64
	bytesFetched      atomic.Int64
	passThroughReads  atomic.Int64
}

// Stats returns a snapshot of cache activity.
func (c *RangeCache) Stats() Stats {
	return Stats{
		RequestedRanges:   c.stats.requestedRanges.Load(),
		MergedRanges:      c.stats.mergedRanges.Load(),
		FetchesDispatched: c.stats.fetchesDispatched.Load(),
		FetchesSucceeded:  c.stats.fetchesSucceeded.Load(),
		FetchesFailed:     c.stats.fetchesFailed.Load(),
		BytesFetched:      c.stats.bytesFetched.Load(),
		PassThroughReads:  c.stats.passThroughReads.Load(),
	}
}

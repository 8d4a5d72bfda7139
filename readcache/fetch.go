package readcache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/semaphore"
)

// -----------------------------------------------------------------------------
// Executor
// -----------------------------------------------------------------------------

// Executor runs background fetch tasks.
//
// Go must not block the caller waiting for the task to run; Cache relies on
// it to return without waiting on I/O.
type Executor interface {
	Go(task func())
}

// goroutineExecutor runs every task on its own goroutine.
type goroutineExecutor struct{}

func (goroutineExecutor) Go(task func()) { go task() }

// BoundedExecutor runs tasks on their own goroutines but lets at most a fixed
// number of them execute at once. Excess tasks queue without blocking Go.
type BoundedExecutor struct {
	sem *semaphore.Weighted
}

// NewBoundedExecutor creates an executor running at most n tasks concurrently.
// Values below 1 are treated as 1.
func NewBoundedExecutor(n int64) *BoundedExecutor {
	if n < 1 {
		n = 1
	}
	return &BoundedExecutor{sem: semaphore.NewWeighted(n)}
}

// Go schedules task.
func (b *BoundedExecutor) Go(task func()) {
	go func() {
		// Acquire only fails on context cancellation.
		_ = b.sem.Acquire(context.Background(), 1)
		defer b.sem.Release(1)
		task()
	}()
}

// -----------------------------------------------------------------------------
// Merged range entry
// -----------------------------------------------------------------------------

// fetchState is the lifecycle of one merged range.
type fetchState int32

const (
	statePending fetchState = iota
	stateFetching
	stateReady
	stateFailed
)

func (s fetchState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateFetching:
		return "fetching"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("fetchState(%d)", int32(s))
	}
}

// entry is a merged range plus the single-assignment slot holding its data.
//
// buf and err are written once by the fetch task before done is closed and
// are read-only afterwards.
type entry struct {
	rng ReadRange

	// requested lists the caller ranges this entry covers.
	// Guarded by RangeCache.mu.
	requested []ReadRange

	state atomic.Int32
	done  chan struct{}
	buf   []byte
	err   error
}

func newEntry(c coalescedRange) *entry {
	return &entry{
		rng:       c.rng,
		requested: c.requested,
		done:      make(chan struct{}),
	}
}

func (e *entry) loadState() fetchState {
	return fetchState(e.state.Load())
}

// claim moves a pending entry to fetching. Exactly one caller wins.
func (e *entry) claim() bool {
	return e.state.CompareAndSwap(int32(statePending), int32(stateFetching))
}

// finish publishes the fetch result and wakes every waiter.
func (e *entry) finish(buf []byte, err error) {
	if err != nil {
		e.err = err
		e.state.Store(int32(stateFailed))
	} else {
		e.buf = buf
		e.state.Store(int32(stateReady))
	}
	close(e.done)
}

// wait blocks until the entry is ready or failed, or ctx is done.
// Giving up on the wait does not cancel the fetch.
func (e *entry) wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	default:
	}

	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -----------------------------------------------------------------------------
// Scheduling
// -----------------------------------------------------------------------------

// dispatch starts fetching e unless another caller already has.
func (c *RangeCache) dispatch(e *entry) {
	if !e.claim() {
		return
	}
	c.stats.fetchesDispatched.Add(1)
	_ = level.Debug(c.logger).Log("msg", "dispatching fetch", "range", e.rng)
	c.executor.Go(func() { c.fetch(e) })
}

// fetch performs the single physical read for e.
func (c *RangeCache) fetch(e *entry) {
	var (
		data []byte
		err  error
	)
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			data = nil
			err = fmt.Errorf("readcache: fetch %s: panic: %v", e.rng, p)
		}

		elapsed := time.Since(start)
		if err != nil {
			c.stats.fetchesFailed.Add(1)
			c.metrics.observeFetch(fetchResultFailure, 0, elapsed)
			_ = level.Warn(c.logger).Log("msg", "fetch failed", "range", e.rng, "duration", elapsed, "err", err)
		} else {
			c.stats.fetchesSucceeded.Add(1)
			c.stats.bytesFetched.Add(int64(len(data)))
			c.metrics.observeFetch(fetchResultSuccess, len(data), elapsed)
			_ = level.Debug(c.logger).Log("msg", "fetch complete", "range", e.rng, "duration", elapsed)
		}

		e.finish(data, err)
	}()

	data, err = c.stream.ReadAt(c.ctx, e.rng.Offset, e.rng.Length)
	if err != nil {
		data = nil
		err = fmt.Errorf("readcache: fetch %s: %w", e.rng, err)
		return
	}
	if int64(len(data)) != e.rng.Length {
		err = fmt.Errorf("readcache: fetch %s: %w: got %d bytes, want %d", e.rng, ErrShortRead, len(data), e.rng.Length)
		data = nil
	}
}

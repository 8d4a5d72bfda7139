package readcache

import (
	"fmt"
	"math"
	"sort"
)

// coalescedRange is one physical read covering one or more requested ranges.
type coalescedRange struct {
	rng       ReadRange
	requested []ReadRange
}

// coalesceRanges merges ranges into physical reads.
//
// Empty ranges are dropped. The rest are sorted by offset and merged greedily:
// the running range absorbs the next one when the hole between them is at
// most holeLimit and the combined range is at most sizeLimit bytes. A single
// range larger than sizeLimit is kept whole.
//
// barrier, when non-nil, reports whether something already occupies the hole
// [from, to); ranges are never merged across a barrier.
//
// The input must be non-overlapping.
func coalesceRanges(ranges []ReadRange, holeLimit, sizeLimit int64, barrier func(from, to int64) bool) []coalescedRange {
	sorted := make([]ReadRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.IsEmpty() {
			sorted = append(sorted, r)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	result := make([]coalescedRange, 0, len(sorted))
	cur := coalescedRange{
		rng:       sorted[0],
		requested: []ReadRange{sorted[0]},
	}

	for _, next := range sorted[1:] {
		hole := next.Offset - cur.rng.End()
		merged := next.End() - cur.rng.Offset

		canMerge := hole <= holeLimit && merged <= sizeLimit
		if canMerge && barrier != nil && hole > 0 {
			canMerge = !barrier(cur.rng.End(), next.Offset)
		}

		if canMerge {
			cur.rng.Length = merged
			cur.requested = append(cur.requested, next)
			continue
		}

		result = append(result, cur)
		cur = coalescedRange{
			rng:       next,
			requested: []ReadRange{next},
		}
	}

	return append(result, cur)
}

// validateRange rejects negative ranges and ranges whose end overflows.
func validateRange(r ReadRange) error {
	if r.Offset < 0 || r.Length < 0 {
		return fmt.Errorf("readcache: %w: offset=%d length=%d", ErrInvalidRange, r.Offset, r.Length)
	}
	if r.Offset > math.MaxInt64-r.Length {
		return fmt.Errorf("readcache: %w: offset=%d length=%d overflows", ErrInvalidRange, r.Offset, r.Length)
	}
	return nil
}

// validateNoOverlaps checks that no two non-empty ranges overlap.
func validateNoOverlaps(ranges []ReadRange) error {
	sorted := make([]ReadRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.IsEmpty() {
			sorted = append(sorted, r)
		}
	}
	if len(sorted) <= 1 {
		return nil
	}

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Offset != sorted[j].Offset {
			return sorted[i].Offset < sorted[j].Offset
		}
		return sorted[i].Length < sorted[j].Length
	})

	for i := 1; i < len(sorted); i++ {
		// Overflow-safe form of sorted[i-1].End() > sorted[i].Offset.
		if sorted[i-1].Length > sorted[i].Offset-sorted[i-1].Offset {
			return fmt.Errorf("readcache: %w: %s and %s", ErrOverlappingRanges, sorted[i-1], sorted[i])
		}
	}

	return nil
}

// overlaps reports whether two non-empty ranges share at least one byte.
func overlaps(a, b ReadRange) bool {
	return a.Offset < b.End() && b.Offset < a.End()
}

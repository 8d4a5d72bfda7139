// Package parquet prefetches Parquet column chunks through a readcache.
//
// A Parquet reader touches each selected column chunk of each row group
// with many small page reads. Registering whole column chunks with a
// RangeCache up front turns those into a few coalesced, concurrent fetches.
package parquet

import (
	"context"
	"fmt"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"github.com/pithecene-io/readcache/readcache"
)

// OpenFile opens a Parquet file through the cache's io.ReaderAt view.
//
// Footer and metadata reads are not registered ranges, so they pass through
// to the underlying stream. Page index and bloom filter loading are skipped
// unless overridden by options.
func OpenFile(ctx context.Context, cache *readcache.RangeCache, size int64, options ...parquet.FileOption) (*parquet.File, error) {
	opts := append([]parquet.FileOption{
		parquet.SkipPageIndex(true),
		parquet.SkipBloomFilters(true),
	}, options...)

	file, err := parquet.OpenFile(cache.ReaderAt(ctx), size, opts...)
	if err != nil {
		return nil, fmt.Errorf("parquet: open file: %w", err)
	}
	return file, nil
}

// Prefetch registers the column chunks of the named columns, across all row
// groups, with cache. No columns selects every column.
func Prefetch(cache *readcache.RangeCache, file *parquet.File, columns ...string) error {
	ranges := ColumnChunkRanges(file.Metadata(), columns, nil)
	if err := cache.Cache(ranges); err != nil {
		return fmt.Errorf("parquet: prefetch: %w", err)
	}
	return nil
}

// ColumnChunkRanges returns the byte range of every selected column chunk.
//
// columns are dotted paths such as "address.city"; rowGroups are indexes
// into meta.RowGroups. Empty selections select everything. Out of range row
// group indexes and unknown columns are ignored. Ranges are returned in file
// order of row group, then column.
func ColumnChunkRanges(meta *format.FileMetaData, columns []string, rowGroups []int) []readcache.ReadRange {
	if meta == nil {
		return nil
	}

	var wanted map[string]struct{}
	if len(columns) > 0 {
		wanted = make(map[string]struct{}, len(columns))
		for _, c := range columns {
			wanted[c] = struct{}{}
		}
	}

	groups := rowGroups
	if len(groups) == 0 {
		groups = make([]int, len(meta.RowGroups))
		for i := range groups {
			groups[i] = i
		}
	}

	var ranges []readcache.ReadRange
	for _, g := range groups {
		if g < 0 || g >= len(meta.RowGroups) {
			continue
		}
		for _, chunk := range meta.RowGroups[g].Columns {
			if wanted != nil {
				if _, ok := wanted[strings.Join(chunk.MetaData.PathInSchema, ".")]; !ok {
					continue
				}
			}
			ranges = append(ranges, chunkRange(chunk.MetaData))
		}
	}
	return ranges
}

// chunkRange starts at the dictionary page when the chunk has one.
func chunkRange(md format.ColumnMetaData) readcache.ReadRange {
	start := md.DataPageOffset
	if md.DictionaryPageOffset > 0 && md.DictionaryPageOffset < start {
		start = md.DictionaryPageOffset
	}
	return readcache.ReadRange{Offset: start, Length: md.TotalCompressedSize}
}

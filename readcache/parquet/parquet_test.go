package parquet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"github.com/pithecene-io/readcache/readcache"
)

type testRecord struct {
	ID      int64  `parquet:"id"`
	Name    string `parquet:"name"`
	Payload []byte `parquet:"payload"`
}

func writeTestFile(t *testing.T, n int) []byte {
	t.Helper()

	records := make([]testRecord, n)
	for i := range records {
		records[i] = testRecord{
			ID:      int64(i),
			Name:    fmt.Sprintf("record-%04d", i),
			Payload: bytes.Repeat([]byte{byte(i)}, 32),
		}
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[testRecord](&buf)
	if _, err := w.Write(records); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return buf.Bytes()
}

func newTestCache(t *testing.T, data []byte) *readcache.RangeCache {
	t.Helper()

	store := readcache.NewMemoryStore()
	if err := store.Put(t.Context(), "test.parquet", bytes.NewReader(data)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	cache, err := readcache.New(readcache.NewObjectStream(store, "test.parquet"), readcache.LazyCacheOptions())
	if err != nil {
		t.Fatalf("readcache.New failed: %v", err)
	}
	return cache
}

func TestColumnChunkRanges(t *testing.T) {
	meta := &format.FileMetaData{
		RowGroups: []format.RowGroup{
			{Columns: []format.ColumnChunk{
				{MetaData: format.ColumnMetaData{PathInSchema: []string{"id"}, DataPageOffset: 4, TotalCompressedSize: 100}},
				{MetaData: format.ColumnMetaData{PathInSchema: []string{"addr", "city"}, DictionaryPageOffset: 104, DataPageOffset: 150, TotalCompressedSize: 200}},
			}},
			{Columns: []format.ColumnChunk{
				{MetaData: format.ColumnMetaData{PathInSchema: []string{"id"}, DataPageOffset: 304, TotalCompressedSize: 50}},
				{MetaData: format.ColumnMetaData{PathInSchema: []string{"addr", "city"}, DataPageOffset: 354, TotalCompressedSize: 60}},
			}},
		},
	}

	tests := []struct {
		name      string
		columns   []string
		rowGroups []int
		want      []readcache.ReadRange
	}{
		{
			name: "all",
			want: []readcache.ReadRange{{Offset: 4, Length: 100}, {Offset: 104, Length: 200}, {Offset: 304, Length: 50}, {Offset: 354, Length: 60}},
		},
		{
			name:    "nested column",
			columns: []string{"addr.city"},
			want:    []readcache.ReadRange{{Offset: 104, Length: 200}, {Offset: 354, Length: 60}},
		},
		{
			name:      "row group subset",
			columns:   []string{"id"},
			rowGroups: []int{1, 7},
			want:      []readcache.ReadRange{{Offset: 304, Length: 50}},
		},
		{
			name:    "unknown column",
			columns: []string{"missing"},
			want:    nil,
		},
	}

	for _, tt := range tests {
		got := ColumnChunkRanges(meta, tt.columns, tt.rowGroups)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestColumnChunkRanges_NilMetadata(t *testing.T) {
	if got := ColumnChunkRanges(nil, nil, nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestOpenFile_PrefetchAndReadRows(t *testing.T) {
	ctx := t.Context()
	data := writeTestFile(t, 500)
	cache := newTestCache(t, data)

	file, err := OpenFile(ctx, cache, int64(len(data)))
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if file.NumRows() != 500 {
		t.Fatalf("expected 500 rows, got %d", file.NumRows())
	}

	if err := Prefetch(cache, file, "id", "name"); err != nil {
		t.Fatalf("Prefetch failed: %v", err)
	}
	if stats := cache.Stats(); stats.RequestedRanges != 2 {
		t.Errorf("expected 2 requested ranges, got %d", stats.RequestedRanges)
	}
	if stats := cache.Stats(); stats.FetchesDispatched != 0 {
		t.Errorf("lazy cache dispatched %d fetches before any read", stats.FetchesDispatched)
	}

	reader := parquet.NewGenericReader[testRecord](file)
	defer func() { _ = reader.Close() }()

	rows := make([]testRecord, 500)
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 500 {
		t.Fatalf("expected 500 rows, got %d", n)
	}
	for i, row := range rows {
		if row.ID != int64(i) || row.Name != fmt.Sprintf("record-%04d", i) {
			t.Fatalf("row %d: unexpected %+v", i, row)
		}
	}
}

func TestPrefetch_WaitForChunks(t *testing.T) {
	ctx := t.Context()
	data := writeTestFile(t, 100)
	cache := newTestCache(t, data)

	file, err := OpenFile(ctx, cache, int64(len(data)))
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if err := Prefetch(cache, file); err != nil {
		t.Fatalf("Prefetch failed: %v", err)
	}

	ranges := ColumnChunkRanges(file.Metadata(), nil, nil)
	if len(ranges) != 3 {
		t.Fatalf("expected 3 column chunks, got %d", len(ranges))
	}
	if err := cache.WaitFor(ctx, ranges); err != nil {
		t.Fatalf("WaitFor failed: %v", err)
	}

	for _, r := range ranges {
		got, err := cache.Read(ctx, r)
		if err != nil {
			t.Fatalf("Read %s failed: %v", r, err)
		}
		if !bytes.Equal(got, data[r.Offset:r.End()]) {
			t.Errorf("Read %s returned wrong bytes", r)
		}
	}

	// Column chunks are written back to back, so they coalesce into one fetch.
	if got := len(cache.MergedRanges()); got != 1 {
		t.Errorf("expected 1 merged range, got %d", got)
	}
}

package s3

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/pithecene-io/readcache/readcache"
)

// -----------------------------------------------------------------------------
// Unit tests for S3 store
// These use the mock client and don't require real S3/LocalStack/MinIO.
// -----------------------------------------------------------------------------

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{Bucket: "test"})
	if err == nil {
		t.Error("expected error for nil client")
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(NewMockS3Client(), Config{})
	if err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestNew_PrefixNormalization(t *testing.T) {
	tests := []struct {
		prefix   string
		expected string
	}{
		{"", ""},
		{"foo", "foo/"},
		{"foo/", "foo/"},
		{"foo/bar", "foo/bar/"},
		{"foo/bar/", "foo/bar/"},
	}

	for _, tt := range tests {
		store, err := New(NewMockS3Client(), Config{Bucket: "test", Prefix: tt.prefix})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if store.prefix != tt.expected {
			t.Errorf("prefix %q: expected %q, got %q", tt.prefix, tt.expected, store.prefix)
		}
	}
}

// -----------------------------------------------------------------------------
// Put tests
// -----------------------------------------------------------------------------

func TestStore_Put_ErrPathExists(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	if err := store.Put(ctx, "test/file.bin", bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}

	err := store.Put(ctx, "test/file.bin", bytes.NewReader([]byte("world")))
	if !errors.Is(err, readcache.ErrPathExists) {
		t.Errorf("expected ErrPathExists, got: %v", err)
	}
}

func TestStore_Put_ErrInvalidPath_Escaping(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	tests := []string{
		"",
		"..",
		"../foo",
		"foo/../..",
		"foo/../../bar",
	}

	for _, key := range tests {
		err := store.Put(ctx, key, bytes.NewReader([]byte("hello")))
		if !errors.Is(err, readcache.ErrInvalidPath) {
			t.Errorf("key %q: expected ErrInvalidPath, got: %v", key, err)
		}
	}
}

func TestStore_Put_UsesPrefix(t *testing.T) {
	ctx := t.Context()
	client := NewMockS3Client()
	store, _ := New(client, Config{Bucket: "test", Prefix: "datasets"})

	if err := store.Put(ctx, "a.bin", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := client.objects["datasets/a.bin"]; !ok {
		t.Errorf("expected object under prefixed key, have %v", client.objects)
	}
}

// -----------------------------------------------------------------------------
// Stat tests
// -----------------------------------------------------------------------------

func TestStore_Stat(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})
	_ = store.Put(ctx, "test.bin", bytes.NewReader([]byte("hello world")))

	size, err := store.Stat(ctx, "test.bin")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if size != 11 {
		t.Errorf("expected size 11, got %d", size)
	}
}

func TestStore_Stat_NotFound(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	_, err := store.Stat(ctx, "missing.bin")
	if !errors.Is(err, readcache.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// ReadRange tests
// -----------------------------------------------------------------------------

func TestStore_ReadRange_Basic(t *testing.T) {
	ctx := t.Context()
	client := NewMockS3Client()
	store, _ := New(client, Config{Bucket: "test"})
	_ = store.Put(ctx, "test.bin", bytes.NewReader([]byte("hello world")))

	data, err := store.ReadRange(ctx, "test.bin", 6, 5)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if string(data) != "world" {
		t.Errorf("expected 'world', got %q", string(data))
	}
	if len(client.Ranges) != 1 || client.Ranges[0] != "bytes=6-10" {
		t.Errorf("expected Range header bytes=6-10, got %v", client.Ranges)
	}
}

func TestStore_ReadRange_BeyondEOF(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})
	_ = store.Put(ctx, "test.bin", bytes.NewReader([]byte("hello")))

	data, err := store.ReadRange(ctx, "test.bin", 3, 100)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if string(data) != "lo" {
		t.Errorf("expected 'lo', got %q", string(data))
	}
}

func TestStore_ReadRange_OffsetBeyondEOF(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})
	_ = store.Put(ctx, "test.bin", bytes.NewReader([]byte("hello")))

	data, err := store.ReadRange(ctx, "test.bin", 100, 10)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty slice, got %d bytes", len(data))
	}
}

func TestStore_ReadRange_NotFound(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	_, err := store.ReadRange(ctx, "nonexistent.bin", 0, 10)
	if !errors.Is(err, readcache.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestStore_ReadRange_InvalidRange(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	tests := []struct {
		name   string
		offset int64
		length int64
	}{
		{"negative offset", -1, 10},
		{"negative length", 0, -1},
		{"offset plus length overflow", math.MaxInt64 - 10, 20},
	}

	for _, tt := range tests {
		_, err := store.ReadRange(ctx, "test.bin", tt.offset, tt.length)
		if !errors.Is(err, readcache.ErrInvalidRange) {
			t.Errorf("%s: expected ErrInvalidRange, got: %v", tt.name, err)
		}
	}
}

func TestStore_ReadRange_ZeroLength_NotFound(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	_, err := store.ReadRange(ctx, "nonexistent.bin", 0, 0)
	if !errors.Is(err, readcache.ErrNotFound) {
		t.Errorf("expected ErrNotFound for zero-length read on missing key, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Cache integration
// -----------------------------------------------------------------------------

func TestStore_RangeCache_CoalescesRequests(t *testing.T) {
	ctx := t.Context()
	client := NewMockS3Client()
	store, _ := New(client, Config{Bucket: "test"})

	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i % 251)
	}
	_ = store.Put(ctx, "file.bin", bytes.NewReader(content))

	cache, err := readcache.New(readcache.NewObjectStream(store, "file.bin"), readcache.CacheOptions{
		HoleSizeLimit:  64,
		RangeSizeLimit: 4096,
	})
	if err != nil {
		t.Fatalf("readcache.New failed: %v", err)
	}

	ranges := []readcache.ReadRange{
		{Offset: 0, Length: 100},
		{Offset: 120, Length: 100},
		{Offset: 250, Length: 50},
		{Offset: 2000, Length: 10},
	}
	if err := cache.Cache(ranges); err != nil {
		t.Fatalf("Cache failed: %v", err)
	}
	if err := cache.WaitFor(ctx, ranges); err != nil {
		t.Fatalf("WaitFor failed: %v", err)
	}

	for _, r := range ranges {
		data, err := cache.Read(ctx, r)
		if err != nil {
			t.Fatalf("Read %s failed: %v", r, err)
		}
		if !bytes.Equal(data, content[r.Offset:r.End()]) {
			t.Errorf("Read %s returned wrong bytes", r)
		}
	}

	if got, _ := client.Counts(); got != 2 {
		t.Errorf("expected 2 GetObject calls, got %d (%v)", got, client.Ranges)
	}
}

func TestStore_RangeCache_FailureIsolated(t *testing.T) {
	ctx := t.Context()
	client := NewMockS3Client()
	store, _ := New(client, Config{Bucket: "test"})
	_ = store.Put(ctx, "file.bin", bytes.NewReader(make([]byte, 1024)))

	injected := &smithyAPIError{code: "InternalError", message: "boom"}
	client.GetObjectErr = map[string]error{"bytes=0-9": injected}

	cache, _ := readcache.New(readcache.NewObjectStream(store, "file.bin"), readcache.CacheOptions{
		HoleSizeLimit:  0,
		RangeSizeLimit: 1024,
	})
	bad := readcache.ReadRange{Offset: 0, Length: 10}
	good := readcache.ReadRange{Offset: 500, Length: 10}
	if err := cache.Cache([]readcache.ReadRange{bad, good}); err != nil {
		t.Fatalf("Cache failed: %v", err)
	}

	if _, err := cache.Read(ctx, bad); !errors.Is(err, injected) {
		t.Errorf("expected injected error, got: %v", err)
	}
	if _, err := cache.Read(ctx, good); err != nil {
		t.Errorf("expected unaffected range to succeed, got: %v", err)
	}
}

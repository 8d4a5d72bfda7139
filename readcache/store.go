package readcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// ErrPathExists indicates a Put to a key that already holds an object.
var ErrPathExists = errors.New("path exists")

// maxReadRangeLength bounds a single ReadRange so its length fits in an int.
const maxReadRangeLength = int64(math.MaxInt)

// -----------------------------------------------------------------------------
// Store interfaces
// -----------------------------------------------------------------------------

// RangeStore serves positioned reads of keyed objects.
//
// ReadRange returns ErrNotFound for missing keys. A range starting at or past
// the end of the object yields an empty slice; a range extending past the end
// yields the available bytes. A RangeStore must be safe for concurrent use.
type RangeStore interface {
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	Stat(ctx context.Context, key string) (int64, error)
}

// Store is a RangeStore that can also stage objects.
// Put returns ErrPathExists rather than overwriting.
type Store interface {
	RangeStore
	Put(ctx context.Context, key string, r io.Reader) error
}

// objectStream binds a single object of a RangeStore.
type objectStream struct {
	store RangeStore
	key   string
}

// NewObjectStream returns a Stream reading the object at key.
func NewObjectStream(store RangeStore, key string) Stream {
	return &objectStream{store: store, key: key}
}

func (s *objectStream) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	return s.store.ReadRange(ctx, s.key, offset, length)
}

func validateReadRange(offset, length int64) error {
	if offset < 0 || length < 0 || length > maxReadRangeLength {
		return fmt.Errorf("%w: offset=%d length=%d", ErrInvalidRange, offset, length)
	}
	if offset > math.MaxInt64-length {
		return fmt.Errorf("%w: offset=%d length=%d overflows", ErrInvalidRange, offset, length)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Filesystem Store
// -----------------------------------------------------------------------------

// fsStore implements Store on a filesystem rooted at a directory.
type fsStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore creates a Store rooted at the given directory of the local
// filesystem. The directory must exist.
func NewFSStore(root string) (Store, error) {
	return NewFSStoreOn(afero.NewOsFs(), root)
}

// NewFSStoreOn creates a Store rooted at the given directory of fs, for
// example an afero.NewMemMapFs in tests. The directory must exist.
func NewFSStoreOn(fs afero.Fs, root string) (Store, error) {
	ok, err := afero.DirExists(fs, root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", root, os.ErrNotExist)
	}
	return &fsStore{fs: fs, root: root}, nil
}

func (f *fsStore) Put(_ context.Context, key string, r io.Reader) error {
	fullPath, err := f.safePath(key)
	if err != nil {
		return err
	}

	if err := f.fs.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}

	file, err := f.fs.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrPathExists
		}
		return err
	}
	defer func() { _ = file.Close() }()

	_, err = io.Copy(file, r)
	return err
}

func (f *fsStore) ReadRange(_ context.Context, key string, offset, length int64) ([]byte, error) {
	if err := validateReadRange(offset, length); err != nil {
		return nil, err
	}
	fullPath, err := f.safePath(key)
	if err != nil {
		return nil, err
	}

	file, err := f.fs.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	// Clamp to the file size; not every afero.Fs reports io.EOF past the end.
	if offset >= info.Size() || length == 0 {
		return []byte{}, nil
	}
	length = min(length, info.Size()-offset)

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (f *fsStore) Stat(_ context.Context, key string) (int64, error) {
	fullPath, err := f.safePath(key)
	if err != nil {
		return 0, err
	}
	info, err := f.fs.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

// safePath resolves key under the root, rejecting keys that escape it.
func (f *fsStore) safePath(key string) (string, error) {
	cleaned := filepath.Clean(key)
	if cleaned == "." || key == "" {
		return "", ErrInvalidPath
	}
	if filepath.IsAbs(cleaned) {
		return "", ErrInvalidPath
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	fullPath := filepath.Join(f.root, cleaned)

	absRoot, err := filepath.Abs(f.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	return fullPath, nil
}

// -----------------------------------------------------------------------------
// Memory Store
// -----------------------------------------------------------------------------

// memoryStore implements Store using an in-memory map.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an in-memory Store.
// It is safe for concurrent use.
func NewMemoryStore() Store {
	return &memoryStore{
		data: make(map[string][]byte),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, r io.Reader) error {
	normalized, valid := normalizeKey(key)
	if !valid {
		return ErrInvalidPath
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[normalized]; exists {
		return ErrPathExists
	}
	m.data[normalized] = buf.Bytes()
	return nil
}

func (m *memoryStore) ReadRange(_ context.Context, key string, offset, length int64) ([]byte, error) {
	if err := validateReadRange(offset, length); err != nil {
		return nil, err
	}
	normalized, valid := normalizeKey(key)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	data, exists := m.data[normalized]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}

	size := int64(len(data))
	if offset >= size {
		return []byte{}, nil
	}
	end := size
	if length < size-offset {
		end = offset + length
	}

	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (int64, error) {
	normalized, valid := normalizeKey(key)
	if !valid {
		return 0, ErrInvalidPath
	}

	m.mu.RLock()
	data, exists := m.data[normalized]
	m.mu.RUnlock()

	if !exists {
		return 0, ErrNotFound
	}
	return int64(len(data)), nil
}

func normalizeKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	cleaned := filepath.ToSlash(filepath.Clean(key))
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." || cleaned == "" {
		return "", false
	}

	return cleaned, true
}

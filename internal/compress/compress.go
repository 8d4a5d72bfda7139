// Package compress provides the output compressors used by the readcache CLI.
package compress

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressor wraps output and input streams with a compression format.
type Compressor interface {
	// Name returns the identifier used on the command line.
	Name() string

	// Extension returns the conventional file suffix, including the dot.
	Extension() string

	Compress(w io.Writer) (io.WriteCloser, error)
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// Names lists the compressors accepted by ByName.
var Names = []string{"noop", "gzip", "zstd"}

// ByName returns the compressor registered under name.
func ByName(name string) (Compressor, error) {
	switch name {
	case "", "noop":
		return NewNoop(), nil
	case "gzip":
		return NewGzip(), nil
	case "zstd":
		return NewZstd(), nil
	default:
		return nil, fmt.Errorf("compress: unknown compressor %q (want one of %v)", name, Names)
	}
}

// -----------------------------------------------------------------------------
// Gzip
// -----------------------------------------------------------------------------

// Gzip implements Compressor using gzip compression.
type Gzip struct{}

// NewGzip creates a gzip compressor.
func NewGzip() *Gzip {
	return &Gzip{}
}

// Name returns the compressor identifier.
func (g *Gzip) Name() string {
	return "gzip"
}

// Extension returns the file extension for gzip.
func (g *Gzip) Extension() string {
	return ".gz"
}

// Compress wraps a writer with gzip compression.
func (g *Gzip) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

// Decompress wraps a reader with gzip decompression.
func (g *Gzip) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

var _ Compressor = (*Gzip)(nil)

// -----------------------------------------------------------------------------
// Zstd
// -----------------------------------------------------------------------------

// Zstd implements Compressor using zstd compression.
type Zstd struct{}

// NewZstd creates a zstd compressor.
func NewZstd() *Zstd {
	return &Zstd{}
}

// Name returns the compressor identifier.
func (z *Zstd) Name() string {
	return "zstd"
}

// Extension returns the file extension for zstd.
func (z *Zstd) Extension() string {
	return ".zst"
}

// Compress wraps a writer with zstd compression.
func (z *Zstd) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

// Decompress wraps a reader with zstd decompression.
func (z *Zstd) Decompress(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

var _ Compressor = (*Zstd)(nil)

// -----------------------------------------------------------------------------
// Noop
// -----------------------------------------------------------------------------

// Noop implements Compressor with no compression.
type Noop struct{}

// NewNoop creates a noop compressor.
func NewNoop() *Noop {
	return &Noop{}
}

// Name returns the compressor identifier.
func (n *Noop) Name() string {
	return "noop"
}

// Extension returns an empty extension (no compression).
func (n *Noop) Extension() string {
	return ""
}

// Compress returns a writer that passes through unchanged.
// Closing it does not close w.
func (n *Noop) Compress(w io.Writer) (io.WriteCloser, error) {
	return &noopWriteCloser{w}, nil
}

// Decompress returns a reader that passes through unchanged.
func (n *Noop) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

// noopWriteCloser wraps a writer to implement WriteCloser.
type noopWriteCloser struct {
	io.Writer
}

func (n *noopWriteCloser) Close() error {
	return nil
}

var _ Compressor = (*Noop)(nil)

// Package codec provides the JSON encodings written by the readcache CLI.
package codec

import (
	"bufio"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// IndexRecord locates one requested range inside a fetch output file.
type IndexRecord struct {
	// Offset and Length identify the range in the source object.
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`

	// OutputOffset is where the range's bytes start in the uncompressed
	// output stream.
	OutputOffset int64 `json:"output_offset"`

	// XXHash is the xxHash64 digest of the range's bytes.
	XXHash uint64 `json:"xxhash"`
}

// JSONLWriter writes values as JSON Lines, one value per line.
type JSONLWriter struct {
	enc *jsoniter.Encoder
}

// NewJSONLWriter creates a writer emitting JSON Lines to w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{enc: json.NewEncoder(w)}
}

// Write encodes v as a single line.
func (j *JSONLWriter) Write(v any) error {
	return j.enc.Encode(v)
}

// ReadJSONL decodes every non-empty line of r into a T.
func ReadJSONL[T any](r io.Reader) ([]T, error) {
	var records []T
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record T
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// WriteJSON writes v as a single indented JSON document.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

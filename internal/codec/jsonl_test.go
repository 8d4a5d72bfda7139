package codec_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pithecene-io/readcache/internal/codec"
)

func TestJSONL_WriteRead(t *testing.T) {
	records := []codec.IndexRecord{
		{Offset: 0, Length: 10, OutputOffset: 0},
		{Offset: 4096, Length: 128, OutputOffset: 10},
	}

	var buf bytes.Buffer
	w := codec.NewJSONLWriter(&buf)
	for _, r := range records {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	if lines := strings.Count(buf.String(), "\n"); lines != len(records) {
		t.Errorf("expected %d lines, got %d", len(records), lines)
	}
	if !strings.Contains(buf.String(), `"output_offset":10`) {
		t.Errorf("expected snake_case field names, got %s", buf.String())
	}

	decoded, err := codec.ReadJSONL[codec.IndexRecord](&buf)
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}
	if len(decoded) != len(records) {
		t.Fatalf("decoded %d records, want %d", len(decoded), len(records))
	}
	for i := range records {
		if decoded[i] != records[i] {
			t.Errorf("record %d: got %+v, want %+v", i, decoded[i], records[i])
		}
	}
}

func TestJSONL_SkipsBlankLines(t *testing.T) {
	input := "{\"offset\":1,\"length\":2}\n\n{\"offset\":3,\"length\":4}\n"
	decoded, err := codec.ReadJSONL[codec.IndexRecord](strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}
	if len(decoded) != 2 {
		t.Errorf("expected 2 records, got %d", len(decoded))
	}
}

func TestJSONL_InvalidLine(t *testing.T) {
	if _, err := codec.ReadJSONL[codec.IndexRecord](strings.NewReader("{not json}\n")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := codec.WriteJSON(&buf, map[string]int{"merged_ranges": 3}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if !strings.Contains(buf.String(), "\"merged_ranges\": 3") {
		t.Errorf("unexpected output %s", buf.String())
	}
}

package identity

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"testing"
)

func TestBuildRoundTrips(t *testing.T) {
	blob, err := Build(
		map[string]uint16{"get_clock": 2},
		map[string]uint16{"clock": 3},
		map[string]any{"mcu_freq": 16000000},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("zlib.NewReader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("reading decompressed dictionary: %v", err)
	}

	var got Dictionary
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Commands["get_clock"] != 2 || got.Responses["clock"] != 3 {
		t.Fatalf("unexpected dictionary: %+v", got)
	}
}

func TestChunk(t *testing.T) {
	data := []byte("0123456789")
	if got := string(Chunk(data, 2, 4)); got != "2345" {
		t.Fatalf("Chunk(2,4) = %q, want 2345", got)
	}
	if got := Chunk(data, 100, 4); got != nil {
		t.Fatalf("Chunk past end = %v, want nil", got)
	}
	if got := string(Chunk(data, 8, 10)); got != "89" {
		t.Fatalf("Chunk clamped = %q, want 89", got)
	}
}

// Package identity builds the zlib-compressed JSON dictionary a
// protocol.Session hands back across the identify/identify_response
// exchange: the command/response tag tables plus a config section, the
// same shape a Klipper-style host expects to bootstrap its own command
// encoder against.
package identity

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
)

// Dictionary mirrors the JSON shape the host-side client expects.
type Dictionary struct {
	Commands  map[string]uint16 `json:"commands"`
	Responses map[string]uint16 `json:"responses"`
	Config    map[string]any    `json:"config"`
}

// Build JSON-serializes and zlib-compresses commands/responses/config into
// the byte blob served in chunks by the identify command.
func Build(commands, responses map[string]uint16, config map[string]any) ([]byte, error) {
	dict := Dictionary{Commands: commands, Responses: responses, Config: config}

	raw, err := json.Marshal(dict)
	if err != nil {
		return nil, fmt.Errorf("identity: marshaling dictionary: %w", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("identity: compressing dictionary: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("identity: closing compressor: %w", err)
	}
	return buf.Bytes(), nil
}

// Chunk slices data by the offset/count convention the identify command
// uses to stream the dictionary across multiple request/response rounds.
func Chunk(data []byte, offset, count uint32) []byte {
	if int(offset) >= len(data) {
		return nil
	}
	end := int(offset) + int(count)
	if end > len(data) {
		end = len(data)
	}
	return data[offset:end]
}

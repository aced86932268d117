package wire

import (
	"math/rand"
	"testing"

	"github.com/go-test/deep"
)

func TestVLQUintRoundTrip(t *testing.T) {
	tests := []uint32{0, 1, 127, 128, 16383, 16384, 0xFFFFFFFF, 0x80000000, 12345678}
	for _, v := range tests {
		buf := EncodeVLQUint(nil, v)
		if len(buf) > MaxVLQBytes {
			t.Errorf("EncodeVLQUint(%d) used %d bytes, want <= %d", v, len(buf), MaxVLQBytes)
		}
		got, err := DecodeVLQUint(&buf)
		if err != nil {
			t.Fatalf("DecodeVLQUint(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d -> %d", v, got)
		}
		if len(buf) != 0 {
			t.Errorf("DecodeVLQUint left %d trailing bytes", len(buf))
		}
	}
}

func TestVLQIntRoundTrip(t *testing.T) {
	tests := []int32{0, 1, -1, 63, -64, 1000000, -1000000, 2147483647, -2147483648}
	for _, v := range tests {
		buf := EncodeVLQInt(nil, v)
		got, err := DecodeVLQInt(&buf)
		if err != nil {
			t.Fatalf("DecodeVLQInt(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d -> %d", v, got)
		}
	}
}

func TestBytesAndStringRoundTrip(t *testing.T) {
	buf := EncodeVLQBytes(nil, []byte("hello"))
	got, err := DecodeVLQBytes(&buf)
	if err != nil {
		t.Fatalf("DecodeVLQBytes: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}

	buf = EncodeCString(nil, "world")
	s, err := DecodeCString(&buf)
	if err != nil {
		t.Fatalf("DecodeCString: %v", err)
	}
	if s != "world" {
		t.Errorf("got %q, want world", s)
	}
}

func TestCRCStable(t *testing.T) {
	a := CRC16CCITT([]byte("vortex"))
	b := CRC16CCITT([]byte("vortex"))
	if a != b {
		t.Fatalf("CRC16CCITT not deterministic: %x vs %x", a, b)
	}
	if a == CRC16CCITT([]byte("Vortex")) {
		t.Fatalf("CRC16CCITT collided trivially on case change")
	}
}

// TestFrameRoundTrip covers invariant 6 and scenario S5: for every message
// derivable from a schema, decode(encode(m)) == m.
func TestFrameRoundTrip(t *testing.T) {
	schema, err := ParseFormat("oid=%c pin=%u pull_up=%c name=%s data=%*s offset=%i")
	if err != nil {
		t.Fatalf("ParseFormat: %v", err)
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		values := map[string]any{
			"oid":     uint32(rng.Intn(256)),
			"pin":     uint32(rng.Intn(1 << 20)),
			"pull_up": uint32(rng.Intn(2)),
			"name":    "obj",
			"data":    []byte{1, 2, 3, byte(i)},
			"offset":  int32(rng.Intn(1000) - 500),
		}
		payload, err := EncodeParams(nil, schema, values)
		if err != nil {
			t.Fatalf("EncodeParams: %v", err)
		}
		frame := EncodeFrame(DestMarker, payload)
		n := CheckPacket(frame, DefaultMax)
		if n != len(frame) {
			t.Fatalf("CheckPacket() = %d, want %d", n, len(frame))
		}
		decodedPayload := append([]byte(nil), Payload(frame)...)
		got, err := DecodeParams(&decodedPayload, schema)
		if err != nil {
			t.Fatalf("DecodeParams: %v", err)
		}
		if diff := deep.Equal(got, values); diff != nil {
			t.Errorf("round trip mismatch: %v", diff)
		}
	}
}

func TestCheckPacketIncomplete(t *testing.T) {
	frame := EncodeFrame(DestMarker, []byte("x"))
	if n := CheckPacket(frame[:len(frame)-2], DefaultMax); n != 0 {
		t.Errorf("CheckPacket(truncated) = %d, want 0", n)
	}
}

func TestCheckPacketBadCRCResyncs(t *testing.T) {
	frame := EncodeFrame(DestMarker, []byte("x"))
	frame[len(frame)-2] ^= 0xFF
	if n := CheckPacket(frame, DefaultMax); n >= 0 {
		t.Errorf("CheckPacket(bad crc) = %d, want negative", n)
	}
}

func TestCheckPacketBadSyncResyncs(t *testing.T) {
	frame := EncodeFrame(DestMarker, []byte("x"))
	frame[len(frame)-1] = 0x00
	if n := CheckPacket(frame, DefaultMax); n >= 0 {
		t.Errorf("CheckPacket(bad sync) = %d, want negative", n)
	}
}

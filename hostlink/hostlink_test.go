package hostlink

import "testing"

var (
	_ Link = (*serialLink)(nil)
	_ PTY  = (*ptyLink)(nil)
)

func TestOpenSerialRejectsUnsupportedBaud(t *testing.T) {
	_, err := OpenSerial("/dev/null", SerialOptions{Baud: 42})
	if err == nil {
		t.Fatal("expected error for unsupported baud rate")
	}
}

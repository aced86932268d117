package neopixel

import "testing"

func TestUpdateAndSend(t *testing.T) {
	c := Init("PB0")
	if err := c.Update(10, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	c.Send()
	if got := c.Query()["sends"]; got != 1 {
		t.Errorf("sends = %v, want 1", got)
	}
}

func TestUpdateOutOfBounds(t *testing.T) {
	c := Init("PB0")
	if err := c.Update(MaxBytes-1, []byte{1, 2}); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

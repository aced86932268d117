package buttons

import (
	"testing"

	"github.com/vortexmcu/vortex/gpio"
)

func TestPollReportsOnlyChanges(t *testing.T) {
	a, b := &gpio.Level{}, &gpio.Level{}
	c := Init([]string{"PA0", "PA1"}, []gpio.Reader{a, b})

	if got := c.Poll(); len(got) != 0 {
		t.Fatalf("unexpected initial changes: %v", got)
	}
	a.Set(true)
	got := c.Poll()
	if len(got) != 1 || got[0].Index != 0 || !got[0].State {
		t.Fatalf("got %v, want single change on index 0", got)
	}
	if got := c.Poll(); len(got) != 0 {
		t.Fatalf("unexpected repeat report: %v", got)
	}
}

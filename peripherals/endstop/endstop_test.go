package endstop

import (
	"testing"

	"github.com/vortexmcu/vortex/gpio"
	"github.com/vortexmcu/vortex/tick"
)

type fakeTrsync struct {
	reason string
	fired  int
}

func (f *fakeTrsync) DoTrigger(reason string) {
	f.reason = reason
	f.fired++
}

// TestHomingTrigger covers scenario S4: a pin rising at T+50 and staying
// high must fire trsync.DoTrigger exactly once, at T+80.
func TestHomingTrigger(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	pin := &gpio.Level{}
	c := Init(clk, pin, "PA0")
	trs := &fakeTrsync{}

	const T = tick.Tick(0)
	c.Home(T, 10, 4, 100, true, trs, "7")

	for now := T; now < T+40; now += 10 {
		clk.Advance(10)
		if trs.fired != 0 {
			t.Fatalf("fired early at %d", clk.Now())
		}
	}
	pin.Set(true) // rises before the T+50 sample

	clk.Advance(10) // T+50: first observation
	clk.Advance(10) // T+60
	clk.Advance(10) // T+70
	clk.Advance(10) // T+80
	if trs.fired != 1 {
		t.Fatalf("fired %d times, want exactly 1", trs.fired)
	}
	if trs.reason != "7" {
		t.Errorf("reason = %q, want 7", trs.reason)
	}
	if clk.Now() != T+80 {
		t.Fatalf("fired at tick %d, want %d", clk.Now(), T+80)
	}
}

func TestHomingFalseTriggerResumesSampling(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	pin := &gpio.Level{}
	c := Init(clk, pin, "PA0")
	trs := &fakeTrsync{}

	c.Home(0, 10, 4, 100, true, trs, "7")
	clk.Advance(10) // T+10, not yet triggered
	pin.Set(true)
	clk.Advance(10) // T+20: first observation, oversample begins, triggerCount=3
	pin.Set(false)  // bounced back
	clk.Advance(10) // T+30: revert; resumes sample at nextwake = T+20+100=T+120
	if trs.fired != 0 {
		t.Fatalf("unexpected trigger on bounce")
	}
}

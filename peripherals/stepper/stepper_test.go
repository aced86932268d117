package stepper

import (
	"testing"

	"github.com/vortexmcu/vortex/tick"
)

// TestRampSequence covers scenario S3: reset_step_clock(1000) followed by
// queue_step(interval=100, count=5, add=10) must fire at 1100, 1210, 1330,
// 1460, 1600 and leave position at +5.
func TestRampSequence(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000000, ProcessFreq: 1000})
	c := Init(Def{Clock: clk, StepPulseTicks: 2})

	c.ResetStepClock(1000)
	clk.SetNow(1000)
	var fired []tick.Tick
	c.QueueStep(100, 5, 10)

	want := []tick.Tick{1100, 1210, 1330, 1460, 1600}
	for clk.Now() != 1600 {
		clk.Advance(1)
		if int(c.word.StepCount()) > len(fired) {
			fired = append(fired, clk.Now())
		}
	}
	if len(fired) != len(want) {
		t.Fatalf("fired %d pulses, want %d", len(fired), len(want))
	}
	for i, w := range want {
		if fired[i] != w {
			t.Errorf("pulse %d at %d, want %d", i, fired[i], w)
		}
	}
	if got := c.GetPosition(); got != 5 {
		t.Errorf("position = %d, want 5", got)
	}
}

func TestQueueStepZeroCountShutsDown(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	var reason string
	c := Init(Def{Clock: clk, Shutdown: func(r string) { reason = r }})
	c.QueueStep(100, 0, 0)
	if reason != "Invalid count parameter" {
		t.Fatalf("reason = %q, want Invalid count parameter", reason)
	}
}

func TestStopOnTriggerClearsQueue(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	c := Init(Def{Clock: clk})
	c.ResetStepClock(0)
	c.QueueStep(10, 5, 0)
	c.QueueStep(10, 5, 0)

	c.onTrigger("endstop hit")

	// A queue_step arriving before reset_step_clock is silently dropped.
	c.QueueStep(10, 5, 0)
	clk.Advance(1000)
	if got := c.GetPosition(); got != 0 {
		t.Errorf("position = %d after stop-on-trigger, want 0", got)
	}
}

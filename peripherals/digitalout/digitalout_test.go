package digitalout

import (
	"testing"

	"github.com/vortexmcu/vortex/gpio"
	"github.com/vortexmcu/vortex/tick"
)

func newChip(t *testing.T) (*Chip, *tick.Clock, *gpio.Level, *string) {
	t.Helper()
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	pin := &gpio.Level{}
	var reason string
	c := Init(Def{
		Clock: clk,
		Pin:   pin,
		Shutdown: func(r string) {
			reason = r
		},
	})
	return c, clk, pin, &reason
}

// TestUpdateArmsMaxDuration covers scenario S2's first half: a level update
// that differs from default arms a safety deadline and reverts the pin when
// it fires, without shutting down.
func TestUpdateArmsMaxDuration(t *testing.T) {
	c, clk, pin, reason := newChip(t)
	c.Configure(false, false, 1000)

	clk.SetNow(100)
	c.Update(true)
	if !pin.Read() {
		t.Fatalf("pin not set on")
	}

	clk.Advance(1000) // now 1100, end_time fires
	if pin.Read() {
		t.Errorf("pin still on after max duration deadline")
	}
	if *reason != "" {
		t.Errorf("unexpected shutdown: %s", *reason)
	}
}

// TestScheduleCycleExceedsMaxDuration covers the second half of scenario
// S2: a cycle queued to start after the current safety deadline is
// protocol-fatal.
func TestScheduleCycleExceedsMaxDuration(t *testing.T) {
	c, clk, _, reason := newChip(t)
	c.Configure(false, false, 1000)

	clk.SetNow(1200)
	c.Update(true) // arms end_time = 2200

	c.ScheduleCycle(3000, 0) // 3000 - 1200 = 1800 > 1000
	if *reason == "" {
		t.Fatalf("expected shutdown for late-arriving safety-exceeding cycle")
	}
}

func TestToggleCyclePWM(t *testing.T) {
	c, clk, pin, reason := newChip(t)
	c.SetCycleTicks(100)
	c.Configure(false, false, 0)

	c.ScheduleCycle(10, 40) // on_ticks=40 < cycle_ticks=100: toggling
	clk.Advance(10)
	if !pin.Read() {
		t.Fatalf("pin not on at cycle start")
	}
	clk.Advance(40) // now 50: off
	if pin.Read() {
		t.Errorf("pin still on after on_duration elapsed")
	}
	clk.Advance(60) // now 110: back on
	if !pin.Read() {
		t.Errorf("pin not back on after full cycle")
	}
	if *reason != "" {
		t.Errorf("unexpected shutdown: %s", *reason)
	}
}

func TestScheduleCycleQueuesWhenIdle(t *testing.T) {
	c, clk, pin, _ := newChip(t)
	c.Configure(false, false, 0)

	c.ScheduleCycle(50, 1) // one-shot on
	clk.Advance(49)
	if pin.Read() {
		t.Fatalf("fired early")
	}
	clk.Advance(1)
	if !pin.Read() {
		t.Fatalf("did not fire at scheduled start")
	}
}

package trsync

import (
	"testing"

	"github.com/vortexmcu/vortex/tick"
)

func TestDoTriggerIdempotent(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	var reports int
	c := Init(Def{Clock: clk, Emit: func(bool, string, tick.Tick) { reports++ }})
	c.Start(0, 1000, "timeout")

	var calls int
	c.AddSignal(func(reason string) { calls++ })

	c.DoTrigger("endstop hit")
	c.DoTrigger("endstop hit")
	c.DoTrigger("endstop hit")

	if calls != 1 {
		t.Errorf("signal invoked %d times, want 1", calls)
	}
	if c.CanTrigger() {
		t.Errorf("CanTrigger still true after DoTrigger")
	}
}

func TestSetTimeoutAutoTriggers(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	c := Init(Def{Clock: clk})
	c.Start(0, 1000000, "timeout")
	c.SetTimeout(500)

	clk.Advance(500)
	if c.CanTrigger() {
		t.Errorf("expected auto-trigger by timeout")
	}
}

func TestTriggerCancelsReportTimer(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	var reports int
	c := Init(Def{Clock: clk, Emit: func(bool, string, tick.Tick) { reports++ }})
	c.Start(0, 100, "timeout")
	c.Trigger("manual")

	before := reports
	clk.Advance(10000)
	if reports != before {
		t.Errorf("report timer still firing after Trigger: %d -> %d", before, reports)
	}
}

package pwm

import (
	"testing"

	"github.com/vortexmcu/vortex/tick"
)

func TestSetParamsRejectsOverMaxValue(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	c := Init(Def{Clock: clk})
	if err := c.SetParams(256, 0, 10); err == nil {
		t.Fatal("expected error for value > Max")
	}
}

func TestSetParamsRejectsZeroCycleTicks(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	c := Init(Def{Clock: clk})
	if err := c.SetParams(10, 0, 0); err == nil {
		t.Fatal("expected error for cycle_ticks == 0")
	}
}

type recordingSetter struct{ last uint8 }

func (r *recordingSetter) SetDuty(v uint8) { r.last = v }

func TestQueueDutyAppliesAtDeadline(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	out := &recordingSetter{}
	c := Init(Def{Clock: clk, Out: out})
	if err := c.SetParams(0, 0, 100); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	if err := c.QueueDuty(50, 200); err != nil {
		t.Fatalf("QueueDuty: %v", err)
	}
	clk.Advance(49)
	if out.last != 0 {
		t.Fatalf("applied early: %d", out.last)
	}
	clk.Advance(1)
	if out.last != 200 {
		t.Fatalf("last = %d, want 200", out.last)
	}
	got := c.Query()["value"]
	if got != uint8(200) {
		t.Errorf("Query value = %v, want 200", got)
	}
}

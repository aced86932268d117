package analogin

import (
	"testing"

	"github.com/vortexmcu/vortex/tick"
)

type fixedSource struct{ v uint32 }

func (f fixedSource) ReadADC() uint32 { return f.v }

func TestSampleAccumulateAndEmit(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	var gotClock tick.Tick
	var gotValue uint32
	c := Init(Def{
		Clock:  clk,
		Source: fixedSource{v: 100},
		Emit: func(nextClock tick.Tick, value uint32) {
			gotClock = nextClock
			gotValue = value
		},
	})
	c.StartQuery(0, 10, 4, 200, 0, 1000, 3)

	clk.Advance(10) // sample 1
	clk.Advance(10) // sample 2
	clk.Advance(10) // sample 3
	clk.Advance(10) // sample 4: averages and emits

	if gotValue != 100 {
		t.Fatalf("value = %d, want 100", gotValue)
	}
	if gotClock != 200 {
		t.Fatalf("next_clock = %d, want 200", gotClock)
	}
}

func TestOutOfRangeShutsDownAfterThreshold(t *testing.T) {
	clk := tick.New(tick.Config{MCUFreq: 1000, ProcessFreq: 100})
	var reason string
	c := Init(Def{
		Clock:    clk,
		Source:   fixedSource{v: 5000},
		Shutdown: func(r string) { reason = r },
	})
	c.StartQuery(10, 10, 1, 10, 0, 1000, 2)

	clk.Advance(10) // invalid #1
	if reason != "" {
		t.Fatalf("shut down too early: %s", reason)
	}
	clk.Advance(10) // invalid #2: threshold reached
	if reason != "ADC out of range" {
		t.Fatalf("reason = %q, want ADC out of range", reason)
	}
}

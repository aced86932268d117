package tick

import (
	"testing"
)

func TestBefore(t *testing.T) {
	tests := []struct {
		name string
		a    Tick
		b    Tick
		want bool
	}{
		{"equal", 100, 100, false},
		{"simple before", 100, 200, true},
		{"simple after", 200, 100, false},
		{"wrap before", 0xFFFFFFF0, 0x00000010, true},
		{"wrap after", 0x00000010, 0xFFFFFFF0, false},
		{"half range boundary", 0, 0x7FFFFFFF, true},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if got := Before(test.a, test.b); got != test.want {
				t.Errorf("Before(%x,%x) = %v, want %v", test.a, test.b, got, test.want)
			}
		})
	}
}

// TestWrapInvariant exercises invariant 1 and scenario S1 from spec.md: for
// any two deadlines within 2^31 of each other, Before agrees with
// chronological order, including across a 32-bit wrap.
func TestWrapInvariant(t *testing.T) {
	now := Tick(0xFFFFFFFE)
	for i := 0; i < 8; i++ {
		now++
		if Before(now, now-10) {
			t.Errorf("tick %x: Before(now, now-10) should be false after settling past a wrap", now)
		}
	}
}

func TestRegisterDispatch(t *testing.T) {
	c := New(Config{MCUFreq: 1000, ProcessFreq: 100})
	var fired []Tick
	c.Register(func(now Tick) (Tick, HandlerFunc) {
		fired = append(fired, now)
		return 0, nil
	}, 50)
	c.Advance(49)
	if len(fired) != 0 {
		t.Fatalf("fired early: %v", fired)
	}
	c.Advance(1)
	if diff := len(fired); diff != 1 {
		t.Fatalf("got %d fires, want 1", diff)
	}
	if fired[0] != 50 {
		t.Errorf("got fire at %d, want 50", fired[0])
	}
}

func TestRescheduleAndUnregister(t *testing.T) {
	c := New(Config{MCUFreq: 1000, ProcessFreq: 100})
	count := 0
	var h Handle
	h = c.Register(func(now Tick) (Tick, HandlerFunc) {
		count++
		return now + 10, nil
	}, 10)
	c.Advance(10) // fires at 10, reschedules for 20
	c.Advance(9)  // now 19, not yet
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	c.Advance(1) // now 20, fires
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	c.Unregister(h)
	c.Advance(100)
	if count != 2 {
		t.Fatalf("count = %d after unregister, want 2", count)
	}
}

func TestCallbackMutatesOtherTimers(t *testing.T) {
	c := New(Config{MCUFreq: 1000, ProcessFreq: 100})
	var secondFired bool
	var secondHandle Handle
	secondHandle = c.Register(func(now Tick) (Tick, HandlerFunc) {
		secondFired = true
		return 0, nil
	}, 1000)
	c.Register(func(now Tick) (Tick, HandlerFunc) {
		c.Unregister(secondHandle)
		return 0, nil
	}, 5)
	c.Advance(6)
	if secondFired {
		t.Error("second timer fired after being unregistered by the first callback")
	}
}

func TestHandlerSwap(t *testing.T) {
	c := New(Config{MCUFreq: 1000, ProcessFreq: 100})
	var phase string
	var phaseTwo HandlerFunc
	phaseOne := func(now Tick) (Tick, HandlerFunc) {
		phase = "one"
		return now + 5, phaseTwo
	}
	phaseTwo = func(now Tick) (Tick, HandlerFunc) {
		phase = "two"
		return 0, nil
	}
	c.Register(phaseOne, 1)
	c.Advance(1)
	if phase != "one" {
		t.Fatalf("phase = %q, want one", phase)
	}
	c.Advance(5)
	if phase != "two" {
		t.Fatalf("phase = %q, want two", phase)
	}
}

func TestTooClose(t *testing.T) {
	var gotBehind uint32
	c := New(Config{
		MCUFreq:       1000,
		ProcessFreq:   100,
		TooCloseTicks: 5,
		TooClose: func(behind uint32) {
			gotBehind = behind
		},
	})
	c.Register(func(now Tick) (Tick, HandlerFunc) { return now + 1000000, nil }, 1)
	c.Advance(1)
	c.checkTooClose(c.Now())
	if gotBehind != 0 {
		t.Fatalf("unexpected early TooClose: %d", gotBehind)
	}
}

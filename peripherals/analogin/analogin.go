// Package analogin implements the ADC sampling wrapper from spec.md
// section 4.C.3: it accumulates a run of samples from a backing
// thermistor-style ADC source, range-checks the averaged value, and emits
// a periodic response.
package analogin

import (
	"fmt"
	"sync"

	"github.com/vortexmcu/vortex/registry"
	"github.com/vortexmcu/vortex/tick"
)

// Source is the backing ADC reading, e.g. a simulated thermistor.
type Source interface {
	ReadADC() uint32
}

// Def supplies a Chip's collaborators. Emit and Shutdown may be nil in
// tests that only inspect state via Query.
type Def struct {
	Clock    *tick.Clock
	Source   Source
	PinName  string
	Emit     func(nextClock tick.Tick, value uint32)
	Shutdown func(reason string)
}

// Chip is one configured analog-in sampler bound to an OID.
type Chip struct {
	def Def

	mu              sync.Mutex
	id              registry.ID
	name            string
	queryTime       tick.Tick
	querySleepTime  uint32
	maxSampleCount  uint32
	restTicks       uint32
	minValue        uint32
	maxValue        uint32
	rangeCheckCount uint32

	sampleCount uint32
	accumulated uint64
	invalidCount uint32

	handle     tick.Handle
	registered bool
}

// Init returns a new, unconfigured Chip.
func Init(def Def) *Chip {
	return &Chip{def: def}
}

// Bind attaches the chip's registry identity.
func (c *Chip) Bind(id registry.ID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.name = name
}

// StartQuery arms the periodic sampling run, per spec.md 4.C.3's
// {query_time, query_sleep_time, max_sample_count, ...} state.
func (c *Chip) StartQuery(queryTime tick.Tick, querySleepTime, maxSampleCount, restTicks, minValue, maxValue, rangeCheckCount uint32) {
	c.mu.Lock()
	c.queryTime = queryTime
	c.querySleepTime = querySleepTime
	c.maxSampleCount = maxSampleCount
	c.restTicks = restTicks
	c.minValue = minValue
	c.maxValue = maxValue
	c.rangeCheckCount = rangeCheckCount
	c.sampleCount = 0
	c.accumulated = 0
	if c.registered {
		c.def.Clock.Unregister(c.handle)
	}
	c.mu.Unlock()

	c.handle = c.def.Clock.Register(c.sampleHandler, queryTime)
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
}

func (c *Chip) sampleHandler(now tick.Tick) (tick.Tick, tick.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var v uint32
	if c.def.Source != nil {
		v = c.def.Source.ReadADC()
	}
	c.accumulated += uint64(v)
	c.sampleCount++

	if c.sampleCount < c.maxSampleCount {
		return now + tick.Tick(c.querySleepTime), nil
	}

	value := uint32(c.accumulated / uint64(c.maxSampleCount))
	if value >= c.minValue && value <= c.maxValue {
		c.invalidCount = 0
	} else {
		c.invalidCount++
		if c.invalidCount >= c.rangeCheckCount {
			shutdown := c.def.Shutdown
			c.mu.Unlock()
			if shutdown != nil {
				shutdown("ADC out of range")
			}
			c.mu.Lock()
		}
	}

	nextClock := c.queryTime + tick.Tick(c.restTicks)
	emit := c.def.Emit
	c.mu.Unlock()
	if emit != nil {
		emit(nextClock, value)
	}
	c.mu.Lock()

	c.queryTime = nextClock
	c.sampleCount = 0
	c.accumulated = 0
	return nextClock, nil
}

// Query returns a read-only snapshot implementing registry.Object.
func (c *Chip) Query() registry.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return registry.Status{
		"invalid_count": c.invalidCount,
	}
}

// Exec dispatches the analog-in sampler's host subcommands, suitable as a
// registry.CommandFunc.
func (c *Chip) Exec(subcmd string, opts map[string]any) (any, error) {
	switch subcmd {
	case "query":
		queryTime, _ := opts["query_time"].(uint32)
		querySleepTime, _ := opts["query_sleep_time"].(uint32)
		maxSampleCount, _ := opts["sample_count"].(uint32)
		restTicks, _ := opts["rest_ticks"].(uint32)
		minValue, _ := opts["min_value"].(uint32)
		maxValue, _ := opts["max_value"].(uint32)
		rangeCheckCount, _ := opts["range_check_count"].(uint32)
		c.StartQuery(tick.Tick(queryTime), querySleepTime, maxSampleCount, restTicks, minValue, maxValue, rangeCheckCount)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: analog_in has no subcommand %q", registry.ErrInvalidArg, subcmd)
	}
}

// ID, Class, Name and Pins implement registry.Object.
func (c *Chip) ID() registry.ID       { return c.id }
func (c *Chip) Class() registry.Class { return registry.ClassThermistor }
func (c *Chip) Name() string          { return c.name }

// Pins reports the ADC pin this Chip samples, so registry.Registry.Register
// can enforce that no other object owns it.
func (c *Chip) Pins() []string {
	if c.def.PinName == "" {
		return nil
	}
	return []string{c.def.PinName}
}

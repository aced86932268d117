// Package endstop implements the homing sampler from spec.md section
// 4.C.4: a pin sampled every sample_ticks until it first reads triggered,
// then re-checked at that same cadence until sample_count consecutive
// readings confirm it before firing the bound trsync.
package endstop

import (
	"fmt"
	"sync"

	"github.com/vortexmcu/vortex/gpio"
	"github.com/vortexmcu/vortex/registry"
	"github.com/vortexmcu/vortex/tick"
)

type mode int

const (
	modeIdle mode = iota
	modeSample
	modeOversample
)

type trsyncSignal interface {
	DoTrigger(reason string)
}

// Chip is one configured endstop sampler bound to an OID.
type Chip struct {
	clock   *tick.Clock
	pin     gpio.Reader
	pinName string

	mu           sync.Mutex
	id           registry.ID
	name         string
	mode         mode
	sampleTicks  uint32
	sampleCount  uint32
	restTicks    uint32
	triggerCount uint32
	triggerLevel bool
	triggerReason string
	nextwake     tick.Tick
	trsync       trsyncSignal
	handle       tick.Handle
	registered   bool
}

// Init returns a new, unconfigured Chip reading pin, identified by
// pinName for registry.Registry's pin-ownership invariant.
func Init(clock *tick.Clock, pin gpio.Reader, pinName string) *Chip {
	return &Chip{clock: clock, pin: pin, pinName: pinName}
}

// Bind attaches the chip's registry identity.
func (c *Chip) Bind(id registry.ID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.name = name
}

// Home arms a scheduled query starting at clock, sampling every
// sample_ticks until pin_value is first observed, then treating that first
// observation as the initial oversample confirmation and continuing to
// confirm every sample_ticks until sample_count consecutive confirmations
// fire trsync with trigger_reason. If a confirmation reverts, sampling
// resumes in the sample phase only after rest_ticks have passed from the
// first observation, not immediately (spec.md 4.C.4).
func (c *Chip) Home(clock tick.Tick, sampleTicks, sampleCount, restTicks uint32, pinValue bool, trsync trsyncSignal, triggerReason string) {
	c.mu.Lock()
	c.sampleTicks = sampleTicks
	c.sampleCount = sampleCount
	c.restTicks = restTicks
	c.triggerLevel = pinValue
	c.trsync = trsync
	c.triggerReason = triggerReason
	c.triggerCount = sampleCount
	c.mode = modeSample
	if c.registered {
		c.clock.Unregister(c.handle)
	}
	c.mu.Unlock()

	c.handle = c.clock.Register(c.sampleHandler, clock)
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
}

func (c *Chip) triggered() bool {
	return c.pin != nil && c.pin.Read() == c.triggerLevel
}

func (c *Chip) sampleHandler(now tick.Tick) (tick.Tick, tick.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.triggered() {
		return now + tick.Tick(c.sampleTicks), nil
	}
	c.nextwake = now + tick.Tick(c.restTicks)
	c.mode = modeOversample
	c.triggerCount = c.sampleCount - 1
	if c.triggerCount == 0 {
		return c.fireLocked()
	}
	return now + tick.Tick(c.sampleTicks), c.oversampleHandler
}

func (c *Chip) oversampleHandler(now tick.Tick) (tick.Tick, tick.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.triggered() {
		c.triggerCount--
		if c.triggerCount == 0 {
			return c.fireLocked()
		}
		return now + tick.Tick(c.sampleTicks), nil
	}

	c.triggerCount = c.sampleCount
	c.mode = modeSample
	return c.nextwake, c.sampleHandler
}

// fireLocked invokes the bound trsync and idles the sampler. Called with
// c.mu held; it releases the lock around the trsync call since DoTrigger
// may re-enter stepper cancellation handlers.
func (c *Chip) fireLocked() (tick.Tick, tick.HandlerFunc) {
	trsync := c.trsync
	reason := c.triggerReason
	c.mode = modeIdle
	c.registered = false
	if trsync != nil {
		c.mu.Unlock()
		trsync.DoTrigger(reason)
		c.mu.Lock()
	}
	return 0, nil
}

// Query returns a read-only snapshot implementing registry.Object.
func (c *Chip) Query() registry.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return registry.Status{
		"mode":          c.mode,
		"trigger_count": c.triggerCount,
	}
}

// State reports the fields an endstop_state response needs: whether a
// home is in progress, the next scheduled wake, and the pin's current
// reading.
func (c *Chip) State() (homing bool, nextClock uint32, pinValue bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode != modeIdle, uint32(c.nextwake), c.triggered()
}

// Exec dispatches the endstop's host subcommands, suitable as a
// registry.CommandFunc. The "home" subcommand expects opts["trsync"] to
// hold the trsyncSignal-satisfying object the protocol session resolved
// from trsync_oid; a missing or nil trsync leaves the chip with no
// signal to fire once sampling completes.
func (c *Chip) Exec(subcmd string, opts map[string]any) (any, error) {
	switch subcmd {
	case "home":
		clock, _ := opts["clock"].(uint32)
		sampleTicks, _ := opts["sample_ticks"].(uint32)
		sampleCount, _ := opts["sample_count"].(uint32)
		restTicks, _ := opts["rest_ticks"].(uint32)
		pinValue, _ := opts["pin_value"].(bool)
		triggerReason, _ := opts["trigger_reason"].(string)
		var ts trsyncSignal
		if v, ok := opts["trsync"]; ok && v != nil {
			ts, _ = v.(trsyncSignal)
		}
		c.Home(tick.Tick(clock), sampleTicks, sampleCount, restTicks, pinValue, ts, triggerReason)
		return nil, nil
	case "query_state":
		homing, nextClock, pinValue := c.State()
		return map[string]any{"homing": homing, "next_clock": nextClock, "pin_value": pinValue}, nil
	default:
		return nil, fmt.Errorf("%w: endstop has no subcommand %q", registry.ErrInvalidArg, subcmd)
	}
}

// ID, Class and Name implement registry.Object.
func (c *Chip) ID() registry.ID       { return c.id }
func (c *Chip) Class() registry.Class { return registry.ClassEndstop }
func (c *Chip) Name() string          { return c.name }

// Pins reports the pin this Chip samples, so registry.Registry.Register
// can enforce that no other object owns it.
func (c *Chip) Pins() []string {
	if c.pinName == "" {
		return nil
	}
	return []string{c.pinName}
}

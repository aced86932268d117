// Package digitalout implements the digital-out-with-optional-PWM-cycling
// peripheral from spec.md section 4.C.1: a host-driven pin that can flip a
// level once, free-run a toggle cycle, or arm a safety max-duration
// deadline reverting it to its default level.
package digitalout

import (
	"fmt"
	"sync"

	"github.com/vortexmcu/vortex/gpio"
	"github.com/vortexmcu/vortex/registry"
	"github.com/vortexmcu/vortex/tick"
)

// Flag bits track the wrapper's current mode.
type Flag uint8

const (
	FlagOn Flag = 1 << iota
	FlagToggling
	FlagCheckEnd
	FlagDefaultOn
)

// Cycle is one pending scheduled level change: either a one-shot level (On
// Ticks == 0 or >= CycleTicks) or a toggle cycle starting at StartTick.
type Cycle struct {
	StartTick tick.Tick
	OnTicks   uint32
}

// Def supplies the collaborators a Chip needs at construction: the shared
// clock, the target pin, and the shutdown funnel for protocol-fatal
// conditions (spec.md section 7).
type Def struct {
	Clock    *tick.Clock
	Pin      gpio.Writer
	PinName  string
	Shutdown func(reason string)
}

// Chip is one configured digital-out wrapper bound to a single OID. It
// owns exactly one timer whose target function swaps between eventHandler
// (dispatching the next queued cycle), togglingHandler (free-running a PWM
// cycle) and checkEndHandler (the safety revert), per spec.md's design
// note about replacing instance-method callback registration with
// {state, function-pointer} pairs.
type Chip struct {
	def Def

	mu          sync.Mutex
	id          registry.ID
	name        string
	flags       Flag
	cycleTicks  uint32
	pending     []Cycle
	onDuration  uint32
	offDuration uint32
	endTime     tick.Tick
	maxDuration uint32
	defaultOn   bool
	handle      tick.Handle
	registered  bool
}

// Init returns a new, unconfigured Chip.
func Init(def Def) *Chip {
	return &Chip{def: def}
}

// Bind attaches the wrapper's registry identity, called once at config
// time by the protocol session.
func (c *Chip) Bind(id registry.ID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.name = name
}

// Configure sets the pin's initial level and the safety-revert default.
func (c *Chip) Configure(value, defaultValue bool, maxDuration uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultOn = defaultValue
	c.maxDuration = maxDuration
	c.flags = 0
	if defaultValue {
		c.flags |= FlagDefaultOn
	}
	c.setLevelLocked(value)
}

// SetCycleTicks sets the PWM period used when a pending cycle's OnTicks is
// between 0 and CycleTicks.
func (c *Chip) SetCycleTicks(ticks uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycleTicks = ticks
}

// ScheduleCycle enqueues a future level change or toggle cycle. If a safety
// deadline is currently armed and the new cycle would start after it, the
// host has scheduled an event that arrives too late to honor max_duration,
// which is protocol-fatal (spec.md 4.C.1 step 5, scenario S2).
func (c *Chip) ScheduleCycle(startTick tick.Tick, onTicks uint32) {
	c.mu.Lock()
	if c.flags&FlagCheckEnd != 0 && tick.Before(c.endTime, startTick) {
		c.mu.Unlock()
		if c.def.Shutdown != nil {
			c.def.Shutdown("Scheduled digital out event will exceed max duration")
		}
		return
	}
	c.pending = append(c.pending, Cycle{StartTick: startTick, OnTicks: onTicks})
	armNow := len(c.pending) == 1 && !c.registered
	c.mu.Unlock()
	if armNow {
		c.arm(startTick, c.eventHandler)
	}
}

// Update immediately sets the pin level; if it differs from the configured
// default and a max duration is set, it arms the safety deadline.
func (c *Chip) Update(value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLevelLocked(value)
	if value != c.defaultOn && c.maxDuration > 0 {
		now := c.def.Clock.Now()
		c.endTime = now + tick.Tick(c.maxDuration)
		c.flags |= FlagCheckEnd
		c.armLocked(c.endTime, c.checkEndHandler)
	} else {
		c.flags &^= FlagCheckEnd
	}
}

func (c *Chip) setLevelLocked(on bool) {
	if on {
		c.flags |= FlagOn
	} else {
		c.flags &^= FlagOn
	}
	if c.def.Pin != nil {
		c.def.Pin.Set(on)
	}
}

func (c *Chip) arm(deadline tick.Tick, fn tick.HandlerFunc) {
	c.mu.Lock()
	c.armLocked(deadline, fn)
	c.mu.Unlock()
}

func (c *Chip) armLocked(deadline tick.Tick, fn tick.HandlerFunc) {
	if c.registered {
		c.def.Clock.Unregister(c.handle)
	}
	c.handle = c.def.Clock.Register(fn, deadline)
	c.registered = true
}

// eventHandler implements spec.md 4.C.1 steps 1-4 and 6: pop the next
// pending cycle and decide one-shot vs toggling.
func (c *Chip) eventHandler(now tick.Tick) (tick.Tick, tick.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		c.registered = false
		if c.def.Shutdown != nil {
			c.def.Shutdown("Missed scheduling of next digital out event")
		}
		return 0, nil
	}
	cur := c.pending[0]
	c.pending = c.pending[1:]

	onTicks := cur.OnTicks
	level := onTicks > 0

	if onTicks == 0 || onTicks >= c.cycleTicks {
		c.flags &^= FlagToggling
		c.setLevelLocked(level)
		if level != c.defaultOn && c.maxDuration > 0 {
			c.endTime = now + tick.Tick(c.maxDuration)
			c.flags |= FlagCheckEnd
			return c.endTime, c.checkEndHandler
		}
		c.flags &^= FlagCheckEnd
		if len(c.pending) > 0 {
			return c.pending[0].StartTick, c.eventHandler
		}
		c.registered = false
		return 0, nil
	}

	c.flags |= FlagToggling
	c.setLevelLocked(true)
	c.onDuration = onTicks
	c.offDuration = c.cycleTicks - onTicks
	if c.maxDuration > 0 {
		c.endTime = now + tick.Tick(c.maxDuration)
		c.flags |= FlagCheckEnd
	} else {
		c.flags &^= FlagCheckEnd
	}
	return now + tick.Tick(c.onDuration), c.togglingHandler
}

// togglingHandler free-runs the PWM cycle, flipping the pin on the
// on/off-duration cadence, diverting to checkEndHandler if the next toggle
// would land past the armed safety deadline.
func (c *Chip) togglingHandler(waketime tick.Tick) (tick.Tick, tick.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	on := c.flags&FlagOn == 0
	c.setLevelLocked(on)

	var duration uint32
	if on {
		duration = c.onDuration
	} else {
		duration = c.offDuration
	}
	next := waketime + tick.Tick(duration)

	if c.flags&FlagCheckEnd != 0 && tick.Before(c.endTime, next) {
		return c.endTime, c.checkEndHandler
	}
	return next, nil
}

// checkEndHandler reverts the pin to its default level once the safety
// deadline arrives; it never raises shutdown by itself.
func (c *Chip) checkEndHandler(now tick.Tick) (tick.Tick, tick.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags &^= (FlagToggling | FlagCheckEnd)
	c.setLevelLocked(c.defaultOn)
	if len(c.pending) > 0 {
		return c.pending[0].StartTick, c.eventHandler
	}
	c.registered = false
	return 0, nil
}

// Query returns a read-only snapshot implementing registry.Object.
func (c *Chip) Query() registry.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return registry.Status{
		"on":           c.flags&FlagOn != 0,
		"toggling":     c.flags&FlagToggling != 0,
		"default_on":   c.defaultOn,
		"max_duration": c.maxDuration,
	}
}

// Exec dispatches the digital-out wrapper's post-config host subcommands,
// suitable as a registry.CommandFunc.
func (c *Chip) Exec(subcmd string, opts map[string]any) (any, error) {
	switch subcmd {
	case "set_cycle_ticks":
		ticks, _ := opts["ticks"].(uint32)
		c.SetCycleTicks(ticks)
		return nil, nil
	case "schedule_cycle":
		startTick, _ := opts["start_tick"].(uint32)
		onTicks, _ := opts["on_ticks"].(uint32)
		c.ScheduleCycle(tick.Tick(startTick), onTicks)
		return nil, nil
	case "update":
		value, _ := opts["value"].(bool)
		c.Update(value)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: digital_out has no subcommand %q", registry.ErrInvalidArg, subcmd)
	}
}

// ID, Class, Name and Pins implement registry.Object.
func (c *Chip) ID() registry.ID       { return c.id }
func (c *Chip) Class() registry.Class { return registry.ClassDigitalPin }
func (c *Chip) Name() string          { return c.name }

// Pins reports the pin this Chip drives, so registry.Registry.Register
// can enforce that no other object owns it.
func (c *Chip) Pins() []string {
	if c.def.PinName == "" {
		return nil
	}
	return []string{c.def.PinName}
}

// Package pwm implements the software PWM wrapper from spec.md section
// 4.C.6: a host queues duty-cycle changes at a future clock; the pulse
// engine itself reuses the same queue/timer shape as digitalout, scaled to
// an 8-bit duty value instead of a boolean level.
package pwm

import (
	"fmt"
	"sync"

	"github.com/vortexmcu/vortex/registry"
	"github.com/vortexmcu/vortex/tick"
)

// Max is the largest valid duty value, per spec.md 4.C.6.
const Max = 255

// Setter is the backing output, e.g. a simulated hardware PWM channel.
type Setter interface {
	SetDuty(value uint8)
}

// Def supplies a Chip's collaborators.
type Def struct {
	Clock   *tick.Clock
	Out     Setter
	PinName string
}

type cycle struct {
	startTick tick.Tick
	value     uint8
}

// Chip is one configured PWM wrapper bound to an OID.
type Chip struct {
	def Def

	mu          sync.Mutex
	id          registry.ID
	name        string
	value       uint8
	defaultVal  uint8
	cycleTicks  uint32
	pending     []cycle
	handle      tick.Handle
	registered  bool
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

// SetParams validates and applies the PWM configuration, per spec.md
// 4.C.6: value and default_value must not exceed Max, and cycle_ticks must
// be non-zero.
func (c *Chip) SetParams(value, defaultValue uint8, cycleTicks uint32) error {
	if value > Max || defaultValue > Max {
		return fmt.Errorf("%w: pwm value exceeds max duty %d", registry.ErrInvalidArg, Max)
	}
	if cycleTicks == 0 {
		return fmt.Errorf("%w: pwm cycle_ticks must be non-zero", registry.ErrInvalidArg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycleTicks = cycleTicks
	c.defaultVal = defaultValue
	c.setLocked(value)
	return nil
}

// QueueDuty schedules a future duty-cycle change, reusing digitalout's
// idle-arm pattern.
func (c *Chip) QueueDuty(startTick tick.Tick, value uint8) error {
	if value > Max {
		return fmt.Errorf("%w: pwm value exceeds max duty %d", registry.ErrInvalidArg, Max)
	}
	c.mu.Lock()
	c.pending = append(c.pending, cycle{startTick: startTick, value: value})
	armNow := len(c.pending) == 1 && !c.registered
	c.mu.Unlock()
	if armNow {
		c.arm(startTick)
	}
	return nil
}

func (c *Chip) arm(deadline tick.Tick) {
	c.mu.Lock()
	if c.registered {
		c.def.Clock.Unregister(c.handle)
	}
	c.handle = c.def.Clock.Register(c.eventHandler, deadline)
	c.registered = true
	c.mu.Unlock()
}

func (c *Chip) eventHandler(now tick.Tick) (tick.Tick, tick.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		c.registered = false
		return 0, nil
	}
	cur := c.pending[0]
	c.pending = c.pending[1:]
	c.setLocked(cur.value)
	if len(c.pending) > 0 {
		return c.pending[0].startTick, nil
	}
	c.registered = false
	return 0, nil
}

func (c *Chip) setLocked(v uint8) {
	c.value = v
	if c.def.Out != nil {
		c.def.Out.SetDuty(v)
	}
}

// Query returns a read-only snapshot implementing registry.Object.
func (c *Chip) Query() registry.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return registry.Status{"value": c.value, "default_value": c.defaultVal}
}

// Exec dispatches the PWM wrapper's post-config host subcommands,
// suitable as a registry.CommandFunc.
func (c *Chip) Exec(subcmd string, opts map[string]any) (any, error) {
	switch subcmd {
	case "queue_duty":
		startTick, _ := opts["clock"].(uint32)
		value, _ := opts["value"].(uint32)
		return nil, c.QueueDuty(tick.Tick(startTick), uint8(value))
	default:
		return nil, fmt.Errorf("%w: pwm has no subcommand %q", registry.ErrInvalidArg, subcmd)
	}
}

// ID, Class, Name and Pins implement registry.Object.
func (c *Chip) ID() registry.ID       { return c.id }
func (c *Chip) Class() registry.Class { return registry.ClassPWM }
func (c *Chip) Name() string          { return c.name }

// Pins reports the pin this Chip drives, so registry.Registry.Register
// can enforce that no other object owns it.
func (c *Chip) Pins() []string {
	if c.def.PinName == "" {
		return nil
	}
	return []string{c.def.PinName}
}

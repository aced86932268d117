// Package stepper implements the stepper pulse engine from spec.md section
// 4.C.2: a move queue drained one pulse at a time by the tick scheduler,
// with direction and step-count state carried in a shared pinword.Word so
// the digital-out wrappers bound to the same physical enable/dir pins can
// read or flip them lock-free.
package stepper

import (
	"fmt"
	"sync"

	"github.com/vortexmcu/vortex/pinword"
	"github.com/vortexmcu/vortex/registry"
	"github.com/vortexmcu/vortex/tick"
)

// Move is one queued pulse run: count pulses spaced interval ticks apart,
// with interval adjusted by add after every pulse but the last (an
// acceleration ramp).
type Move struct {
	Interval uint32
	Count    uint32
	Add      int32
	Dir      bool
}

// Def supplies a Chip's collaborators. StepPin and DirPin are the
// physical pin names config_stepper bound this Chip to; they are only
// used to enforce registry.Registry's pin-ownership uniqueness invariant
// through Pins.
type Def struct {
	Clock          *tick.Clock
	Word           *pinword.Word
	StepPulseTicks uint32
	StepPin        string
	DirPin         string
	Shutdown       func(reason string)
}

type curMove struct {
	Interval uint32
	Add      int32
	Dir      bool
	Count    uint32
	Total    uint32
}

// Chip is one configured stepper pulse engine bound to an OID.
type Chip struct {
	def Def

	mu          sync.Mutex
	id          registry.ID
	name        string
	word        *pinword.Word
	invertStep  bool
	queue       []Move
	cur         curMove
	active      bool
	nextDir     bool
	nextStepT   tick.Tick
	needsReset  bool
	position    int64
	handle      tick.Handle
	registered  bool
}

// Init returns a new, unconfigured Chip. If def.Word is nil, the chip
// allocates its own pin word. Dir true is the positive direction; a Chip
// defaults to it so a queue_step with no preceding set_next_step_dir
// advances position, per spec.md 4.C.2 and scenario S3 ("direction 1
// default").
func Init(def Def) *Chip {
	if def.Word == nil {
		def.Word = &pinword.Word{}
	}
	return &Chip{def: def, word: def.Word, nextDir: true}
}

// Bind attaches the chip's registry identity.
func (c *Chip) Bind(id registry.ID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.name = name
}

// Configure sets the invert-step polarity and minimum high-pulse width.
func (c *Chip) Configure(invertStep bool, stepPulseTicks uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invertStep = invertStep
	c.def.StepPulseTicks = stepPulseTicks
}

// SetNextStepDir sets the direction that will be captured by the next
// QueueStep call, per spec.md 4.C.2.
func (c *Chip) SetNextStepDir(dir bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextDir = dir
}

// ResetStepClock seeds next_step_time and clears the post-trigger reset
// gate, per spec.md 4.C.2.
func (c *Chip) ResetStepClock(clock tick.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextStepT = clock
	c.needsReset = false
}

// GetPosition returns the current host-visible position.
func (c *Chip) GetPosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// QueueStep appends a Move. If the engine is idle it is armed immediately;
// a count of zero is protocol-fatal. A queued step arriving while
// needs_reset is set (after a stop-on-trigger) is silently dropped.
func (c *Chip) QueueStep(interval, count uint32, add int32) {
	c.mu.Lock()
	if count == 0 {
		c.mu.Unlock()
		if c.def.Shutdown != nil {
			c.def.Shutdown("Invalid count parameter")
		}
		return
	}
	if c.needsReset {
		c.mu.Unlock()
		return
	}
	m := Move{Interval: interval, Count: count, Add: add, Dir: c.nextDir}
	if !c.active {
		deadline := c.activateLocked(m)
		c.mu.Unlock()
		c.arm(deadline, c.pulseHandler)
		return
	}
	c.queue = append(c.queue, m)
	c.mu.Unlock()
}

// activateLocked installs m as the running move, updates the shared dir
// bit if it changed, and returns the deadline for its first pulse.
func (c *Chip) activateLocked(m Move) tick.Tick {
	if c.word.Dir() != m.Dir {
		c.word.SetDir(m.Dir)
	}
	c.cur = curMove{Interval: m.Interval, Add: m.Add, Dir: m.Dir, Count: m.Count, Total: m.Count}
	c.active = true
	c.nextStepT += tick.Tick(m.Interval)
	return c.nextStepT
}

func (c *Chip) arm(deadline tick.Tick, fn tick.HandlerFunc) {
	c.mu.Lock()
	if c.registered {
		c.def.Clock.Unregister(c.handle)
	}
	c.handle = c.def.Clock.Register(fn, deadline)
	c.registered = true
	c.mu.Unlock()
}

// pulseHandler implements spec.md 4.C.2's five-step pulse algorithm. On a
// continuing move the interval is increased by add before it is added to
// the next step time, so reset_step_clock(1000) followed by interval 100,
// count 5, add 10 steps at 1100, 1210, 1330, 1460 and 1600.
func (c *Chip) pulseHandler(t tick.Tick) (tick.Tick, tick.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.word.IncStepCount()
	c.cur.Count--

	if c.cur.Count == 0 {
		delta := int64(c.cur.Total)
		if !c.cur.Dir {
			delta = -delta
		}
		c.position += delta

		if len(c.queue) == 0 {
			c.active = false
			c.registered = false
			return 0, nil
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.activateLocked(next)
	} else {
		c.cur.Interval = uint32(int32(c.cur.Interval) + c.cur.Add)
		c.nextStepT += tick.Tick(c.cur.Interval)
	}

	min := t + tick.Tick(c.def.StepPulseTicks)
	if tick.Before(c.nextStepT, min) {
		c.nextStepT = min
	}
	return c.nextStepT, nil
}

// StopOnTrigger registers the engine's cancellation handler as a trsync
// signal, per spec.md 4.C.2 and 4.C.5.
func (c *Chip) StopOnTrigger(trsync interface {
	AddSignal(func(reason string))
}) {
	trsync.AddSignal(c.onTrigger)
}

func (c *Chip) onTrigger(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = nil
	c.cur.Count = 0
	c.word.SetDir(false)
	c.needsReset = true
	if c.registered {
		c.def.Clock.Unregister(c.handle)
		c.registered = false
	}
	c.active = false
}

// Query returns a read-only snapshot implementing registry.Object.
func (c *Chip) Query() registry.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return registry.Status{
		"position":    c.position,
		"queue_depth": len(c.queue),
		"needs_reset": c.needsReset,
	}
}

// Exec dispatches the stepper's host subcommands, suitable as a
// registry.CommandFunc.
func (c *Chip) Exec(subcmd string, opts map[string]any) (any, error) {
	switch subcmd {
	case "queue_step":
		interval, _ := opts["interval"].(uint32)
		count, _ := opts["count"].(uint32)
		add, _ := opts["add"].(int32)
		c.QueueStep(interval, count, add)
		return nil, nil
	case "set_next_step_dir":
		dir, _ := opts["dir"].(bool)
		c.SetNextStepDir(dir)
		return nil, nil
	case "reset_step_clock":
		clock, _ := opts["clock"].(uint32)
		c.ResetStepClock(tick.Tick(clock))
		return nil, nil
	case "get_position":
		return c.GetPosition(), nil
	case "stop_on_trigger":
		if v, ok := opts["trsync"]; ok && v != nil {
			if ts, ok := v.(interface{ AddSignal(func(reason string)) }); ok {
				c.StopOnTrigger(ts)
			}
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: stepper has no subcommand %q", registry.ErrInvalidArg, subcmd)
	}
}

// ID, Class, Name and Pins implement registry.Object.
func (c *Chip) ID() registry.ID       { return c.id }
func (c *Chip) Class() registry.Class { return registry.ClassStepper }
func (c *Chip) Name() string          { return c.name }

// Pins reports the step and dir pins this Chip was configured with, so
// registry.Registry.Register can enforce that no other object owns them.
func (c *Chip) Pins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pins []string
	if c.def.StepPin != "" {
		pins = append(pins, c.def.StepPin)
	}
	if c.def.DirPin != "" {
		pins = append(pins, c.def.DirPin)
	}
	return pins
}

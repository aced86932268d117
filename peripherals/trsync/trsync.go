// Package trsync implements the trigger-sync fan-out peripheral from
// spec.md section 4.C.5: a shared rendezvous point that an endstop (or any
// other sampler) triggers once, fanning the event out to every stepper that
// registered a stop-on-trigger signal, plus a periodic state report and an
// optional auto-trigger timeout.
package trsync

import (
	"fmt"
	"sync"

	"github.com/vortexmcu/vortex/registry"
	"github.com/vortexmcu/vortex/tick"
)

// Flag bits mirror spec.md's {flags: CAN_TRIGGER, ...} state.
type Flag uint8

const (
	FlagCanTrigger Flag = 1 << iota
)

// Def supplies a Chip's collaborators. Emit is called with the report
// fields (can_trigger, trigger_reason, clock) every report_ticks and once
// immediately on trigger.
type Def struct {
	Clock *tick.Clock
	Emit  func(canTrigger bool, reason string, clock tick.Tick)
}

// Chip is one configured trsync object bound to an OID.
type Chip struct {
	def Def

	mu           sync.Mutex
	id           registry.ID
	name         string
	flags        Flag
	triggerReason string
	expireReason  string
	reportTicks   uint32
	signals       []func(reason string)

	reportHandle tick.Handle
	reportArmed  bool
	expireHandle tick.Handle
	expireArmed  bool
}

// Init returns a new, unconfigured Chip.
func Init(def Def) *Chip {
	return &Chip{def: def, flags: FlagCanTrigger}
}

// Bind attaches the chip's registry identity.
func (c *Chip) Bind(id registry.ID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.name = name
}

// Start arms the periodic state report and clears any prior trigger state,
// per spec.md 4.C.5.
func (c *Chip) Start(reportClock tick.Tick, reportTicks uint32, expireReason string) {
	c.mu.Lock()
	c.flags |= FlagCanTrigger
	c.triggerReason = ""
	c.expireReason = expireReason
	c.reportTicks = reportTicks
	if c.reportArmed {
		c.def.Clock.Unregister(c.reportHandle)
	}
	c.mu.Unlock()

	c.reportHandle = c.def.Clock.Register(c.reportHandler, reportClock)
	c.mu.Lock()
	c.reportArmed = true
	c.mu.Unlock()
}

// AddSignal registers handler to be invoked exactly once when this trsync
// triggers. Typically a stepper's stop-on-trigger cancellation.
func (c *Chip) AddSignal(handler func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, handler)
}

// SetTimeout arms an auto-trigger at now+ticks using expire_reason.
func (c *Chip) SetTimeout(ticks uint32) {
	c.mu.Lock()
	now := c.def.Clock.Now()
	if c.expireArmed {
		c.def.Clock.Unregister(c.expireHandle)
	}
	c.mu.Unlock()

	c.expireHandle = c.def.Clock.Register(c.expireHandler, now+tick.Tick(ticks))
	c.mu.Lock()
	c.expireArmed = true
	c.mu.Unlock()
}

func (c *Chip) expireHandler(now tick.Tick) (tick.Tick, tick.HandlerFunc) {
	c.mu.Lock()
	reason := c.expireReason
	c.expireArmed = false
	c.mu.Unlock()
	c.Trigger(reason)
	return 0, nil
}

// DoTrigger fires the trsync: idempotent after the first call. It clears
// CAN_TRIGGER, invokes every registered signal exactly once, clears the
// signal list, and emits one immediate state report.
func (c *Chip) DoTrigger(reason string) {
	c.mu.Lock()
	if c.flags&FlagCanTrigger == 0 {
		c.mu.Unlock()
		return
	}
	c.flags &^= FlagCanTrigger
	c.triggerReason = reason
	handlers := c.signals
	c.signals = nil
	now := c.def.Clock.Now()
	c.mu.Unlock()

	for _, h := range handlers {
		h(reason)
	}
	c.emit(now)
}

// Trigger fires DoTrigger and additionally cancels the report and expire
// timers.
func (c *Chip) Trigger(reason string) {
	c.DoTrigger(reason)
	c.mu.Lock()
	if c.reportArmed {
		c.def.Clock.Unregister(c.reportHandle)
		c.reportArmed = false
	}
	if c.expireArmed {
		c.def.Clock.Unregister(c.expireHandle)
		c.expireArmed = false
	}
	c.mu.Unlock()
}

func (c *Chip) reportHandler(now tick.Tick) (tick.Tick, tick.HandlerFunc) {
	c.emit(now)
	c.mu.Lock()
	period := c.reportTicks
	c.mu.Unlock()
	return now + tick.Tick(period), nil
}

func (c *Chip) emit(clock tick.Tick) {
	if c.def.Emit == nil {
		return
	}
	c.mu.Lock()
	canTrigger := c.flags&FlagCanTrigger != 0
	reason := c.triggerReason
	c.mu.Unlock()
	c.def.Emit(canTrigger, reason, clock)
}

// CanTrigger reports whether the trsync has not yet fired.
func (c *Chip) CanTrigger() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags&FlagCanTrigger != 0
}

// Query returns a read-only snapshot implementing registry.Object.
func (c *Chip) Query() registry.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return registry.Status{
		"can_trigger":    c.flags&FlagCanTrigger != 0,
		"trigger_reason": c.triggerReason,
	}
}

// Exec dispatches trsync's host subcommands, suitable as a
// registry.CommandFunc.
func (c *Chip) Exec(subcmd string, opts map[string]any) (any, error) {
	switch subcmd {
	case "start":
		reportClock, _ := opts["report_clock"].(uint32)
		reportTicks, _ := opts["report_ticks"].(uint32)
		expireReason, _ := opts["expire_reason"].(string)
		c.Start(tick.Tick(reportClock), reportTicks, expireReason)
		return nil, nil
	case "set_timeout":
		ticks, _ := opts["clock"].(uint32)
		c.SetTimeout(ticks)
		return nil, nil
	case "trigger":
		reason, _ := opts["reason"].(string)
		c.Trigger(reason)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: trsync has no subcommand %q", registry.ErrInvalidArg, subcmd)
	}
}

// ID, Class and Name implement registry.Object.
func (c *Chip) ID() registry.ID       { return c.id }
func (c *Chip) Class() registry.Class { return registry.ClassTRSync }
func (c *Chip) Name() string          { return c.name }

// Pins always returns nil: trsync is a pure rendezvous object fanning one
// trigger out to registered signals, with no physical pin of its own.
func (c *Chip) Pins() []string { return nil }

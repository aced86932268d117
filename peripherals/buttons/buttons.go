// Package buttons implements the multi-pin input sampler from spec.md
// section 4.C.6: up to N bound pins are sampled together and the host
// polls for a diff against the last reported state. Readings are compared
// raw; no debounce filtering is applied.
package buttons

import (
	"fmt"
	"sync"

	"github.com/vortexmcu/vortex/gpio"
	"github.com/vortexmcu/vortex/registry"
)

// Chip is one configured buttons wrapper bound to an OID.
type Chip struct {
	mu       sync.Mutex
	id       registry.ID
	name     string
	pins     []gpio.Reader
	pinNames []string
	reported []bool
}

// Init returns a new Chip sampling the given pins.
func Init(pinNames []string, pins []gpio.Reader) *Chip {
	return &Chip{
		pinNames: pinNames,
		pins:     pins,
		reported: make([]bool, len(pins)),
	}
}

// Bind attaches the chip's registry identity.
func (c *Chip) Bind(id registry.ID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.name = name
}

// Change is one pin transition surfaced by Poll.
type Change struct {
	Index int
	State bool
}

// Poll samples every bound pin once and returns the pins whose current
// reading differs from the last report. A single differing read is
// reported; there is no debounce window.
func (c *Chip) Poll() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	var changes []Change
	for i, pin := range c.pins {
		state := pin.Read()
		if state != c.reported[i] {
			c.reported[i] = state
			changes = append(changes, Change{Index: i, State: state})
		}
	}
	return changes
}

// Query returns a read-only snapshot implementing registry.Object.
func (c *Chip) Query() registry.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make([]bool, len(c.reported))
	copy(states, c.reported)
	return registry.Status{"states": states}
}

// Exec dispatches buttons' host subcommands, suitable as a
// registry.CommandFunc.
func (c *Chip) Exec(subcmd string, opts map[string]any) (any, error) {
	switch subcmd {
	case "query":
		changes := c.Poll()
		out := make([]map[string]any, len(changes))
		for i, ch := range changes {
			out[i] = map[string]any{"index": ch.Index, "state": ch.State}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: buttons has no subcommand %q", registry.ErrInvalidArg, subcmd)
	}
}

// ID, Class, Name and Pins implement registry.Object.
func (c *Chip) ID() registry.ID       { return c.id }
func (c *Chip) Class() registry.Class { return registry.ClassButtons }
func (c *Chip) Name() string          { return c.name }
func (c *Chip) Pins() []string        { return c.pinNames }

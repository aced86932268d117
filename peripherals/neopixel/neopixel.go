// Package neopixel implements the addressable-LED buffer wrapper from
// spec.md section 4.C.6: the host stages bytes into an in-memory buffer
// with Update and flushes it with Send. There is no physical wire to
// drive in this emulator; Send only needs to report success.
package neopixel

import (
	"fmt"
	"sync"

	"github.com/vortexmcu/vortex/registry"
)

// MaxBytes is the largest buffer the wrapper accepts, per spec.md 4.C.6.
const MaxBytes = 1024

// Chip is one configured neopixel buffer bound to an OID.
type Chip struct {
	mu      sync.Mutex
	id      registry.ID
	name    string
	pinName string
	buf     []byte
	sends   int
}

// Init returns a new, unconfigured Chip with a zeroed MaxBytes buffer,
// identified by pinName for registry.Registry's pin-ownership invariant.
func Init(pinName string) *Chip {
	return &Chip{pinName: pinName, buf: make([]byte, MaxBytes)}
}

// Bind attaches the chip's registry identity.
func (c *Chip) Bind(id registry.ID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.name = name
}

// Update writes data into the buffer starting at pos.
func (c *Chip) Update(pos int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos < 0 || pos+len(data) > len(c.buf) {
		return fmt.Errorf("%w: neopixel update out of bounds (pos=%d len=%d buf=%d)", registry.ErrInvalidArg, pos, len(data), len(c.buf))
	}
	copy(c.buf[pos:], data)
	return nil
}

// Send flushes the staged buffer. It always succeeds; there is no physical
// wire to drive.
func (c *Chip) Send() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
}

// Query returns a read-only snapshot implementing registry.Object.
func (c *Chip) Query() registry.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return registry.Status{"sends": c.sends, "bytes": len(c.buf)}
}

// Exec dispatches the neopixel's host subcommands, suitable as a
// registry.CommandFunc.
func (c *Chip) Exec(subcmd string, opts map[string]any) (any, error) {
	switch subcmd {
	case "update":
		pos, _ := opts["pos"].(int)
		data, _ := opts["data"].([]byte)
		return nil, c.Update(pos, data)
	case "send":
		c.Send()
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: neopixel has no subcommand %q", registry.ErrInvalidArg, subcmd)
	}
}

// ID, Class and Name implement registry.Object.
func (c *Chip) ID() registry.ID       { return c.id }
func (c *Chip) Class() registry.Class { return registry.ClassNeopixel }
func (c *Chip) Name() string          { return c.name }

// Pins reports the pin this Chip was configured with, so
// registry.Registry.Register can enforce that no other object owns it.
func (c *Chip) Pins() []string {
	if c.pinName == "" {
		return nil
	}
	return []string{c.pinName}
}

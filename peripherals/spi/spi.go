// Package spi implements the SPI bus forwarder from spec.md section
// 4.C.6: bytes sent by the host are forwarded to a registered bus target
// (a display, a TMC driver's register file, etc.), optionally returning a
// read-back slice.
package spi

import (
	"fmt"
	"sync"

	"github.com/vortexmcu/vortex/registry"
)

// Target is anything that can accept a SPI transfer and optionally return
// a read-back response of the same length.
type Target interface {
	Transfer(data []byte) ([]byte, error)
}

// Chip is one configured SPI bus wrapper bound to an OID.
type Chip struct {
	mu      sync.Mutex
	id      registry.ID
	name    string
	busPin  string
	target  Target
	lastN   int
}

// Init returns a new Chip forwarding to target. target may be nil until
// SetTarget binds one (e.g. after the owning display or driver object is
// configured). busPin names the chip-select pin this bus owns, for
// registry.Registry's pin-ownership invariant.
func Init(target Target, busPin string) *Chip {
	return &Chip{target: target, busPin: busPin}
}

// Bind attaches the chip's registry identity.
func (c *Chip) Bind(id registry.ID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.name = name
}

// SetTarget rebinds the bus target.
func (c *Chip) SetTarget(target Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
}

// Transfer forwards data to the bound target and returns any read-back.
func (c *Chip) Transfer(data []byte) ([]byte, error) {
	c.mu.Lock()
	target := c.target
	c.mu.Unlock()
	if target == nil {
		return nil, fmt.Errorf("%w: spi bus has no bound target", registry.ErrInvalidArg)
	}
	resp, err := target.Transfer(data)
	c.mu.Lock()
	c.lastN = len(data)
	c.mu.Unlock()
	return resp, err
}

// Query returns a read-only snapshot implementing registry.Object.
func (c *Chip) Query() registry.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return registry.Status{"last_transfer_bytes": c.lastN}
}

// Exec dispatches the SPI bus's host subcommands, suitable as a
// registry.CommandFunc.
func (c *Chip) Exec(subcmd string, opts map[string]any) (any, error) {
	switch subcmd {
	case "transfer":
		data, _ := opts["data"].([]byte)
		resp, err := c.Transfer(data)
		return resp, err
	default:
		return nil, fmt.Errorf("%w: spi has no subcommand %q", registry.ErrInvalidArg, subcmd)
	}
}

// ID, Class and Name implement registry.Object.
func (c *Chip) ID() registry.ID       { return c.id }
func (c *Chip) Class() registry.Class { return registry.ClassSPI }
func (c *Chip) Name() string          { return c.name }

// Pins reports the bus's chip-select pin, so registry.Registry.Register
// can enforce that no other object owns it.
func (c *Chip) Pins() []string {
	if c.busPin == "" {
		return nil
	}
	return []string{c.busPin}
}

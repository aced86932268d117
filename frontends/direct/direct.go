// Package direct implements the secondary text debug channel from spec.md
// section 6: a line-oriented "class:object:command[:opts[:timestamp]]"
// protocol that queues commands and reports completions framed between
// "#$" and "$#" markers, the same shape a human operator or a scripted
// test harness drives against a running MCU without speaking the binary
// wire protocol. It is an external collaborator by design: it only ever
// calls through registry.Registry.Find and cmdqueue.Queue.Put, never
// reaching into protocol.Session internals.
package direct

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/vortexmcu/vortex/cmdqueue"
	"github.com/vortexmcu/vortex/registry"
)

// Channel parses and dispatches lines from the text debug channel.
type Channel struct {
	reg   *registry.Registry
	queue *cmdqueue.Queue

	nextID atomic.Uint64

	// Send, if set, is called with a "#$ ... $#"-framed completion report
	// once a queued command finishes.
	Send func(line string)
}

// New returns a Channel dispatching through reg and queueing work onto q.
func New(reg *registry.Registry, q *cmdqueue.Queue) *Channel {
	return &Channel{reg: reg, queue: q}
}

// Line parses one input line of the form
// "class:object:command[:opts[:timestamp]]" (opts is "k=v,k=v"), looks up
// the named object, and queues the command. It returns the assigned
// command id, or an error if the line is malformed or names an unknown
// object.
func (c *Channel) Line(line string) (uint64, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) < 3 {
		return 0, fmt.Errorf("direct: malformed line %q: want class:object:command[:opts[:timestamp]]", line)
	}
	class, objectName, cmdName := parts[0], parts[1], parts[2]

	var optsStr, timestampStr string
	if len(parts) > 3 {
		optsStr = parts[3]
	}
	if len(parts) > 4 {
		timestampStr = parts[4]
	}

	obj, ok := c.reg.Find(registry.Class(class), objectName)
	if !ok {
		return 0, fmt.Errorf("direct: unknown object %s:%s", class, objectName)
	}

	opts, err := parseOpts(optsStr)
	if err != nil {
		return 0, fmt.Errorf("direct: parsing opts %q: %w", optsStr, err)
	}
	if timestampStr != "" {
		ts, err := strconv.ParseUint(timestampStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("direct: parsing timestamp %q: %w", timestampStr, err)
		}
		opts["timestamp"] = ts
	}
	opts["oid"] = uint32(obj.ID())
	opts["class"] = class
	opts["command"] = cmdName

	id := c.nextID.Add(1)
	if err := c.queue.Put(cmdqueue.Command{ID: id, Name: cmdName, Payload: opts}, func(completion cmdqueue.Completion) {
		c.report(id, completion)
	}); err != nil {
		return 0, fmt.Errorf("direct: queuing %s:%s:%s: %w", class, objectName, cmdName, err)
	}
	return id, nil
}

// parseOpts decodes a "k=v,k=v" option string into a map, leaving values
// as strings unless they parse as integers.
func parseOpts(s string) (map[string]any, error) {
	opts := make(map[string]any)
	if s == "" {
		return opts, nil
	}
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("malformed option %q", kv)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			opts[k] = n
		} else {
			opts[k] = v
		}
	}
	return opts, nil
}

// report formats a completion as "#$ {json} $#" and hands it to Send.
func (c *Channel) report(id uint64, completion cmdqueue.Completion) {
	if c.Send == nil {
		return
	}
	payload := map[string]any{
		"id":     id,
		"status": completion.Status,
		"data":   completion.Data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.Send(fmt.Sprintf("#$ {\"id\":%d,\"status\":\"encode_error\"} $#", id))
		return
	}
	c.Send("#$ " + string(raw) + " $#")
}

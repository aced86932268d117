// Package registry implements the object registry and query/command bus
// (spec.md section 4.B): a mapping of id to peripheral object, populated
// declaratively at startup plus incrementally as the protocol session
// configures OIDs, with physical-pin uniqueness enforced at registration.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Class names the kind of peripheral, matching spec.md section 3.
type Class string

const (
	ClassStepper     Class = "stepper"
	ClassEndstop     Class = "endstop"
	ClassProbe       Class = "probe"
	ClassThermistor  Class = "thermistor"
	ClassHeater      Class = "heater"
	ClassPWM         Class = "pwm"
	ClassFan         Class = "fan"
	ClassDigitalPin  Class = "digital_pin"
	ClassDisplay     Class = "display"
	ClassEncoder     Class = "encoder"
	ClassNeopixel    Class = "neopixel"
	ClassSPI         Class = "spi"
	ClassTRSync      Class = "trsync"
	ClassButtons     Class = "buttons"
	ClassAxis        Class = "axis"
	ClassToolhead    Class = "toolhead"
)

// ID is a system-wide unique, lifetime-stable object identity.
type ID uint32

// Status is a frozen, read-only snapshot of an object's state.
type Status map[string]any

// Object is a peripheral instance with an immutable identity and a
// read-only status snapshot, per spec.md section 3.
type Object interface {
	ID() ID
	Class() Class
	Name() string
	Pins() []string
	Query() Status
}

// Sentinel errors surfaced by Exec, per spec.md section 4.B "Errors".
var (
	ErrNotFound    = errors.New("registry: not found")
	ErrInvalidArg  = errors.New("registry: invalid argument")
	ErrBusy        = errors.New("registry: object busy or disabled")
	ErrPinInUse    = errors.New("registry: pin already owned by another object")
	ErrDuplicateID = errors.New("registry: duplicate object id")
)

// CommandFunc dispatches a subcommand against a registered object's
// executor. It returns an arbitrary result payload that callers (the
// command queue, the direct front-end) interpret per subcommand.
type CommandFunc func(subcmd string, opts map[string]any) (any, error)

type entry struct {
	obj  Object
	exec CommandFunc
}

// Registry maps object id to peripheral, indexed additionally by class and
// by owned physical pin.
type Registry struct {
	mu      sync.RWMutex
	byID    map[ID]*entry
	byClass map[Class][]ID
	byPin   map[string]ID
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:    make(map[ID]*entry),
		byClass: make(map[Class][]ID),
		byPin:   make(map[string]ID),
	}
}

// Register adds obj to the registry, backed by exec for command dispatch.
// It enforces id uniqueness and that each of obj's pins belongs to exactly
// one object (spec.md 4.B). exec may be nil for objects with no commands
// (e.g. a Query-only thermistor).
func (r *Registry) Register(obj Object, exec CommandFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := obj.ID()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("%w: id %d", ErrDuplicateID, id)
	}
	for _, pin := range obj.Pins() {
		if owner, used := r.byPin[pin]; used {
			return fmt.Errorf("%w: pin %q already owned by object %d", ErrPinInUse, pin, owner)
		}
	}
	for _, pin := range obj.Pins() {
		r.byPin[pin] = id
	}
	r.byID[id] = &entry{obj: obj, exec: exec}
	r.byClass[obj.Class()] = append(r.byClass[obj.Class()], id)
	return nil
}

// Unregister removes obj (used by OID teardown on session reset), freeing
// its pins for reuse.
func (r *Registry) Unregister(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return
	}
	for _, pin := range e.obj.Pins() {
		delete(r.byPin, pin)
	}
	delete(r.byID, id)
	ids := r.byClass[e.obj.Class()]
	for i, cid := range ids {
		if cid == id {
			r.byClass[e.obj.Class()] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Query collects a frozen status snapshot per requested id. Unknown ids are
// simply omitted from the result rather than erroring, since a caller
// enumerating stale ids (e.g. after a reset raced with a query) should not
// fail the whole batch.
func (r *Registry) Query(ids []ID) map[ID]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ID]Status, len(ids))
	for _, id := range ids {
		if e, ok := r.byID[id]; ok {
			out[id] = e.obj.Query()
		}
	}
	return out
}

// QueryClass returns a status snapshot for every object of the given class.
func (r *Registry) QueryClass(class Class) map[ID]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byClass[class]
	out := make(map[ID]Status, len(ids))
	for _, id := range ids {
		out[id] = r.byID[id].obj.Query()
	}
	return out
}

// Find resolves an object by class and name, used by the direct front-end.
func (r *Registry) Find(class Class, name string) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.byClass[class] {
		if e := r.byID[id]; e.obj.Name() == name {
			return e.obj, true
		}
	}
	return nil, false
}

// Exec dispatches subcmd against the object registered under id.
func (r *Registry) Exec(id ID, subcmd string, opts map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if e.exec == nil {
		return nil, fmt.Errorf("%w: object %d has no command table", ErrInvalidArg, id)
	}
	return e.exec(subcmd, opts)
}

// Objects returns every registered object sorted by id, used for the
// supervisor's status snapshot.
func (r *Registry) Objects() []Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Object, len(ids))
	for i, id := range ids {
		out[i] = r.byID[id].obj
	}
	return out
}

// Package cmdqueue implements the thread-safe command FIFO and completion
// fan-out from spec.md section 4.F: host-issued commands are queued for a
// worker to drain, and each command id yields exactly one completion
// delivered either to a registered callback or to a polling WaitFor call.
package cmdqueue

import (
	"errors"
	"fmt"
	"sync"
)

// ErrFull is returned by Put when the queue is at capacity.
var ErrFull = errors.New("cmdqueue: queue at capacity")

// ErrAlreadyComplete is returned by Complete if cmd_id has no in-flight
// entry, signalling a caller bug (double-complete or unknown id).
var ErrAlreadyComplete = errors.New("cmdqueue: command already completed or unknown")

// Command is one queued unit of work.
type Command struct {
	ID      uint64
	Name    string
	Payload map[string]any
}

// Completion is the terminal result of a Command.
type Completion struct {
	Status string
	Data   map[string]any
}

type waiter struct {
	ids  map[uint64]bool
	done chan uint64
}

// Queue is a bounded FIFO of in-flight commands with completion fan-out.
type Queue struct {
	capacity int

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []Command
	inFlight    map[uint64]Command
	callbacks   map[uint64]func(Completion)
	completions map[uint64]Completion
	waiters     []*waiter
}

// New returns an empty Queue capped at capacity commands in flight.
func New(capacity int) *Queue {
	q := &Queue{
		capacity:    capacity,
		inFlight:    make(map[uint64]Command),
		callbacks:   make(map[uint64]func(Completion)),
		completions: make(map[uint64]Completion),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues cmd, optionally registering a callback invoked on
// completion. It is non-blocking; over capacity it returns ErrFull.
func (q *Queue) Put(cmd Command, onComplete func(Completion)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inFlight) >= q.capacity {
		return fmt.Errorf("%w: %d/%d", ErrFull, len(q.inFlight), q.capacity)
	}
	q.pending = append(q.pending, cmd)
	q.inFlight[cmd.ID] = cmd
	if onComplete != nil {
		q.callbacks[cmd.ID] = onComplete
	}
	q.cond.Signal()
	return nil
}

// Take blocks until a command is available and removes it from the
// pending list (it remains in-flight until Complete is called). The
// supervisor's worker goroutine calls this in a loop.
func (q *Queue) Take() Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 {
		q.cond.Wait()
	}
	cmd := q.pending[0]
	q.pending = q.pending[1:]
	return cmd
}

// Complete removes cmdID from the in-flight map and either invokes its
// registered callback or stores the completion for a polling WaitFor.
func (q *Queue) Complete(cmdID uint64, status string, data map[string]any) error {
	q.mu.Lock()
	if _, ok := q.inFlight[cmdID]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrAlreadyComplete, cmdID)
	}
	delete(q.inFlight, cmdID)
	cb := q.callbacks[cmdID]
	delete(q.callbacks, cmdID)
	completion := Completion{Status: status, Data: data}

	if cb == nil {
		q.completions[cmdID] = completion
	}
	waiters := q.waiters
	q.mu.Unlock()

	if cb != nil {
		cb(completion)
	}
	for _, w := range waiters {
		if w.ids[cmdID] {
			select {
			case w.done <- cmdID:
			default:
			}
		}
	}
	return nil
}

// WaitFor blocks until any of ids has a stored completion, returning the
// first id that completed and its result.
func (q *Queue) WaitFor(ids []uint64) (uint64, Completion) {
	set := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	q.mu.Lock()
	for id := range set {
		if c, ok := q.completions[id]; ok {
			delete(q.completions, id)
			q.mu.Unlock()
			return id, c
		}
	}
	w := &waiter{ids: set, done: make(chan uint64, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	id := <-w.done

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.waiters {
		if existing == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	c := q.completions[id]
	delete(q.completions, id)
	return id, c
}

// Len returns the number of commands currently in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

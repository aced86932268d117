// Package tick implements the virtual-time generator and timer heap that
// drive every peripheral in the emulator. Time is represented as a 32-bit
// tick count that wraps; all comparisons go through Before/Compare rather
// than raw operators so wrap-around is handled uniformly.
package tick

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Tick is the MCU clock count. It wraps at 2^32 and must only be compared
// with Before/Compare, never with < or >.
type Tick uint32

// Before reports whether a chronologically precedes b under the wrap-safe
// modular predicate from spec.md section 3.
func Before(a, b Tick) bool {
	return int32(a-b) < 0
}

// Compare returns -1, 0 or +1 for a before, equal to, or after b.
func Compare(a, b Tick) int {
	switch {
	case a == b:
		return 0
	case Before(a, b):
		return -1
	default:
		return 1
	}
}

// HandlerFunc is a timer callback. It returns the next deadline at which it
// should fire again (0 to unregister) and the function that should run at
// that deadline. Returning a nil next keeps the same function -- this is
// the {state, function-pointer} pair spec.md's design notes call for in
// place of dynamic callback-registration-via-instance-method patterns: a
// state machine like the endstop sampler swaps between its "sample" and
// "oversample" phases by returning a different HandlerFunc, not by mutating
// object identity.
type HandlerFunc func(now Tick) (next Tick, nextFn HandlerFunc)

// Handle identifies a registered timer. It stays stable across reschedules.
type Handle uint64

type timerEntry struct {
	handle   Handle
	deadline Tick
	fn       HandlerFunc
	index    int
	live     bool
}

// timerHeap orders entries by the wrap-safe Before predicate.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	return Before(h[i].deadline, h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TooCloseFunc is invoked when the heap has fallen more than the configured
// threshold of ticks behind now for a sustained window (spec.md 4.A,
// "Failure"). supervisor.New sets neither TooClose nor TooCloseTicks, so
// the check is off in the running emulator.
type TooCloseFunc func(behindTicks uint32)

// Config controls the clock's tick rate and failure detection.
type Config struct {
	// MCUFreq is the simulated MCU clock frequency in ticks/second.
	MCUFreq uint32
	// ProcessFreq is the cadence (iterations/second) at which the
	// supervisor thread advances now and drains the dispatch loop.
	ProcessFreq uint32
	// TooCloseTicks is the threshold beyond which a sustained backlog
	// reports TooClose. Zero disables the check.
	TooCloseTicks uint32
	TooClose      TooCloseFunc
}

// Clock owns the timer heap and the monotonic tick counter. Register,
// Reschedule and Unregister may be called from any goroutine: each takes
// the clock's lock and updates the heap directly. RunInbox queues other
// work to run on the goroutine that calls Advance.
type Clock struct {
	cfg Config

	mu         sync.Mutex
	now        Tick
	heap       timerHeap
	byHandle   map[Handle]*timerEntry
	nextHandle Handle

	inboxMu sync.Mutex
	inbox   []func()

	// AdvanceHook, when set, is called with the delta of every Advance,
	// letting a stats collector observe real per-cycle tick deltas
	// instead of a figure derived from the configured period.
	AdvanceHook func(delta uint32)

	behindSince time.Time
	behindLive  bool
}

// New returns a Clock configured per cfg. now starts at 0.
func New(cfg Config) *Clock {
	c := &Clock{
		cfg:      cfg,
		byHandle: make(map[Handle]*timerEntry),
	}
	heap.Init(&c.heap)
	return c
}

// Now returns the current tick. Safe for concurrent use.
func (c *Clock) Now() Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetNow forces the current tick, used by tests and by Session.Reset-style
// flows that need to seed a starting clock value.
func (c *Clock) SetNow(t Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Register inserts a new timer at deadline and returns a stable handle. A
// deadline of 0 registers a timer that fires immediately on the next
// dispatch pass (0 is a valid tick, distinguished from "unregister" only in
// the HandlerFunc return value).
func (c *Clock) Register(fn HandlerFunc, deadline Tick) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	h := c.nextHandle
	e := &timerEntry{handle: h, deadline: deadline, fn: fn, live: true}
	c.byHandle[h] = e
	heap.Push(&c.heap, e)
	return h
}

// Reschedule repositions an existing timer. Setting deadline to 0 via this
// call does NOT unregister -- only a HandlerFunc returning 0 does, or an
// explicit Unregister call. A deadline of 0 here just moves the timer to
// tick 0, since Tick(0) is also a legitimate start value used throughout
// the peripheral tests; callers that want the timer gone call Unregister.
func (c *Clock) Reschedule(h Handle, deadline Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byHandle[h]
	if !ok || !e.live {
		return
	}
	e.deadline = deadline
	if e.index >= 0 {
		heap.Fix(&c.heap, e.index)
	}
}

// Unregister removes a timer. No callback fires for it after this returns.
func (c *Clock) Unregister(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byHandle[h]
	if !ok {
		return
	}
	delete(c.byHandle, h)
	e.live = false
	if e.index >= 0 {
		heap.Remove(&c.heap, e.index)
	}
}

// RunInbox queues fn to execute on the scheduler goroutine at the start of
// the next dispatch pass. Cross-goroutine callers (the protocol thread,
// command-queue worker) use this to register/reschedule/unregister timers
// without taking the scheduler lock mid-callback.
func (c *Clock) RunInbox(fn func()) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, fn)
	c.inboxMu.Unlock()
}

func (c *Clock) drainInbox() {
	c.inboxMu.Lock()
	pending := c.inbox
	c.inbox = nil
	c.inboxMu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Advance moves now forward by delta ticks and dispatches every timer whose
// deadline has arrived. A callback may register/unregister other timers;
// such mutations take effect immediately since they happen on this same
// goroutine. Advance is not safe to call concurrently with itself.
func (c *Clock) Advance(delta uint32) {
	c.drainInbox()

	if c.AdvanceHook != nil {
		c.AdvanceHook(delta)
	}

	c.mu.Lock()
	c.now += Tick(delta)
	now := c.now
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if len(c.heap) == 0 {
			c.mu.Unlock()
			break
		}
		top := c.heap[0]
		if Before(now, top.deadline) {
			c.mu.Unlock()
			break
		}
		heap.Pop(&c.heap)
		top.index = -1
		c.mu.Unlock()

		next, nextFn := top.fn(now)

		c.mu.Lock()
		if next == 0 {
			delete(c.byHandle, top.handle)
		} else if top.live {
			top.deadline = next
			if nextFn != nil {
				top.fn = nextFn
			}
			heap.Push(&c.heap, top)
		}
		c.mu.Unlock()

		c.drainInbox()
	}

	c.checkTooClose(now)
}

func (c *Clock) checkTooClose(now Tick) {
	if c.cfg.TooCloseTicks == 0 || c.cfg.TooClose == nil {
		return
	}
	c.mu.Lock()
	var behind uint32
	if len(c.heap) > 0 && Before(c.heap[0].deadline, now) {
		behind = uint32(now - c.heap[0].deadline)
	}
	c.mu.Unlock()

	if behind > c.cfg.TooCloseTicks {
		if !c.behindLive {
			c.behindLive = true
			c.behindSince = time.Now()
		}
		if time.Since(c.behindSince) > time.Second {
			c.cfg.TooClose(behind)
		}
	} else {
		c.behindLive = false
	}
}

// Run advances the clock at the configured process cadence until ctx is
// cancelled. It is the scheduler thread's main loop; callbacks it invokes
// must never block.
func (c *Clock) Run(ctx context.Context) error {
	if c.cfg.ProcessFreq == 0 {
		c.cfg.ProcessFreq = 100
	}
	period := time.Second / time.Duration(c.cfg.ProcessFreq)
	ticksPerPeriod := c.cfg.MCUFreq / c.cfg.ProcessFreq
	if ticksPerPeriod == 0 {
		ticksPerPeriod = 1
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.Advance(ticksPerPeriod)
		}
	}
}

// PendingCount returns the number of live timers, used by tests and the
// supervisor's status snapshot.
func (c *Clock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.heap)
}

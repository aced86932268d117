// Package supervisor wires together the tick scheduler, object registry,
// protocol session and command queue into the running emulator, owning
// their startup/shutdown order and the goroutines that drive them: the
// scheduler loop (tick.Clock.Run), the host-link read loop feeding
// protocol.Session.ProcessFrame, and the command-queue worker, per
// spec.md section 4.G.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vortexmcu/vortex/cmdqueue"
	"github.com/vortexmcu/vortex/hostlink"
	"github.com/vortexmcu/vortex/protocol"
	"github.com/vortexmcu/vortex/registry"
	"github.com/vortexmcu/vortex/tick"
	"github.com/vortexmcu/vortex/wire"
)

// Config describes how to start a Supervisor; either populated from flags
// in cmd/vortex-mcud or directly by a test.
type Config struct {
	MCUFreq        uint32 // simulated MCU clock, ticks/second
	ProcessFreq    uint32 // scheduler advance cadence, iterations/second
	StatsPeriod    uint32 // ticks between stats emissions
	MaxFrame       int    // wire.CheckPacket's MAX_FRAME; 0 selects wire.DefaultMax
	QueueCapacity  int    // cmdqueue.Queue capacity; 0 selects 64
	Debug          bool   // adds a startup warning that logging perturbs scheduler timing
	RaisePriority  bool   // best-effort: lower this process's nice value
}

// Worker drains cmdqueue commands dispatched through the direct front end
// or a future GCode translator. The supervisor only owns the goroutine
// that calls Take/Complete in a loop; command semantics are an external
// collaborator's concern (spec.md 4.F Non-goals).
type Worker func(cmd cmdqueue.Command) cmdqueue.Completion

// Supervisor owns one running emulator instance: registry, clock, session,
// command queue and the goroutines driving them.
type Supervisor struct {
	cfg Config

	Registry *registry.Registry
	Clock    *tick.Clock
	Session  *protocol.Session
	Queue    *cmdqueue.Queue

	link hostlink.Link

	worker Worker

	mu      sync.Mutex
	rxBuf   []byte
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a Supervisor's components in the startup order spec.md
// 4.G requires: registry, then scheduler, then session (which depends on
// both), then the command queue.
func New(cfg Config, link hostlink.Link, worker Worker) *Supervisor {
	if cfg.ProcessFreq == 0 {
		cfg.ProcessFreq = 100
	}
	if cfg.MaxFrame == 0 {
		cfg.MaxFrame = wire.DefaultMax
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 64
	}

	reg := registry.New()
	clk := tick.New(tick.Config{MCUFreq: cfg.MCUFreq, ProcessFreq: cfg.ProcessFreq})
	sess := protocol.New(reg, clk)
	q := cmdqueue.New(cfg.QueueCapacity)

	return &Supervisor{
		cfg:      cfg,
		Registry: reg,
		Clock:    clk,
		Session:  sess,
		Queue:    q,
		link:     link,
		worker:   worker,
	}
}

// Snapshot is a read-only view of supervisor state a future monitor could
// poll; nothing in this package consumes it beyond tests.
type Snapshot struct {
	Now          tick.Tick
	PendingTimers int
	QueueDepth   int
	ObjectCount  int
	ConfigState  protocol.ConfigSnapshot
}

// Snapshot returns the supervisor's current state.
func (s *Supervisor) Snapshot() Snapshot {
	return Snapshot{
		Now:           s.Clock.Now(),
		PendingTimers: s.Clock.PendingCount(),
		QueueDepth:    s.Queue.Len(),
		ObjectCount:   len(s.Registry.Objects()),
		ConfigState:   s.Session.GetConfig(),
	}
}

// Start brings up the scheduler, host-link reader and command-queue
// worker goroutines, logging a startup summary of the configured
// frequencies. Debug logging itself perturbs wall-clock timing of the
// scheduler loop, so -debug should stay off for anything timing-sensitive.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.Session.Send = func(frame []byte) {
		if _, err := s.link.Write(frame); err != nil {
			log.Printf("supervisor: write to host link: %v", err)
		}
	}
	s.Session.StartStats(s.cfg.StatsPeriod)

	log.Printf("supervisor: starting mcu_freq=%d process_freq=%d stats_period=%d max_frame=%d",
		s.cfg.MCUFreq, s.cfg.ProcessFreq, s.cfg.StatsPeriod, s.cfg.MaxFrame)
	if s.cfg.Debug {
		log.Printf("supervisor: debug logging enabled; scheduler timing will be perturbed by log I/O")
	}
	if s.cfg.RaisePriority {
		if err := raisePriority(); err != nil {
			log.Printf("supervisor: could not raise scheduling priority: %v", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Clock.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("supervisor: scheduler stopped: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.readLoop(ctx)

	if s.worker != nil {
		go s.workLoop(ctx)
	}
	return nil
}

// Stop cancels the goroutines' shared context, closes the host link, and
// waits for the scheduler and host-link reader to return. All goroutines
// are signalled at once, in no particular order; the command-queue worker
// is not waited for (see workLoop).
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.link != nil {
		s.link.Close()
	}
	s.wg.Wait()
	log.Printf("supervisor: stopped")
}

// raisePriority lowers this process's nice value, a best-effort
// approximation of a real-time priority: spec.md 4.G calls this optional,
// and Go has no per-goroutine scheduling priority to raise instead.
func raisePriority() error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, -10)
}

func (s *Supervisor) readLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := s.link.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("supervisor: host link read: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		s.mu.Lock()
		s.rxBuf = append(s.rxBuf, buf[:n]...)
		s.drainFrames()
		s.mu.Unlock()
	}
}

// drainFrames extracts and dispatches every complete frame currently
// buffered, honoring wire.CheckPacket's resync contract: a negative
// return discards the offending prefix and an ACK/NACK is always written
// back for a complete frame. Caller holds s.mu.
func (s *Supervisor) drainFrames() {
	for {
		n := wire.CheckPacket(s.rxBuf, s.cfg.MaxFrame)
		switch {
		case n == 0:
			return
		case n < 0:
			s.rxBuf = s.rxBuf[-n:]
		default:
			frame := s.rxBuf[:n]
			s.rxBuf = s.rxBuf[n:]
			ack := s.Session.ProcessFrame(frame)
			if _, err := s.link.Write(ack); err != nil {
				log.Printf("supervisor: write ack: %v", err)
			}
		}
	}
}

// workLoop blocks in Queue.Take between commands; it only notices Stop's
// cancellation on its next completed command, since cmdqueue has no
// cancelable wait. It is therefore left out of s.wg so Stop does not block
// on it; process exit bounds the leak in practice.
func (s *Supervisor) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cmd := s.Queue.Take()
		completion := s.worker(cmd)
		if err := s.Queue.Complete(cmd.ID, completion.Status, completion.Data); err != nil {
			log.Printf("supervisor: completing command %d: %v", cmd.ID, err)
		}
	}
}

// Package protocol implements the per-frame message session from spec.md
// section 4.E: frame parsing and sequence/ACK-NACK bookkeeping delegated
// to wire, command dispatch against a name-keyed handler table, the
// identity dictionary exchange, and shutdown/reset bookkeeping over the
// object registry.
package protocol

import (
	"fmt"
	"log"
	"sync"

	"github.com/vortexmcu/vortex/gpio"
	"github.com/vortexmcu/vortex/identity"
	"github.com/vortexmcu/vortex/registry"
	"github.com/vortexmcu/vortex/tick"
	"github.com/vortexmcu/vortex/wire"
)

// HandlerFlag marks special dispatch behavior for a registered command.
type HandlerFlag uint8

const (
	// FlagInShutdown marks a handler runnable even while the session is
	// shutdown (e.g. get_config, clear_shutdown, allocate_oids).
	FlagInShutdown HandlerFlag = 1 << iota
)

// HandlerFunc executes a decoded command against the session. Returning a
// non-nil error causes the session to shut down with "Command failure",
// per spec.md 4.E.
type HandlerFunc func(s *Session, args map[string]any) error

type msgDef struct {
	tag     uint16
	name    string
	schema  []wire.ParamSpec
	handler HandlerFunc
	flags   HandlerFlag
}

// OIDBinder is registered under an oid and torn down wholesale on reset.
type OIDBinder interface {
	registry.Object
}

// Shutdown reasons are identified on the wire by their index in this table
// (the static_string_id of shutdown and is_shutdown responses); a reason
// not in the table is reported as index 1.
var shutdownReasons = []string{
	"",
	"Command failure",
	"Missed scheduling of next digital out event",
	"Scheduled digital out event will exceed max duration",
	"Invalid count parameter",
	"ADC out of range",
	"Rescheduled timer in the past",
	"Timer too close",
}

// Session is the MCU-side protocol state machine: one per host connection.
type Session struct {
	reg   *registry.Registry
	clock *tick.Clock
	Send  func(frame []byte)

	mu            sync.Mutex
	commandsByTag map[uint16]*msgDef
	commandsByName map[string]*msgDef
	responsesByName map[string]*msgDef
	nextTag       uint16

	sequence byte

	oidMap      map[uint32]registry.Object
	oidCapacity int
	configCRC   uint32

	shutdown       bool
	shutdownReason string
	shutdownReasonID uint32

	clockHigh     uint32
	lastNow       tick.Tick
	statsSentTick tick.Tick
	statsHandle   tick.Handle
	statsRegistered bool
	statsSamples    []uint32

	identityJSON []byte

	pinsMu         sync.Mutex
	pins           map[string]*gpio.Level

	pendingButtons map[uint32][]string
}

// New returns a Session bound to reg and clock. Callers register commands
// with RegisterCommand/RegisterResponse before calling BuildIdentity.
func New(reg *registry.Registry, clock *tick.Clock) *Session {
	s := &Session{
		reg:             reg,
		clock:           clock,
		commandsByTag:   make(map[uint16]*msgDef),
		commandsByName:  make(map[string]*msgDef),
		responsesByName: make(map[string]*msgDef),
		oidMap:          make(map[uint32]registry.Object),
		nextTag:         2,
		pins:            make(map[string]*gpio.Level),
		pendingButtons:  make(map[uint32][]string),
	}
	s.registerCore()
	s.registerPeripherals()
	return s
}

// pin returns the shared simulated pin backing name, creating it on first
// reference. Every peripheral configured against the same pin index reuses
// the same gpio.Level, and registry.Registry's pin-ownership check (fed by
// each Chip's Pins()) prevents two peripherals from being configured on it
// at once.
func (s *Session) pin(name string) *gpio.Level {
	s.pinsMu.Lock()
	defer s.pinsMu.Unlock()
	p, ok := s.pins[name]
	if !ok {
		p = &gpio.Level{}
		s.pins[name] = p
	}
	return p
}

// pinName maps a wire-level numeric pin index to the string identity
// registry.Registry and the peripheral packages key pin ownership on.
func pinName(n uint32) string {
	return fmt.Sprintf("gpio%d", n)
}

// RegisterCommand registers a host-to-MCU command under name with the
// given Klipper-style format string. Command and response tags are
// allocated monotonically starting at 2; identify/identify_response
// reserve 0 and 1 (spec.md 4.E).
func (s *Session) RegisterCommand(name, format string, flags HandlerFlag, fn HandlerFunc) error {
	schema, err := wire.ParseFormat(format)
	if err != nil {
		return fmt.Errorf("protocol: registering %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := s.nextTag
	s.nextTag++
	def := &msgDef{tag: tag, name: name, schema: schema, handler: fn, flags: flags}
	s.commandsByTag[tag] = def
	s.commandsByName[name] = def
	return nil
}

// RegisterResponse registers a MCU-to-host response schema so Emit can
// encode it.
func (s *Session) RegisterResponse(name, format string) error {
	schema, err := wire.ParseFormat(format)
	if err != nil {
		return fmt.Errorf("protocol: registering response %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := s.nextTag
	s.nextTag++
	def := &msgDef{tag: tag, name: name, schema: schema}
	s.responsesByName[name] = def
	return nil
}

// BindOID installs obj under oid, registering it with the object registry
// and recording it for teardown on reset/allocate_oids.
func (s *Session) BindOID(oid uint32, obj registry.Object, exec registry.CommandFunc) error {
	if err := s.reg.Register(obj, exec); err != nil {
		return err
	}
	s.mu.Lock()
	s.oidMap[oid] = obj
	s.mu.Unlock()
	return nil
}

func (s *Session) registerCore() {
	// identify_response and identify are Klipper's hardcoded bootstrap
	// dictionary: tags 0 and 1, fixed before any other allocation so the
	// host can always decode the identify exchange itself.
	s.registerFixedTag(0, "identify_response", "offset=%u data=%*s", nil)
	s.registerFixedTag(1, "identify", "offset=%u count=%c", handleIdentify)

	s.mustRegister("get_uptime", "", FlagInShutdown, handleGetUptime)
	s.mustRegisterResponse("uptime", "high=%u clock=%u")

	s.mustRegister("get_clock", "", FlagInShutdown, handleGetClock)
	s.mustRegisterResponse("clock", "clock=%u")

	s.mustRegister("get_config", "", FlagInShutdown, handleGetConfig)
	s.mustRegisterResponse("config", "is_config=%c crc=%u is_shutdown=%c move_count=%hu")

	s.mustRegister("config_reset", "", FlagInShutdown, handleConfigReset)
	s.mustRegister("allocate_oids", "count=%c", FlagInShutdown, handleAllocateOids)
	s.mustRegister("finalize_config", "crc=%u", 0, handleFinalizeConfig)
	s.mustRegister("clear_shutdown", "", FlagInShutdown, handleClearShutdown)
	s.mustRegister("reset", "", FlagInShutdown, handleReset)
	s.mustRegister("emergency_stop", "", FlagInShutdown, handleEmergencyStop)

	s.mustRegisterResponse("shutdown", "clock=%u static_string_id=%hu")
	s.mustRegisterResponse("is_shutdown", "static_string_id=%hu")
	s.mustRegisterResponse("stats", "count=%u sum=%u sumsq=%u")
}

func (s *Session) registerFixedTag(tag uint16, name, format string, fn HandlerFunc) {
	schema, err := wire.ParseFormat(format)
	if err != nil {
		panic(err)
	}
	def := &msgDef{tag: tag, name: name, schema: schema, handler: fn, flags: FlagInShutdown}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.commandsByTag[tag] = def
		s.commandsByName[name] = def
	} else {
		s.responsesByName[name] = def
	}
}

func (s *Session) mustRegister(name, format string, flags HandlerFlag, fn HandlerFunc) {
	if err := s.RegisterCommand(name, format, flags, fn); err != nil {
		panic(err)
	}
}

func (s *Session) mustRegisterResponse(name, format string) {
	if err := s.RegisterResponse(name, format); err != nil {
		panic(err)
	}
}

// ProcessFrame decodes one already-length-checked frame (as returned by
// wire.CheckPacket), dispatching every message in its payload in order,
// per spec.md 4.E step 1. It returns the ack/nack bytes to write back.
func (s *Session) ProcessFrame(frame []byte) []byte {
	seq := wire.Sequence(frame)

	s.mu.Lock()
	expected := s.sequence
	s.mu.Unlock()

	if seq&wire.SeqMask != expected&wire.SeqMask {
		return wire.EncodeAck(expected)
	}

	payload := wire.Payload(frame)
	s.dispatchPayload(payload)

	s.mu.Lock()
	s.sequence = (s.sequence + 1) & wire.SeqMask
	ackSeq := s.sequence
	s.mu.Unlock()
	return wire.EncodeAck(ackSeq)
}

func (s *Session) dispatchPayload(payload []byte) {
	for len(payload) > 0 {
		tagV, err := wire.DecodeVLQUint(&payload)
		if err != nil {
			log.Printf("protocol: malformed message tag: %v", err)
			return
		}
		tag := uint16(tagV)

		s.mu.Lock()
		def, ok := s.commandsByTag[tag]
		shutdown := s.shutdown
		s.mu.Unlock()
		if !ok {
			log.Printf("protocol: unknown command tag %d", tag)
			return
		}

		args, err := wire.DecodeParams(&payload, def.schema)
		if err != nil {
			log.Printf("protocol: decoding %q: %v", def.name, err)
			return
		}

		if shutdown && def.flags&FlagInShutdown == 0 {
			s.emitIsShutdown()
			return
		}
		if def.handler == nil {
			continue
		}
		if err := def.handler(s, args); err != nil {
			s.Shutdown("Command failure")
			return
		}
	}
}

// Emit encodes and sends a registered response message.
func (s *Session) Emit(name string, values map[string]any) {
	s.mu.Lock()
	def, ok := s.responsesByName[name]
	s.mu.Unlock()
	if !ok {
		log.Printf("protocol: emit of unregistered response %q", name)
		return
	}
	buf := wire.EncodeVLQUint(nil, uint32(def.tag))
	buf, err := wire.EncodeParams(buf, def.schema, values)
	if err != nil {
		log.Printf("protocol: encoding response %q: %v", name, err)
		return
	}
	if s.Send != nil {
		s.Send(wire.EncodeFrame(wire.DestMarker, buf))
	}
}

func (s *Session) emitIsShutdown() {
	s.mu.Lock()
	id := s.shutdownReasonID
	s.mu.Unlock()
	s.Emit("is_shutdown", map[string]any{"static_string_id": id})
}

// Shutdown records reason, emits a shutdown response, and gates subsequent
// commands per spec.md 4.E. It does not reset OID wrappers: the oid map,
// their registry entries and their timers stay as they are until Reset.
func (s *Session) Shutdown(reason string) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.shutdownReason = reason
	s.shutdownReasonID = reasonID(reason)
	now := s.clock.Now()
	id := s.shutdownReasonID
	s.mu.Unlock()

	log.Printf("protocol: shutdown: %s", reason)
	s.Emit("shutdown", map[string]any{"clock": uint32(now), "static_string_id": id})
}

func reasonID(reason string) uint32 {
	for i, r := range shutdownReasons {
		if r == reason {
			return uint32(i)
		}
	}
	return 1
}

// Reset clears oid_map, oid_count and config_crc; every OID-owned object
// is unregistered, per spec.md 4.E.
func (s *Session) Reset() {
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.oidMap))
	for oid := range s.oidMap {
		ids = append(ids, oid)
	}
	s.mu.Unlock()

	for _, oid := range ids {
		s.mu.Lock()
		obj := s.oidMap[oid]
		delete(s.oidMap, oid)
		s.mu.Unlock()
		if obj != nil {
			s.reg.Unregister(obj.ID())
		}
	}

	s.mu.Lock()
	s.oidCapacity = 0
	s.configCRC = 0
	s.shutdown = false
	s.shutdownReason = ""
	s.mu.Unlock()
}

// AllocateOIDs clears prior OIDs and sets capacity, per spec.md 4.E and
// scenario S6.
func (s *Session) AllocateOIDs(count int) {
	s.Reset()
	s.mu.Lock()
	s.oidCapacity = count
	s.mu.Unlock()
}

// FinalizeConfig sets config_crc without requiring allocate_oids to have
// run first (scenario S6: get_config after a bare finalize_config reports
// is_config=0 since oid_capacity is still zero).
func (s *Session) FinalizeConfig(crc uint32) {
	s.mu.Lock()
	s.configCRC = crc
	s.mu.Unlock()
}

// ConfigSnapshot is the decoded form of a "config" response, used by tests
// and the direct front-end.
type ConfigSnapshot struct {
	IsConfig   bool
	CRC        uint32
	IsShutdown bool
	MoveCount  uint16
}

// GetConfig returns the current config state, per spec.md 4.E and S6:
// is_config is true only once allocate_oids has set a non-zero capacity.
func (s *Session) GetConfig() ConfigSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConfigSnapshot{
		IsConfig:   s.oidCapacity > 0,
		CRC:        s.configCRC,
		IsShutdown: s.shutdown,
		MoveCount:  uint16(s.oidCapacity),
	}
}

// StartStats arms the periodic stats task from spec.md 4.E: every
// statsPeriodTicks it emits a stats summary and detects a 32-bit clock
// wrap, incrementing clock_high for subsequent uptime responses.
func (s *Session) StartStats(statsPeriodTicks uint32) {
	s.mu.Lock()
	if s.statsRegistered {
		s.clock.Unregister(s.statsHandle)
	}
	s.lastNow = s.clock.Now()
	s.mu.Unlock()

	s.clock.AdvanceHook = s.noteCycle

	s.statsHandle = s.clock.Register(func(now tick.Tick) (tick.Tick, tick.HandlerFunc) {
		s.statsHandler(now, statsPeriodTicks)
		return now + tick.Tick(statsPeriodTicks), nil
	}, s.clock.Now()+tick.Tick(statsPeriodTicks))
	s.mu.Lock()
	s.statsRegistered = true
	s.mu.Unlock()
}

// noteCycle records the tick delta of one scheduler advance, folded into
// the next stats emission's sum/sumsq.
func (s *Session) noteCycle(delta uint32) {
	s.mu.Lock()
	s.statsSamples = append(s.statsSamples, delta)
	s.mu.Unlock()
}

func (s *Session) statsHandler(now tick.Tick, period uint32) {
	s.mu.Lock()
	// A raw comparison on purpose: the 32-bit clock has wrapped exactly
	// when the new reading is numerically smaller than the last one.
	if uint32(now) < uint32(s.lastNow) {
		s.clockHigh++
	}
	s.lastNow = now
	s.statsSentTick = now
	samples := s.statsSamples
	s.statsSamples = nil
	s.mu.Unlock()

	var sum, sumsq uint32
	for _, d := range samples {
		sum += d
		sumsq += d * d
	}
	s.Emit("stats", map[string]any{
		"count": uint32(len(samples)),
		"sum":   sum,
		"sumsq": sumsq,
	})
}

// Uptime returns the 64-bit tick count (clock_high<<32 | current clock),
// per spec.md 4.E's wrap-detection contract and scenario S1.
func (s *Session) Uptime() (high uint32, clock uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clockHigh, uint32(s.clock.Now())
}

// Identity returns the zlib-compressed JSON identity dictionary built by
// BuildIdentity.
func (s *Session) Identity() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityJSON
}

// BuildIdentity serializes the command/response tag dictionary via the
// identity package and caches the result for the identify handler.
func (s *Session) BuildIdentity(config map[string]any) error {
	s.mu.Lock()
	commands := make(map[string]uint16, len(s.commandsByName))
	responses := make(map[string]uint16, len(s.responsesByName))
	for name, def := range s.commandsByName {
		commands[name] = def.tag
	}
	for name, def := range s.responsesByName {
		responses[name] = def.tag
	}
	s.mu.Unlock()

	blob, err := identity.Build(commands, responses, config)
	if err != nil {
		return fmt.Errorf("protocol: %w", err)
	}

	s.mu.Lock()
	s.identityJSON = blob
	s.mu.Unlock()
	return nil
}

func handleIdentify(s *Session, args map[string]any) error {
	offset, _ := args["offset"].(uint32)
	count, _ := args["count"].(uint32)

	chunk := identity.Chunk(s.Identity(), offset, count)
	s.Emit("identify_response", map[string]any{"offset": offset, "data": chunk})
	return nil
}

func handleGetUptime(s *Session, args map[string]any) error {
	high, clock := s.Uptime()
	s.Emit("uptime", map[string]any{"high": high, "clock": clock})
	return nil
}

func handleGetClock(s *Session, args map[string]any) error {
	s.Emit("clock", map[string]any{"clock": uint32(s.clock.Now())})
	return nil
}

func handleGetConfig(s *Session, args map[string]any) error {
	cfg := s.GetConfig()
	s.Emit("config", map[string]any{
		"is_config":   cfg.IsConfig,
		"crc":         cfg.CRC,
		"is_shutdown": cfg.IsShutdown,
		"move_count":  cfg.MoveCount,
	})
	return nil
}

func handleConfigReset(s *Session, args map[string]any) error {
	s.mu.Lock()
	s.configCRC = 0
	s.mu.Unlock()
	return nil
}

func handleFinalizeConfig(s *Session, args map[string]any) error {
	crc, _ := args["crc"].(uint32)
	s.FinalizeConfig(crc)
	return nil
}

func handleAllocateOids(s *Session, args map[string]any) error {
	count, _ := args["count"].(uint32)
	s.AllocateOIDs(int(count))
	return nil
}

func handleClearShutdown(s *Session, args map[string]any) error {
	s.mu.Lock()
	if !s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("protocol: clear_shutdown: session is not shut down")
	}
	s.shutdown = false
	s.shutdownReason = ""
	s.mu.Unlock()
	return nil
}

func handleReset(s *Session, args map[string]any) error {
	s.Reset()
	return nil
}

func handleEmergencyStop(s *Session, args map[string]any) error {
	s.Shutdown("Command failure")
	return nil
}

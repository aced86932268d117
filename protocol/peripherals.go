package protocol

import (
	"fmt"

	"github.com/vortexmcu/vortex/gpio"
	"github.com/vortexmcu/vortex/peripherals/analogin"
	"github.com/vortexmcu/vortex/peripherals/buttons"
	"github.com/vortexmcu/vortex/peripherals/digitalout"
	"github.com/vortexmcu/vortex/peripherals/endstop"
	"github.com/vortexmcu/vortex/peripherals/neopixel"
	"github.com/vortexmcu/vortex/peripherals/pwm"
	"github.com/vortexmcu/vortex/peripherals/spi"
	"github.com/vortexmcu/vortex/peripherals/stepper"
	"github.com/vortexmcu/vortex/peripherals/trsync"
	"github.com/vortexmcu/vortex/registry"
	"github.com/vortexmcu/vortex/tick"
)

// registerPeripherals wires the baseline-mandatory per-peripheral
// config_*/queue_*/update_* command families (spec.md section 6) onto the
// session: one handler per class constructs and BindOIDs the wrapper at
// config time, and every subsequent op is dispatched by oid through
// registry.Registry.Exec against the wrapper's Exec method. Without this,
// oid_map stays empty and no peripheral is reachable over the wire.
func (s *Session) registerPeripherals() {
	s.mustRegister("config_stepper", "oid=%c step_pin=%u dir_pin=%u invert_step=%c step_pulse_ticks=%u", 0, handleConfigStepper)
	s.mustRegister("queue_step", "oid=%c interval=%u count=%hu add=%i", 0, handleQueueStep)
	s.mustRegister("set_next_step_dir", "oid=%c dir=%c", 0, handleSetNextStepDir)
	s.mustRegister("reset_step_clock", "oid=%c clock=%u", 0, handleResetStepClock)
	s.mustRegister("stepper_get_position", "oid=%c", 0, handleStepperGetPosition)
	s.mustRegister("stop_on_trigger", "oid=%c trsync_oid=%c", 0, handleStopOnTrigger)
	s.mustRegisterResponse("stepper_position", "oid=%c pos=%i")

	s.mustRegister("config_digital_out", "oid=%c pin=%u value=%c default_value=%c max_duration=%u", 0, handleConfigDigitalOut)
	s.mustRegister("set_digital_out_cycle_ticks", "oid=%c ticks=%u", 0, handleSetDigitalOutCycleTicks)
	s.mustRegister("queue_digital_out", "oid=%c clock=%u on_ticks=%u", 0, handleQueueDigitalOut)
	s.mustRegister("update_digital_out", "oid=%c value=%c", 0, handleUpdateDigitalOut)

	s.mustRegister("config_analog_in", "oid=%c pin=%u", 0, handleConfigAnalogIn)
	s.mustRegister("query_analog_in", "oid=%c clock=%u query_sleep_time=%u sample_count=%c rest_ticks=%u min_value=%u max_value=%u range_check_count=%c", 0, handleQueryAnalogIn)
	s.mustRegisterResponse("analog_in_state", "oid=%c next_clock=%u value=%u")

	s.mustRegister("config_endstop", "oid=%c pin=%u pull_up=%c", 0, handleConfigEndstop)
	s.mustRegister("endstop_home", "oid=%c clock=%u sample_ticks=%u sample_count=%c rest_ticks=%u pin_value=%c trsync_oid=%c trigger_reason=%c", 0, handleEndstopHome)
	s.mustRegister("endstop_query_state", "oid=%c", 0, handleEndstopQueryState)
	s.mustRegisterResponse("endstop_state", "oid=%c homing=%c next_clock=%u pin_value=%c")

	s.mustRegister("config_trsync", "oid=%c", 0, handleConfigTrsync)
	s.mustRegister("trsync_start", "oid=%c report_clock=%u report_ticks=%u expire_reason=%c", 0, handleTrsyncStart)
	s.mustRegister("trsync_set_timeout", "oid=%c clock=%u", 0, handleTrsyncSetTimeout)
	s.mustRegister("trsync_trigger", "oid=%c reason=%c", 0, handleTrsyncTrigger)
	s.mustRegisterResponse("trsync_state", "oid=%c can_trigger=%c trigger_reason=%s clock=%u")

	s.mustRegister("config_pwm_out", "oid=%c pin=%u cycle_ticks=%u value=%c default_value=%c", 0, handleConfigPWMOut)
	s.mustRegister("queue_pwm_out", "oid=%c clock=%u value=%c", 0, handleQueuePWMOut)

	s.mustRegister("config_neopixel", "oid=%c pin=%u", 0, handleConfigNeopixel)
	s.mustRegister("neopixel_update", "oid=%c pos=%hu data=%*s", 0, handleNeopixelUpdate)
	s.mustRegister("neopixel_send", "oid=%c", 0, handleNeopixelSend)

	s.mustRegister("config_spi", "oid=%c pin=%u", 0, handleConfigSPI)
	s.mustRegister("spi_transfer", "oid=%c data=%*s", 0, handleSPITransfer)
	s.mustRegisterResponse("spi_transfer_response", "oid=%c response=%*s")

	s.mustRegister("config_buttons", "oid=%c button_count=%c", 0, handleConfigButtons)
	s.mustRegister("buttons_add", "oid=%c pin=%u pull_up=%c last=%c", 0, handleButtonsAdd)
	s.mustRegister("buttons_query", "oid=%c", 0, handleButtonsQuery)
	s.mustRegisterResponse("buttons_state", "oid=%c index=%c state=%c")
}

func handleConfigStepper(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	stepPinN, _ := args["step_pin"].(uint32)
	dirPinN, _ := args["dir_pin"].(uint32)
	invertStep, _ := args["invert_step"].(uint32)
	stepPulseTicks, _ := args["step_pulse_ticks"].(uint32)

	chip := stepper.Init(stepper.Def{
		Clock:          s.clock,
		StepPulseTicks: stepPulseTicks,
		StepPin:        pinName(stepPinN),
		DirPin:         pinName(dirPinN),
		Shutdown:       s.Shutdown,
	})
	chip.Bind(registry.ID(oid), fmt.Sprintf("stepper%d", oid))
	chip.Configure(invertStep != 0, stepPulseTicks)
	return s.BindOID(oid, chip, chip.Exec)
}

func handleQueueStep(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	interval, _ := args["interval"].(uint32)
	count, _ := args["count"].(uint32)
	add, _ := args["add"].(int32)
	_, err := s.reg.Exec(registry.ID(oid), "queue_step", map[string]any{
		"interval": interval, "count": count, "add": add,
	})
	return err
}

func handleSetNextStepDir(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	dir, _ := args["dir"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "set_next_step_dir", map[string]any{"dir": dir != 0})
	return err
}

func handleResetStepClock(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	clock, _ := args["clock"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "reset_step_clock", map[string]any{"clock": clock})
	return err
}

func handleStepperGetPosition(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	res, err := s.reg.Exec(registry.ID(oid), "get_position", nil)
	if err != nil {
		return err
	}
	pos, _ := res.(int64)
	s.Emit("stepper_position", map[string]any{"oid": oid, "pos": int32(pos)})
	return nil
}

func handleStopOnTrigger(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	trsyncOID, _ := args["trsync_oid"].(uint32)
	s.mu.Lock()
	trsyncObj := s.oidMap[trsyncOID]
	s.mu.Unlock()
	_, err := s.reg.Exec(registry.ID(oid), "stop_on_trigger", map[string]any{"trsync": trsyncObj})
	return err
}

func handleConfigDigitalOut(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	pinN, _ := args["pin"].(uint32)
	value, _ := args["value"].(uint32)
	defaultValue, _ := args["default_value"].(uint32)
	maxDuration, _ := args["max_duration"].(uint32)

	pn := pinName(pinN)
	chip := digitalout.Init(digitalout.Def{
		Clock:    s.clock,
		Pin:      s.pin(pn),
		PinName:  pn,
		Shutdown: s.Shutdown,
	})
	chip.Bind(registry.ID(oid), fmt.Sprintf("digital_out%d", oid))
	chip.Configure(value != 0, defaultValue != 0, maxDuration)
	return s.BindOID(oid, chip, chip.Exec)
}

func handleSetDigitalOutCycleTicks(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	ticks, _ := args["ticks"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "set_cycle_ticks", map[string]any{"ticks": ticks})
	return err
}

func handleQueueDigitalOut(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	clock, _ := args["clock"].(uint32)
	onTicks, _ := args["on_ticks"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "schedule_cycle", map[string]any{"start_tick": clock, "on_ticks": onTicks})
	return err
}

func handleUpdateDigitalOut(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	value, _ := args["value"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "update", map[string]any{"value": value != 0})
	return err
}

func handleConfigAnalogIn(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	pinN, _ := args["pin"].(uint32)

	chip := analogin.Init(analogin.Def{
		Clock:   s.clock,
		PinName: pinName(pinN),
		Emit: func(nextClock tick.Tick, value uint32) {
			s.Emit("analog_in_state", map[string]any{"oid": oid, "next_clock": uint32(nextClock), "value": value})
		},
		Shutdown: s.Shutdown,
	})
	chip.Bind(registry.ID(oid), fmt.Sprintf("analog_in%d", oid))
	return s.BindOID(oid, chip, chip.Exec)
}

func handleQueryAnalogIn(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	queryTime, _ := args["clock"].(uint32)
	querySleepTime, _ := args["query_sleep_time"].(uint32)
	sampleCount, _ := args["sample_count"].(uint32)
	restTicks, _ := args["rest_ticks"].(uint32)
	minValue, _ := args["min_value"].(uint32)
	maxValue, _ := args["max_value"].(uint32)
	rangeCheckCount, _ := args["range_check_count"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "query", map[string]any{
		"query_time": queryTime, "query_sleep_time": querySleepTime, "sample_count": sampleCount,
		"rest_ticks": restTicks, "min_value": minValue, "max_value": maxValue, "range_check_count": rangeCheckCount,
	})
	return err
}

func handleConfigEndstop(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	pinN, _ := args["pin"].(uint32)
	pn := pinName(pinN)

	chip := endstop.Init(s.clock, s.pin(pn), pn)
	chip.Bind(registry.ID(oid), fmt.Sprintf("endstop%d", oid))
	return s.BindOID(oid, chip, chip.Exec)
}

func handleEndstopHome(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	clock, _ := args["clock"].(uint32)
	sampleTicks, _ := args["sample_ticks"].(uint32)
	sampleCount, _ := args["sample_count"].(uint32)
	restTicks, _ := args["rest_ticks"].(uint32)
	pinValue, _ := args["pin_value"].(uint32)
	trsyncOID, _ := args["trsync_oid"].(uint32)
	triggerReason, _ := args["trigger_reason"].(uint32)

	s.mu.Lock()
	trsyncObj := s.oidMap[trsyncOID]
	s.mu.Unlock()

	_, err := s.reg.Exec(registry.ID(oid), "home", map[string]any{
		"clock": clock, "sample_ticks": sampleTicks, "sample_count": sampleCount,
		"rest_ticks": restTicks, "pin_value": pinValue != 0,
		"trigger_reason": fmt.Sprintf("%d", triggerReason),
		"trsync":         trsyncObj,
	})
	return err
}

func handleEndstopQueryState(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	res, err := s.reg.Exec(registry.ID(oid), "query_state", nil)
	if err != nil {
		return err
	}
	m, _ := res.(map[string]any)
	s.Emit("endstop_state", map[string]any{
		"oid":        oid,
		"homing":     m["homing"],
		"next_clock": m["next_clock"],
		"pin_value":  m["pin_value"],
	})
	return nil
}

func handleConfigTrsync(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	chip := trsync.Init(trsync.Def{
		Clock: s.clock,
		Emit: func(canTrigger bool, reason string, clock tick.Tick) {
			s.Emit("trsync_state", map[string]any{
				"oid": oid, "can_trigger": canTrigger, "trigger_reason": reason, "clock": uint32(clock),
			})
		},
	})
	chip.Bind(registry.ID(oid), fmt.Sprintf("trsync%d", oid))
	return s.BindOID(oid, chip, chip.Exec)
}

func handleTrsyncStart(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	reportClock, _ := args["report_clock"].(uint32)
	reportTicks, _ := args["report_ticks"].(uint32)
	expireReason, _ := args["expire_reason"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "start", map[string]any{
		"report_clock": reportClock, "report_ticks": reportTicks,
		"expire_reason": fmt.Sprintf("%d", expireReason),
	})
	return err
}

// handleTrsyncSetTimeout arms the auto-trigger trsync.Chip.SetTimeout
// ticks-from-now on; the wire field is named clock to mirror
// trsync_set_timeout's Klipper-style signature, but it is consumed as a
// relative tick count, matching the Chip's own SetTimeout contract.
func handleTrsyncSetTimeout(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	ticks, _ := args["clock"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "set_timeout", map[string]any{"clock": ticks})
	return err
}

func handleTrsyncTrigger(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	reason, _ := args["reason"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "trigger", map[string]any{"reason": fmt.Sprintf("%d", reason)})
	return err
}

func handleConfigPWMOut(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	pinN, _ := args["pin"].(uint32)
	cycleTicks, _ := args["cycle_ticks"].(uint32)
	value, _ := args["value"].(uint32)
	defaultValue, _ := args["default_value"].(uint32)

	chip := pwm.Init(pwm.Def{Clock: s.clock, PinName: pinName(pinN)})
	chip.Bind(registry.ID(oid), fmt.Sprintf("pwm%d", oid))
	if err := chip.SetParams(uint8(value), uint8(defaultValue), cycleTicks); err != nil {
		return err
	}
	return s.BindOID(oid, chip, chip.Exec)
}

func handleQueuePWMOut(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	clock, _ := args["clock"].(uint32)
	value, _ := args["value"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "queue_duty", map[string]any{"clock": clock, "value": value})
	return err
}

func handleConfigNeopixel(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	pinN, _ := args["pin"].(uint32)
	chip := neopixel.Init(pinName(pinN))
	chip.Bind(registry.ID(oid), fmt.Sprintf("neopixel%d", oid))
	return s.BindOID(oid, chip, chip.Exec)
}

func handleNeopixelUpdate(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	pos, _ := args["pos"].(uint32)
	data, _ := args["data"].([]byte)
	_, err := s.reg.Exec(registry.ID(oid), "update", map[string]any{"pos": int(pos), "data": data})
	return err
}

func handleNeopixelSend(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	_, err := s.reg.Exec(registry.ID(oid), "send", nil)
	return err
}

func handleConfigSPI(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	pinN, _ := args["pin"].(uint32)
	chip := spi.Init(nil, pinName(pinN))
	chip.Bind(registry.ID(oid), fmt.Sprintf("spi%d", oid))
	return s.BindOID(oid, chip, chip.Exec)
}

func handleSPITransfer(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	data, _ := args["data"].([]byte)
	res, err := s.reg.Exec(registry.ID(oid), "transfer", map[string]any{"data": data})
	if err != nil {
		return err
	}
	resp, _ := res.([]byte)
	s.Emit("spi_transfer_response", map[string]any{"oid": oid, "response": resp})
	return nil
}

func handleConfigButtons(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	s.mu.Lock()
	s.pendingButtons[oid] = nil
	s.mu.Unlock()
	return nil
}

func handleButtonsAdd(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	pinN, _ := args["pin"].(uint32)
	last, _ := args["last"].(uint32)

	pn := pinName(pinN)
	s.mu.Lock()
	s.pendingButtons[oid] = append(s.pendingButtons[oid], pn)
	pins := s.pendingButtons[oid]
	done := last != 0
	if done {
		delete(s.pendingButtons, oid)
	}
	s.mu.Unlock()

	if !done {
		return nil
	}

	readers := make([]gpio.Reader, len(pins))
	names := make([]string, len(pins))
	for i, name := range pins {
		readers[i] = s.pin(name)
		names[i] = name
	}
	chip := buttons.Init(names, readers)
	chip.Bind(registry.ID(oid), fmt.Sprintf("buttons%d", oid))
	return s.BindOID(oid, chip, chip.Exec)
}

func handleButtonsQuery(s *Session, args map[string]any) error {
	oid, _ := args["oid"].(uint32)
	res, err := s.reg.Exec(registry.ID(oid), "query", nil)
	if err != nil {
		return err
	}
	changes, _ := res.([]map[string]any)
	for _, ch := range changes {
		s.Emit("buttons_state", map[string]any{"oid": oid, "index": ch["index"], "state": ch["state"]})
	}
	return nil
}

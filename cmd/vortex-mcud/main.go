// Command vortex-mcud runs the MCU emulator: it opens a host link (a real
// serial port or a development PTY pair), assembles a supervisor.Supervisor
// around it, and serves the Klipper wire protocol until interrupted.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vortexmcu/vortex/cmdqueue"
	"github.com/vortexmcu/vortex/hostlink"
	"github.com/vortexmcu/vortex/registry"
	"github.com/vortexmcu/vortex/supervisor"
)

var (
	port        = flag.String("port", "", "Serial device to open (e.g. /dev/ttyUSB0); empty allocates a PTY pair")
	baud        = flag.Int("baud", 115200, "Baud rate for -port")
	mcuFreq     = flag.Uint("mcu_freq", 16000000, "Simulated MCU clock frequency in ticks/second")
	processFreq = flag.Uint("process_freq", 100, "Scheduler advance cadence in iterations/second")
	statsPeriod = flag.Uint("stats_period", 2500000, "Ticks between stats emissions")
	maxFrame    = flag.Int("max_frame", 64, "Maximum accepted wire frame length")
	debug       = flag.Bool("debug", false, "If true, log a startup warning that debug logging perturbs scheduler timing")
	raisePrio   = flag.Bool("raise_priority", false, "If true, attempt to raise the process's scheduling priority")
)

func main() {
	flag.Parse()

	link, slavePath, err := openLink()
	if err != nil {
		log.Fatalf("vortex-mcud: opening host link: %v", err)
	}
	if slavePath != "" {
		log.Printf("vortex-mcud: host controller should connect to %s", slavePath)
	}

	var sup *supervisor.Supervisor
	sup = supervisor.New(supervisor.Config{
		MCUFreq:       uint32(*mcuFreq),
		ProcessFreq:   uint32(*processFreq),
		StatsPeriod:   uint32(*statsPeriod),
		MaxFrame:      *maxFrame,
		QueueCapacity: 64,
		Debug:         *debug,
		RaisePriority: *raisePrio,
	}, link, func(cmd cmdqueue.Command) cmdqueue.Completion {
		return dispatchDirectCommand(sup, cmd)
	})

	if err := sup.Start(); err != nil {
		log.Fatalf("vortex-mcud: starting supervisor: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("vortex-mcud: received %s, shutting down", sig)
	sup.Stop()
}

func openLink() (hostlink.Link, string, error) {
	if *port == "" {
		pty, err := hostlink.OpenPTY()
		if err != nil {
			return nil, "", fmt.Errorf("opening pty: %w", err)
		}
		return pty, pty.SlavePath(), nil
	}
	link, err := hostlink.OpenSerial(*port, hostlink.SerialOptions{Baud: *baud})
	if err != nil {
		return nil, "", fmt.Errorf("opening serial %s: %w", *port, err)
	}
	return link, "", nil
}

// dispatchDirectCommand drains one frontends/direct-queued command: the
// channel stamps "oid" onto the payload before queuing, so the subcommand
// (cmd.Name) can be routed straight through the registry's Exec bus without
// re-parsing class:object addressing here.
func dispatchDirectCommand(sup *supervisor.Supervisor, cmd cmdqueue.Command) cmdqueue.Completion {
	oid, _ := cmd.Payload["oid"].(uint32)
	result, err := sup.Registry.Exec(registry.ID(oid), cmd.Name, cmd.Payload)
	if err != nil {
		return cmdqueue.Completion{Status: "error", Data: map[string]any{"error": err.Error()}}
	}
	data := map[string]any{}
	if m, ok := result.(map[string]any); ok {
		data = m
	} else if result != nil {
		data["result"] = result
	}
	return cmdqueue.Completion{Status: "ok", Data: data}
}

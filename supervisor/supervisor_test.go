package supervisor

import (
	"io"
	"testing"
	"time"

	"github.com/vortexmcu/vortex/cmdqueue"
	"github.com/vortexmcu/vortex/wire"
)

// pipeLink is an in-memory Link backed by a pair of io.Pipes, standing in
// for a real hostlink.Link in tests.
type pipeLink struct {
	r *io.PipeReader
	w *io.PipeWriter

	outR *io.PipeReader
	outW *io.PipeWriter
}

func newPipeLink() *pipeLink {
	r, w := io.Pipe()
	outR, outW := io.Pipe()
	return &pipeLink{r: r, w: w, outR: outR, outW: outW}
}

func (p *pipeLink) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeLink) Write(b []byte) (int, error) { return p.outW.Write(b) }
func (p *pipeLink) Close() error {
	p.r.Close()
	p.outW.Close()
	return nil
}

func TestSupervisorDispatchesFrameAndAcks(t *testing.T) {
	link := newPipeLink()
	sup := New(Config{MCUFreq: 16000000, ProcessFreq: 100}, link, nil)
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	frame := wire.EncodeFrame(wire.DestMarker, wire.EncodeVLQUint(nil, 1)) // identify, no args
	go func() {
		link.w.Write(frame)
	}()

	result := make(chan int, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := link.outR.Read(buf)
		result <- n
	}()

	select {
	case n := <-result:
		if n == 0 {
			t.Fatal("expected non-empty frame back")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack/response frame")
	}
}

func TestSupervisorWorkerDrainsQueue(t *testing.T) {
	link := newPipeLink()
	done := make(chan cmdqueue.Command, 1)
	worker := func(cmd cmdqueue.Command) cmdqueue.Completion {
		done <- cmd
		return cmdqueue.Completion{Status: "ok"}
	}
	sup := New(Config{MCUFreq: 16000000, ProcessFreq: 100}, link, worker)
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	if err := sup.Queue.Put(cmdqueue.Command{ID: 1, Name: "move"}, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case cmd := <-done:
		if cmd.ID != 1 {
			t.Errorf("worker saw id %d, want 1", cmd.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never drained queued command")
	}
}

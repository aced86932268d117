package cmdqueue

import (
	"testing"
	"time"
)

func TestPutTakeComplete(t *testing.T) {
	q := New(4)
	if err := q.Put(Command{ID: 1, Name: "move"}, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cmd := q.Take()
	if cmd.ID != 1 {
		t.Fatalf("Take() id = %d, want 1", cmd.ID)
	}
	if err := q.Complete(1, "ok", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Complete(1, "ok", nil); err == nil {
		t.Fatal("expected error completing an already-completed id")
	}
}

func TestPutOverCapacity(t *testing.T) {
	q := New(1)
	if err := q.Put(Command{ID: 1}, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := q.Put(Command{ID: 2}, nil); err == nil {
		t.Fatal("expected ErrFull")
	}
}

func TestCallbackInvokedOnComplete(t *testing.T) {
	q := New(4)
	done := make(chan Completion, 1)
	if err := q.Put(Command{ID: 5}, func(c Completion) { done <- c }); err != nil {
		t.Fatalf("Put: %v", err)
	}
	q.Take()
	if err := q.Complete(5, "ok", map[string]any{"x": 1}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	select {
	case c := <-done:
		if c.Status != "ok" {
			t.Errorf("status = %q, want ok", c.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestWaitForBlocksUntilComplete(t *testing.T) {
	q := New(4)
	if err := q.Put(Command{ID: 9}, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	q.Take()

	resultCh := make(chan uint64, 1)
	go func() {
		id, _ := q.WaitFor([]uint64{9})
		resultCh <- id
	}()

	time.Sleep(10 * time.Millisecond)
	if err := q.Complete(9, "ok", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	select {
	case id := <-resultCh:
		if id != 9 {
			t.Errorf("WaitFor returned id %d, want 9", id)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitFor never returned")
	}
}

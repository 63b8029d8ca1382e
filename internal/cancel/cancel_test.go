package cancel_test

import (
	"testing"
	"time"

	"github.com/trailofbits/crs-core/internal/cancel"
)

func TestCancelTaskClosesChannelAndFiresCallback(t *testing.T) {
	b := cancel.New()
	fired := make(chan struct{})
	b.OnCancel("t1", func() { close(fired) })

	go b.CancelTask("t1")

	select {
	case <-b.TaskChannel("t1"):
	case <-time.After(time.Second):
		t.Fatal("task channel was not closed")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire")
	}
	if !b.IsTaskCancelled("t1") {
		t.Fatal("IsTaskCancelled should be true")
	}
	if b.IsTaskCancelled("t2") {
		t.Fatal("unrelated task should not be cancelled")
	}
}

func TestCancelTaskIdempotent(t *testing.T) {
	b := cancel.New()
	calls := 0
	b.OnCancel("t1", func() { calls++ })
	b.CancelTask("t1")
	b.CancelTask("t1")
	if calls != 1 {
		t.Fatalf("callback fired %d times, want 1", calls)
	}
}

func TestOnCancelAfterCancelFiresImmediately(t *testing.T) {
	b := cancel.New()
	b.CancelTask("t1")
	fired := false
	b.OnCancel("t1", func() { fired = true })
	if !fired {
		t.Fatal("late registration on an already-cancelled task should fire immediately")
	}
}

func TestShutdownClosesGlobalChannel(t *testing.T) {
	b := cancel.New()
	b.Shutdown()
	select {
	case <-b.GlobalChannel():
	default:
		t.Fatal("global channel should be closed")
	}
	if !b.IsShutdown() {
		t.Fatal("IsShutdown should be true")
	}
}

package safego

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGo_RunsFn(t *testing.T) {
	done := make(chan struct{})
	Go(zap.NewNop(), "noop", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fn never ran")
	}
}

func TestGo_RecoversAndLogsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	log := zap.New(core)

	Go(log, "exploding", func() { panic("boom") })

	deadline := time.After(time.Second)
	for logs.FilterMessage("Background task panicked").Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("panic was not logged")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	entry := logs.FilterMessage("Background task panicked").All()[0]
	fields := entry.ContextMap()
	if fields["task"] != "exploding" {
		t.Fatalf("task field = %v", fields["task"])
	}
	if fields["panic_value"] != "boom" {
		t.Fatalf("panic_value field = %v", fields["panic_value"])
	}
}

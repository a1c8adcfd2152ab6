package adapter

import (
	"testing"
	"time"
)

// The whatsmeow handler goroutine feeds emit while the session worker may
// already be past its drain loop. emit must never block, or teardown wedges
// the handler against closeEvents.
func TestEmitDropsOnFullBufferWithoutBlocking(t *testing.T) {
	a := &meowAdapter{sessionID: "s1", events: make(chan Event, 2)}

	a.emit(QREvent{Code: "qr-1"})
	a.emit(QREvent{Code: "qr-2"})

	done := make(chan struct{})
	go func() {
		a.emit(QREvent{Code: "qr-overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked on a full event buffer")
	}

	a.closeEvents()
	// Emitting after close must be a no-op, not a send on a closed channel.
	a.emit(QREvent{Code: "qr-late"})
	a.closeEvents()

	n := 0
	for range a.events {
		n++
	}
	if n != 2 {
		t.Fatalf("drained %d events, want 2", n)
	}
}

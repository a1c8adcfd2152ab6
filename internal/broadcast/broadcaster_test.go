package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) handler(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s:%v", event, payload))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestPublishReachesJoinedRoomOnly(t *testing.T) {
	b := New()
	defer b.Close()

	joined := &recorder{}
	other := &recorder{}
	sub, err := b.Join(SessionRoom("s1"), joined.handler)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer sub.Leave()
	sub2, err := b.Join(SessionRoom("s2"), other.handler)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer sub2.Leave()

	b.Publish(SessionRoom("s1"), EventSessionUpdated, "p1")
	b.Close()

	if got := joined.snapshot(); len(got) != 1 || got[0] != "session.updated:p1" {
		t.Fatalf("joined room saw %v", got)
	}
	if got := other.snapshot(); len(got) != 0 {
		t.Fatalf("other room saw %v", got)
	}
}

func TestSubscriberObservesPublishOrder(t *testing.T) {
	b := New()
	rec := &recorder{}
	sub, err := b.Join(ConversationRoom("s1", "c1"), rec.handler)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer sub.Leave()

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(ConversationRoom("s1", "c1"), EventMessageNew, i)
	}
	b.Close()

	got := rec.snapshot()
	if len(got) != n {
		t.Fatalf("delivered %d of %d", len(got), n)
	}
	for i, ev := range got {
		if want := fmt.Sprintf("message.new:%d", i); ev != want {
			t.Fatalf("event %d = %s, want %s", i, ev, want)
		}
	}
}

func TestLeaveStopsDeliveryAndIsIdempotent(t *testing.T) {
	b := New()
	rec := &recorder{}
	sub, err := b.Join(SessionRoom("s1"), rec.handler)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	b.Publish(SessionRoom("s1"), EventSessionUpdated, 1)
	b.bus.WaitAsync()
	sub.Leave()
	sub.Leave()
	b.Publish(SessionRoom("s1"), EventSessionUpdated, 2)
	b.Close()

	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("events after leave = %v, want only the first", got)
	}
}

type fakeEgress struct {
	mu     sync.Mutex
	items  []string
	closed bool
}

func (f *fakeEgress) Publish(room, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, room+"/"+event)
}

func (f *fakeEgress) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func TestEgressMirrorsEveryPublish(t *testing.T) {
	eg := &fakeEgress{}
	b := New().WithEgress(eg)

	b.Publish(SessionRoom("s1"), EventSessionQR, "qr")
	b.Publish(ConversationRoom("s1", "c1"), EventMessageNew, "m")
	b.Close()

	eg.mu.Lock()
	defer eg.mu.Unlock()
	if len(eg.items) != 2 || eg.items[0] != "session:s1/session.qr" {
		t.Fatalf("egress saw %v", eg.items)
	}
	if !eg.closed {
		t.Fatal("egress not closed on broadcaster close")
	}
}

func TestRoomNames(t *testing.T) {
	if SessionRoom("s1") != "session:s1" {
		t.Fatalf("session room = %s", SessionRoom("s1"))
	}
	if ConversationRoom("s1", "c1") != "conversation:s1:c1" {
		t.Fatalf("conversation room = %s", ConversationRoom("s1", "c1"))
	}
}

// no asynchronous delivery should outlive Close
func TestCloseWaitsForAsyncDelivery(t *testing.T) {
	b := New()
	done := make(chan struct{})
	var once sync.Once
	sub, err := b.Join(SessionRoom("s1"), func(string, interface{}) {
		time.Sleep(50 * time.Millisecond)
		once.Do(func() { close(done) })
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer sub.Leave()

	b.Publish(SessionRoom("s1"), EventSessionUpdated, nil)
	b.Close()
	select {
	case <-done:
	default:
		t.Fatal("Close returned before async delivery finished")
	}
}

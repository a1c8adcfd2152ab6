package clientcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/convergecrm/wabridge/internal/domain"
)

func TestConfirmationReplacesPendingByCorrelationID(t *testing.T) {
	c := New(nil)
	now := time.Now()

	c.AddPending("conv1", Entry{
		CorrelationID: "corr-1",
		Direction:     domain.DirectionOut,
		Body:          "hi",
		Timestamp:     now,
	})
	c.Apply("conv1", Entry{
		ID:            "m_1",
		CorrelationID: "corr-1",
		Direction:     domain.DirectionOut,
		Body:          "hi",
		Status:        domain.StatusSent,
		Timestamp:     now.Add(time.Second),
	})

	msgs := c.Messages("conv1")
	if len(msgs) != 1 {
		t.Fatalf("entries = %d, want the pending entry replaced in place", len(msgs))
	}
	if msgs[0].Pending || msgs[0].ID != "m_1" || msgs[0].Status != domain.StatusSent {
		t.Fatalf("confirmed entry = %+v", msgs[0])
	}
	if c.Unread("conv1") != 0 {
		t.Fatalf("outbound confirmation bumped unread to %d", c.Unread("conv1"))
	}
}

func TestConfirmationFallsBackToContentMatch(t *testing.T) {
	c := New(nil)
	now := time.Now()

	c.AddPending("conv1", Entry{Direction: domain.DirectionOut, Body: "hi", Timestamp: now})
	// confirmation without a correlation id, within the window
	c.Apply("conv1", Entry{
		ID: "m_1", Direction: domain.DirectionOut, Body: "hi",
		Status: domain.StatusSent, Timestamp: now.Add(2 * time.Second),
	})
	if got := c.Messages("conv1"); len(got) != 1 || got[0].ID != "m_1" {
		t.Fatalf("entries = %+v, want one replaced entry", got)
	}

	// a confirmation outside the window must not claim an old pending entry
	c.AddPending("conv1", Entry{Direction: domain.DirectionOut, Body: "later", Timestamp: now})
	c.Apply("conv1", Entry{
		ID: "m_2", Direction: domain.DirectionOut, Body: "later",
		Status: domain.StatusSent, Timestamp: now.Add(time.Minute),
	})
	if got := c.Messages("conv1"); len(got) != 3 {
		t.Fatalf("entries = %d, want stale pending kept plus appended confirmation", len(got))
	}
}

func TestInboundBumpsUnreadAndMarkReadClears(t *testing.T) {
	c := New(nil)
	for i := 0; i < 3; i++ {
		c.Apply("conv1", Entry{
			ID: "m_" + string(rune('a'+i)), Direction: domain.DirectionIn,
			Body: "oi", Timestamp: time.Now(),
		})
	}
	if c.Unread("conv1") != 3 {
		t.Fatalf("unread = %d, want 3", c.Unread("conv1"))
	}
	c.MarkRead("conv1")
	if c.Unread("conv1") != 0 {
		t.Fatalf("unread after mark-read = %d, want 0", c.Unread("conv1"))
	}
}

func TestApplyStatusIsMonotonic(t *testing.T) {
	c := New(nil)
	c.Apply("conv1", Entry{ID: "m_1", Direction: domain.DirectionOut, Status: domain.StatusSent})

	c.ApplyStatus("conv1", "m_1", domain.StatusRead)
	c.ApplyStatus("conv1", "m_1", domain.StatusDelivered)

	if got := c.Messages("conv1")[0].Status; got != domain.StatusRead {
		t.Fatalf("status = %s, want regression ignored", got)
	}
}

func TestLoadMergesBackupPendingIncrements(t *testing.T) {
	backup, err := OpenBackup(filepath.Join(t.TempDir(), "unread.db"))
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backup.Close()

	c := New(backup)
	c.Load("conv1", nil, 2)
	// two inbound arrivals after the sync
	c.Apply("conv1", Entry{ID: "m_1", Direction: domain.DirectionIn, Timestamp: time.Now()})
	c.Apply("conv1", Entry{ID: "m_2", Direction: domain.DirectionIn, Timestamp: time.Now()})
	if c.Unread("conv1") != 4 {
		t.Fatalf("unread = %d, want 4", c.Unread("conv1"))
	}

	// a reload with a stale server count keeps the local increments
	c2 := New(backup)
	c2.Load("conv1", nil, 2)
	if c2.Unread("conv1") != 4 {
		t.Fatalf("unread after reload = %d, want server 2 plus 2 pending", c2.Unread("conv1"))
	}

	// a server count that already covers the increments wins
	c2.SyncUnread("conv1", 5)
	if c2.Unread("conv1") != 5 {
		t.Fatalf("unread after sync = %d, want 5", c2.Unread("conv1"))
	}
}

func TestBackupRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unread.db")
	b, err := OpenBackup(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b.Save("conv1", UnreadSnapshot{Confirmed: 3, Pending: 1, SyncedAt: time.Now()})
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err = OpenBackup(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	snap, ok := b.Load("conv1")
	if !ok || snap.Confirmed != 3 || snap.Pending != 1 {
		t.Fatalf("snapshot = %+v ok=%v", snap, ok)
	}
	b.Delete("conv1")
	if _, ok := b.Load("conv1"); ok {
		t.Fatal("snapshot survived delete")
	}
}

func TestDropForgetsThread(t *testing.T) {
	c := New(nil)
	c.Apply("conv1", Entry{ID: "m_1", Direction: domain.DirectionIn, Timestamp: time.Now()})
	c.Drop("conv1")
	if len(c.Messages("conv1")) != 0 || c.Unread("conv1") != 0 {
		t.Fatal("dropped thread still has state")
	}
}

package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/convergecrm/wabridge/config"
	"github.com/convergecrm/wabridge/internal/domain"
)

type fakeControl struct {
	mu         sync.Mutex
	active     map[string]bool
	reconnects []string
	logouts    []string
}

func (f *fakeControl) Active(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[sessionID]
}

func (f *fakeControl) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, on := range f.active {
		if on {
			n++
		}
	}
	return n
}

func (f *fakeControl) ForceReconnect(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, sessionID)
	return nil
}

func (f *fakeControl) Logout(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, sessionID)
	return nil
}

func (f *fakeControl) reconnected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reconnects...)
}

func (f *fakeControl) loggedOut() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logouts...)
}

type fakeQueue struct{ depth int }

func (f *fakeQueue) ParkedAcks() int { return f.depth }

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A pooled second connection would see its own empty in-memory database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testWatchdog(t *testing.T) (*Watchdog, *fakeControl, *gorm.DB) {
	t.Helper()
	db := testDB(t)
	ctl := &fakeControl{active: map[string]bool{}}
	wd, err := New(db, ctl, &fakeQueue{depth: 2}, config.WhatsappConfig{
		ReconnectGraceSec:  120,
		OrphanThresholdSec: 600,
		HealthIntervalSec:  30,
	})
	if err != nil {
		t.Fatalf("new watchdog: %v", err)
	}
	t.Cleanup(wd.Close)
	return wd, ctl, db
}

// seedSession inserts a session row with a forced updated_at, bypassing the
// automatic timestamp.
func seedSession(t *testing.T, db *gorm.DB, id, state string, age time.Duration) {
	t.Helper()
	s := domain.WhatsappSession{ID: id, State: state}
	if err := db.Create(&s).Error; err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
	err := db.Model(&domain.WhatsappSession{}).Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().Add(-age)).Error
	if err != nil {
		t.Fatalf("age session %s: %v", id, err)
	}
}

func TestConnectionSweepRepairsStaleSessions(t *testing.T) {
	wd, ctl, db := testWatchdog(t)

	seedSession(t, db, "fresh", domain.SessionDisconnected, time.Minute)
	seedSession(t, db, "stale", domain.SessionDisconnected, 3*time.Minute)
	seedSession(t, db, "orphan", domain.SessionDisconnected, 11*time.Minute)

	wd.connectionSweep(context.Background())

	if got := ctl.reconnected(); len(got) != 1 || got[0] != "stale" {
		t.Fatalf("reconnects = %v, want only the stale session", got)
	}
	if got := ctl.loggedOut(); len(got) != 1 || got[0] != "orphan" {
		t.Fatalf("logouts = %v, want only the orphan", got)
	}
	if wd.Stats().Monitored != 3 {
		t.Fatalf("monitored = %d, want 3", wd.Stats().Monitored)
	}
}

func TestConnectedRowWithoutWorkerIsReconnected(t *testing.T) {
	wd, ctl, db := testWatchdog(t)

	seedSession(t, db, "ghost", domain.SessionConnected, time.Minute)
	seedSession(t, db, "alive", domain.SessionConnected, time.Minute)
	ctl.active["alive"] = true

	wd.connectionSweep(context.Background())

	if got := ctl.reconnected(); len(got) != 1 || got[0] != "ghost" {
		t.Fatalf("reconnects = %v, want only the worker-less session", got)
	}
	if len(ctl.loggedOut()) != 0 {
		t.Fatalf("logouts = %v, want none", ctl.loggedOut())
	}
}

func TestCleanupOrphansCountsTeardowns(t *testing.T) {
	wd, ctl, db := testWatchdog(t)

	seedSession(t, db, "old1", domain.SessionDisconnected, 20*time.Minute)
	seedSession(t, db, "old2", domain.SessionError, 15*time.Minute)
	seedSession(t, db, "recent", domain.SessionDisconnected, time.Minute)
	seedSession(t, db, "up", domain.SessionConnected, 20*time.Minute)

	n := wd.CleanupOrphans(context.Background())
	if n != 2 {
		t.Fatalf("cleaned = %d, want 2", n)
	}
	got := ctl.loggedOut()
	if len(got) != 2 {
		t.Fatalf("logouts = %v, want old1 and old2", got)
	}
	for _, id := range got {
		if id != "old1" && id != "old2" {
			t.Fatalf("unexpected teardown of %s", id)
		}
	}
}

func TestHealthSweepUpdatesStats(t *testing.T) {
	wd, _, _ := testWatchdog(t)

	wd.healthSweep(context.Background())

	stats := wd.Stats()
	if !stats.DBHealthy {
		t.Fatal("db reported unhealthy against a live handle")
	}
	if stats.LastHealthCheck.IsZero() {
		t.Fatal("last health check not recorded")
	}
	if stats.QueueDepth != 2 {
		t.Fatalf("queue depth = %d, want 2", stats.QueueDepth)
	}
}

func TestHealthTickSkipsWhileBusy(t *testing.T) {
	wd, _, _ := testWatchdog(t)

	// simulate a run still in flight
	atomic.StoreInt32(&wd.healthBusy, 1)
	wd.runHealth()
	if !wd.Stats().LastHealthCheck.IsZero() {
		t.Fatal("tick ran despite the previous sweep still in flight")
	}

	atomic.StoreInt32(&wd.healthBusy, 0)
	wd.runHealth()
	if wd.Stats().LastHealthCheck.IsZero() {
		t.Fatal("tick skipped with no sweep in flight")
	}
}

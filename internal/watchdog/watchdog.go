package watchdog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/convergecrm/wabridge/config"
	"github.com/convergecrm/wabridge/internal/domain"
	"github.com/convergecrm/wabridge/pkg/metrics"
)

// SessionControl is the slice of the session manager the watchdog drives.
type SessionControl interface {
	Active(sessionID string) bool
	ActiveCount() int
	ForceReconnect(ctx context.Context, sessionID string) error
	Logout(ctx context.Context, sessionID string) error
}

// QueueStats exposes the ingest-side backlog the health loop inspects.
type QueueStats interface {
	ParkedAcks() int
}

// Stats is the snapshot returned by the stats endpoint.
type Stats struct {
	Monitored       int       `json:"monitored"`
	ActiveWorkers   int       `json:"active_workers"`
	LastHealthCheck time.Time `json:"last_health_check"`
	QueueDepth      int       `json:"queue_depth"`
	DBHealthy       bool      `json:"db_healthy"`
	Reconnects      int64     `json:"reconnects"`
	Teardowns       int64     `json:"teardowns"`
	UptimeSec       int64     `json:"uptime_sec"`
}

// Watchdog supervises session health in the background. Failures are logged
// and counted, never surfaced to a caller; its job is containment.
type Watchdog struct {
	db       *gorm.DB
	sessions SessionControl
	queue    QueueStats

	grace           time.Duration
	orphanThreshold time.Duration
	healthEvery     time.Duration
	connectionEvery time.Duration

	pool *ants.Pool

	healthBusy     int32
	connectionBusy int32
	dbFailures     int32

	mu              sync.Mutex
	startedAt       time.Time
	lastHealthCheck time.Time
	dbHealthy       bool
	monitored       int
	reconnects      int64
	teardowns       int64
}

func New(db *gorm.DB, sessions SessionControl, queue QueueStats, cfg config.WhatsappConfig) (*Watchdog, error) {
	pool, err := ants.NewPool(16, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	wd := &Watchdog{
		db:              db,
		sessions:        sessions,
		queue:           queue,
		grace:           time.Duration(cfg.ReconnectGraceSec) * time.Second,
		orphanThreshold: time.Duration(cfg.OrphanThresholdSec) * time.Second,
		healthEvery:     time.Duration(cfg.HealthIntervalSec) * time.Second,
		connectionEvery: time.Duration(cfg.ConnectionIntervalSec) * time.Second,
		pool:            pool,
		startedAt:       time.Now(),
		dbHealthy:       true,
	}
	if wd.grace <= 0 {
		wd.grace = 2 * time.Minute
	}
	if wd.orphanThreshold <= wd.grace {
		wd.orphanThreshold = 10 * time.Minute
	}
	if wd.healthEvery <= 0 {
		wd.healthEvery = 30 * time.Second
	}
	if wd.connectionEvery <= 0 {
		wd.connectionEvery = time.Minute
	}
	return wd, nil
}

// Register puts both loops on the scheduler. Each loop skips a tick while
// its previous run is still in flight, so slow I/O never stacks iterations.
func (wd *Watchdog) Register(sched *cron.Cron) error {
	_, err := sched.AddFunc(fmt.Sprintf("@every %ds", int(wd.healthEvery.Seconds())), wd.runHealth)
	if err != nil {
		return err
	}
	_, err = sched.AddFunc(fmt.Sprintf("@every %ds", int(wd.connectionEvery.Seconds())), wd.runConnections)
	return err
}

func (wd *Watchdog) Close() {
	wd.pool.Release()
}

func (wd *Watchdog) runHealth() {
	if !atomic.CompareAndSwapInt32(&wd.healthBusy, 0, 1) {
		zap.L().Debug("watchdog: health sweep still running, skipping tick")
		return
	}
	defer atomic.StoreInt32(&wd.healthBusy, 0)
	ctx, cancel := context.WithTimeout(context.Background(), wd.healthEvery)
	defer cancel()
	wd.healthSweep(ctx)
}

func (wd *Watchdog) runConnections() {
	if !atomic.CompareAndSwapInt32(&wd.connectionBusy, 0, 1) {
		zap.L().Debug("watchdog: connection sweep still running, skipping tick")
		return
	}
	defer atomic.StoreInt32(&wd.connectionBusy, 0)
	ctx, cancel := context.WithTimeout(context.Background(), wd.connectionEvery)
	defer cancel()
	wd.connectionSweep(ctx)
}

// healthSweep checks persistence reachability and records the queue backlog.
func (wd *Watchdog) healthSweep(ctx context.Context) {
	healthy := wd.pingDB(ctx)
	depth := 0
	if wd.queue != nil {
		depth = wd.queue.ParkedAcks()
	}
	metrics.SetGauge("watchdog_queue_depth", int64(depth))
	if healthy {
		atomic.StoreInt32(&wd.dbFailures, 0)
	} else {
		n := atomic.AddInt32(&wd.dbFailures, 1)
		metrics.IncrCounter("watchdog_db_failures", 1)
		if n >= 3 {
			zap.L().Error("watchdog: sustained database outage",
				zap.Int32("consecutive_failures", n))
		}
	}

	wd.mu.Lock()
	wd.lastHealthCheck = time.Now()
	wd.dbHealthy = healthy
	wd.mu.Unlock()
}

func (wd *Watchdog) pingDB(ctx context.Context) bool {
	sqlDB, err := wd.db.DB()
	if err != nil {
		zap.L().Error("watchdog: db handle unavailable", zap.Error(err))
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pctx); err != nil {
		zap.L().Error("watchdog: db ping failed", zap.Error(err))
		return false
	}
	return true
}

// connectionSweep walks every known session and repairs the stale ones:
// not connected past the grace period means a forced reconnect, disconnected
// past the orphan threshold means full teardown. Sessions are checked in
// parallel on the pool; the sweep waits for all of them.
func (wd *Watchdog) connectionSweep(ctx context.Context) {
	var rows []domain.WhatsappSession
	if err := wd.db.WithContext(ctx).Find(&rows).Error; err != nil {
		zap.L().Error("watchdog: session scan failed", zap.Error(err))
		return
	}
	wd.mu.Lock()
	wd.monitored = len(rows)
	wd.mu.Unlock()
	metrics.SetGauge("watchdog_monitored", int64(len(rows)))

	var wg sync.WaitGroup
	for i := range rows {
		s := rows[i]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			wd.checkSession(ctx, s)
		}
		if err := wd.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
}

func (wd *Watchdog) checkSession(ctx context.Context, s domain.WhatsappSession) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("watchdog: session check panic",
				zap.String("session_id", s.ID), zap.Any("panic", r))
		}
	}()

	age := time.Since(s.UpdatedAt)
	switch {
	case s.State == domain.SessionConnected:
		if !wd.sessions.Active(s.ID) {
			// Row says connected but nothing drives it; leftover from a crash.
			zap.L().Warn("watchdog: connected session without a worker",
				zap.String("session_id", s.ID))
			wd.reconnect(ctx, s.ID)
		}
	case age > wd.orphanThreshold:
		zap.L().Warn("watchdog: orphaned session, tearing down",
			zap.String("session_id", s.ID),
			zap.String("state", s.State), zap.Duration("age", age))
		wd.teardown(ctx, s.ID)
	case age > wd.grace:
		zap.L().Info("watchdog: stale session, forcing reconnect",
			zap.String("session_id", s.ID),
			zap.String("state", s.State), zap.Duration("age", age))
		wd.reconnect(ctx, s.ID)
	}
}

func (wd *Watchdog) reconnect(ctx context.Context, sessionID string) {
	if err := wd.sessions.ForceReconnect(ctx, sessionID); err != nil {
		metrics.IncrCounter("watchdog_reconnect_failures", 1)
		zap.L().Error("watchdog: forced reconnect failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	metrics.IncrCounter("watchdog_reconnects", 1)
	wd.mu.Lock()
	wd.reconnects++
	wd.mu.Unlock()
}

func (wd *Watchdog) teardown(ctx context.Context, sessionID string) {
	if err := wd.sessions.Logout(ctx, sessionID); err != nil {
		metrics.IncrCounter("watchdog_teardown_failures", 1)
		zap.L().Error("watchdog: teardown failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	metrics.IncrCounter("watchdog_teardowns", 1)
	wd.mu.Lock()
	wd.teardowns++
	wd.mu.Unlock()
}

// ForceReconnect triggers an immediate reconnect for one session, outside
// the periodic sweep.
func (wd *Watchdog) ForceReconnect(ctx context.Context, sessionID string) error {
	return wd.sessions.ForceReconnect(ctx, sessionID)
}

// CleanupOrphans tears down every session disconnected past the orphan
// threshold and returns how many were removed.
func (wd *Watchdog) CleanupOrphans(ctx context.Context) int {
	cutoff := time.Now().Add(-wd.orphanThreshold)
	var rows []domain.WhatsappSession
	err := wd.db.WithContext(ctx).
		Where("state <> ? and updated_at < ?", domain.SessionConnected, cutoff).
		Find(&rows).Error
	if err != nil {
		zap.L().Error("watchdog: orphan scan failed", zap.Error(err))
		return 0
	}
	count := 0
	for _, s := range rows {
		before := wd.statTeardowns()
		wd.teardown(ctx, s.ID)
		if wd.statTeardowns() > before {
			count++
		}
	}
	return count
}

func (wd *Watchdog) statTeardowns() int64 {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	return wd.teardowns
}

// Stats reports the watchdog's view of the system.
func (wd *Watchdog) Stats() Stats {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	depth := 0
	if wd.queue != nil {
		depth = wd.queue.ParkedAcks()
	}
	return Stats{
		Monitored:       wd.monitored,
		ActiveWorkers:   wd.sessions.ActiveCount(),
		LastHealthCheck: wd.lastHealthCheck,
		QueueDepth:      depth,
		DBHealthy:       wd.dbHealthy,
		Reconnects:      wd.reconnects,
		Teardowns:       wd.teardowns,
		UptimeSec:       int64(time.Since(wd.startedAt).Seconds()),
	}
}

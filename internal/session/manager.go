package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/convergecrm/wabridge/config"
	"github.com/convergecrm/wabridge/internal/adapter"
	"github.com/convergecrm/wabridge/internal/broadcast"
	"github.com/convergecrm/wabridge/internal/domain"
	"github.com/convergecrm/wabridge/pkg/common"
	"github.com/convergecrm/wabridge/pkg/metrics"
)

// Sink receives message traffic once the connection layer is done with it.
// The ingest package provides the production implementation.
type Sink interface {
	IngestMessage(ctx context.Context, sessionID string, ev adapter.MessageEvent) (*domain.Message, error)
	ApplyReceipt(ctx context.Context, sessionID string, ev adapter.ReceiptEvent)
	IngestOutbound(ctx context.Context, sessionID string, out Outbound) (*domain.Message, error)
}

// Outbound describes a locally-originated message accepted by the provider.
type Outbound struct {
	ProviderID    string
	ChatJID       string
	CorrelationID string
	Text          string
	Timestamp     time.Time
}

// DeviceStore removes persisted pairing credentials for a session. The
// adapter package provides the production implementation.
type DeviceStore interface {
	DeleteDevice(ctx context.Context, sessionID string) error
}

// StartRequest carries the parameters for binding a new live session.
type StartRequest struct {
	SessionID string
	OwnerID   string
	CompanyID string
	Name      string
}

// Manager owns every live adapter, exactly one per session. It is constructed
// explicitly and handed to collaborators; all registry access goes through
// its mutex, and each live session is driven by a single worker goroutine so
// adapter events are processed strictly in arrival order.
type Manager struct {
	db      *gorm.DB
	factory adapter.Factory
	sink    Sink
	bcast   *broadcast.Broadcaster
	devices DeviceStore

	backoffBase time.Duration
	backoffCap  time.Duration
	startWait   time.Duration

	mu         sync.Mutex
	workers    map[string]*worker
	generation uint64
}

func NewManager(db *gorm.DB, factory adapter.Factory, sink Sink, bcast *broadcast.Broadcaster, cfg config.WhatsappConfig) *Manager {
	m := &Manager{
		db:          db,
		factory:     factory,
		sink:        sink,
		bcast:       bcast,
		backoffBase: time.Duration(cfg.ReconnectBaseSec) * time.Second,
		backoffCap:  time.Duration(cfg.ReconnectCapSec) * time.Second,
		startWait:   30 * time.Second,
		workers:     make(map[string]*worker),
	}
	if m.backoffBase <= 0 {
		m.backoffBase = 5 * time.Second
	}
	if m.backoffCap < m.backoffBase {
		m.backoffCap = 5 * time.Minute
	}
	return m
}

// WithDeviceStore makes logout wipe the session's persisted pairing
// credentials along with its record.
func (m *Manager) WithDeviceStore(ds DeviceStore) *Manager {
	m.devices = ds
	return m
}

// Start binds a live adapter to the session, persists Connecting, and returns
// once the first QR or connection event arrives. Starting a session that
// already has a live adapter fails with ErrAlreadyActive and has no side
// effects.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*domain.WhatsappSession, error) {
	m.mu.Lock()
	if _, ok := m.workers[req.SessionID]; ok {
		m.mu.Unlock()
		return nil, errors.Wrap(ErrAlreadyActive, req.SessionID)
	}
	m.generation++
	w := newWorker(m, req.SessionID, m.generation)
	m.workers[req.SessionID] = w
	metrics.SetGauge("session_active", int64(len(m.workers)))
	m.mu.Unlock()

	now := time.Now()
	sess := &domain.WhatsappSession{
		ID:        req.SessionID,
		OwnerID:   req.OwnerID,
		CompanyID: req.CompanyID,
		Name:      req.Name,
		State:     domain.SessionConnecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "last_error", "qr_payload", "updated_at"}),
	}).Create(sess).Error
	if err != nil {
		w.cancel()
		m.release(w)
		return nil, errors.Wrap(err, "persist session")
	}

	go w.run(w.ctx)

	select {
	case <-w.first:
	case <-time.After(m.startWait):
	case <-ctx.Done():
	}
	return m.Status(req.SessionID)
}

// Stop closes the live adapter without invalidating the pairing and persists
// Disconnected. Idempotent: stopping a session with no live adapter is a
// no-op. A reconnect pending in the worker is cancelled.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	w := m.workers[sessionID]
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	w.stop()
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.persistState(sessionID, domain.SessionDisconnected, map[string]interface{}{"qr_payload": ""})
}

// Logout invalidates the pairing, removes the session record, and releases
// the binding. The user must pair again with a fresh QR afterwards.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	w := m.workers[sessionID]
	m.mu.Unlock()
	if w != nil {
		w.requestLogout()
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.removeSession(sessionID)
}

// Send delivers a text message through the session's adapter. On the
// adapter's local acceptance the message is handed to the sink as an
// outbound record; correlationID is the client's optimistic id, echoed back
// on the fan-out confirmation.
func (m *Manager) Send(ctx context.Context, sessionID, toJID, text, correlationID string) (*domain.Message, error) {
	m.mu.Lock()
	w := m.workers[sessionID]
	m.mu.Unlock()
	if w == nil || !w.connected() {
		return nil, errors.Wrap(ErrNotConnected, sessionID)
	}
	jid := common.FullJID(toJID)
	providerID, err := w.send(ctx, jid, text)
	if err != nil {
		return nil, errors.Wrap(err, "adapter send")
	}
	msg, err := m.sink.IngestOutbound(ctx, sessionID, Outbound{
		ProviderID:    providerID,
		ChatJID:       jid,
		CorrelationID: correlationID,
		Text:          text,
		Timestamp:     time.Now(),
	})
	if err != nil {
		// The provider accepted the message; a persistence failure here
		// must not look like a send failure to the caller.
		zap.L().Error("session: outbound ingest failed",
			zap.String("session_id", sessionID), zap.String("provider_id", providerID), zap.Error(err))
		return &domain.Message{ProviderMessageID: providerID, SessionID: sessionID}, nil
	}
	return msg, nil
}

// Status returns the durable session record.
func (m *Manager) Status(sessionID string) (*domain.WhatsappSession, error) {
	var sess domain.WhatsappSession
	err := m.db.Where("id = ?", sessionID).First(&sess).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, errors.Wrap(ErrSessionNotFound, sessionID)
	case err != nil:
		return nil, errors.Wrap(err, "query session")
	}
	return &sess, nil
}

// ListSessions returns the session records for one owner, or all sessions
// when ownerID is empty.
func (m *Manager) ListSessions(ownerID string) ([]domain.WhatsappSession, error) {
	var rows []domain.WhatsappSession
	query := m.db.Order("created_at asc")
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	return rows, nil
}

// Active reports whether a live worker is bound to the session.
func (m *Manager) Active(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[sessionID]
	return ok
}

// ActiveCount returns the number of live workers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// ForceReconnect asks a live worker to drop and redial immediately, skipping
// any pending backoff wait. A session with no live worker is started again
// from its stored record. The per-worker kick queue holds at most one
// request, so concurrent calls collapse into a single redial.
func (m *Manager) ForceReconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	w := m.workers[sessionID]
	m.mu.Unlock()
	if w != nil {
		w.forceReconnect()
		return nil
	}
	sess, err := m.Status(sessionID)
	if err != nil {
		return err
	}
	_, err = m.Start(ctx, StartRequest{
		SessionID: sess.ID,
		OwnerID:   sess.OwnerID,
		CompanyID: sess.CompanyID,
		Name:      sess.Name,
	})
	if errors.Is(err, ErrAlreadyActive) {
		// Lost the race with another starter; the session is live either way.
		return nil
	}
	return err
}

// Restore restarts every session that was live before a shutdown and returns
// how many came back.
func (m *Manager) Restore(ctx context.Context) int {
	var rows []domain.WhatsappSession
	err := m.db.Where("state <> ?", domain.SessionDisconnected).Find(&rows).Error
	if err != nil {
		zap.L().Error("session: restore query failed", zap.Error(err))
		return 0
	}
	restored := 0
	for _, s := range rows {
		_, err := m.Start(ctx, StartRequest{
			SessionID: s.ID,
			OwnerID:   s.OwnerID,
			CompanyID: s.CompanyID,
			Name:      s.Name,
		})
		if err != nil {
			zap.L().Warn("session: restore failed",
				zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		restored++
	}
	return restored
}

// Shutdown stops every live worker and waits for them to drain.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ws := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	m.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
	for _, w := range ws {
		select {
		case <-w.done:
		case <-ctx.Done():
			return
		}
	}
}

// release unbinds a finished worker. The generation check keeps a stale
// worker from unbinding a newer one started for the same session.
func (m *Manager) release(w *worker) {
	m.mu.Lock()
	if cur, ok := m.workers[w.sessionID]; ok && cur.gen == w.gen {
		delete(m.workers, w.sessionID)
	}
	metrics.SetGauge("session_active", int64(len(m.workers)))
	m.mu.Unlock()
}

// persistState patches the session row and fans the fresh record out to the
// session room.
func (m *Manager) persistState(sessionID, state string, extra map[string]interface{}) error {
	patch := map[string]interface{}{"state": state, "updated_at": time.Now()}
	for k, v := range extra {
		patch[k] = v
	}
	err := m.db.Model(&domain.WhatsappSession{}).Where("id = ?", sessionID).Updates(patch).Error
	if err != nil {
		zap.L().Error("session: persist state failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return errors.Wrap(err, "persist session state")
	}
	if sess, serr := m.Status(sessionID); serr == nil {
		m.bcast.Publish(broadcast.SessionRoom(sessionID), broadcast.EventSessionUpdated, sess)
	}
	return nil
}

// removeSession deletes the session record after a terminal logout and
// notifies the session room one last time.
func (m *Manager) removeSession(sessionID string) error {
	if m.devices != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := m.devices.DeleteDevice(ctx, sessionID); err != nil {
			zap.L().Warn("session: device credential cleanup failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		cancel()
	}
	if err := m.db.Where("id = ?", sessionID).Delete(&domain.WhatsappSession{}).Error; err != nil {
		return errors.Wrap(err, "remove session")
	}
	m.bcast.Publish(broadcast.SessionRoom(sessionID), broadcast.EventSessionUpdated,
		&domain.WhatsappSession{ID: sessionID, State: domain.SessionDisconnected})
	return nil
}

package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/convergecrm/wabridge/internal/domain"
)

const sessionMarkerPrefix = "wab_session:"

// MeowStore wraps the whatsmeow device container. It reuses the application's
// database connection so device credentials live in the same database as the
// rest of the system.
type MeowStore struct {
	container *sqlstore.Container
}

// NewMeowStore wraps sqlDB for whatsmeow and runs its schema migrations.
func NewMeowStore(ctx context.Context, sqlDB *sql.DB, dbType string) (*MeowStore, error) {
	driver := "postgres"
	if dbType == "sqlite" || dbType == "sqlite3" {
		driver = "sqlite3"
		// Some sqlite builds require the pragma per connection for the
		// sqlstore migrations to run.
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsmeow: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}

	container := sqlstore.NewWithDB(sqlDB, driver, nil)
	if err := container.Upgrade(ctx); err != nil {
		return nil, errors.Wrap(err, "whatsmeow sqlstore upgrade")
	}
	return &MeowStore{container: container}, nil
}

// NewAdapter returns an adapter bound to sessionID, reusing the persisted
// device credentials when the session paired before.
func (s *MeowStore) NewAdapter(sessionID string) (Adapter, error) {
	device, err := s.findDevice(context.Background(), sessionID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		device = s.container.NewDevice()
		device.BusinessName = sessionMarkerPrefix + sessionID
	}
	return newMeowAdapter(sessionID, s.container, device), nil
}

// DeleteDevice removes the persisted pairing for sessionID, if any.
func (s *MeowStore) DeleteDevice(ctx context.Context, sessionID string) error {
	device, err := s.findDevice(ctx, sessionID)
	if err != nil || device == nil {
		return err
	}
	return s.container.DeleteDevice(ctx, device)
}

func (s *MeowStore) findDevice(ctx context.Context, sessionID string) (*store.Device, error) {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "whatsmeow list devices")
	}
	marker := sessionMarkerPrefix + sessionID
	for _, d := range devices {
		if d != nil && d.BusinessName == marker {
			return d, nil
		}
	}
	return nil, nil
}

// meowAdapter implements Adapter over one whatsmeow client. All events are
// translated into the adapter union and forwarded, in arrival order, on a
// single channel read by the owning session worker.
type meowAdapter struct {
	sessionID string
	container *sqlstore.Container
	client    *whatsmeow.Client

	mu     sync.Mutex
	events chan Event
	closed bool
}

func newMeowAdapter(sessionID string, container *sqlstore.Container, device *store.Device) *meowAdapter {
	a := &meowAdapter{
		sessionID: sessionID,
		container: container,
		client:    whatsmeow.NewClient(device, nil),
		events:    make(chan Event, 512),
	}
	// The session worker owns reconnection with its own backoff; the
	// client must not race it with a second dial.
	a.client.EnableAutoReconnect = false
	a.client.AddEventHandler(a.handleEvent)
	return a
}

func (a *meowAdapter) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.QR:
		if len(v.Codes) > 0 {
			a.emit(QREvent{Code: v.Codes[0]})
		}
	case *events.PairSuccess:
		zap.L().Info("whatsmeow: pairing completed",
			zap.String("session_id", a.sessionID), zap.String("jid", v.ID.String()))
	case *events.Connected:
		a.persistDevice()
		jid := ""
		phone := ""
		if a.client.Store.ID != nil {
			jid = a.client.Store.ID.String()
			phone = a.client.Store.ID.User
		}
		a.emit(ConnectedEvent{JID: jid, PhoneNumber: phone, PushName: a.client.Store.PushName})
	case *events.LoggedOut:
		a.emit(DisconnectedEvent{LoggedOut: true, Reason: v.Reason.String()})
	case *events.Disconnected:
		a.emit(DisconnectedEvent{Reason: "stream closed"})
	case *events.StreamError:
		a.emit(DisconnectedEvent{Reason: fmt.Sprintf("stream error: %s", v.Code)})
	case *events.Message:
		a.emit(MessageEvent{
			ProviderID: v.Info.ID,
			ChatJID:    v.Info.Chat.String(),
			SenderJID:  v.Info.Sender.String(),
			PushName:   v.Info.PushName,
			FromMe:     v.Info.IsFromMe,
			Timestamp:  v.Info.Timestamp,
			Content:    ExtractContent(v.Message),
		})
	case *events.Receipt:
		status := ""
		switch v.Type {
		case waTypes.ReceiptTypeDelivered:
			status = domain.StatusDelivered
		case waTypes.ReceiptTypeRead, waTypes.ReceiptTypeReadSelf:
			status = domain.StatusRead
		default:
			return
		}
		a.emit(ReceiptEvent{
			MessageIDs: v.MessageIDs,
			ChatJID:    v.Chat.String(),
			Status:     status,
			Timestamp:  v.Timestamp,
		})
	}
}

// persistDevice stores the paired device so it survives restarts. Pairing can
// complete before the JID is written, so this runs on every Connected event.
func (a *meowAdapter) persistDevice() {
	if a.client.Store == nil || a.client.Store.ID == nil {
		return
	}
	if err := a.container.PutDevice(context.Background(), a.client.Store); err != nil {
		zap.L().Warn("whatsmeow: persist device failed",
			zap.String("session_id", a.sessionID), zap.Error(err))
	}
}

// emit forwards an event to the session worker. The send never blocks while
// the mutex is held, so release can always acquire it and close the channel.
// A full buffer at teardown time drops the event rather than wedging the
// whatsmeow handler goroutine.
func (a *meowAdapter) emit(evt Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.events <- evt:
	default:
		zap.L().Warn("whatsmeow: event buffer full, dropping event",
			zap.String("session_id", a.sessionID))
	}
}

func (a *meowAdapter) release() {
	a.client.RemoveEventHandlers()
	a.closeEvents()
}

func (a *meowAdapter) closeEvents() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
}

func (a *meowAdapter) Connect(ctx context.Context) error {
	_ = ctx
	return a.client.Connect()
}

func (a *meowAdapter) Disconnect() {
	a.client.Disconnect()
	a.release()
}

func (a *meowAdapter) Logout(ctx context.Context) error {
	err := a.client.Logout(ctx)
	a.release()
	return err
}

func (a *meowAdapter) SendText(ctx context.Context, toJID string, text string) (string, error) {
	parsed, err := waTypes.ParseJID(toJID)
	if err != nil {
		return "", errors.Wrapf(err, "invalid jid %q", toJID)
	}
	resp, err := a.client.SendMessage(ctx, parsed, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (a *meowAdapter) Events() <-chan Event {
	return a.events
}

func (a *meowAdapter) Connected() bool {
	return a.client.IsConnected()
}

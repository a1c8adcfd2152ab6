package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/convergecrm/wabridge/internal/adapter"
	"github.com/convergecrm/wabridge/internal/broadcast"
	"github.com/convergecrm/wabridge/internal/domain"
)

// worker drives one live session. It is the only goroutine that touches the
// session's adapter, so event handling and reconnection are serialized by
// construction.
type worker struct {
	m         *Manager
	sessionID string
	gen       uint64
	backoff   *Backoff

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	first  chan struct{}
	once   sync.Once
	done   chan struct{}

	mu     sync.Mutex
	ad     adapter.Adapter
	state  string
	logout bool
}

// newWorker wires the worker's lifetime context up front so stop() is safe
// the instant the worker becomes visible in the registry.
func newWorker(m *Manager, sessionID string, gen uint64) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		m:         m,
		sessionID: sessionID,
		gen:       gen,
		backoff:   &Backoff{Base: m.backoffBase, Cap: m.backoffCap},
		ctx:       ctx,
		cancel:    cancel,
		kick:      make(chan struct{}, 1),
		first:     make(chan struct{}),
		done:      make(chan struct{}),
		state:     domain.SessionConnecting,
	}
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.m.release(w)
	for {
		teardown, immediate := w.connectOnce(ctx)
		if teardown {
			zap.L().Info("session: logged out, removing",
				zap.String("session_id", w.sessionID))
			if err := w.m.removeSession(w.sessionID); err != nil {
				zap.L().Error("session: remove failed",
					zap.String("session_id", w.sessionID), zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !immediate {
			delay := w.backoff.Next()
			zap.L().Info("session: reconnect scheduled",
				zap.String("session_id", w.sessionID), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-w.kick:
			case <-time.After(delay):
			}
		}
		w.setState(domain.SessionConnecting)
		_ = w.m.persistState(w.sessionID, domain.SessionConnecting, nil)
	}
}

// connectOnce runs one adapter lifetime: create, connect, drain events until
// the link drops or the worker is cancelled. teardown means the session is
// terminally gone (pairing revoked); immediate asks run to redial without a
// backoff wait after a forced reconnect.
func (w *worker) connectOnce(ctx context.Context) (teardown, immediate bool) {
	ad, err := w.m.factory(w.sessionID)
	if err != nil {
		w.fail(errors.Wrap(err, "adapter create"))
		return false, false
	}
	w.mu.Lock()
	w.ad = ad
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.ad = nil
		w.mu.Unlock()
	}()

	if err := ad.Connect(ctx); err != nil {
		w.fail(errors.Wrap(err, "adapter connect"))
		return false, false
	}

	events := ad.Events()
	for {
		select {
		case <-ctx.Done():
			w.close(ctx, ad)
			for range events {
			}
			return false, false
		case <-w.kick:
			zap.L().Info("session: forced reconnect",
				zap.String("session_id", w.sessionID))
			ad.Disconnect()
			// Drain so a message flushed just before the drop is not lost.
			for ev := range events {
				w.handle(ctx, ev)
			}
			w.backoff.Reset()
			return false, true
		case ev, ok := <-events:
			if !ok {
				return false, false
			}
			out := w.handle(ctx, ev)
			if out.Teardown {
				ad.Disconnect()
				for range events {
				}
				return true, false
			}
			if out.Reconnect {
				ad.Disconnect()
				for ev := range events {
					w.handle(ctx, ev)
				}
				return false, false
			}
		}
	}
}

// handle routes one adapter event: message traffic goes to the sink, state
// events through the transition machine with their side effects applied.
func (w *worker) handle(ctx context.Context, ev adapter.Event) Outcome {
	switch e := ev.(type) {
	case adapter.MessageEvent:
		if _, err := w.m.sink.IngestMessage(ctx, w.sessionID, e); err != nil {
			zap.L().Error("session: ingest failed",
				zap.String("session_id", w.sessionID),
				zap.String("provider_id", e.ProviderID), zap.Error(err))
		}
		return Outcome{State: w.getState()}
	case adapter.ReceiptEvent:
		w.m.sink.ApplyReceipt(ctx, w.sessionID, e)
		return Outcome{State: w.getState()}
	}

	out := Transition(w.getState(), ev)
	w.setState(out.State)

	switch e := ev.(type) {
	case adapter.QREvent:
		_ = w.m.persistState(w.sessionID, out.State, map[string]interface{}{"qr_payload": e.Code})
		w.m.bcast.Publish(broadcast.SessionRoom(w.sessionID), broadcast.EventSessionQR,
			map[string]interface{}{"session_id": w.sessionID, "qr": e.Code})
		w.signalFirst()
	case adapter.ConnectedEvent:
		w.backoff.Reset()
		_ = w.m.persistState(w.sessionID, out.State, map[string]interface{}{
			"qr_payload":   "",
			"jid":          e.JID,
			"phone_number": e.PhoneNumber,
			"last_seen_at": time.Now(),
			"last_error":   "",
		})
		w.signalFirst()
	case adapter.DisconnectedEvent:
		_ = w.m.persistState(w.sessionID, out.State, map[string]interface{}{"last_error": e.Reason})
	}
	return out
}

// fail records a transient failure and leaves the retry decision to run.
func (w *worker) fail(err error) {
	out := Fail(false)
	w.setState(out.State)
	zap.L().Error("session: adapter failure",
		zap.String("session_id", w.sessionID), zap.Error(err))
	_ = w.m.persistState(w.sessionID, out.State, map[string]interface{}{"last_error": err.Error()})
	w.signalFirst()
}

// close shuts the adapter down on cancellation, logging out first when the
// worker was asked to invalidate the pairing.
func (w *worker) close(ctx context.Context, ad adapter.Adapter) {
	_ = ctx
	if w.isLogout() {
		lctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := ad.Logout(lctx); err != nil {
			zap.L().Warn("session: logout failed",
				zap.String("session_id", w.sessionID), zap.Error(err))
		}
		return
	}
	ad.Disconnect()
}

func (w *worker) stop() {
	w.cancel()
}

func (w *worker) requestLogout() {
	w.mu.Lock()
	w.logout = true
	w.mu.Unlock()
	w.cancel()
}

// forceReconnect queues an immediate redial. The queue holds one entry, so
// concurrent kicks collapse into a single reconnect.
func (w *worker) forceReconnect() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *worker) connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == domain.SessionConnected && w.ad != nil && w.ad.Connected()
}

func (w *worker) send(ctx context.Context, toJID, text string) (string, error) {
	w.mu.Lock()
	ad := w.ad
	w.mu.Unlock()
	if ad == nil {
		return "", ErrNotConnected
	}
	return ad.SendText(ctx, toJID, text)
}

func (w *worker) getState() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) setState(state string) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *worker) isLogout() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logout
}

// signalFirst unblocks the Start call waiting for the session's first
// meaningful event.
func (w *worker) signalFirst() {
	w.once.Do(func() { close(w.first) })
}

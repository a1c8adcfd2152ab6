package broadcast

import (
	"sync"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/convergecrm/wabridge/pkg/metrics"
)

// Event names published to rooms.
const (
	EventMessageNew          = "message.new"
	EventMessageStatus       = "message.status"
	EventConversationUpdated = "conversation.updated"
	EventSessionUpdated      = "session.updated"
	EventSessionQR           = "session.qr"
)

// SessionRoom scopes session-level updates (state, QR, summaries).
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// ConversationRoom scopes message-level updates for one conversation.
func ConversationRoom(sessionID, conversationID string) string {
	return "conversation:" + sessionID + ":" + conversationID
}

// Handler receives events published to a joined room.
type Handler func(event string, payload interface{})

// Broadcaster fans persisted state changes out to room subscribers. Delivery
// is best-effort and live-only: a client that is not joined when an event
// fires reloads state through the query API instead.
//
// Subscriptions are async-transactional, so one slow subscriber never stalls
// the ingest path and each subscriber still observes a room's events in
// publish order.
type Broadcaster struct {
	bus EventBus.Bus

	mu     sync.Mutex
	rooms  map[string]int
	egress Egress
}

// Egress mirrors published events to an external broker. Optional.
type Egress interface {
	Publish(room, event string, payload interface{})
	Close()
}

func New() *Broadcaster {
	return &Broadcaster{
		bus:   EventBus.New(),
		rooms: map[string]int{},
	}
}

// WithEgress attaches an external publisher that receives every event.
func (b *Broadcaster) WithEgress(e Egress) *Broadcaster {
	b.egress = e
	return b
}

// Subscription is one client's membership in a room.
type Subscription struct {
	b    *Broadcaster
	room string
	fn   func(string, interface{})
	once sync.Once
}

// Join subscribes h to a room. The caller must Leave when done to bound
// fan-out cost.
func (b *Broadcaster) Join(room string, h Handler) (*Subscription, error) {
	fn := func(event string, payload interface{}) { h(event, payload) }
	if err := b.bus.SubscribeAsync(room, fn, true); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.rooms[room]++
	metrics.SetGauge("broadcast_rooms", int64(len(b.rooms)))
	b.mu.Unlock()
	return &Subscription{b: b, room: room, fn: fn}, nil
}

// Leave removes the subscription. Idempotent.
func (s *Subscription) Leave() {
	s.once.Do(func() {
		if err := s.b.bus.Unsubscribe(s.room, s.fn); err != nil {
			zap.L().Debug("broadcast: unsubscribe failed", zap.String("room", s.room), zap.Error(err))
		}
		s.b.mu.Lock()
		if n := s.b.rooms[s.room]; n <= 1 {
			delete(s.b.rooms, s.room)
		} else {
			s.b.rooms[s.room] = n - 1
		}
		metrics.SetGauge("broadcast_rooms", int64(len(s.b.rooms)))
		s.b.mu.Unlock()
	})
}

// Publish emits event with payload to every subscriber of room, and mirrors
// it to the egress when configured.
func (b *Broadcaster) Publish(room, event string, payload interface{}) {
	b.bus.Publish(room, event, payload)
	metrics.IncrCounter("broadcast_published", 1)
	if b.egress != nil {
		b.egress.Publish(room, event, payload)
	}
}

// Close waits for in-flight async deliveries and shuts down the egress.
func (b *Broadcaster) Close() {
	b.bus.WaitAsync()
	if b.egress != nil {
		b.egress.Close()
	}
}

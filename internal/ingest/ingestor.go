package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/convergecrm/wabridge/internal/adapter"
	"github.com/convergecrm/wabridge/internal/broadcast"
	"github.com/convergecrm/wabridge/internal/domain"
	"github.com/convergecrm/wabridge/internal/session"
	"github.com/convergecrm/wabridge/pkg/common"
	"github.com/convergecrm/wabridge/pkg/metrics"
)

// ErrConversationNotFound is returned by mark-read and status changes on an
// unknown conversation id.
var ErrConversationNotFound = errors.New("conversation not found")

const (
	// How long an ack for a not-yet-ingested message is kept for replay.
	ackParkTTL = 30 * time.Second
	ackParkMax = 4096

	previewMax = 80
)

type parkedAck struct {
	status   string
	deadline time.Time
}

// Ingestor is the single writer of conversation and message rows. All
// mutation goes through it so the unread and status invariants hold no
// matter how many session workers feed it concurrently.
type Ingestor struct {
	db       *gorm.DB
	resolver *Resolver
	bcast    *broadcast.Broadcaster

	mu     sync.Mutex
	parked map[string]parkedAck
}

func NewIngestor(db *gorm.DB, resolver *Resolver, bcast *broadcast.Broadcaster) *Ingestor {
	return &Ingestor{
		db:       db,
		resolver: resolver,
		bcast:    bcast,
		parked:   make(map[string]parkedAck),
	}
}

// IngestMessage canonicalizes one provider message event, resolves its
// conversation, and persists it. Redelivery of a provider message id is a
// no-op settled by the unique index, never a duplicate row.
func (ig *Ingestor) IngestMessage(ctx context.Context, sessionID string, ev adapter.MessageEvent) (*domain.Message, error) {
	content := ev.Content
	if content == nil {
		// Malformed payloads degrade to an other-typed message instead of
		// dropping the event, so the conversation stays continuous.
		content = adapter.OtherContent{}
	}

	direction := domain.DirectionIn
	status := domain.StatusDelivered
	name := ev.PushName
	if ev.FromMe {
		direction = domain.DirectionOut
		status = domain.StatusSent
		// The push name on an echo is our own, not the contact's.
		name = ""
	}

	conv, err := ig.resolver.Resolve(ctx, sessionID, ev.ChatJID, name)
	if err != nil {
		return nil, err
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := &domain.Message{
		ID:                common.MessageID(),
		ProviderMessageID: ev.ProviderID,
		ConversationID:    conv.ID,
		SessionID:         sessionID,
		Direction:         direction,
		Type:              content.Kind(),
		Body:              content.Body(),
		Status:            status,
		Read:              ev.FromMe,
		Sender:            ev.SenderJID,
		CreatedAt:         ts,
		UpdatedAt:         time.Now(),
	}
	if media, ok := content.(adapter.MediaContent); ok {
		msg.MediaURL = media.URL
		msg.MediaMimetype = media.Mimetype
		msg.MediaFileName = media.FileName
		msg.MediaSize = media.Size
	}

	created, existing, err := ig.insert(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !created {
		metrics.IncrCounter("ingest_duplicates", 1)
		return existing, nil
	}
	metrics.IncrCounter("ingest_messages", 1)
	ig.touchConversation(ctx, conv.ID, msg)
	ig.publishNew(ctx, sessionID, conv.ID, msg)
	ig.replayParked(ctx, msg)
	return msg, nil
}

// IngestOutbound persists a locally-originated message the adapter accepted.
// Outbound messages are read by definition. When the provider's echo of the
// same message won the race, the stored row is kept and only the client
// correlation id is attached to it.
func (ig *Ingestor) IngestOutbound(ctx context.Context, sessionID string, out session.Outbound) (*domain.Message, error) {
	conv, err := ig.resolver.Resolve(ctx, sessionID, out.ChatJID, "")
	if err != nil {
		return nil, err
	}
	ts := out.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := &domain.Message{
		ID:                common.MessageID(),
		ProviderMessageID: out.ProviderID,
		ConversationID:    conv.ID,
		SessionID:         sessionID,
		CorrelationID:     out.CorrelationID,
		Direction:         domain.DirectionOut,
		Type:              domain.TypeText,
		Body:              out.Text,
		Status:            domain.StatusSent,
		Read:              true,
		CreatedAt:         ts,
		UpdatedAt:         time.Now(),
	}
	created, existing, err := ig.insert(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !created {
		if out.CorrelationID != "" && existing.CorrelationID == "" {
			patch := map[string]interface{}{"correlation_id": out.CorrelationID, "updated_at": time.Now()}
			if uerr := ig.db.WithContext(ctx).Model(existing).Updates(patch).Error; uerr != nil {
				zap.L().Warn("ingest: correlation attach failed",
					zap.String("message_id", existing.ID), zap.Error(uerr))
			} else {
				existing.CorrelationID = out.CorrelationID
			}
		}
		return existing, nil
	}
	metrics.IncrCounter("ingest_outbound", 1)
	ig.touchConversation(ctx, conv.ID, msg)
	ig.publishNew(ctx, sessionID, conv.ID, msg)
	ig.replayParked(ctx, msg)
	return msg, nil
}

// ApplyReceipt advances delivery status for every message id in the receipt.
// Receipts never fail the caller; their job is bookkeeping.
func (ig *Ingestor) ApplyReceipt(ctx context.Context, sessionID string, ev adapter.ReceiptEvent) {
	_ = sessionID
	for _, id := range ev.MessageIDs {
		ig.applyAck(ctx, id, ev.Status)
	}
}

// MarkRead zeroes the unread counter, marks stored inbound messages read,
// and moves a waiting conversation into active handling. Always sets unread
// to exactly zero; it is the only path that ever lowers the counter.
func (ig *Ingestor) MarkRead(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := ig.db.WithContext(ctx).Where("id = ?", conversationID).First(&conv).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, errors.Wrap(ErrConversationNotFound, conversationID)
	case err != nil:
		return nil, errors.Wrap(err, "load conversation")
	}

	now := time.Now()
	patch := map[string]interface{}{"unread_count": 0, "updated_at": now}
	if conv.Status == domain.ConversationWaiting {
		patch["status"] = domain.ConversationActive
	}
	if err := ig.db.WithContext(ctx).Model(&conv).Updates(patch).Error; err != nil {
		return nil, errors.Wrap(err, "mark conversation read")
	}
	err = ig.db.WithContext(ctx).Model(&domain.Message{}).
		Where("conversation_id = ? and direction = ? and read = ?", conversationID, domain.DirectionIn, false).
		Updates(map[string]interface{}{"read": true, "updated_at": now}).Error
	if err != nil {
		zap.L().Warn("ingest: message read flags update failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	ig.publishConversation(ctx, conv.SessionID, conversationID)
	return ig.conversation(ctx, conversationID)
}

// SetStatus moves a conversation through the handling flow. Closing keeps
// the record and its history; nothing is deleted.
func (ig *Ingestor) SetStatus(ctx context.Context, conversationID, status string) (*domain.Conversation, error) {
	switch status {
	case domain.ConversationWaiting, domain.ConversationActive,
		domain.ConversationPaused, domain.ConversationClosed:
	default:
		return nil, errors.Errorf("invalid conversation status %q", status)
	}
	var conv domain.Conversation
	err := ig.db.WithContext(ctx).Where("id = ?", conversationID).First(&conv).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, errors.Wrap(ErrConversationNotFound, conversationID)
	case err != nil:
		return nil, errors.Wrap(err, "load conversation")
	}
	patch := map[string]interface{}{"status": status, "updated_at": time.Now()}
	if err := ig.db.WithContext(ctx).Model(&conv).Updates(patch).Error; err != nil {
		return nil, errors.Wrap(err, "update conversation status")
	}
	ig.publishConversation(ctx, conv.SessionID, conversationID)
	return ig.conversation(ctx, conversationID)
}

// ParkedAcks reports how many acks are waiting for their message to arrive.
func (ig *Ingestor) ParkedAcks() int {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	return len(ig.parked)
}

// insert writes the message, settling provider-id collisions with the
// partial unique index. Returns the existing row on a collision.
func (ig *Ingestor) insert(ctx context.Context, msg *domain.Message) (bool, *domain.Message, error) {
	tx := ig.db.WithContext(ctx)
	if msg.ProviderMessageID == "" {
		if err := tx.Create(msg).Error; err != nil {
			return false, nil, errors.Wrap(err, "insert message")
		}
		return true, nil, nil
	}
	res := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider_message_id"}},
		// Literal predicate so sqlite matches the partial unique index;
		// a bound parameter here fails index inference.
		TargetWhere: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "provider_message_id <> ''"},
		}},
		DoNothing: true,
	}).Create(msg)
	if res.Error != nil {
		return false, nil, errors.Wrap(res.Error, "insert message")
	}
	if res.RowsAffected > 0 {
		return true, nil, nil
	}
	var row domain.Message
	err := tx.Where("provider_message_id = ?", msg.ProviderMessageID).First(&row).Error
	if err != nil {
		return false, nil, errors.Wrap(err, "load duplicate message")
	}
	return false, &row, nil
}

// touchConversation refreshes the conversation's preview and counters. The
// unread increment is a database-side expression so concurrent ingests never
// lose a count.
func (ig *Ingestor) touchConversation(ctx context.Context, conversationID string, msg *domain.Message) {
	patch := map[string]interface{}{
		"last_message_at":      msg.CreatedAt,
		"last_message_preview": preview(msg.Body),
		"updated_at":           time.Now(),
	}
	if msg.Direction == domain.DirectionIn && !msg.Read {
		patch["unread_count"] = gorm.Expr("unread_count + 1")
	}
	err := ig.db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", conversationID).Updates(patch).Error
	if err != nil {
		zap.L().Error("ingest: conversation update failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (ig *Ingestor) publishNew(ctx context.Context, sessionID, conversationID string, msg *domain.Message) {
	ig.bcast.Publish(broadcast.ConversationRoom(sessionID, conversationID), broadcast.EventMessageNew, msg)
	ig.publishConversation(ctx, sessionID, conversationID)
}

func (ig *Ingestor) publishConversation(ctx context.Context, sessionID, conversationID string) {
	fresh, err := ig.conversation(ctx, conversationID)
	if err != nil {
		zap.L().Warn("ingest: conversation reload failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	ig.bcast.Publish(broadcast.SessionRoom(sessionID), broadcast.EventConversationUpdated, fresh)
}

func (ig *Ingestor) conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := ig.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error; err != nil {
		return nil, errors.Wrap(err, "load conversation")
	}
	return &conv, nil
}

// applyAck advances one message's delivery status. Unknown ids are parked
// for a short window: an ack can outrun its message's ingest in rare
// reorderings, and dropping it would strand the status forever.
func (ig *Ingestor) applyAck(ctx context.Context, providerID, status string) {
	var msg domain.Message
	err := ig.db.WithContext(ctx).Where("provider_message_id = ?", providerID).First(&msg).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		ig.park(providerID, status)
		return
	case err != nil:
		zap.L().Error("ingest: ack lookup failed",
			zap.String("provider_id", providerID), zap.Error(err))
		return
	}
	ig.advance(ctx, &msg, status)
}

// advance applies a status change honoring monotonicity: statuses only move
// forward and an out-of-order regression is ignored, not an error.
func (ig *Ingestor) advance(ctx context.Context, msg *domain.Message, status string) {
	if !domain.StatusCanAdvance(msg.Status, status) {
		return
	}
	err := ig.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? and status = ?", msg.ID, msg.Status).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
	if err != nil {
		zap.L().Error("ingest: status update failed",
			zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	msg.Status = status
	metrics.IncrCounter("ingest_acks", 1)
	ig.bcast.Publish(broadcast.ConversationRoom(msg.SessionID, msg.ConversationID),
		broadcast.EventMessageStatus, map[string]interface{}{
			"provider_message_id": msg.ProviderMessageID,
			"message_id":          msg.ID,
			"status":              status,
		})
}

func (ig *Ingestor) park(providerID, status string) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	now := time.Now()
	for id, p := range ig.parked {
		if now.After(p.deadline) {
			zap.L().Debug("ingest: parked ack expired", zap.String("provider_id", id))
			delete(ig.parked, id)
		}
	}
	if len(ig.parked) >= ackParkMax {
		zap.L().Warn("ingest: ack park full, dropping", zap.String("provider_id", providerID))
		return
	}
	if cur, ok := ig.parked[providerID]; ok && !domain.StatusCanAdvance(cur.status, status) {
		return
	}
	ig.parked[providerID] = parkedAck{status: status, deadline: now.Add(ackParkTTL)}
	metrics.SetGauge("ingest_parked_acks", int64(len(ig.parked)))
}

// replayParked applies any ack that arrived before the message did.
func (ig *Ingestor) replayParked(ctx context.Context, msg *domain.Message) {
	if msg.ProviderMessageID == "" {
		return
	}
	ig.mu.Lock()
	p, ok := ig.parked[msg.ProviderMessageID]
	if ok {
		delete(ig.parked, msg.ProviderMessageID)
		metrics.SetGauge("ingest_parked_acks", int64(len(ig.parked)))
	}
	ig.mu.Unlock()
	if !ok || time.Now().After(p.deadline) {
		return
	}
	ig.advance(ctx, msg, p.status)
}

func preview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewMax {
		return body
	}
	return string(runes[:previewMax])
}

package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/convergecrm/wabridge/internal/domain"
	"github.com/convergecrm/wabridge/pkg/common"
)

// Resolver maps (session, chat) pairs onto durable conversations.
type Resolver struct {
	db *gorm.DB
}

func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns the conversation owning chatID on sessionID, creating it on
// first contact. The race between concurrent first-contact calls is settled
// by the unique index on (session_id, chat_id), not by a read-then-write
// check, so N concurrent resolves yield exactly one row.
func (r *Resolver) Resolve(ctx context.Context, sessionID, chatID, displayName string) (*domain.Conversation, error) {
	now := time.Now()
	conv := &domain.Conversation{
		ID:          domain.ConversationID(sessionID, chatID),
		SessionID:   sessionID,
		ChatID:      chatID,
		DisplayName: displayName,
		Status:      domain.ConversationWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "chat_id"}},
		DoNothing: true,
	}).Create(conv)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "create conversation")
	}
	if res.RowsAffected > 0 {
		r.registerContact(ctx, chatID, displayName)
		return conv, nil
	}

	var row domain.Conversation
	err := r.db.WithContext(ctx).
		Where("session_id = ? and chat_id = ?", sessionID, chatID).
		First(&row).Error
	if err != nil {
		return nil, errors.Wrap(err, "load conversation")
	}
	if row.DisplayName == "" && displayName != "" {
		patch := map[string]interface{}{"display_name": displayName, "updated_at": now}
		if err := r.db.WithContext(ctx).Model(&row).Updates(patch).Error; err != nil {
			zap.L().Warn("ingest: conversation name update failed",
				zap.String("conversation_id", row.ID), zap.Error(err))
		} else {
			row.DisplayName = displayName
		}
	}
	return &row, nil
}

// registerContact upserts a CRM contact for the remote phone on first
// contact. Group chats carry no single phone and are skipped. Failures are
// logged only; a missing contact row never blocks ingestion.
func (r *Resolver) registerContact(ctx context.Context, chatJID, name string) {
	if strings.HasSuffix(chatJID, "@g.us") {
		return
	}
	phone := common.NormalizeJID(chatJID)
	if common.IsEmptyOrNA(phone) {
		return
	}
	now := time.Now()
	partner := &domain.SysPartner{
		ID:        common.UUIDint64(),
		Name:      name,
		Phone:     phone,
		Jid:       chatJID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone"}},
		DoNothing: true,
	}).Create(partner).Error
	if err != nil {
		zap.L().Warn("ingest: contact register failed",
			zap.String("phone", phone), zap.Error(err))
	}
}

package domain

import "time"

// Conversation statuses (atendimento flow).
const (
	ConversationWaiting = "waiting"
	ConversationActive  = "active"
	ConversationPaused  = "paused"
	ConversationClosed  = "closed"
)

// Conversation is the durable thread with one remote contact on one connection.
// The ID is derived from (connection_id, chat_id) so resolution is idempotent,
// and the unique index on that pair makes concurrent first-contact upserts safe.
type Conversation struct {
	ID                 string    `json:"id" gorm:"primaryKey"`
	SessionID          string    `json:"session_id" gorm:"uniqueIndex:idx_conversation_session_chat"`
	ChatID             string    `json:"chat_id" gorm:"uniqueIndex:idx_conversation_session_chat"`
	ContactID          string    `json:"contact_id" gorm:"index"`
	DisplayName        string    `json:"display_name"`
	Status             string    `json:"status" gorm:"index"`
	UnreadCount        int       `json:"unread_count"`
	LastMessageAt      time.Time `json:"last_message_at" gorm:"index"`
	LastMessagePreview string    `json:"last_message_preview"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "whatsapp_conversation"
}

// ConversationID derives the stable conversation identity for a chat on a
// connection. Calling it twice with the same pair always yields the same id.
func ConversationID(sessionID, chatID string) string {
	return sessionID + "_" + chatID
}

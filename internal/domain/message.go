package domain

import "time"

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message content types.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeDocument = "document"
	TypeSticker  = "sticker"
	TypeLocation = "location"
	TypeContact  = "contact"
	TypeOther    = "other"
)

// Message delivery statuses.
const (
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

var statusRank = map[string]int{
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusCanAdvance reports whether a message status may move from cur to next.
// Statuses only move forward; failed is terminal and reachable from any
// non-terminal state.
func StatusCanAdvance(cur, next string) bool {
	if cur == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return true
	}
	curRank, ok := statusRank[cur]
	if !ok {
		return true
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return false
	}
	return nextRank > curRank
}

// Message is one durable message row. ProviderMessageID is the protocol-level
// idempotency key: it never maps to two rows.
type Message struct {
	ID                string    `json:"id,string" gorm:"primaryKey"`
	ProviderMessageID string    `json:"provider_message_id" gorm:"uniqueIndex:idx_message_provider_id,where:provider_message_id <> ''"`
	ConversationID    string    `json:"conversation_id" gorm:"index:idx_message_conversation_created"`
	SessionID         string    `json:"session_id" gorm:"index"`
	CorrelationID     string    `json:"correlation_id"`
	Direction         string    `json:"direction"`
	Type              string    `json:"type"`
	Body              string    `json:"body"`
	MediaURL          string    `json:"media_url"`
	MediaMimetype     string    `json:"media_mimetype"`
	MediaFileName     string    `json:"media_file_name"`
	MediaSize         int64     `json:"media_size"`
	Status            string    `json:"status"`
	Read              bool      `json:"read"`
	Sender            string    `json:"sender"`
	CreatedAt         time.Time `json:"created_at" gorm:"index:idx_message_conversation_created"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (Message) TableName() string {
	return "whatsapp_message"
}

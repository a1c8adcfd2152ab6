package domain

import "time"

// Session connection states as persisted in the session store.
const (
	SessionConnecting   = "connecting"
	SessionQRReady      = "qr_ready"
	SessionConnected    = "connected"
	SessionDisconnected = "disconnected"
	SessionError        = "error"
)

// WhatsappSession is the durable record of one tenant device connection.
// The live adapter handle is never stored here; the session manager owns it.
type WhatsappSession struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	OwnerID     string    `json:"owner_id" gorm:"index"`
	CompanyID   string    `json:"company_id"`
	Name        string    `json:"name"`
	State       string    `json:"state" gorm:"index"`
	QrPayload   string    `json:"qr_payload"`
	PhoneNumber string    `json:"phone_number"`
	Jid         string    `json:"jid"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	LastError   string    `json:"last_error"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (WhatsappSession) TableName() string {
	return "whatsapp_session"
}

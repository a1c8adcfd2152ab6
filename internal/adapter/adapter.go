package adapter

import (
	"context"
	"time"
)

// Adapter is the boundary to one WhatsApp device connection. The session
// manager owns exactly one Adapter per live session and is the only reader of
// its event stream.
type Adapter interface {
	// Connect opens the connection. QR/open/close notifications arrive on
	// Events(); Connect itself only fails on immediate dial/setup errors.
	Connect(ctx context.Context) error
	// Disconnect closes the link without invalidating the pairing.
	Disconnect()
	// Logout invalidates the pairing and closes the link. Terminal.
	Logout(ctx context.Context) error
	// SendText sends a text message and returns the provider message id on
	// local acceptance.
	SendText(ctx context.Context, toJID string, text string) (string, error)
	// Events yields connection and message events in arrival order. The
	// channel is closed when the adapter is released.
	Events() <-chan Event
	// Connected reports whether the underlying link is up.
	Connected() bool
}

// Factory creates an adapter bound to a session id. The session manager uses
// it so tests can substitute a fake implementation.
type Factory func(sessionID string) (Adapter, error)

// Event is the tagged union of everything an adapter can emit.
type Event interface{ isEvent() }

// QREvent carries a pairing code to be rendered for the user.
type QREvent struct {
	Code string
}

// ConnectedEvent signals an authenticated, open link.
type ConnectedEvent struct {
	JID         string
	PhoneNumber string
	PushName    string
}

// DisconnectedEvent signals a closed link. LoggedOut marks the terminal case
// where the pairing was revoked and no reconnect must be attempted.
type DisconnectedEvent struct {
	LoggedOut bool
	Reason    string
}

// MessageEvent is one inbound (or echoed outbound) provider message.
type MessageEvent struct {
	ProviderID string
	ChatJID    string
	SenderJID  string
	PushName   string
	FromMe     bool
	Timestamp  time.Time
	Content    Content
}

// ReceiptEvent carries delivery/read acknowledgements for provider message
// ids. Status is one of the domain message statuses.
type ReceiptEvent struct {
	MessageIDs []string
	ChatJID    string
	Status     string
	Timestamp  time.Time
}

func (QREvent) isEvent()           {}
func (ConnectedEvent) isEvent()    {}
func (DisconnectedEvent) isEvent() {}
func (MessageEvent) isEvent()      {}
func (ReceiptEvent) isEvent()      {}

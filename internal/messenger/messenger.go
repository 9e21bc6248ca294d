package messenger

import (
	"context"
	"time"
)

// SendResult carries the transport identifier of a delivered message.
type SendResult struct {
	MessageID string `json:"messageId"`
}

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Event is a connection-state change on a messenger session.
type Event struct {
	SessionID string    `json:"sessionId"`
	Kind      EventKind `json:"kind"`
	At        time.Time `json:"at"`
}

// Messenger is the WhatsApp transport capability the engine consumes.
// Implementations own session persistence, pairing and the wire protocol;
// the engine only sends, looks numbers up and reacts to connection events.
type Messenger interface {
	Send(ctx context.Context, sessionID, phone, text string) (SendResult, error)
	Lookup(ctx context.Context, sessionID, phone string) (bool, error)
	Subscribe(sessionID string, fn func(Event))
}

// Package broadcast pushes engine events to per-user rooms so a frontend can
// follow campaign progress live without polling.
package broadcast

import "context"

// Event names emitted by the engine.
const (
	EventSessionsUpdate   = "sessions-update"
	EventCampaignProgress = "campaign-progress"
	EventCampaignAlert    = "campaign-alert"
	EventNotification     = "notification"
)

// Broadcaster delivers an event payload to everyone in a room. Rooms are
// keyed by user; delivery is best-effort and must never block a send loop.
type Broadcaster interface {
	Emit(ctx context.Context, room, event string, payload any) error
}

// Noop drops every event. Used when no push channel is configured.
type Noop struct{}

func (Noop) Emit(ctx context.Context, room, event string, payload any) error { return nil }

package campaigns

import (
	"time"

	"github.com/zapblast/zapblast/internal/health"
)

// Status is the campaign lifecycle state.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusStopped   Status = "STOPPED"
	StatusError     Status = "ERROR"
)

// Terminal reports whether the status allows cleanup and forbids resumption.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusError:
		return true
	}
	return false
}

// Campaign is one blast job: a template plus a recipient list, driven by a
// single messenger session.
type Campaign struct {
	ID           string `json:"campaignId"`
	OwnerID      string `json:"ownerId"`
	SessionID    string `json:"messengerSessionId"`
	Name         string `json:"name"`
	Template     string `json:"template"`
	TotalCount   int    `json:"totalCount"`
	SentCount    int    `json:"sentCount"`
	FailedCount  int    `json:"failedCount"`
	SkippedCount int    `json:"skippedCount"`
	CurrentIndex int    `json:"currentIndex"`
	Status       Status `json:"status"`
	Config       Config `json:"config"`
	LastError    string `json:"lastError,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	PausedAt    *time.Time `json:"pausedAt,omitempty"`
	ResumedAt   *time.Time `json:"resumedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	StoppedAt   *time.Time `json:"stoppedAt,omitempty"`
}

// ProgressPct is the single source of truth for campaign progress.
func (c *Campaign) ProgressPct() float64 {
	if c.TotalCount == 0 {
		return 0
	}
	return float64(c.SentCount+c.FailedCount+c.SkippedCount) / float64(c.TotalCount) * 100
}

// MessageStatus is the per-recipient state.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageSent       MessageStatus = "sent"
	MessageFailed     MessageStatus = "failed"
	MessageSkipped    MessageStatus = "skipped"
)

// Message is one recipient's row within a campaign. Index is stable and
// unique per campaign; QueuePos is the send order and moves on requeue.
type Message struct {
	CampaignID   string            `json:"campaignId"`
	Index        int               `json:"index"`
	QueuePos     float64           `json:"-"`
	Phone        string            `json:"phone"`
	ContactName  string            `json:"contactName,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	RenderedText string            `json:"renderedText,omitempty"`
	Status       MessageStatus     `json:"status"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"maxAttempts"`
	MessengerID  string            `json:"messengerMessageId,omitempty"`
	LastError    string            `json:"lastError,omitempty"`

	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	SentAt              *time.Time `json:"sentAt,omitempty"`
	FailedAt            *time.Time `json:"failedAt,omitempty"`
	ScheduledAt         *time.Time `json:"scheduledAt,omitempty"`
}

// QueueStats counts a campaign's messages by status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// RetryPolicy governs automatic re-sends of failed messages. At most one
// per campaign.
type RetryPolicy struct {
	CampaignID      string         `json:"campaignId"`
	Enabled         bool           `json:"enabled"`
	MaxAttempts     int            `json:"maxAttempts"`
	BaseDelay       time.Duration  `json:"-"`
	BatchSize       int            `json:"batchSize"`
	HourlyCap       int            `json:"hourlyCap"`
	WindowedOnly    bool           `json:"windowedOnly"`
	WindowStartHour int            `json:"windowStartHour"`
	WindowEndHour   int            `json:"windowEndHour"`
	WindowDays      []time.Weekday `json:"windowDays,omitempty"`
	PausedUntil     *time.Time     `json:"pausedUntil,omitempty"`

	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// InWindow reports whether now falls inside the policy's retry window.
// Policies without WindowedOnly are always in window.
func (p *RetryPolicy) InWindow(now time.Time) bool {
	if !p.WindowedOnly {
		return true
	}
	if len(p.WindowDays) > 0 {
		ok := false
		for _, d := range p.WindowDays {
			if now.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	h := now.Hour()
	return h >= p.WindowStartHour && h < p.WindowEndHour
}

// Paused reports whether the policy is suspended at now.
func (p *RetryPolicy) Paused(now time.Time) bool {
	return p.PausedUntil != nil && p.PausedUntil.After(now)
}

// AllowsRequeue decides whether the execution loop may put a freshly failed
// message back into the pending queue. With no policy row the default is to
// requeue while the message has attempts left.
func (p *RetryPolicy) AllowsRequeue(m *Message, now time.Time) bool {
	if m.Attempts >= m.MaxAttempts {
		return false
	}
	if p == nil {
		return true
	}
	if !p.Enabled {
		return false
	}
	if p.Paused(now) {
		return false
	}
	if p.MaxAttempts > 0 && m.Attempts >= p.MaxAttempts {
		return false
	}
	return true
}

// Snapshot is what Status() hands to callers: counters, derived progress,
// timestamps and live health, if a loop is running.
type Snapshot struct {
	Campaign    *Campaign        `json:"campaign"`
	ProgressPct float64          `json:"progressPct"`
	Queue       QueueStats       `json:"queue"`
	Health      *health.Snapshot `json:"health,omitempty"`
}

// Contact is one recipient handed to Create.
type Contact struct {
	Phone     string            `json:"phone" validate:"required,numeric"`
	Name      string            `json:"name,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// CreateParams is the typed input for Manager.Create.
type CreateParams struct {
	OwnerID   string    `json:"ownerId" validate:"required"`
	SessionID string    `json:"messengerSessionId" validate:"required"`
	Name      string    `json:"name" validate:"required"`
	Template  string    `json:"template" validate:"required"`
	Contacts  []Contact `json:"contacts" validate:"required,min=1,dive"`
	Config    Config    `json:"config"`
}

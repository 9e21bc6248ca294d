package campaigns

import (
	"context"
	"time"
)

// Store is the persistence capability the engine consumes. Implementations
// must be safe for concurrent use; counter maintenance (sent/failed/skipped)
// lives inside the transition methods so callers cannot drift the counts.
//
// Status-transition methods operate on single rows with compare-and-set
// semantics: ReserveNextPending never hands the same pending message to two
// callers, and RequeueMessage only acts on processing or failed rows.
// Mark* do not check the current status of the row.
type Store interface {
	// Campaign CRUD.
	CreateCampaign(ctx context.Context, c *Campaign, msgs []*Message) error
	Campaign(ctx context.Context, id string) (*Campaign, error)
	CampaignsByStatus(ctx context.Context, statuses ...Status) ([]*Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error

	// SetStatus transitions the campaign and stamps the matching timestamp
	// column (startedAt, pausedAt, ...).
	SetStatus(ctx context.Context, id string, st Status, at time.Time) error
	SetLastError(ctx context.Context, id, msg string) error
	// RecountCampaign recomputes the campaign counters from message rows.
	// Recovery calls it to reconcile after a crash.
	RecountCampaign(ctx context.Context, id string) error

	// Queue operations. ReserveNextPending atomically moves the first
	// pending message (by queue position) to processing and bumps attempts;
	// nil means the queue is drained. ReserveForRetry does the same for a
	// specific failed message. ReleaseMessage undoes a reservation without
	// consuming an attempt.
	ReserveNextPending(ctx context.Context, campaignID string, at time.Time) (*Message, error)
	ReserveForRetry(ctx context.Context, campaignID string, index int, at time.Time) (*Message, error)
	ReleaseMessage(ctx context.Context, campaignID string, index int) error
	// RequeueMessage returns a processing or failed message to pending at
	// the given queue position, keeping its attempt count.
	RequeueMessage(ctx context.Context, campaignID string, index int, queuePos float64, reason string, at time.Time) error

	// Terminal transitions.
	MarkSent(ctx context.Context, campaignID string, index int, messengerID, rendered string, at time.Time) error
	MarkFailed(ctx context.Context, campaignID string, index int, reason string, terminal bool, at time.Time) error
	MarkSkipped(ctx context.Context, campaignID string, index int, reason string, at time.Time) error

	// Bulk and query helpers.
	ResetFailed(ctx context.Context, campaignID string) (int, error)
	ResetStuck(ctx context.Context, campaignID string, olderThan time.Time) (int, error)
	QueueStats(ctx context.Context, campaignID string) (QueueStats, error)
	PendingMessages(ctx context.Context, campaignID string) ([]*Message, error)
	RetryableMessages(ctx context.Context, campaignID string, failedBefore time.Time, limit int) ([]*Message, error)
	MessagesByIndexes(ctx context.Context, campaignID string, indexes []int) ([]*Message, error)
	// NthPendingPos returns the queue position of the n-th pending message
	// (1-based). ok is false when fewer than n messages are pending.
	NthPendingPos(ctx context.Context, campaignID string, n int) (pos float64, ok bool, err error)
	CountSentSince(ctx context.Context, campaignID string, since time.Time) (int, error)

	// Retry policies.
	GetRetryPolicy(ctx context.Context, campaignID string) (*RetryPolicy, error)
	SaveRetryPolicy(ctx context.Context, p *RetryPolicy) error
	EnabledRetryPolicies(ctx context.Context) ([]*RetryPolicy, error)
	BumpRetryCounters(ctx context.Context, campaignID string, attempted, succeeded, failed int) error

	Ping(ctx context.Context) error
}

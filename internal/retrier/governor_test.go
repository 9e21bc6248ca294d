package retrier

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/zapblast/zapblast/internal/campaigns"
	"github.com/zapblast/zapblast/internal/messenger"
	"github.com/zapblast/zapblast/internal/template"
)

type fixture struct {
	store *campaigns.MemStore
	fake  *messenger.Fake
	gov   *Governor
	now   time.Time
}

// seed creates a campaign with n failed, retry-eligible messages whose
// failure is older than any base delay under test.
func seed(t *testing.T, n int, pol *campaigns.RetryPolicy) *fixture {
	t.Helper()

	ctx := context.Background()
	store := campaigns.NewMemStore()
	now := time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC) // Monday

	camp := &campaigns.Campaign{
		ID: "c1", OwnerID: "u1", SessionID: "s1", Name: "retry", Template: "Hi {name}",
		TotalCount: n, Status: campaigns.StatusPaused, CreatedAt: now.Add(-time.Hour),
	}
	msgs := make([]*campaigns.Message, n)
	for i := 0; i < n; i++ {
		msgs[i] = &campaigns.Message{
			CampaignID: "c1", Index: i, QueuePos: float64(i),
			Phone: "628111", Variables: map[string]string{"name": "A"},
			Status: campaigns.MessagePending, MaxAttempts: 3,
		}
	}
	require.NoError(t, store.CreateCampaign(ctx, camp, msgs))

	failedAt := now.Add(-30 * time.Minute)
	for i := 0; i < n; i++ {
		_, err := store.ReserveNextPending(ctx, camp.ID, failedAt)
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, store.MarkFailed(ctx, camp.ID, i, "timeout", false, failedAt))
	}

	pol.CampaignID = camp.ID
	require.NoError(t, store.SaveRetryPolicy(ctx, pol))

	fake := messenger.NewFake()
	gov := New(Options{
		Store:     store,
		Messenger: fake,
		Renderer:  template.NewRenderer(rand.NewSource(1)),
		Now:       func() time.Time { return now },
		Sleep: func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		},
		Rand:     rand.New(rand.NewSource(1)),
		SendRate: rate.Inf,
	})

	return &fixture{store: store, fake: fake, gov: gov, now: now}
}

func TestTickRetriesFailedMessages(t *testing.T) {
	t.Parallel()

	f := seed(t, 3, &campaigns.RetryPolicy{
		Enabled: true, MaxAttempts: 3, BaseDelay: 5 * time.Minute, BatchSize: 10, HourlyCap: 30,
	})
	ctx := context.Background()

	f.gov.Tick(ctx)

	assert.Equal(t, 3, f.fake.SentCount())
	assert.Equal(t, []string{"Hi A", "Hi A", "Hi A"}, f.fake.SentTexts())

	c, err := f.store.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.SentCount)
	assert.Zero(t, c.FailedCount)

	p, err := f.store.GetRetryPolicy(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Attempted)
	assert.Equal(t, 3, p.Succeeded)
	assert.Zero(t, p.Failed)
}

func TestBaseDelayGate(t *testing.T) {
	t.Parallel()

	// Failures are 30 minutes old; a 2h base delay keeps them cooling.
	f := seed(t, 2, &campaigns.RetryPolicy{
		Enabled: true, MaxAttempts: 3, BaseDelay: 2 * time.Hour, BatchSize: 10, HourlyCap: 30,
	})

	f.gov.Tick(context.Background())
	assert.Zero(t, f.fake.SentCount())
}

func TestPausedUntilGate(t *testing.T) {
	t.Parallel()

	until := time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
	f := seed(t, 2, &campaigns.RetryPolicy{
		Enabled: true, MaxAttempts: 3, BaseDelay: time.Minute, BatchSize: 10, HourlyCap: 30,
		PausedUntil: &until,
	})

	f.gov.Tick(context.Background())
	assert.Zero(t, f.fake.SentCount())
}

func TestWindowedOnlyGate(t *testing.T) {
	t.Parallel()

	// Monday 10:00 is outside a 14-17 window.
	f := seed(t, 2, &campaigns.RetryPolicy{
		Enabled: true, MaxAttempts: 3, BaseDelay: time.Minute, BatchSize: 10, HourlyCap: 30,
		WindowedOnly: true, WindowStartHour: 14, WindowEndHour: 17,
	})

	f.gov.Tick(context.Background())
	assert.Zero(t, f.fake.SentCount())
}

func TestHourlyCapBoundsBatch(t *testing.T) {
	t.Parallel()

	f := seed(t, 5, &campaigns.RetryPolicy{
		Enabled: true, MaxAttempts: 3, BaseDelay: time.Minute, BatchSize: 10, HourlyCap: 2,
	})
	ctx := context.Background()

	f.gov.Tick(ctx)
	assert.Equal(t, 2, f.fake.SentCount())

	// The cap is exhausted for this hour; another tick sends nothing.
	f.gov.Tick(ctx)
	assert.Equal(t, 2, f.fake.SentCount())
}

func TestFailedRetryGoesTerminalAtMaxAttempts(t *testing.T) {
	t.Parallel()

	f := seed(t, 1, &campaigns.RetryPolicy{
		Enabled: true, MaxAttempts: 3, BaseDelay: time.Minute, BatchSize: 10, HourlyCap: 30,
	})
	ctx := context.Background()

	// Message already carries 1 attempt from seeding; fail two more times.
	f.fake.FailNext(
		messenger.NewError(messenger.KindTransient, "still down"),
		messenger.NewError(messenger.KindTransient, "still down"),
	)

	f.gov.Tick(ctx) // attempt 2, fails

	// Age the failure past the base delay for the next pass.
	msgs, err := f.store.MessagesByIndexes(ctx, "c1", []int{0})
	require.NoError(t, err)
	assert.Equal(t, campaigns.MessageFailed, msgs[0].Status)
	assert.Equal(t, 2, msgs[0].Attempts)

	later := f.now.Add(10 * time.Minute)
	f.gov.now = func() time.Time { return later }
	f.gov.Tick(ctx) // attempt 3, fails, terminal

	msgs, err = f.store.MessagesByIndexes(ctx, "c1", []int{0})
	require.NoError(t, err)
	assert.Equal(t, campaigns.MessageFailed, msgs[0].Status)
	assert.Equal(t, 3, msgs[0].Attempts)

	// Terminal: a third pass finds nothing retryable.
	f.gov.Tick(ctx)
	assert.Zero(t, f.fake.SentCount())

	p, err := f.store.GetRetryPolicy(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Attempted)
	assert.Equal(t, 2, p.Failed)
}

func TestPermanentFailureSkipsOnRetry(t *testing.T) {
	t.Parallel()

	f := seed(t, 1, &campaigns.RetryPolicy{
		Enabled: true, MaxAttempts: 3, BaseDelay: time.Minute, BatchSize: 10, HourlyCap: 30,
	})
	ctx := context.Background()

	f.fake.FailNext(messenger.NewError(messenger.KindPermanent, "blocked"))
	f.gov.Tick(ctx)

	msgs, err := f.store.MessagesByIndexes(ctx, "c1", []int{0})
	require.NoError(t, err)
	assert.Equal(t, campaigns.MessageSkipped, msgs[0].Status)

	c, err := f.store.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.SkippedCount)
	assert.Zero(t, c.FailedCount)
}

func TestTerminalCampaignIsLeftAlone(t *testing.T) {
	t.Parallel()

	f := seed(t, 1, &campaigns.RetryPolicy{
		Enabled: true, MaxAttempts: 3, BaseDelay: time.Minute, BatchSize: 10, HourlyCap: 30,
	})
	ctx := context.Background()

	require.NoError(t, f.store.SetStatus(ctx, "c1", campaigns.StatusStopped, f.now))
	f.gov.Tick(ctx)
	assert.Zero(t, f.fake.SentCount())
}

func TestForceRetryBypassesGates(t *testing.T) {
	t.Parallel()

	until := time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
	f := seed(t, 3, &campaigns.RetryPolicy{
		Enabled: true, MaxAttempts: 3, BaseDelay: 2 * time.Hour, BatchSize: 10, HourlyCap: 1,
		WindowedOnly: true, WindowStartHour: 14, WindowEndHour: 17,
		PausedUntil: &until,
	})
	ctx := context.Background()

	retried, err := f.gov.ForceRetry(ctx, "c1", []int{0, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, retried)
	assert.Equal(t, 2, f.fake.SentCount())

	// Transitions are still honored: a sent message is not retried again.
	retried, err = f.gov.ForceRetry(ctx, "c1", []int{0})
	require.NoError(t, err)
	assert.Zero(t, retried)
}

func TestMemCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewMemCounter()
	now := time.Date(2024, 1, 8, 10, 30, 0, 0, time.UTC)

	n, err := c.Incr(ctx, "c1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Count(ctx, "c1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A different hour starts fresh.
	n, err = c.Count(ctx, "c1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

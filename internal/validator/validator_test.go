package validator_test

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapblast/zapblast/internal/campaigns"
	"github.com/zapblast/zapblast/internal/messenger"
	"github.com/zapblast/zapblast/internal/validator"
)

type recordedSleep struct {
	mu   sync.Mutex
	gaps []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.gaps = append(r.gaps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestStore(t *testing.T, phones []string) (*campaigns.MemStore, string, time.Time) {
	t.Helper()

	store := campaigns.NewMemStore()
	now := time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)
	camp := &campaigns.Campaign{
		ID: "c1", OwnerID: "u1", SessionID: "s1", Name: "v", Template: "t",
		TotalCount: len(phones), Status: campaigns.StatusIdle, CreatedAt: now,
	}
	msgs := make([]*campaigns.Message, len(phones))
	for i, p := range phones {
		msgs[i] = &campaigns.Message{
			CampaignID: "c1", Index: i, QueuePos: float64(i),
			Phone: p, Status: campaigns.MessagePending, MaxAttempts: 3,
		}
	}
	require.NoError(t, store.CreateCampaign(context.Background(), camp, msgs))
	return store, camp.ID, now
}

func setup(t *testing.T, phones []string) (*validator.Validator, *messenger.Fake, *campaigns.MemStore, string, *recordedSleep) {
	t.Helper()

	store, id, now := newTestStore(t, phones)
	fake := messenger.NewFake()
	sleeps := &recordedSleep{}
	v := validator.New(fake, campaigns.NewValidatorStore(store), slog.Default(), validator.Options{
		Sleep: sleeps.sleep,
		Rand:  rand.New(rand.NewSource(1)),
		Now:   func() time.Time { return now },
	})
	return v, fake, store, id, sleeps
}

func TestSkipReturnsEmptyReport(t *testing.T) {
	t.Parallel()

	v, fake, _, id, _ := setup(t, []string{"628111"})
	report, err := v.Validate(context.Background(), id, "s1", true)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, report.Total)
	assert.Empty(t, fake.Lookups)
}

func TestSequentialSpacingBetweenLookups(t *testing.T) {
	t.Parallel()

	v, fake, _, id, sleeps := setup(t, []string{"628111", "628222", "628333"})

	report, err := v.Validate(context.Background(), id, "s1", false)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Valid)
	assert.Len(t, fake.Lookups, 3)

	// A gap before every lookup but the first, each inside 3-5s.
	sleeps.mu.Lock()
	defer sleeps.mu.Unlock()
	require.Len(t, sleeps.gaps, 2)
	for _, g := range sleeps.gaps {
		assert.GreaterOrEqual(t, g, 3*time.Second)
		assert.Less(t, g, 5*time.Second)
	}
}

func TestInvalidNumberMarkedFailed(t *testing.T) {
	t.Parallel()

	v, fake, store, id, _ := setup(t, []string{"628111", "628222"})
	fake.SetLookup("628222", false)

	report, err := v.Validate(context.Background(), id, "s1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Valid)
	assert.Equal(t, 1, report.Invalid)

	msgs, err := store.MessagesByIndexes(context.Background(), id, []int{1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, campaigns.MessageFailed, msgs[0].Status)
	assert.Equal(t, "not on messenger", msgs[0].LastError)
	assert.Equal(t, msgs[0].MaxAttempts, msgs[0].Attempts, "invalid numbers must not be retried")

	c, err := store.Campaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.FailedCount)
}

func TestLookupErrorCountsInvalid(t *testing.T) {
	t.Parallel()

	store, id, now := newTestStore(t, []string{"628111"})

	// Both the first try and the retry fail.
	calls := 0
	stub := lookupStub{err: messenger.NewError(messenger.KindTransient, "flaky"), calls: &calls}
	v := validator.New(stub, campaigns.NewValidatorStore(store), slog.Default(), validator.Options{
		Rand:       rand.New(rand.NewSource(1)),
		Now:        func() time.Time { return now },
		RetryDelay: time.Millisecond,
	})

	report, err := v.Validate(context.Background(), id, "s1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Invalid)
	assert.Equal(t, 2, calls, "lookup is retried once before giving up")

	msgs, err := store.MessagesByIndexes(context.Background(), id, []int{0})
	require.NoError(t, err)
	assert.Equal(t, campaigns.MessageFailed, msgs[0].Status)
}

type lookupStub struct {
	err   error
	calls *int
}

func (s lookupStub) Send(ctx context.Context, sessionID, phone, text string) (messenger.SendResult, error) {
	return messenger.SendResult{}, s.err
}

func (s lookupStub) Lookup(ctx context.Context, sessionID, phone string) (bool, error) {
	*s.calls++
	return false, s.err
}

func (s lookupStub) Subscribe(sessionID string, fn func(messenger.Event)) {}

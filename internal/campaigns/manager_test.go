package campaigns

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapblast/zapblast/internal/broadcast"
	"github.com/zapblast/zapblast/internal/health"
	"github.com/zapblast/zapblast/internal/messenger"
	"github.com/zapblast/zapblast/internal/pacing"
)

func boolPtr(b bool) *bool        { return &b }
func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }

func zeroChaos() *pacing.ChaosConfig {
	z := 0.0
	return &pacing.ChaosConfig{Distraction: &z, AppSwitch: &z, LongBreak: &z, TypoPause: &z}
}

// fakeClock is a manually advanced clock shared by the engine and the fakes.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Sleeper returns a SleepFunc that advances the clock instead of waiting.
func (c *fakeClock) Sleeper() SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d > 0 {
			c.Advance(d)
		}
		return nil
	}
}

type testEngine struct {
	store *MemStore
	fake  *messenger.Fake
	rec   *broadcast.Recorder
	mgr   *Manager
	clock *fakeClock
}

func newTestEngine(t *testing.T, mutate func(*Options)) *testEngine {
	t.Helper()

	// Monday 2024-01-08 10:00 UTC, comfortably inside business hours.
	clock := newFakeClock(time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC))
	store := NewMemStore()
	fake := messenger.NewFake()
	fake.Now = clock.Now
	rec := broadcast.NewRecorder()

	opts := Options{
		Store:         store,
		Messenger:     fake,
		Broadcaster:   rec,
		Seed:          1,
		Now:           clock.Now,
		Sleep:         clock.Sleeper(),
		ShutdownGrace: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &testEngine{
		store: store,
		fake:  fake,
		rec:   rec,
		mgr:   NewManager(opts),
		clock: clock,
	}
}

func waitForStatus(t *testing.T, store Store, id string, want Status) *Campaign {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c, err := store.Campaign(context.Background(), id)
		require.NoError(t, err)
		if c.Status == want {
			return c
		}
		time.Sleep(2 * time.Millisecond)
	}
	if c, err := store.Campaign(context.Background(), id); err == nil {
		t.Fatalf("campaign never reached %s, stuck at %s (last error %q)", want, c.Status, c.LastError)
	}
	t.Fatalf("campaign never reached %s", want)
	return nil
}

func baseConfig() Config {
	return Config{
		Shuffle:              boolPtr(false),
		AccountAge:           "ESTABLISHED",
		RespectBusinessHours: boolPtr(false),
		SkipPhoneValidation:  true,
		Pacing:               &pacing.Overrides{Chaos: zeroChaos()},
	}
}

func TestHappyPathTwoRecipients(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "launch",
		Template:  "Hi {name}",
		Contacts: []Contact{
			{Phone: "628111", Variables: map[string]string{"name": "A"}},
			{Phone: "628222", Variables: map[string]string{"name": "B"}},
		},
		Config: baseConfig(),
	})
	require.NoError(t, err)

	c, err := e.store.Campaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, c.Status)

	require.NoError(t, e.mgr.Start(ctx, id))
	c = waitForStatus(t, e.store, id, StatusCompleted)

	assert.Equal(t, []string{"Hi A", "Hi B"}, e.fake.SentTexts())
	assert.Equal(t, 2, c.SentCount)
	assert.Equal(t, 0, c.FailedCount)
	assert.Equal(t, 0, c.SkippedCount)
	assert.InDelta(t, 100, c.ProgressPct(), 0.001)
	assert.NotNil(t, c.StartedAt)
	assert.NotNil(t, c.CompletedAt)

	// Progress events are causally ordered and monotonically non-decreasing.
	var last float64
	for _, ev := range e.rec.ByEvent(broadcast.EventCampaignProgress) {
		payload := ev.Payload.(map[string]any)
		pct := payload["progressPct"].(float64)
		assert.GreaterOrEqual(t, pct, last)
		last = pct
	}
	assert.InDelta(t, 100, last, 0.001)
}

func TestPermanentFailureSkips(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	e.fake.FailNext(messenger.NewError(messenger.KindPermanent, "not on whatsapp"))

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "single",
		Template:  "hello",
		Contacts:  []Contact{{Phone: "628111"}},
		Config:    baseConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Start(ctx, id))

	c := waitForStatus(t, e.store, id, StatusCompleted)
	assert.Equal(t, 0, c.SentCount)
	assert.Equal(t, 0, c.FailedCount)
	assert.Equal(t, 1, c.SkippedCount)

	msgs, err := e.store.MessagesByIndexes(ctx, id, []int{0})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageSkipped, msgs[0].Status)
}

func TestTransientFailuresThenRecovery(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	e.fake.FailNext(
		messenger.NewError(messenger.KindTransient, "timeout"),
		messenger.NewError(messenger.KindTransient, "timeout"),
	)

	cfg := baseConfig()
	cfg.MaxAttempts = intPtr(3)

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "retry",
		Template:  "hello",
		Contacts:  []Contact{{Phone: "628111"}},
		Config:    cfg,
	})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Start(ctx, id))

	c := waitForStatus(t, e.store, id, StatusCompleted)
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, 0, c.FailedCount)

	msgs, err := e.store.MessagesByIndexes(ctx, id, []int{0})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageSent, msgs[0].Status)
	assert.Equal(t, 3, msgs[0].Attempts)
}

func TestMaxAttemptsZeroMakesFailuresTerminal(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	e.fake.FailNext(messenger.NewError(messenger.KindTransient, "timeout"))

	cfg := baseConfig()
	cfg.MaxAttempts = intPtr(0)

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "strict",
		Template:  "hello",
		Contacts:  []Contact{{Phone: "628111"}},
		Config:    cfg,
	})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Start(ctx, id))

	c := waitForStatus(t, e.store, id, StatusCompleted)
	assert.Equal(t, 1, c.FailedCount)
	assert.Equal(t, 0, c.SentCount)
}

func TestAutoPauseOnBanRate(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	e.fake.SendFn = func(sessionID, phone, text string) (messenger.SendResult, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return messenger.SendResult{}, messenger.NewError(messenger.KindTransient, "blocked")
	}

	cfg := baseConfig()
	cfg.HealthThresholds = &health.Thresholds{
		PauseBanRate: floatPtr(0.05),
		MinSample:    intPtr(5),
	}

	contacts := make([]Contact, 50)
	for i := range contacts {
		contacts[i] = Contact{Phone: "62811100"}
	}

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "risky",
		Template:  "hello",
		Contacts:  contacts,
		Config:    cfg,
	})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Start(ctx, id))

	c := waitForStatus(t, e.store, id, StatusPaused)
	assert.Contains(t, c.LastError, "health")

	mu.Lock()
	atPause := attempts
	mu.Unlock()
	assert.Equal(t, 5, atPause)

	// No further sends after the pause.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, atPause, attempts)
	mu.Unlock()

	alerts := e.rec.ByEvent(broadcast.EventCampaignAlert)
	require.NotEmpty(t, alerts)
}

func TestBusinessHoursGating(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	// 02:00 Monday local.
	e.clock.mu.Lock()
	e.clock.t = time.Date(2024, 1, 8, 2, 0, 0, 0, time.UTC)
	e.clock.mu.Unlock()

	cfg := baseConfig()
	cfg.RespectBusinessHours = boolPtr(true)

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "early",
		Template:  "hello",
		Contacts:  []Contact{{Phone: "628111"}, {Phone: "628222"}},
		Config:    cfg,
	})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Start(ctx, id))

	waitForStatus(t, e.store, id, StatusCompleted)

	require.NotEmpty(t, e.fake.Sent)
	for _, s := range e.fake.Sent {
		assert.GreaterOrEqual(t, s.At.Hour(), 9, "send before window opened")
		assert.Less(t, s.At.Hour(), 17)
	}
}

func TestForceStartBypassesWindowAndValidation(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	e.clock.mu.Lock()
	e.clock.t = time.Date(2024, 1, 8, 2, 0, 0, 0, time.UTC)
	e.clock.mu.Unlock()

	cfg := baseConfig()
	cfg.RespectBusinessHours = boolPtr(true)
	cfg.SkipPhoneValidation = false

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "forced",
		Template:  "hello",
		Contacts:  []Contact{{Phone: "628111"}},
		Config:    cfg,
	})
	require.NoError(t, err)
	require.NoError(t, e.mgr.ForceStart(ctx, id))

	waitForStatus(t, e.store, id, StatusCompleted)

	require.Len(t, e.fake.Sent, 1)
	assert.Equal(t, 2, e.fake.Sent[0].At.Hour(), "force start must not wait for the window")
	assert.Empty(t, e.fake.Lookups, "force start skips validation")
}

func TestIllegalTransitions(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "fsm",
		Template:  "hello",
		Contacts:  []Contact{{Phone: "628111"}},
		Config:    baseConfig(),
	})
	require.NoError(t, err)

	// Pause in IDLE.
	err = e.mgr.Pause(ctx, id)
	assert.True(t, IsTransitionError(err), "got %v", err)

	// Resume in IDLE.
	err = e.mgr.Resume(ctx, id)
	assert.True(t, IsTransitionError(err))

	// Cleanup in IDLE.
	err = e.mgr.Cleanup(ctx, id)
	assert.ErrorIs(t, err, ErrNotTerminal)

	require.NoError(t, e.mgr.Start(ctx, id))
	waitForStatus(t, e.store, id, StatusCompleted)

	// Start after completion.
	err = e.mgr.Start(ctx, id)
	assert.True(t, IsTransitionError(err))

	// Stop after completion.
	err = e.mgr.Stop(ctx, id)
	assert.True(t, IsTransitionError(err))

	// Cleanup now works and deletes everything.
	require.NoError(t, e.mgr.Cleanup(ctx, id))
	_, err = e.store.Campaign(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.mgr.Create(ctx, CreateParams{
		OwnerID: "u1", SessionID: "s1", Name: "x", Template: "t",
		Contacts: nil,
		Config:   baseConfig(),
	})
	assert.ErrorIs(t, err, ErrEmptyContacts)

	_, err = e.mgr.Create(ctx, CreateParams{
		OwnerID: "u1", SessionID: "s1", Name: "x", Template: "t",
		Contacts: []Contact{{Phone: "+628111"}},
		Config:   baseConfig(),
	})
	assert.ErrorIs(t, err, ErrInvalidPhone)
}

func TestPauseResumeProducesSameCounters(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		// Real but tiny sleeps so there is a window to pause in.
		o.Sleep = func(ctx context.Context, d time.Duration) error {
			return Sleep(ctx, time.Millisecond)
		}
	})
	ctx := context.Background()

	contacts := make([]Contact, 6)
	for i := range contacts {
		contacts[i] = Contact{Phone: "628111"}
	}

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "pausable",
		Template:  "hello",
		Contacts:  contacts,
		Config:    baseConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Start(ctx, id))

	// Wait until a couple of sends happened, then pause.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && e.fake.SentCount() < 2 {
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, e.fake.SentCount(), 2)

	require.NoError(t, e.mgr.Pause(ctx, id))
	c, err := e.store.Campaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, c.Status)

	// No new processing after the pause settled.
	stats, err := e.store.QueueStats(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, stats.Processing)
	sentAtPause := e.fake.SentCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sentAtPause, e.fake.SentCount())

	require.NoError(t, e.mgr.Resume(ctx, id))
	c = waitForStatus(t, e.store, id, StatusCompleted)

	assert.Equal(t, 6, c.SentCount)
	assert.Equal(t, 0, c.FailedCount)
	assert.Equal(t, 0, c.SkippedCount)
	assert.Equal(t, 6, e.fake.SentCount(), "pause/resume must not duplicate sends")
	assert.NotNil(t, c.ResumedAt)
}

func TestRecoverRespawnsRunningCampaigns(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "orphan",
		Template:  "hello",
		Contacts:  []Contact{{Phone: "628111"}, {Phone: "628222"}},
		Config:    baseConfig(),
	})
	require.NoError(t, err)

	// Simulate a crash: campaign RUNNING in the store, one message left
	// behind in processing, no live loop.
	require.NoError(t, e.store.SetStatus(ctx, id, StatusRunning, e.clock.Now()))
	stale := e.clock.Now().Add(-5 * time.Minute)
	_, err = e.store.ReserveNextPending(ctx, id, stale)
	require.NoError(t, err)

	n, err := e.mgr.Recover(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c := waitForStatus(t, e.store, id, StatusCompleted)
	assert.Equal(t, 2, c.SentCount)

	// Second recovery is a no-op.
	n, err = e.mgr.Recover(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionLossPausesCampaign(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.Sleep = func(ctx context.Context, d time.Duration) error {
			return Sleep(ctx, time.Millisecond)
		}
	})
	ctx := context.Background()

	contacts := make([]Contact, 20)
	for i := range contacts {
		contacts[i] = Contact{Phone: "628111"}
	}

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s-drop",
		Name:      "dropped",
		Template:  "hello",
		Contacts:  contacts,
		Config:    baseConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Start(ctx, id))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && e.fake.SentCount() < 1 {
		time.Sleep(time.Millisecond)
	}

	e.fake.Emit("s-drop", messenger.EventDisconnected)

	c := waitForStatus(t, e.store, id, StatusPaused)
	assert.Contains(t, c.LastError, "session")
}

func TestStatusSnapshot(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "snap",
		Template:  "hello",
		Contacts:  []Contact{{Phone: "628111"}},
		Config:    baseConfig(),
	})
	require.NoError(t, err)

	snap, err := e.mgr.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, snap.Campaign.Status)
	assert.Equal(t, 1, snap.Queue.Pending)
	assert.Zero(t, snap.ProgressPct)
	assert.Nil(t, snap.Health)

	_, err = e.mgr.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryPolicyPersistedAtCreate(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	cfg := baseConfig()
	cfg.RetryPolicy = &RetryPolicyConfig{
		Enabled:          true,
		BaseDelaySeconds: intPtr(120),
		BatchSize:        intPtr(5),
		HourlyCap:        intPtr(7),
	}

	id, err := e.mgr.Create(ctx, CreateParams{
		OwnerID:   "u1",
		SessionID: "s1",
		Name:      "with-retry",
		Template:  "hello",
		Contacts:  []Contact{{Phone: "628111"}},
		Config:    cfg,
	})
	require.NoError(t, err)

	p, err := e.store.GetRetryPolicy(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Enabled)
	assert.Equal(t, 2*time.Minute, p.BaseDelay)
	assert.Equal(t, 5, p.BatchSize)
	assert.Equal(t, 7, p.HourlyCap)
}

func TestTransitionErrorMessage(t *testing.T) {
	err := newTransitionError("pause", StatusIdle)
	assert.Contains(t, err.Error(), "pause")
	assert.Contains(t, err.Error(), "IDLE")

	var te *TransitionError
	assert.True(t, errors.As(err, &te))
}

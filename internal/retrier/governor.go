// Package retrier re-sends failed campaign messages on a timer, under the
// per-campaign RetryPolicy: cooldowns, batch sizes, hourly caps and optional
// retry windows. It is the slow second chance behind the execution loop's
// immediate requeue path.
package retrier

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/zapblast/zapblast/internal/broadcast"
	"github.com/zapblast/zapblast/internal/campaigns"
	"github.com/zapblast/zapblast/internal/messenger"
	"github.com/zapblast/zapblast/internal/observability"
	"github.com/zapblast/zapblast/internal/template"
)

// Options wires a Governor.
type Options struct {
	Store       campaigns.Store
	Messenger   messenger.Messenger
	Renderer    *template.Renderer
	Broadcaster broadcast.Broadcaster
	Gate        *messenger.SessionGate
	Counter     HourCounter
	Metrics     *observability.Metrics
	Log         *slog.Logger

	Now   func() time.Time
	Sleep campaigns.SleepFunc
	Rand  *rand.Rand

	Tick        time.Duration // default 60s
	SendTimeout time.Duration // default 30s
	// SendRate throttles retry sends globally across campaigns.
	SendRate rate.Limit // default one per 2s
}

// Governor owns the periodic retry pass.
type Governor struct {
	store       campaigns.Store
	msgr        messenger.Messenger
	renderer    *template.Renderer
	broadcaster broadcast.Broadcaster
	gate        *messenger.SessionGate
	counter     HourCounter
	metrics     *observability.Metrics
	log         *slog.Logger

	now     func() time.Time
	sleep   campaigns.SleepFunc
	rng     *rand.Rand
	limiter *rate.Limiter

	tick        time.Duration
	sendTimeout time.Duration
}

func New(opts Options) *Governor {
	g := &Governor{
		store:       opts.Store,
		msgr:        opts.Messenger,
		renderer:    opts.Renderer,
		broadcaster: opts.Broadcaster,
		gate:        opts.Gate,
		counter:     opts.Counter,
		metrics:     opts.Metrics,
		log:         opts.Log,
		now:         opts.Now,
		sleep:       opts.Sleep,
		rng:         opts.Rand,
		tick:        opts.Tick,
		sendTimeout: opts.SendTimeout,
	}
	if g.broadcaster == nil {
		g.broadcaster = broadcast.Noop{}
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.gate == nil {
		g.gate = messenger.NewSessionGate()
	}
	if g.counter == nil {
		g.counter = NewMemCounter()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.sleep == nil {
		g.sleep = campaigns.Sleep
	}
	if g.rng == nil {
		g.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if g.tick <= 0 {
		g.tick = time.Minute
	}
	if g.sendTimeout <= 0 {
		g.sendTimeout = 30 * time.Second
	}
	sendRate := opts.SendRate
	if sendRate == 0 {
		sendRate = rate.Every(2 * time.Second)
	}
	g.limiter = rate.NewLimiter(sendRate, 1)
	return g
}

// Run ticks until the context is cancelled.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	g.log.Info("retry governor started", slog.Duration("tick", g.tick))
	for {
		select {
		case <-ctx.Done():
			g.log.Info("retry governor stopped")
			return
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// Tick runs one retry pass across every enabled policy.
func (g *Governor) Tick(ctx context.Context) {
	policies, err := g.store.EnabledRetryPolicies(ctx)
	if err != nil {
		g.log.Error("list retry policies", slog.String("error", err.Error()))
		return
	}
	for _, pol := range policies {
		if ctx.Err() != nil {
			return
		}
		if err := g.runPolicy(ctx, pol); err != nil {
			g.log.Error("retry pass failed",
				slog.String("campaign_id", pol.CampaignID),
				slog.String("error", err.Error()))
		}
	}
}

func (g *Governor) runPolicy(ctx context.Context, pol *campaigns.RetryPolicy) error {
	now := g.now()

	if pol.Paused(now) {
		return nil
	}
	if !pol.InWindow(now) {
		return nil
	}

	done, err := g.counter.Count(ctx, pol.CampaignID, now)
	if err != nil {
		return fmt.Errorf("hourly count: %w", err)
	}
	if pol.HourlyCap > 0 && done >= pol.HourlyCap {
		g.log.Debug("hourly retry cap reached",
			slog.String("campaign_id", pol.CampaignID),
			slog.Int("cap", pol.HourlyCap))
		return nil
	}

	batch := pol.BatchSize
	if batch <= 0 {
		batch = 10
	}
	if pol.HourlyCap > 0 && batch > pol.HourlyCap-done {
		batch = pol.HourlyCap - done
	}

	msgs, err := g.store.RetryableMessages(ctx, pol.CampaignID, now.Add(-pol.BaseDelay), batch)
	if err != nil {
		return fmt.Errorf("list retryable messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	camp, err := g.store.Campaign(ctx, pol.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	// Retrying into a terminal campaign would resurrect it behind the
	// operator's back.
	if camp.Status.Terminal() {
		return nil
	}

	g.log.Info("retrying failed messages",
		slog.String("campaign_id", pol.CampaignID),
		slog.Int("count", len(msgs)))

	for i, m := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 {
			// Small randomized gap so retries do not land in lockstep.
			gap := time.Second + time.Duration(g.rng.Int63n(int64(2*time.Second)))
			if err := g.sleep(ctx, gap); err != nil {
				return err
			}
		}
		if err := g.retryOne(ctx, camp, pol, m); err != nil {
			return err
		}
	}

	g.emitProgress(ctx, camp.ID)
	return nil
}

func (g *Governor) retryOne(ctx context.Context, camp *campaigns.Campaign, pol *campaigns.RetryPolicy, m *campaigns.Message) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	now := g.now()
	reserved, err := g.store.ReserveForRetry(ctx, camp.ID, m.Index, now)
	if err != nil {
		return fmt.Errorf("reserve for retry: %w", err)
	}
	if reserved == nil {
		// Someone else (reset, another replica) got here first.
		return nil
	}

	if _, err := g.counter.Incr(ctx, camp.ID, now); err != nil {
		g.log.Warn("bump hourly counter", slog.String("error", err.Error()))
	}

	text := g.renderer.Render(camp.Template, reserved.Variables)

	sendCtx, cancel := context.WithTimeout(context.Background(), g.sendTimeout)
	g.gate.Lock(camp.SessionID)
	res, sendErr := g.msgr.Send(sendCtx, camp.SessionID, reserved.Phone, text)
	g.gate.Unlock(camp.SessionID)
	cancel()

	now = g.now()
	switch {
	case sendErr == nil:
		if err := g.store.MarkSent(ctx, camp.ID, reserved.Index, res.MessageID, text, now); err != nil {
			return err
		}
		if err := g.store.BumpRetryCounters(ctx, camp.ID, 1, 1, 0); err != nil {
			return err
		}
		if g.metrics != nil {
			g.metrics.RetriesTotal.WithLabelValues("sent").Inc()
		}
	case messenger.Classify(sendErr) == messenger.KindPermanent:
		if err := g.store.MarkSkipped(ctx, camp.ID, reserved.Index, sendErr.Error(), now); err != nil {
			return err
		}
		if err := g.store.BumpRetryCounters(ctx, camp.ID, 1, 0, 1); err != nil {
			return err
		}
		if g.metrics != nil {
			g.metrics.RetriesTotal.WithLabelValues("skipped").Inc()
		}
	default:
		terminal := reserved.Attempts >= reserved.MaxAttempts
		if err := g.store.MarkFailed(ctx, camp.ID, reserved.Index, sendErr.Error(), terminal, now); err != nil {
			return err
		}
		if err := g.store.BumpRetryCounters(ctx, camp.ID, 1, 0, 1); err != nil {
			return err
		}
		if g.metrics != nil {
			g.metrics.RetriesTotal.WithLabelValues("failed").Inc()
		}
		g.log.Warn("retry send failed",
			slog.String("campaign_id", camp.ID),
			slog.Int("message_index", reserved.Index),
			slog.Bool("terminal", terminal),
			slog.String("error", sendErr.Error()))
	}
	return nil
}

// ForceRetry re-sends specific failed messages right now, skipping the
// window, cooldown and cap gates. Message transitions are still honored:
// only failed rows with attempts left are touched.
func (g *Governor) ForceRetry(ctx context.Context, campaignID string, indexes []int) (int, error) {
	camp, err := g.store.Campaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	pol, err := g.store.GetRetryPolicy(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if pol == nil {
		pol = &campaigns.RetryPolicy{CampaignID: campaignID}
	}

	msgs, err := g.store.MessagesByIndexes(ctx, campaignID, indexes)
	if err != nil {
		return 0, err
	}

	retried := 0
	for i, m := range msgs {
		if m.Status != campaigns.MessageFailed || m.Attempts >= m.MaxAttempts {
			continue
		}
		if i > 0 {
			gap := time.Second + time.Duration(g.rng.Int63n(int64(2*time.Second)))
			if err := g.sleep(ctx, gap); err != nil {
				return retried, err
			}
		}
		if err := g.retryOne(ctx, camp, pol, m); err != nil {
			return retried, err
		}
		retried++
	}

	g.emitProgress(ctx, campaignID)
	return retried, nil
}

func (g *Governor) emitProgress(ctx context.Context, campaignID string) {
	c, err := g.store.Campaign(ctx, campaignID)
	if err != nil {
		return
	}
	payload := map[string]any{
		"campaignId":  c.ID,
		"name":        c.Name,
		"status":      c.Status,
		"sent":        c.SentCount,
		"failed":      c.FailedCount,
		"skipped":     c.SkippedCount,
		"total":       c.TotalCount,
		"progressPct": c.ProgressPct(),
	}
	if err := g.broadcaster.Emit(ctx, c.OwnerID, broadcast.EventCampaignProgress, payload); err != nil {
		g.log.Warn("broadcast retry progress", slog.String("error", err.Error()))
	}
}

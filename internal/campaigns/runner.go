package campaigns

import (
	"context"
	"log/slog"
	"time"

	"github.com/zapblast/zapblast/internal/broadcast"
	"github.com/zapblast/zapblast/internal/health"
	"github.com/zapblast/zapblast/internal/messenger"
	"github.com/zapblast/zapblast/internal/observability"
	"github.com/zapblast/zapblast/internal/pacing"
	"github.com/zapblast/zapblast/internal/template"
)

// SleepFunc is an interruptible sleep. Implementations return the context
// error when cancelled before the duration elapses. Tests inject instant
// variants that advance a fake clock instead of waiting.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runner is the execution loop for one RUNNING campaign. Exactly one runner
// exists per campaign at a time; the manager owns that invariant.
//
// The context passed to run carries only the pause/stop signal. Store and
// broadcast calls use their own deadlines so an outcome reached mid-cancel
// is still persisted before the loop exits.
type runner struct {
	camp        *Campaign
	store       Store
	queue       *Queue
	renderer    *template.Renderer
	policy      *pacing.Policy
	monitor     *health.Monitor
	retryPolicy *RetryPolicy
	msgr        messenger.Messenger
	broadcaster broadcast.Broadcaster
	gate        *messenger.SessionGate
	metrics     *observability.Metrics
	log         *slog.Logger

	force bool
	now   func() time.Time
	sleep SleepFunc

	sendTimeout time.Duration
	opTimeout   time.Duration

	sentSinceRest int
}

func (r *runner) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

func (r *runner) run(ctx context.Context) {
	r.log.Info("execution loop started",
		slog.String("status", string(r.camp.Status)),
		slog.Bool("force", r.force),
		slog.Int("total", r.camp.TotalCount))

	for {
		if ctx.Err() != nil {
			r.log.Info("execution loop cancelled")
			return
		}

		// The store is the source of truth for the state machine: a pause
		// or stop lands there before the cancel signal does.
		current, err := r.loadStatus()
		if err != nil {
			r.fail(err)
			return
		}
		if current != StatusRunning {
			r.log.Info("execution loop exiting", slog.String("status", string(current)))
			return
		}

		now := r.now()

		// Business-hours gate. A closed window is a sleep, not a state
		// transition.
		if !r.force && r.policy.WindowEnabled() && !r.policy.IsWithinWindow(now) {
			next := r.policy.NextSendAt(now)
			r.log.Info("outside send window, sleeping",
				slog.Time("next_window", next))
			if r.sleep(ctx, next.Sub(now)) != nil {
				return
			}
			continue
		}

		// Daily cap.
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		sentToday, err := r.countSentSince(midnight)
		if err != nil {
			r.fail(err)
			return
		}
		if sentToday >= r.policy.DailyCap() {
			wake := r.policy.NextSendAt(midnight.Add(24 * time.Hour))
			r.log.Info("daily cap reached, sleeping until tomorrow",
				slog.Int("sent_today", sentToday),
				slog.Time("wake", wake))
			if r.sleep(ctx, wake.Sub(now)) != nil {
				return
			}
			continue
		}

		// Dequeue exactly one message; the engine never buffers more.
		batch, err := r.nextBatch()
		if err != nil {
			r.fail(err)
			return
		}
		if len(batch) == 0 {
			stats, err := r.stats()
			if err != nil {
				r.fail(err)
				return
			}
			if stats.Pending == 0 && stats.Processing == 0 {
				r.complete()
				return
			}
			if r.sleep(ctx, 5*time.Second) != nil {
				return
			}
			continue
		}

		msg := batch[0]
		text := r.renderer.Render(r.camp.Template, msg.Variables)

		// Human simulation: typing time, dice-roll pauses, hesitation.
		// A cancel here releases the reservation; nothing was sent yet.
		aborted := false
		for _, p := range r.policy.ChaosPauses(len(text)) {
			if r.sleep(ctx, p.D) != nil {
				aborted = true
				break
			}
		}
		if aborted {
			octx, cancel := r.opCtx()
			if err := r.queue.Release(octx, msg); err != nil {
				r.log.Error("release reserved message",
					slog.Int("message_index", msg.Index),
					slog.String("error", err.Error()))
			}
			cancel()
			return
		}

		// The send itself is never interrupted: it gets its own deadline
		// and the outcome is recorded before the loop notices any cancel.
		start := r.now()
		sendCtx, cancelSend := context.WithTimeout(context.Background(), r.sendTimeout)
		r.gate.Lock(r.camp.SessionID)
		res, sendErr := r.msgr.Send(sendCtx, r.camp.SessionID, msg.Phone, text)
		r.gate.Unlock(r.camp.SessionID)
		cancelSend()

		if r.metrics != nil {
			r.metrics.SendDuration.Observe(time.Since(start).Seconds())
		}

		if err := r.recordOutcome(msg, text, res, sendErr); err != nil {
			r.fail(err)
			return
		}

		r.emitProgress()
		r.monitor.Report(sendErr == nil)

		if paused, reason := r.monitor.PauseRequested(); paused {
			r.pauseForHealth(reason)
			return
		}

		if sendErr == nil {
			r.sentSinceRest++
			if r.sentSinceRest >= r.policy.RestThreshold() {
				rest := r.policy.RestDuration()
				r.log.Info("rest threshold reached",
					slog.Int("sent", r.sentSinceRest),
					slog.Duration("rest", rest))
				if r.sleep(ctx, rest) != nil {
					return
				}
				r.sentSinceRest = 0
			}
		}

		if r.sleep(ctx, r.policy.InterMessageDelay()) != nil {
			return
		}
	}
}

func (r *runner) recordOutcome(msg *Message, text string, res messenger.SendResult, sendErr error) error {
	octx, cancel := r.opCtx()
	defer cancel()

	now := r.now()
	outcome := "sent"

	var err error
	switch {
	case sendErr == nil:
		err = r.store.MarkSent(octx, r.camp.ID, msg.Index, res.MessageID, text, now)
	case messenger.Classify(sendErr) == messenger.KindPermanent:
		outcome = "skipped"
		err = r.store.MarkSkipped(octx, r.camp.ID, msg.Index, sendErr.Error(), now)
	default:
		if r.retryPolicy.AllowsRequeue(msg, now) {
			outcome = "requeued"
			err = r.queue.Requeue(octx, msg, sendErr.Error())
		} else {
			outcome = "failed"
			terminal := msg.Attempts >= msg.MaxAttempts
			err = r.store.MarkFailed(octx, r.camp.ID, msg.Index, sendErr.Error(), terminal, now)
		}
	}
	if err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.SendsTotal.WithLabelValues(outcome).Inc()
	}
	if sendErr != nil {
		r.log.Warn("send failed",
			slog.Int("message_index", msg.Index),
			slog.String("phone", msg.Phone),
			slog.String("outcome", outcome),
			slog.Int("attempts", msg.Attempts),
			slog.String("error", sendErr.Error()))
	} else {
		r.log.Debug("message sent",
			slog.Int("message_index", msg.Index),
			slog.String("messenger_id", res.MessageID))
	}
	return nil
}

func (r *runner) loadStatus() (Status, error) {
	octx, cancel := r.opCtx()
	defer cancel()
	c, err := r.store.Campaign(octx, r.camp.ID)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

func (r *runner) nextBatch() ([]*Message, error) {
	octx, cancel := r.opCtx()
	defer cancel()
	return r.queue.NextBatch(octx, 1)
}

func (r *runner) stats() (QueueStats, error) {
	octx, cancel := r.opCtx()
	defer cancel()
	return r.queue.Stats(octx)
}

func (r *runner) countSentSince(since time.Time) (int, error) {
	octx, cancel := r.opCtx()
	defer cancel()
	return r.store.CountSentSince(octx, r.camp.ID, since)
}

func (r *runner) emitProgress() {
	octx, cancel := r.opCtx()
	defer cancel()

	c, err := r.store.Campaign(octx, r.camp.ID)
	if err != nil {
		r.log.Warn("load campaign for progress", slog.String("error", err.Error()))
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
	if err := r.broadcaster.Emit(octx, c.OwnerID, broadcast.EventCampaignProgress, payload); err != nil {
		r.log.Warn("broadcast progress", slog.String("error", err.Error()))
	}
}

func (r *runner) complete() {
	octx, cancel := r.opCtx()
	defer cancel()

	if err := r.store.SetStatus(octx, r.camp.ID, StatusCompleted, r.now()); err != nil {
		r.log.Error("mark completed", slog.String("error", err.Error()))
		return
	}
	r.log.Info("campaign completed")
	r.emitProgress()

	payload := map[string]any{"campaignId": r.camp.ID, "name": r.camp.Name, "event": "completed"}
	if err := r.broadcaster.Emit(octx, r.camp.OwnerID, broadcast.EventNotification, payload); err != nil {
		r.log.Warn("broadcast completion", slog.String("error", err.Error()))
	}
}

func (r *runner) pauseForHealth(reason string) {
	octx, cancel := r.opCtx()
	defer cancel()

	if err := r.store.SetStatus(octx, r.camp.ID, StatusPaused, r.now()); err != nil {
		r.log.Error("pause for health", slog.String("error", err.Error()))
		return
	}
	if err := r.store.SetLastError(octx, r.camp.ID, reason); err != nil {
		r.log.Error("record pause reason", slog.String("error", err.Error()))
	}
	if r.metrics != nil {
		r.metrics.HealthPauses.Inc()
	}
	r.log.Warn("campaign auto-paused", slog.String("reason", reason))

	stats := r.monitor.Stats()
	payload := map[string]any{
		"campaignId":          r.camp.ID,
		"level":               "critical",
		"reason":              reason,
		"banRate":             stats.BanRate,
		"consecutiveFailures": stats.ConsecutiveFailures,
	}
	if err := r.broadcaster.Emit(octx, r.camp.OwnerID, broadcast.EventCampaignAlert, payload); err != nil {
		r.log.Warn("broadcast alert", slog.String("error", err.Error()))
	}
}

func (r *runner) fail(err error) {
	octx, cancel := r.opCtx()
	defer cancel()

	r.log.Error("execution loop halted", slog.String("error", err.Error()))
	if serr := r.store.SetStatus(octx, r.camp.ID, StatusError, r.now()); serr != nil {
		r.log.Error("mark campaign errored", slog.String("error", serr.Error()))
	}
	if serr := r.store.SetLastError(octx, r.camp.ID, err.Error()); serr != nil {
		r.log.Error("record campaign error", slog.String("error", serr.Error()))
	}
}

// Package validator checks a campaign's numbers against the messenger before
// any blast starts. Lookups run strictly one at a time with a multi-second
// gap: a burst of existence queries is as detectable as a burst of messages,
// so parallel fan-out is deliberately not implemented.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/zapblast/zapblast/internal/messenger"
	"github.com/zapblast/zapblast/internal/observability"
)

// Candidate is one pending recipient to verify.
type Candidate struct {
	Index int
	Phone string
}

// Store is the narrow persistence surface the validator needs.
type Store interface {
	PendingCandidates(ctx context.Context, campaignID string) ([]Candidate, error)
	// MarkInvalid fails the message terminally and bumps the campaign's
	// failed counter.
	MarkInvalid(ctx context.Context, campaignID string, index int, reason string, at time.Time) error
}

// Detail is the per-number outcome in a Report.
type Detail struct {
	Phone  string `json:"phone"`
	Index  int    `json:"index"`
	Exists bool   `json:"exists"`
	Error  string `json:"error,omitempty"`
}

// Report aggregates a validation pass.
type Report struct {
	Total          int      `json:"total"`
	Valid          int      `json:"valid"`
	Invalid        int      `json:"invalid"`
	Skipped        bool     `json:"skipped"`
	Recommendation string   `json:"recommendation"`
	Details        []Detail `json:"details,omitempty"`
}

const invalidReason = "not on messenger"

// SleepFunc mirrors the engine's interruptible sleep.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Validator runs sequential lookups with cached pacing state.
type Validator struct {
	msgr    messenger.Messenger
	store   Store
	log     *slog.Logger
	metrics *observability.Metrics

	now           func() time.Time
	sleep         SleepFunc
	rng           *rand.Rand
	spacingMin    time.Duration
	spacingMax    time.Duration
	lookupTimeout time.Duration
	retryDelay    time.Duration
}

// Options tune the validator; zero values take defaults.
type Options struct {
	Now           func() time.Time
	Sleep         SleepFunc
	Rand          *rand.Rand
	SpacingMin    time.Duration // default 3s
	SpacingMax    time.Duration // default 5s
	LookupTimeout time.Duration // default 30s
	RetryDelay    time.Duration // default 2s
	Metrics       *observability.Metrics
}

func New(msgr messenger.Messenger, store Store, log *slog.Logger, opts Options) *Validator {
	v := &Validator{
		msgr:          msgr,
		store:         store,
		log:           log,
		metrics:       opts.Metrics,
		now:           opts.Now,
		sleep:         opts.Sleep,
		rng:           opts.Rand,
		spacingMin:    opts.SpacingMin,
		spacingMax:    opts.SpacingMax,
		lookupTimeout: opts.LookupTimeout,
		retryDelay:    opts.RetryDelay,
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.sleep == nil {
		v.sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	if v.rng == nil {
		v.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if v.spacingMin <= 0 {
		v.spacingMin = 3 * time.Second
	}
	if v.spacingMax <= v.spacingMin {
		v.spacingMax = v.spacingMin + 2*time.Second
	}
	if v.lookupTimeout <= 0 {
		v.lookupTimeout = 30 * time.Second
	}
	if v.retryDelay <= 0 {
		v.retryDelay = 2 * time.Second
	}
	return v
}

// Validate verifies every pending number of the campaign, one by one. With
// skip=true it returns an empty report immediately (force start).
func (v *Validator) Validate(ctx context.Context, campaignID, sessionID string, skip bool) (*Report, error) {
	if skip {
		return &Report{Skipped: true, Recommendation: "skipped"}, nil
	}

	candidates, err := v.store.PendingCandidates(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list pending numbers: %w", err)
	}

	report := &Report{Total: len(candidates)}
	for i, cand := range candidates {
		if i > 0 {
			gap := v.spacingMin + time.Duration(v.rng.Int63n(int64(v.spacingMax-v.spacingMin)))
			if err := v.sleep(ctx, gap); err != nil {
				return report, err
			}
		}

		exists, lerr := v.lookup(ctx, sessionID, cand.Phone)
		if lerr != nil {
			if messenger.Classify(lerr) == messenger.KindSessionLost || errors.Is(lerr, context.Canceled) {
				return report, lerr
			}
			// A lookup that keeps failing counts as invalid.
			exists = false
		}

		detail := Detail{Phone: cand.Phone, Index: cand.Index, Exists: exists}
		if lerr != nil {
			detail.Error = lerr.Error()
		}
		report.Details = append(report.Details, detail)

		if exists {
			report.Valid++
			if v.metrics != nil {
				v.metrics.LookupsTotal.WithLabelValues("valid").Inc()
			}
			continue
		}

		report.Invalid++
		if v.metrics != nil {
			v.metrics.LookupsTotal.WithLabelValues("invalid").Inc()
		}
		if err := v.store.MarkInvalid(ctx, campaignID, cand.Index, invalidReason, v.now()); err != nil {
			return report, fmt.Errorf("mark invalid: %w", err)
		}
		v.log.Info("number not on messenger",
			slog.String("campaign_id", campaignID),
			slog.String("phone", cand.Phone))
	}

	report.Recommendation = recommendation(report)
	return report, nil
}

func (v *Validator) lookup(ctx context.Context, sessionID, phone string) (bool, error) {
	var exists bool
	err := retry.Do(
		func() error {
			lctx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
			defer cancel()
			var err error
			exists, err = v.msgr.Lookup(lctx, sessionID, phone)
			return err
		},
		retry.Attempts(2),
		retry.Delay(v.retryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	return exists, err
}

func recommendation(r *Report) string {
	if r.Total == 0 {
		return "good"
	}
	validRate := float64(r.Valid) / float64(r.Total)
	switch {
	case validRate < 0.5:
		return "warning: more than half of the numbers are invalid"
	case validRate < 0.8:
		return "caution: a significant share of the numbers is invalid"
	}
	return "good"
}

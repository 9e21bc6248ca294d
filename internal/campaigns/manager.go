package campaigns

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapblast/zapblast/internal/broadcast"
	"github.com/zapblast/zapblast/internal/health"
	"github.com/zapblast/zapblast/internal/locks"
	"github.com/zapblast/zapblast/internal/messenger"
	"github.com/zapblast/zapblast/internal/observability"
	"github.com/zapblast/zapblast/internal/pacing"
	"github.com/zapblast/zapblast/internal/template"
	"github.com/zapblast/zapblast/internal/validator"
)

// Ownership decides which engine replica runs a campaign when the service is
// scaled out. Nil ownership means this replica owns everything.
type Ownership interface {
	ReplicaID() string
	AssignedOwner(campaignID string) string
}

// Options wires a Manager. Store and Messenger are required; everything else
// has a working default.
type Options struct {
	Store       Store
	Messenger   messenger.Messenger
	Broadcaster broadcast.Broadcaster
	Validator   *validator.Validator
	Locks       locks.Manager
	Ownership   Ownership
	Metrics     *observability.Metrics
	Log         *slog.Logger
	Gate        *messenger.SessionGate

	// Seed makes every random stream (shuffle, pacing, spin-text)
	// deterministic. Zero seeds from the clock.
	Seed  int64
	Now   func() time.Time
	Sleep SleepFunc

	SendTimeout   time.Duration // default 30s
	OpTimeout     time.Duration // default 10s
	ShutdownGrace time.Duration // default 60s
	ZombieGrace   time.Duration // default 60s
	LockKeyPrefix string        // default "zapblast:recover"
	LockTTLSecs   int           // default 60
}

type handle struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	monitor   *health.Monitor
}

// Manager is the campaign lifecycle façade. It owns the registry of live
// execution loops; nothing else in the process touches that map.
type Manager struct {
	store       Store
	msgr        messenger.Messenger
	broadcaster broadcast.Broadcaster
	validator   *validator.Validator
	locks       locks.Manager
	ownership   Ownership
	metrics     *observability.Metrics
	log         *slog.Logger
	renderer    *template.Renderer
	gate        *messenger.SessionGate

	seed        int64
	seedCounter int64
	seedMu      sync.Mutex

	now   func() time.Time
	sleep SleepFunc

	sendTimeout   time.Duration
	opTimeout     time.Duration
	shutdownGrace time.Duration
	zombieGrace   time.Duration
	lockKeyPrefix string
	lockTTLSecs   int

	mu         sync.Mutex
	handles    map[string]*handle
	watched    map[string]bool
	autoResume map[string]bool

	recoverMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		store:         opts.Store,
		msgr:          opts.Messenger,
		broadcaster:   opts.Broadcaster,
		validator:     opts.Validator,
		locks:         opts.Locks,
		ownership:     opts.Ownership,
		metrics:       opts.Metrics,
		log:           opts.Log,
		gate:          opts.Gate,
		seed:          opts.Seed,
		now:           opts.Now,
		sleep:         opts.Sleep,
		sendTimeout:   opts.SendTimeout,
		opTimeout:     opts.OpTimeout,
		shutdownGrace: opts.ShutdownGrace,
		zombieGrace:   opts.ZombieGrace,
		lockKeyPrefix: opts.LockKeyPrefix,
		lockTTLSecs:   opts.LockTTLSecs,
		handles:       make(map[string]*handle),
		watched:       make(map[string]bool),
		autoResume:    make(map[string]bool),
	}
	if m.broadcaster == nil {
		m.broadcaster = broadcast.Noop{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.gate == nil {
		m.gate = messenger.NewSessionGate()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sleep == nil {
		m.sleep = Sleep
	}
	if m.sendTimeout <= 0 {
		m.sendTimeout = 30 * time.Second
	}
	if m.opTimeout <= 0 {
		m.opTimeout = 10 * time.Second
	}
	if m.shutdownGrace <= 0 {
		m.shutdownGrace = 60 * time.Second
	}
	if m.zombieGrace <= 0 {
		m.zombieGrace = 60 * time.Second
	}
	if m.lockKeyPrefix == "" {
		m.lockKeyPrefix = "zapblast:recover"
	}
	if m.lockTTLSecs <= 0 {
		m.lockTTLSecs = 60
	}
	m.renderer = template.NewRenderer(m.newSource())
	return m
}

// Gate exposes the per-session send gate so the retry governor serializes
// against the same sessions.
func (m *Manager) Gate() *messenger.SessionGate { return m.gate }

// Renderer exposes the shared template renderer.
func (m *Manager) Renderer() *template.Renderer { return m.renderer }

func (m *Manager) newSource() rand.Source {
	if m.seed == 0 {
		return rand.NewSource(time.Now().UnixNano())
	}
	m.seedMu.Lock()
	m.seedCounter++
	s := m.seed + m.seedCounter
	m.seedMu.Unlock()
	return rand.NewSource(s)
}

// Create validates input, persists the campaign and its message rows in
// IDLE, and persists the retry policy when the config carries one.
func (m *Manager) Create(ctx context.Context, params CreateParams) (string, error) {
	if len(params.Contacts) == 0 {
		return "", ErrEmptyContacts
	}
	for _, ct := range params.Contacts {
		if !digitsOnly(ct.Phone) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, ct.Phone)
		}
	}
	if err := validate.Struct(params); err != nil {
		return "", fmt.Errorf("validate create params: %w", err)
	}
	if err := params.Config.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := m.now()

	camp := &Campaign{
		ID:         id,
		OwnerID:    params.OwnerID,
		SessionID:  params.SessionID,
		Name:       params.Name,
		Template:   params.Template,
		TotalCount: len(params.Contacts),
		Status:     StatusIdle,
		Config:     params.Config,
		CreatedAt:  now,
	}

	positions := ShuffledPositions(len(params.Contacts), params.Config.ShuffleEnabled(), m.newSource())
	maxAttempts := params.Config.MessageMaxAttempts()

	msgs := make([]*Message, 0, len(params.Contacts))
	for i, ct := range params.Contacts {
		t := now
		msgs = append(msgs, &Message{
			CampaignID:  id,
			Index:       i,
			QueuePos:    positions[i],
			Phone:       ct.Phone,
			ContactName: ct.Name,
			Variables:   ct.Variables,
			Status:      MessagePending,
			MaxAttempts: maxAttempts,
			ScheduledAt: &t,
		})
	}

	if err := m.store.CreateCampaign(ctx, camp, msgs); err != nil {
		return "", fmt.Errorf("persist campaign: %w", err)
	}
	if p := params.Config.BuildRetryPolicy(id); p != nil {
		if err := m.store.SaveRetryPolicy(ctx, p); err != nil {
			return "", fmt.Errorf("persist retry policy: %w", err)
		}
	}

	m.log.Info("campaign created",
		slog.String("campaign_id", id),
		slog.String("owner_id", params.OwnerID),
		slog.Int("contacts", len(params.Contacts)))

	return id, nil
}

// Start spawns the execution loop for an IDLE or STOPPED campaign, running
// phone validation first unless the config skips it.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.start(ctx, id, false)
}

// ForceStart starts immediately: validation and the business-hours window
// are bypassed, chaos, rest and health checks stay on.
func (m *Manager) ForceStart(ctx context.Context, id string) error {
	return m.start(ctx, id, true)
}

func (m *Manager) start(ctx context.Context, id string, force bool) error {
	m.mu.Lock()
	if _, live := m.handles[id]; live {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.mu.Unlock()

	c, err := m.store.Campaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != StatusIdle && c.Status != StatusStopped {
		return newTransitionError("start", c.Status)
	}

	skipValidation := force || c.Config.SkipPhoneValidation || m.validator == nil
	if !skipValidation {
		report, err := m.validator.Validate(ctx, id, c.SessionID, false)
		if err != nil {
			return fmt.Errorf("phone validation: %w", err)
		}
		m.emitNotification(ctx, c, map[string]any{
			"campaignId": id,
			"event":      "validation",
			"report":     report,
		})
	}

	if err := m.store.SetStatus(ctx, id, StatusRunning, m.now()); err != nil {
		return err
	}
	c.Status = StatusRunning

	m.spawn(c, force)
	m.watchSession(c.SessionID)
	return nil
}

// Pause transitions RUNNING to PAUSED and signals the loop to exit. The
// queue is preserved; an in-flight send finishes and its outcome is
// recorded before the loop leaves.
func (m *Manager) Pause(ctx context.Context, id string) error {
	c, err := m.store.Campaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != StatusRunning {
		return newTransitionError("pause", c.Status)
	}
	if err := m.store.SetStatus(ctx, id, StatusPaused, m.now()); err != nil {
		return err
	}
	return m.stopLoop(ctx, id)
}

// Resume transitions PAUSED to RUNNING and spawns a fresh loop. When the
// config asks for it, pending numbers are re-validated first.
func (m *Manager) Resume(ctx context.Context, id string) error {
	c, err := m.store.Campaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != StatusPaused {
		return newTransitionError("resume", c.Status)
	}

	if c.Config.RevalidateOnResume && !c.Config.SkipPhoneValidation && m.validator != nil {
		report, err := m.validator.Validate(ctx, id, c.SessionID, false)
		if err != nil {
			return fmt.Errorf("phone validation: %w", err)
		}
		m.emitNotification(ctx, c, map[string]any{
			"campaignId": id,
			"event":      "validation",
			"report":     report,
		})
	}

	if err := m.store.SetStatus(ctx, id, StatusRunning, m.now()); err != nil {
		return err
	}
	c.Status = StatusRunning

	m.spawn(c, false)
	m.watchSession(c.SessionID)
	return nil
}

// Stop transitions any non-terminal state to STOPPED and awaits loop exit.
// The queue is not reset.
func (m *Manager) Stop(ctx context.Context, id string) error {
	c, err := m.store.Campaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return newTransitionError("stop", c.Status)
	}
	if err := m.store.SetStatus(ctx, id, StatusStopped, m.now()); err != nil {
		return err
	}
	return m.stopLoop(ctx, id)
}

// Status returns the campaign snapshot: counters, derived progress, queue
// stats and, for live loops, health.
func (m *Manager) Status(ctx context.Context, id string) (*Snapshot, error) {
	c, err := m.store.Campaign(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := m.store.QueueStats(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Campaign: c, ProgressPct: c.ProgressPct(), Queue: stats}

	m.mu.Lock()
	if h, ok := m.handles[id]; ok && h.monitor != nil {
		hs := h.monitor.Stats()
		snap.Health = &hs
	}
	m.mu.Unlock()

	return snap, nil
}

// Recover scans for campaigns left RUNNING or PAUSED by a previous process,
// reconciles their counters and zombie processing rows, and respawns loops
// for the RUNNING ones. Safe to call repeatedly.
func (m *Manager) Recover(ctx context.Context, ownerID string) (int, error) {
	m.recoverMu.Lock()
	defer m.recoverMu.Unlock()

	if m.locks != nil {
		lock, ok, err := m.locks.Acquire(ctx, m.lockKeyPrefix, m.lockTTLSecs)
		if err != nil {
			m.log.Warn("recovery lock unavailable, proceeding locally",
				slog.String("error", err.Error()))
		} else if !ok {
			m.log.Info("recovery already held by another replica")
			return 0, nil
		} else {
			defer func() {
				if rerr := lock.Release(context.Background()); rerr != nil {
					m.log.Warn("release recovery lock", slog.String("error", rerr.Error()))
				}
			}()
		}
	}

	camps, err := m.store.CampaignsByStatus(ctx, StatusRunning, StatusPaused)
	if err != nil {
		return 0, err
	}

	grace := m.now().Add(-m.zombieGrace)
	respawned := 0

	for _, c := range camps {
		if ownerID != "" && c.OwnerID != ownerID {
			continue
		}
		if m.ownership != nil && m.ownership.AssignedOwner(c.ID) != m.ownership.ReplicaID() {
			continue
		}

		if n, err := m.store.ResetStuck(ctx, c.ID, grace); err != nil {
			m.log.Warn("reset stuck messages",
				slog.String("campaign_id", c.ID),
				slog.String("error", err.Error()))
		} else if n > 0 {
			m.log.Info("reset zombie messages",
				slog.String("campaign_id", c.ID),
				slog.Int("count", n))
		}
		if err := m.store.RecountCampaign(ctx, c.ID); err != nil {
			m.log.Warn("recount campaign",
				slog.String("campaign_id", c.ID),
				slog.String("error", err.Error()))
		}

		if c.Status != StatusRunning {
			continue
		}

		m.mu.Lock()
		_, live := m.handles[c.ID]
		m.mu.Unlock()
		if live {
			continue
		}

		m.spawn(c, false)
		m.watchSession(c.SessionID)
		respawned++
	}

	m.log.Info("recovery finished", slog.Int("respawned", respawned))
	return respawned, nil
}

// Cleanup deletes a terminal campaign and its messages.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	c, err := m.store.Campaign(ctx, id)
	if err != nil {
		return err
	}
	if !c.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, c.Status)
	}
	return m.store.DeleteCampaign(ctx, id)
}

// Shutdown signals every live loop and waits for them within the grace
// period. Campaign statuses stay RUNNING so recovery picks them back up.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	hs := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		h.cancel()
		hs = append(hs, h)
	}
	m.mu.Unlock()

	deadline := time.After(m.shutdownGrace)
	for _, h := range hs {
		select {
		case <-h.done:
		case <-deadline:
			m.log.Warn("shutdown grace expired with loops still live")
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunReaper periodically returns zombie processing rows (loops that died
// without a terminal transition) to pending, across all campaigns.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.ResetStuck(ctx, "", m.now().Add(-m.zombieGrace))
			if err != nil {
				m.log.Warn("reaper pass failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				m.log.Info("reaper reset zombie messages", slog.Int("count", n))
			}
		}
	}
}

func (m *Manager) spawn(c *Campaign, force bool) {
	cfg := c.Config
	rng := rand.New(m.newSource())

	pol := pacing.Resolve(pacing.Options{
		Tier:          cfg.Tier(),
		RespectWindow: cfg.RespectWindow(),
		Window:        cfg.BusinessHours,
		Overrides:     cfg.Pacing,
		Rand:          rng,
	})

	mon := health.NewMonitor(cfg.HealthThresholds, func(a health.Alert) {
		m.emitAlert(c, a)
	})

	retryPol, err := m.store.GetRetryPolicy(context.Background(), c.ID)
	if err != nil {
		m.log.Warn("load retry policy",
			slog.String("campaign_id", c.ID),
			slog.String("error", err.Error()))
	}

	log := m.log.With(slog.String("campaign_id", c.ID))

	r := &runner{
		camp:        c,
		store:       m.store,
		queue:       NewQueue(m.store, c.ID, m.newSource(), m.now),
		renderer:    m.renderer,
		policy:      pol,
		monitor:     mon,
		retryPolicy: retryPol,
		msgr:        m.msgr,
		broadcaster: m.broadcaster,
		gate:        m.gate,
		metrics:     m.metrics,
		log:         log,
		force:       force,
		now:         m.now,
		sleep:       m.sleep,
		sendTimeout: m.sendTimeout,
		opTimeout:   m.opTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{sessionID: c.SessionID, cancel: cancel, done: make(chan struct{}), monitor: mon}

	m.mu.Lock()
	m.handles[c.ID] = h
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.CampaignsActive.Inc()
	}

	go func() {
		defer func() {
			close(h.done)
			m.mu.Lock()
			if m.handles[c.ID] == h {
				delete(m.handles, c.ID)
			}
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.CampaignsActive.Dec()
			}
		}()
		r.run(ctx)
	}()
}

// stopLoop cancels a live loop and waits for it to exit.
func (m *Manager) stopLoop(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-time.After(m.shutdownGrace):
		return ErrLoopStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) watchSession(sessionID string) {
	m.mu.Lock()
	if m.watched[sessionID] {
		m.mu.Unlock()
		return
	}
	m.watched[sessionID] = true
	m.mu.Unlock()

	m.msgr.Subscribe(sessionID, func(ev messenger.Event) {
		go m.onSessionEvent(ev)
	})
}

// onSessionEvent pauses every campaign bound to a dropped session and, for
// campaigns opted into autoResume, restarts them when it reconnects.
func (m *Manager) onSessionEvent(ev messenger.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()

	switch ev.Kind {
	case messenger.EventDisconnected:
		m.mu.Lock()
		var ids []string
		for id, h := range m.handles {
			if h.sessionID == ev.SessionID {
				ids = append(ids, id)
			}
		}
		m.mu.Unlock()

		for _, id := range ids {
			c, err := m.store.Campaign(ctx, id)
			if err != nil || c.Status != StatusRunning {
				continue
			}
			if err := m.store.SetStatus(ctx, id, StatusPaused, m.now()); err != nil {
				m.log.Error("pause on session loss",
					slog.String("campaign_id", id),
					slog.String("error", err.Error()))
				continue
			}
			_ = m.store.SetLastError(ctx, id, "messenger session lost")
			if err := m.stopLoop(ctx, id); err != nil {
				m.log.Warn("stop loop on session loss",
					slog.String("campaign_id", id),
					slog.String("error", err.Error()))
			}
			if c.Config.AutoResume {
				m.mu.Lock()
				m.autoResume[id] = true
				m.mu.Unlock()
			}
			m.emitNotification(ctx, c, map[string]any{
				"campaignId": id,
				"event":      "session-lost",
			})
		}
		m.emitSessionsUpdate(ctx, ev)

	case messenger.EventConnected:
		m.mu.Lock()
		var ids []string
		for id := range m.autoResume {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		for _, id := range ids {
			c, err := m.store.Campaign(ctx, id)
			if err != nil || c.SessionID != ev.SessionID || c.Status != StatusPaused {
				continue
			}
			if err := m.Resume(ctx, id); err != nil {
				m.log.Warn("auto-resume failed",
					slog.String("campaign_id", id),
					slog.String("error", err.Error()))
				continue
			}
			m.mu.Lock()
			delete(m.autoResume, id)
			m.mu.Unlock()
		}
		m.emitSessionsUpdate(ctx, ev)
	}
}

func (m *Manager) emitSessionsUpdate(ctx context.Context, ev messenger.Event) {
	payload := map[string]any{"sessionId": ev.SessionID, "state": ev.Kind}
	if err := m.broadcaster.Emit(ctx, "sessions", broadcast.EventSessionsUpdate, payload); err != nil {
		m.log.Warn("broadcast sessions update", slog.String("error", err.Error()))
	}
}

func (m *Manager) emitAlert(c *Campaign, a health.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()

	payload := map[string]any{
		"campaignId":          c.ID,
		"level":               a.Level,
		"reason":              a.Reason,
		"banRate":             a.BanRate,
		"consecutiveFailures": a.ConsecutiveFailures,
	}
	if err := m.broadcaster.Emit(ctx, c.OwnerID, broadcast.EventCampaignAlert, payload); err != nil {
		m.log.Warn("broadcast alert", slog.String("error", err.Error()))
	}
}

func (m *Manager) emitNotification(ctx context.Context, c *Campaign, payload map[string]any) {
	if err := m.broadcaster.Emit(ctx, c.OwnerID, broadcast.EventNotification, payload); err != nil {
		m.log.Warn("broadcast notification", slog.String("error", err.Error()))
	}
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// NewValidatorStore adapts a campaign Store to the validator's narrow view.
func NewValidatorStore(s Store) validator.Store {
	return validatorStore{s: s}
}

type validatorStore struct{ s Store }

func (vs validatorStore) PendingCandidates(ctx context.Context, campaignID string) ([]validator.Candidate, error) {
	msgs, err := vs.s.PendingMessages(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	out := make([]validator.Candidate, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, validator.Candidate{Index: m.Index, Phone: m.Phone})
	}
	return out, nil
}

func (vs validatorStore) MarkInvalid(ctx context.Context, campaignID string, index int, reason string, at time.Time) error {
	return vs.s.MarkFailed(ctx, campaignID, index, reason, true, at)
}

// Package workers tracks live engine replicas so campaigns have exactly one
// home when the service is scaled out. Each replica heartbeats a row; a
// rendezvous hash over the live set assigns every campaign to one owner, and
// recovery only respawns loops for campaigns this replica owns.
package workers

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	HeartbeatInterval time.Duration
	Expiry            time.Duration
}

type Info struct {
	ID       string
	Hostname string
	AppEnv   string
	LastSeen time.Time
}

type Registry struct {
	pool      *pgxpool.Pool
	replicaID string
	hostname  string
	appEnv    string
	cfg       Config
	log       *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	cache atomic.Value // []Info
}

func NewRegistry(pool *pgxpool.Pool, replicaID, hostname, appEnv string, cfg Config, log *slog.Logger) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Expiry <= cfg.HeartbeatInterval {
		cfg.Expiry = cfg.HeartbeatInterval * 2
	}

	r := &Registry{
		pool:      pool,
		replicaID: replicaID,
		hostname:  hostname,
		appEnv:    appEnv,
		cfg:       cfg,
		log:       log,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	r.cache.Store([]Info{})
	return r
}

func (r *Registry) Start(ctx context.Context) error {
	go r.run(ctx)
	return nil
}

func (r *Registry) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})

	select {
	case <-r.doneCh:
	case <-ctx.Done():
	}
}

func (r *Registry) ReplicaID() string {
	return r.replicaID
}

func (r *Registry) ActiveReplicas() []Info {
	raw := r.cache.Load().([]Info)
	out := make([]Info, len(raw))
	copy(out, raw)
	if len(out) == 0 {
		out = append(out, Info{ID: r.replicaID, Hostname: r.hostname, AppEnv: r.appEnv, LastSeen: time.Now()})
	}
	return out
}

// AssignedOwner picks the replica that should run the campaign: highest
// rendezvous-hash score over the live set, so assignment is stable until
// membership changes and rebalances evenly when it does.
func (r *Registry) AssignedOwner(campaignID string) string {
	replicas := r.ActiveReplicas()
	if len(replicas) == 0 {
		return r.replicaID
	}

	var bestScore uint64
	var owner string

	for _, info := range replicas {
		h := fnv.New64a()
		_, _ = h.Write([]byte(campaignID))
		_, _ = h.Write([]byte(info.ID))
		score := h.Sum64()
		if owner == "" || score > bestScore || (score == bestScore && info.ID > owner) {
			bestScore = score
			owner = info.ID
		}
	}

	if owner == "" {
		return r.replicaID
	}
	return owner
}

func (r *Registry) ForceRefresh(ctx context.Context) {
	r.refreshReplicas(ctx)
}

func (r *Registry) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer close(r.doneCh)

	r.beat(ctx)

	for {
		select {
		case <-ctx.Done():
			r.deregister(context.Background())
			return
		case <-r.stopCh:
			r.deregister(context.Background())
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Registry) beat(ctx context.Context) {
	hbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.upsertReplica(hbCtx); err != nil {
		if r.log != nil {
			r.log.Warn("replica heartbeat failed",
				slog.String("replica_id", r.replicaID),
				slog.String("error", err.Error()))
		}
	}

	r.refreshReplicas(ctx)
}

func (r *Registry) upsertReplica(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO engine_replicas (replica_id, hostname, app_env, last_seen)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (replica_id) DO UPDATE
        SET hostname = EXCLUDED.hostname,
            app_env = EXCLUDED.app_env,
            last_seen = EXCLUDED.last_seen
    `, r.replicaID, r.hostname, r.appEnv)
	return err
}

func (r *Registry) refreshReplicas(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	threshold := time.Now().Add(-r.cfg.Expiry)
	rows, err := r.pool.Query(refreshCtx, `
        SELECT replica_id, hostname, last_seen
        FROM engine_replicas
        WHERE app_env = $1 AND last_seen >= $2
        ORDER BY last_seen DESC
    `, r.appEnv, threshold)
	if err != nil {
		if r.log != nil {
			r.log.Warn("list replicas failed",
				slog.String("replica_id", r.replicaID),
				slog.String("error", err.Error()))
		}
		return
	}
	defer rows.Close()

	var replicas []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.ID, &info.Hostname, &info.LastSeen); err != nil {
			if r.log != nil {
				r.log.Warn("scan replica failed",
					slog.String("replica_id", r.replicaID),
					slog.String("error", err.Error()))
			}
			return
		}
		info.AppEnv = r.appEnv
		replicas = append(replicas, info)
	}

	if len(replicas) == 0 {
		replicas = append(replicas, Info{ID: r.replicaID, Hostname: r.hostname, AppEnv: r.appEnv, LastSeen: time.Now()})
	}

	r.cache.Store(replicas)
}

func (r *Registry) deregister(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := r.pool.Exec(ctx, `DELETE FROM engine_replicas WHERE replica_id = $1`, r.replicaID); err != nil {
		if r.log != nil {
			r.log.Warn("failed to deregister replica",
				slog.String("replica_id", r.replicaID),
				slog.String("error", err.Error()))
		}
	}
}

package campaigns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the PostgreSQL Store. Queue reservations use single-row
// UPDATE ... FOR UPDATE SKIP LOCKED so replicas polling the same campaign
// can never double-assign a message, and every status transition adjusts
// the campaign counters in the same transaction.
type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const messageColumns = `
	campaign_id, idx, queue_pos, phone, contact_name, variables, rendered_text,
	status, attempts, max_attempts, messenger_message_id, last_error,
	processing_started_at, sent_at, failed_at, scheduled_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		m           Message
		contactName *string
		variables   []byte
		rendered    *string
		messengerID *string
		lastError   *string
	)
	err := row.Scan(
		&m.CampaignID, &m.Index, &m.QueuePos, &m.Phone, &contactName, &variables, &rendered,
		&m.Status, &m.Attempts, &m.MaxAttempts, &messengerID, &lastError,
		&m.ProcessingStartedAt, &m.SentAt, &m.FailedAt, &m.ScheduledAt,
	)
	if err != nil {
		return nil, err
	}
	if contactName != nil {
		m.ContactName = *contactName
	}
	if rendered != nil {
		m.RenderedText = *rendered
	}
	if messengerID != nil {
		m.MessengerID = *messengerID
	}
	if lastError != nil {
		m.LastError = *lastError
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &m.Variables); err != nil {
			return nil, fmt.Errorf("decode message variables: %w", err)
		}
	}
	return &m, nil
}

func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign, msgs []*Message) error {
	cfgJSON, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encode campaign config: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO campaigns (
			id, owner_id, session_id, name, template, total_count, status, config, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.OwnerID, c.SessionID, c.Name, c.Template, c.TotalCount, c.Status, cfgJSON, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		varsJSON, err := json.Marshal(m.Variables)
		if err != nil {
			return fmt.Errorf("encode message variables: %w", err)
		}
		batch.Queue(`
			INSERT INTO campaign_messages (
				campaign_id, idx, queue_pos, phone, contact_name, variables,
				status, attempts, max_attempts, scheduled_at
			) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
		`, m.CampaignID, m.Index, m.QueuePos, m.Phone, m.ContactName, varsJSON,
			m.Status, m.Attempts, m.MaxAttempts, m.ScheduledAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit campaign: %w", err)
	}
	return nil
}

const campaignColumns = `
	id, owner_id, session_id, name, template, total_count,
	sent_count, failed_count, skipped_count, current_index,
	status, config, last_error, created_at,
	started_at, paused_at, resumed_at, completed_at, stopped_at`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var (
		c         Campaign
		cfgJSON   []byte
		lastError *string
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.SessionID, &c.Name, &c.Template, &c.TotalCount,
		&c.SentCount, &c.FailedCount, &c.SkippedCount, &c.CurrentIndex,
		&c.Status, &cfgJSON, &lastError, &c.CreatedAt,
		&c.StartedAt, &c.PausedAt, &c.ResumedAt, &c.CompletedAt, &c.StoppedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastError != nil {
		c.LastError = *lastError
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &c.Config); err != nil {
			return nil, fmt.Errorf("decode campaign config: %w", err)
		}
	}
	return &c, nil
}

func (r *Repository) Campaign(ctx context.Context, id string) (*Campaign, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *Repository) CampaignsByStatus(ctx context.Context, statuses ...Status) ([]*Campaign, error) {
	list := make([]string, 0, len(statuses))
	for _, st := range statuses {
		list = append(list, string(st))
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`, list)
	if err != nil {
		return nil, fmt.Errorf("query campaigns by status: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return out, nil
}

func (r *Repository) DeleteCampaign(ctx context.Context, id string) error {
	// Messages go with the campaign via ON DELETE CASCADE.
	result, err := r.pool.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetStatus(ctx context.Context, id string, st Status, at time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET
			status = $1,
			started_at   = CASE WHEN $1 = 'RUNNING' AND started_at IS NULL THEN $2 ELSE started_at END,
			resumed_at   = CASE WHEN $1 = 'RUNNING' AND started_at IS NOT NULL THEN $2 ELSE resumed_at END,
			paused_at    = CASE WHEN $1 = 'PAUSED' THEN $2 ELSE paused_at END,
			completed_at = CASE WHEN $1 = 'COMPLETED' THEN $2 ELSE completed_at END,
			stopped_at   = CASE WHEN $1 = 'STOPPED' THEN $2 ELSE stopped_at END
		WHERE id = $3
	`, string(st), at, id)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetLastError(ctx context.Context, id, msg string) error {
	_, err := r.pool.Exec(ctx, `UPDATE campaigns SET last_error = NULLIF($1, '') WHERE id = $2`, msg, id)
	if err != nil {
		return fmt.Errorf("set campaign last error: %w", err)
	}
	return nil
}

func (r *Repository) RecountCampaign(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns c SET
			sent_count    = s.sent,
			failed_count  = s.failed,
			skipped_count = s.skipped
		FROM (
			SELECT
				COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0)    AS sent,
				COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)  AS failed,
				COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0) AS skipped
			FROM campaign_messages WHERE campaign_id = $1
		) s
		WHERE c.id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("recount campaign: %w", err)
	}
	return nil
}

func (r *Repository) ReserveNextPending(ctx context.Context, campaignID string, at time.Time) (*Message, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE campaign_messages SET
			status = 'processing',
			attempts = attempts + 1,
			processing_started_at = $2
		WHERE campaign_id = $1 AND idx = (
			SELECT idx FROM campaign_messages
			WHERE campaign_id = $1 AND status = 'pending'
			ORDER BY queue_pos ASC, idx ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns, campaignID, at)

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve next pending: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE campaigns SET current_index = $1 WHERE id = $2`, m.Index, campaignID); err != nil {
		return nil, fmt.Errorf("advance current index: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return m, nil
}

func (r *Repository) ReserveForRetry(ctx context.Context, campaignID string, index int, at time.Time) (*Message, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE campaign_messages SET
			status = 'processing',
			attempts = attempts + 1,
			processing_started_at = $3
		WHERE campaign_id = $1 AND idx = $2 AND status = 'failed'
		RETURNING `+messageColumns, campaignID, index, at)

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve for retry: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE campaigns SET failed_count = GREATEST(failed_count - 1, 0) WHERE id = $1
	`, campaignID); err != nil {
		return nil, fmt.Errorf("decrement failed count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit retry reserve: %w", err)
	}
	return m, nil
}

func (r *Repository) ReleaseMessage(ctx context.Context, campaignID string, index int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaign_messages SET
			status = 'pending',
			attempts = GREATEST(attempts - 1, 0),
			processing_started_at = NULL
		WHERE campaign_id = $1 AND idx = $2 AND status = 'processing'
	`, campaignID, index)
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

func (r *Repository) RequeueMessage(ctx context.Context, campaignID string, index int, queuePos float64, reason string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var oldStatus string
	err = tx.QueryRow(ctx, `
		UPDATE campaign_messages m SET
			status = 'pending',
			queue_pos = $3,
			last_error = NULLIF($4, ''),
			scheduled_at = $5,
			processing_started_at = NULL
		FROM (
			SELECT campaign_id, idx, status AS old_status
			FROM campaign_messages
			WHERE campaign_id = $1 AND idx = $2
			FOR UPDATE
		) old
		WHERE m.campaign_id = old.campaign_id AND m.idx = old.idx
		  AND old.old_status IN ('processing', 'failed')
		RETURNING old.old_status
	`, campaignID, index, queuePos, reason, at).Scan(&oldStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return tx.Commit(ctx)
	}
	if err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}

	if oldStatus == "failed" {
		if _, err := tx.Exec(ctx, `
			UPDATE campaigns SET failed_count = GREATEST(failed_count - 1, 0) WHERE id = $1
		`, campaignID); err != nil {
			return fmt.Errorf("decrement failed count: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit requeue: %w", err)
	}
	return nil
}

func (r *Repository) MarkSent(ctx context.Context, campaignID string, index int, messengerID, rendered string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE campaign_messages SET
			status = 'sent',
			messenger_message_id = $3,
			rendered_text = $4,
			sent_at = $5,
			last_error = NULL
		WHERE campaign_id = $1 AND idx = $2
	`, campaignID, index, messengerID, rendered, at)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrMessageNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE campaigns SET sent_count = sent_count + 1 WHERE id = $1`, campaignID); err != nil {
		return fmt.Errorf("increment sent count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark sent: %w", err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, campaignID string, index int, reason string, terminal bool, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE campaign_messages SET
			status = 'failed',
			last_error = $3,
			failed_at = $4,
			attempts = CASE WHEN $5 THEN GREATEST(attempts, max_attempts) ELSE attempts END
		WHERE campaign_id = $1 AND idx = $2
	`, campaignID, index, reason, at, terminal)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrMessageNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE campaigns SET failed_count = failed_count + 1 WHERE id = $1`, campaignID); err != nil {
		return fmt.Errorf("increment failed count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark failed: %w", err)
	}
	return nil
}

func (r *Repository) MarkSkipped(ctx context.Context, campaignID string, index int, reason string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE campaign_messages SET
			status = 'skipped',
			last_error = $3
		WHERE campaign_id = $1 AND idx = $2
	`, campaignID, index, reason)
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrMessageNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE campaigns SET skipped_count = skipped_count + 1 WHERE id = $1`, campaignID); err != nil {
		return fmt.Errorf("increment skipped count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark skipped: %w", err)
	}
	return nil
}

func (r *Repository) ResetFailed(ctx context.Context, campaignID string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE campaign_messages SET status = 'pending'
		WHERE campaign_id = $1 AND status = 'failed' AND attempts < max_attempts
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}
	count := int(result.RowsAffected())

	if count > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE campaigns SET failed_count = GREATEST(failed_count - $1, 0) WHERE id = $2
		`, count, campaignID); err != nil {
			return 0, fmt.Errorf("decrement failed count: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reset failed: %w", err)
	}
	return count, nil
}

func (r *Repository) ResetStuck(ctx context.Context, campaignID string, olderThan time.Time) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE campaign_messages SET
			status = 'pending',
			attempts = GREATEST(attempts - 1, 0),
			processing_started_at = NULL,
			last_error = 'processing timeout'
		WHERE status = 'processing'
		  AND processing_started_at <= $1
		  AND ($2 = '' OR campaign_id = $2)
	`, olderThan, campaignID)
	if err != nil {
		return 0, fmt.Errorf("reset stuck messages: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func (r *Repository) QueueStats(ctx context.Context, campaignID string) (QueueStats, error) {
	var st QueueStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)    AS pending,
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0) AS processing,
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0)       AS sent,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)     AS failed,
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0)    AS skipped
		FROM campaign_messages
		WHERE campaign_id = $1
	`, campaignID).Scan(&st.Pending, &st.Processing, &st.Sent, &st.Failed, &st.Skipped)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (r *Repository) PendingMessages(ctx context.Context, campaignID string) ([]*Message, error) {
	return r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM campaign_messages
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY queue_pos ASC, idx ASC
	`, campaignID)
}

func (r *Repository) RetryableMessages(ctx context.Context, campaignID string, failedBefore time.Time, limit int) ([]*Message, error) {
	return r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM campaign_messages
		WHERE campaign_id = $1
		  AND status = 'failed'
		  AND attempts < max_attempts
		  AND (failed_at IS NULL OR failed_at < $2)
		ORDER BY failed_at ASC NULLS FIRST
		LIMIT $3
	`, campaignID, failedBefore, limit)
}

func (r *Repository) MessagesByIndexes(ctx context.Context, campaignID string, indexes []int) ([]*Message, error) {
	list := make([]int32, 0, len(indexes))
	for _, i := range indexes {
		list = append(list, int32(i))
	}
	return r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM campaign_messages
		WHERE campaign_id = $1 AND idx = ANY($2)
	`, campaignID, list)
}

func (r *Repository) NthPendingPos(ctx context.Context, campaignID string, n int) (float64, bool, error) {
	if n < 1 {
		return 0, false, nil
	}
	var pos float64
	err := r.pool.QueryRow(ctx, `
		SELECT queue_pos FROM campaign_messages
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY queue_pos ASC, idx ASC
		OFFSET $2 LIMIT 1
	`, campaignID, n-1).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("nth pending pos: %w", err)
	}
	return pos, true, nil
}

func (r *Repository) CountSentSince(ctx context.Context, campaignID string, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_messages
		WHERE campaign_id = $1 AND status = 'sent' AND sent_at >= $2
	`, campaignID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sent since: %w", err)
	}
	return count, nil
}

const retryPolicyColumns = `
	campaign_id, enabled, max_attempts, base_delay_seconds, batch_size, hourly_cap,
	windowed_only, window_start_hour, window_end_hour, window_days, paused_until,
	attempted, succeeded, failed`

func scanRetryPolicy(row pgx.Row) (*RetryPolicy, error) {
	var (
		p            RetryPolicy
		delaySeconds int
		days         []int32
	)
	err := row.Scan(
		&p.CampaignID, &p.Enabled, &p.MaxAttempts, &delaySeconds, &p.BatchSize, &p.HourlyCap,
		&p.WindowedOnly, &p.WindowStartHour, &p.WindowEndHour, &days, &p.PausedUntil,
		&p.Attempted, &p.Succeeded, &p.Failed,
	)
	if err != nil {
		return nil, err
	}
	p.BaseDelay = time.Duration(delaySeconds) * time.Second
	for _, d := range days {
		p.WindowDays = append(p.WindowDays, time.Weekday(d))
	}
	return &p, nil
}

func (r *Repository) GetRetryPolicy(ctx context.Context, campaignID string) (*RetryPolicy, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+retryPolicyColumns+` FROM retry_policies WHERE campaign_id = $1
	`, campaignID)
	p, err := scanRetryPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get retry policy: %w", err)
	}
	return p, nil
}

func (r *Repository) SaveRetryPolicy(ctx context.Context, p *RetryPolicy) error {
	days := make([]int32, 0, len(p.WindowDays))
	for _, d := range p.WindowDays {
		days = append(days, int32(d))
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO retry_policies (
			campaign_id, enabled, max_attempts, base_delay_seconds, batch_size, hourly_cap,
			windowed_only, window_start_hour, window_end_hour, window_days, paused_until,
			attempted, succeeded, failed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (campaign_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			max_attempts = EXCLUDED.max_attempts,
			base_delay_seconds = EXCLUDED.base_delay_seconds,
			batch_size = EXCLUDED.batch_size,
			hourly_cap = EXCLUDED.hourly_cap,
			windowed_only = EXCLUDED.windowed_only,
			window_start_hour = EXCLUDED.window_start_hour,
			window_end_hour = EXCLUDED.window_end_hour,
			window_days = EXCLUDED.window_days,
			paused_until = EXCLUDED.paused_until
	`, p.CampaignID, p.Enabled, p.MaxAttempts, int(p.BaseDelay.Seconds()), p.BatchSize, p.HourlyCap,
		p.WindowedOnly, p.WindowStartHour, p.WindowEndHour, days, p.PausedUntil,
		p.Attempted, p.Succeeded, p.Failed)
	if err != nil {
		return fmt.Errorf("save retry policy: %w", err)
	}
	return nil
}

func (r *Repository) EnabledRetryPolicies(ctx context.Context) ([]*RetryPolicy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+retryPolicyColumns+` FROM retry_policies WHERE enabled ORDER BY campaign_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query retry policies: %w", err)
	}
	defer rows.Close()

	var out []*RetryPolicy
	for rows.Next() {
		p, err := scanRetryPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry policy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retry policies: %w", err)
	}
	return out, nil
}

func (r *Repository) BumpRetryCounters(ctx context.Context, campaignID string, attempted, succeeded, failed int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE retry_policies SET
			attempted = attempted + $1,
			succeeded = succeeded + $2,
			failed = failed + $3
		WHERE campaign_id = $4
	`, attempted, succeeded, failed, campaignID)
	if err != nil {
		return fmt.Errorf("bump retry counters: %w", err)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

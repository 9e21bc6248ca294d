package campaigns

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Queue is the per-campaign view of pending work. It leans on the store's
// atomic reserve so no message is ever handed out twice concurrently.
type Queue struct {
	store      Store
	campaignID string

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewQueue binds a queue to one campaign. A nil source seeds from the clock.
func NewQueue(store Store, campaignID string, src rand.Source, now func() time.Time) *Queue {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{store: store, campaignID: campaignID, rng: rand.New(src), now: now}
}

// NextBatch reserves up to limit pending messages in queue order. Each
// reserved message is already in processing when returned.
func (q *Queue) NextBatch(ctx context.Context, limit int) ([]*Message, error) {
	var out []*Message
	for i := 0; i < limit; i++ {
		m, err := q.store.ReserveNextPending(ctx, q.campaignID, q.now())
		if err != nil {
			return out, err
		}
		if m == nil {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

// Requeue returns a message to pending. When pending work remains, the
// message lands at a random spot inside the skip window (15-20% of the
// remaining queue) instead of the front, so retries do not recreate the
// exact ordering a bot would produce.
func (q *Queue) Requeue(ctx context.Context, m *Message, reason string) error {
	stats, err := q.store.QueueStats(ctx, q.campaignID)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}

	pos := m.QueuePos
	if stats.Pending > 0 {
		q.mu.Lock()
		windowPct := 15 + q.rng.Intn(6) // 15-20%
		window := stats.Pending * windowPct / 100
		if window < 1 {
			window = 1
		}
		skip := 1 + q.rng.Intn(window)
		q.mu.Unlock()

		if skip > stats.Pending {
			skip = stats.Pending
		}
		nth, ok, err := q.store.NthPendingPos(ctx, q.campaignID, skip)
		if err != nil {
			return fmt.Errorf("nth pending pos: %w", err)
		}
		if ok {
			// Half a step past the n-th pending message slots it between
			// that message and the next.
			pos = nth + 0.5
		}
	}

	return q.store.RequeueMessage(ctx, q.campaignID, m.Index, pos, reason, q.now())
}

// Release undoes a reservation without consuming an attempt. Used when the
// loop is cancelled between reserving and sending.
func (q *Queue) Release(ctx context.Context, m *Message) error {
	return q.store.ReleaseMessage(ctx, q.campaignID, m.Index)
}

// ResetFailed moves retry-eligible failed messages back to pending.
func (q *Queue) ResetFailed(ctx context.Context) (int, error) {
	return q.store.ResetFailed(ctx, q.campaignID)
}

// Stats counts the campaign's messages by status.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	return q.store.QueueStats(ctx, q.campaignID)
}

// ShuffledPositions deals queue positions for n messages: a Fisher-Yates
// permutation when shuffle is on, identity order otherwise.
func ShuffledPositions(n int, shuffle bool, src rand.Source) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	if !shuffle || n < 2 {
		return out
	}
	rng := rand.New(src)
	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

package campaigns

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCampaign(t *testing.T, store *MemStore, n int) string {
	t.Helper()
	now := time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)
	camp := &Campaign{
		ID: "c1", OwnerID: "u1", SessionID: "s1", Name: "q", Template: "t",
		TotalCount: n, Status: StatusIdle, CreatedAt: now,
	}
	msgs := make([]*Message, n)
	for i := 0; i < n; i++ {
		msgs[i] = &Message{
			CampaignID: "c1", Index: i, QueuePos: float64(i),
			Phone: "628111", Status: MessagePending, MaxAttempts: 3,
		}
	}
	require.NoError(t, store.CreateCampaign(context.Background(), camp, msgs))
	return camp.ID
}

func TestShuffledPositions(t *testing.T) {
	t.Parallel()

	identity := ShuffledPositions(5, false, rand.NewSource(1))
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, identity)

	shuffled := ShuffledPositions(100, true, rand.NewSource(1))
	seen := make(map[float64]bool)
	for _, p := range shuffled {
		seen[p] = true
	}
	assert.Len(t, seen, 100, "permutation must not repeat positions")

	again := ShuffledPositions(100, true, rand.NewSource(1))
	assert.Equal(t, shuffled, again, "same seed, same permutation")
}

func TestNextBatchReturnsQueueOrder(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	id := seedCampaign(t, store, 5)
	q := NewQueue(store, id, rand.NewSource(1), nil)

	batch, err := q.NextBatch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, 0, batch[0].Index)
	assert.Equal(t, 1, batch[1].Index)
	assert.Equal(t, 2, batch[2].Index)

	for _, m := range batch {
		assert.Equal(t, MessageProcessing, m.Status)
		assert.Equal(t, 1, m.Attempts)
	}
}

func TestNoMessageYieldedTwiceConcurrently(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	id := seedCampaign(t, store, 40)

	var (
		mu      sync.Mutex
		indexes []int
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			q := NewQueue(store, id, rand.NewSource(seed), nil)
			for {
				batch, err := q.NextBatch(context.Background(), 1)
				if !assert.NoError(t, err) {
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				indexes = append(indexes, batch[0].Index)
				mu.Unlock()
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Len(t, indexes, 40)
	seen := make(map[int]bool)
	for _, i := range indexes {
		assert.False(t, seen[i], "index %d reserved twice", i)
		seen[i] = true
	}
}

func TestRequeuePlacesMessageInsideSkipWindow(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	id := seedCampaign(t, store, 20)
	q := NewQueue(store, id, rand.NewSource(7), nil)

	batch, err := q.NextBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	m := batch[0]

	require.NoError(t, q.Requeue(context.Background(), m, "transient failure"))

	msgs, err := store.MessagesByIndexes(context.Background(), id, []int{m.Index})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessagePending, msgs[0].Status)
	assert.Equal(t, 1, msgs[0].Attempts, "requeue keeps the consumed attempt")
	assert.Equal(t, "transient failure", msgs[0].LastError)
	assert.Greater(t, msgs[0].QueuePos, 1.0, "requeued message must not return to the front")

	// It comes back later, not immediately.
	next, err := q.NextBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.NotEqual(t, m.Index, next[0].Index)
}

func TestReleaseReturnsAttempt(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	id := seedCampaign(t, store, 2)
	q := NewQueue(store, id, rand.NewSource(1), nil)

	batch, err := q.NextBatch(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, q.Release(context.Background(), batch[0]))

	msgs, err := store.MessagesByIndexes(context.Background(), id, []int{batch[0].Index})
	require.NoError(t, err)
	assert.Equal(t, MessagePending, msgs[0].Status)
	assert.Zero(t, msgs[0].Attempts)
}

func TestResetFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	id := seedCampaign(t, store, 3)
	q := NewQueue(store, id, rand.NewSource(1), nil)
	now := time.Now()

	// One retry-eligible failure, one terminal failure.
	for i := 0; i < 2; i++ {
		_, err := store.ReserveNextPending(ctx, id, now)
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkFailed(ctx, id, 0, "boom", false, now))
	require.NoError(t, store.MarkFailed(ctx, id, 1, "gone", true, now))

	count, err := q.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Failed)

	c, err := store.Campaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.FailedCount)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	id := seedCampaign(t, store, 4)
	q := NewQueue(store, id, rand.NewSource(1), nil)
	now := time.Now()

	_, err := store.ReserveNextPending(ctx, id, now)
	require.NoError(t, err)
	require.NoError(t, store.MarkSent(ctx, id, 0, "m1", "text", now))

	_, err = store.ReserveNextPending(ctx, id, now)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Pending: 2, Processing: 1, Sent: 1}, stats)
}

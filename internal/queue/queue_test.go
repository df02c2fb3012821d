package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petmind/mnemo/pkg/types"
)

// memQueueStore is an in-memory QueueStore for tests.
type memQueueStore struct {
	items []types.QueueItem
	err   error
}

func (m *memQueueStore) PersistQueue(ctx context.Context, items []types.QueueItem) error {
	if m.err != nil {
		return m.err
	}
	m.items = append([]types.QueueItem(nil), items...)
	return nil
}

func (m *memQueueStore) RestoreQueue(ctx context.Context) ([]types.QueueItem, error) {
	if m.err != nil {
		return nil, m.err
	}
	return append([]types.QueueItem(nil), m.items...), nil
}

func item(id string, importance float64) types.QueueItem {
	return types.QueueItem{
		RecordID:   id,
		Content:    "content of " + id,
		Importance: importance,
		EnqueuedAt: time.Now(),
	}
}

func TestDequeueDrainsHighPriorityFirst(t *testing.T) {
	q := NewVectorQueue(0.7, 3)

	q.Enqueue(item("a", 0.9))
	q.Enqueue(item("b", 0.3))
	q.Enqueue(item("c", 0.8))
	q.Enqueue(item("d", 0.2))

	batch := q.DequeueBatch(4)
	require.Len(t, batch, 4)

	got := make([]string, len(batch))
	for i, it := range batch {
		got[i] = it.RecordID
	}
	assert.Equal(t, []string{"a", "c", "b", "d"}, got)
}

func TestDequeueBatchRespectsLimit(t *testing.T) {
	q := NewVectorQueue(0.7, 3)
	for i := 0; i < 5; i++ {
		q.Enqueue(item(fmt.Sprintf("r%d", i), 0.5))
	}

	batch := q.DequeueBatch(2)
	assert.Len(t, batch, 2)
	assert.Equal(t, 3, q.Len())

	assert.Nil(t, q.DequeueBatch(0))
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q := NewVectorQueue(0.7, 3)
	assert.Nil(t, q.DequeueBatch(8))
}

func TestRequeuePreservesRoutingAndCountsRetries(t *testing.T) {
	q := NewVectorQueue(0.7, 2)
	cause := errors.New("provider down")

	it := item("a", 0.9)
	require.True(t, q.Requeue(it, cause))

	batch := q.DequeueBatch(1)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].RetryCount)
}

func TestRetryExhaustionReportsPermanentFailure(t *testing.T) {
	q := NewVectorQueue(0.7, 1)
	cause := errors.New("provider down")

	it := item("a", 0.5)
	require.True(t, q.Requeue(it, cause)) // retry 1, still within budget

	it = q.DequeueBatch(1)[0]
	assert.False(t, q.Requeue(it, cause)) // retry 2 exceeds budget

	select {
	case failed := <-q.Failures():
		assert.Equal(t, "a", failed.Item.RecordID)
		assert.ErrorContains(t, failed.Err, "retries exhausted")
	default:
		t.Fatal("expected a permanent failure report")
	}
	assert.Equal(t, 0, q.Len())
}

func TestPersistRestoreKeepsOrder(t *testing.T) {
	q := NewVectorQueue(0.7, 3)
	store := &memQueueStore{}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		// Alternate priorities so the restored queue must re-derive routing.
		imp := 0.3
		if i%2 == 0 {
			imp = 0.9
		}
		q.Enqueue(item(fmt.Sprintf("r%d", i), imp))
	}

	require.NoError(t, q.Persist(ctx, store))

	restored := NewVectorQueue(0.7, 3)
	n, err := restored.Restore(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	want := q.DequeueBatch(10)
	got := restored.DequeueBatch(10)
	require.Len(t, got, 10)
	for i := range want {
		assert.Equal(t, want[i].RecordID, got[i].RecordID, "position %d", i)
	}
}

func TestRestorePropagatesStoreError(t *testing.T) {
	q := NewVectorQueue(0.7, 3)
	store := &memQueueStore{err: errors.New("disk gone")}

	_, err := q.Restore(context.Background(), store)
	assert.Error(t, err)
}

func TestSnapshotDoesNotConsume(t *testing.T) {
	q := NewVectorQueue(0.7, 3)
	q.Enqueue(item("a", 0.9))
	q.Enqueue(item("b", 0.1))

	snap := q.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, "a", snap[0].RecordID)
}

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, logger.NoOpLogFactory, Config{})
}

func TestDispatch_RoutesByPriority(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Dispatch(ctx, TaskRunStep, map[string]interface{}{"job_id": "j1"}, model.PriorityHigh, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), b.rdb.LLen(ctx, queueKey(model.PriorityHigh)).Val())
	require.Equal(t, int64(0), b.rdb.LLen(ctx, queueKey(model.PriorityDefault)).Val())

	taskID, ok, err := b.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, taskID)
}

func TestDispatch_UnknownPriorityFallsBackToDefault(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Dispatch(ctx, TaskRunStep, map[string]interface{}{"job_id": "j1"}, model.Priority("nonsense"), nil, nil)
	require.NoError(t, err)

	// high queue should be empty, default should have the task.
	require.Equal(t, int64(0), b.rdb.LLen(ctx, queueKey(model.PriorityHigh)).Val())
	require.Equal(t, int64(1), b.rdb.LLen(ctx, queueKey(model.PriorityDefault)).Val())
	_, ok, err := b.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDispatch_DeduplicatesWithinWindow(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	args := map[string]interface{}{"job_id": "j1"}

	h1, err := b.Dispatch(ctx, TaskRunStep, args, model.PriorityDefault, nil, nil)
	require.NoError(t, err)
	h2, err := b.Dispatch(ctx, TaskRunStep, args, model.PriorityDefault, nil, nil)
	require.NoError(t, err)

	require.Equal(t, h1.ID, h2.ID, "identical dispatch should be deduplicated to the same handle")
}

func TestInspect_UnknownTaskReturnsUnknownState(t *testing.T) {
	b := newTestBroker(t)
	rec := b.Inspect(context.Background(), TaskHandle{ID: "does-not-exist"})
	require.Equal(t, TaskStateUnknown, rec.State)
}

func TestInspect_BrokerUnreachableSurfacesUnknown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := New(rdb, logger.NoOpLogFactory, Config{})
	mr.Close() // simulate broker outage

	rec := b.Inspect(context.Background(), TaskHandle{ID: "whatever"})
	require.Equal(t, TaskStateUnknown, rec.State)
}

func TestRevoke_SetsRevokedState(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	handle, err := b.Dispatch(ctx, TaskRunStep, map[string]interface{}{"job_id": "j1"}, model.PriorityHigh, nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.Revoke(ctx, handle, true))
	rec := b.Inspect(ctx, handle)
	require.Equal(t, TaskStateRevoked, rec.State)
}

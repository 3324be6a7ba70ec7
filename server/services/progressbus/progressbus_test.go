package progressbus

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

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, logger.NoOpLogFactory)
}

func TestPublish_CachesLatestValue(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	event := model.ProgressEvent{JobID: "j1", Status: model.StepStatusRunning, Progress: 50, Timestamp: time.Now()}

	require.NoError(t, bus.Publish(ctx, "j1", event))

	latest, ok, err := bus.Latest(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.Progress, latest.Progress)
}

func TestSubscribe_DeliversCachedLatestFirst(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, "j1", model.ProgressEvent{JobID: "j1", Status: model.StepStatusRunning, Progress: 10}))

	events, stop, err := bus.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer stop()

	select {
	case first := <-events:
		require.Equal(t, float64(10), first.Progress)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cached latest-value delivery")
	}
}

func TestSubscribe_DeliversLiveEventsInPublishOrder(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, stop, err := bus.Subscribe(ctx, "j2")
	require.NoError(t, err)
	defer stop()

	go func() {
		for i := 0; i < 3; i++ {
			_ = bus.Publish(ctx, "j2", model.ProgressEvent{JobID: "j2", Progress: float64(i * 10)})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	var got []float64
	for i := 0; i < 3; i++ {
		select {
		case e := <-events:
			got = append(got, e.Progress)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for live event")
		}
	}
	require.Equal(t, []float64{0, 10, 20}, got)
}

type fakeConn struct {
	written []interface{}
	pings   int
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.written = append(f.written, v)
	return nil
}
func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.pings++
	return nil
}
func (f *fakeConn) Close() error { return nil }

func TestDeliverTo_EndsOnTerminalEvent(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	conn := &fakeConn{}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = bus.Publish(ctx, "j3", model.ProgressEvent{JobID: "j3", Status: model.StepStatusCompleted, Progress: 100})
	}()

	err := bus.DeliverTo(ctx, conn, "j3", 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, conn.written, 1)
}

// Package progressbus implements the Progress Bus (spec §4.3): publishing
// step progress events to Redis pub/sub with a cached latest-value for
// late subscribers, and pumping a subscription to a WebSocket with
// heartbeats.
package progressbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/buildbeaver/ingestioncore/common/gerror"
	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
)

const (
	latestValueTTL   = 24 * time.Hour
	defaultHeartbeat = 30 * time.Second
)

func channelName(jobID string) string { return "progress:" + jobID }
func latestKey(jobID string) string   { return "latest:" + jobID }

// Bus is a Redis-backed progress event distributor. Events are delivered
// in publish order per job (spec §4.3's ordering guarantee); no ordering
// is promised across jobs.
type Bus struct {
	log logger.Log
	rdb *redis.Client
}

func New(rdb *redis.Client, logFactory logger.LogFactory) *Bus {
	return &Bus{log: logFactory("ProgressBus"), rdb: rdb}
}

// Publish writes event to the job's channel and refreshes its
// latest-value cache entry (spec §4.3).
func (b *Bus) Publish(ctx context.Context, jobID string, event model.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return gerror.StepExecutionFailed("failed to serialize progress event", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.Publish(ctx, channelName(jobID), payload)
	pipe.Set(ctx, latestKey(jobID), payload, latestValueTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return gerror.StepDispatchFailed("failed to publish progress event", err)
	}
	return nil
}

// Latest returns the cached latest event for jobID, if any has been
// published within the last 24 hours.
func (b *Bus) Latest(ctx context.Context, jobID string) (*model.ProgressEvent, bool, error) {
	raw, err := b.rdb.Get(ctx, latestKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, gerror.HealthDegraded("failed to read cached progress", err)
	}
	var event model.ProgressEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, false, gerror.StepExecutionFailed("failed to decode cached progress", err)
	}
	return &event, true, nil
}

// Subscribe returns a channel of events for jobID. The cached latest
// value, if any, is delivered first, then live events (spec §4.3). The
// returned cancel func must be called to release the subscription.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan model.ProgressEvent, func(), error) {
	sub := b.rdb.Subscribe(ctx, channelName(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, gerror.StepDispatchFailed("failed to subscribe to progress channel", err)
	}

	// Read the cached value before returning, so an event published after
	// Subscribe returns is delivered once, live, rather than also as the
	// cached value.
	latest, hasLatest, err := b.Latest(ctx, jobID)
	if err != nil {
		hasLatest = false
	}

	out := make(chan model.ProgressEvent, 16)
	cancel := func() { _ = sub.Close() }

	go func() {
		defer close(out)
		if hasLatest {
			select {
			case out <- *latest:
			case <-ctx.Done():
				return
			}
		}
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event model.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.log.WithField("error", err).Warn("dropping malformed progress event")
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// WebSocketWriter abstracts the subset of *websocket.Conn DeliverTo needs,
// so it can be tested without a real connection.
type WebSocketWriter interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DeliverTo pumps jobID's subscription to conn, emitting a heartbeat
// frame every heartbeat interval when no event arrives, and ending the
// stream once a terminal-status event is observed or the connection
// closes (spec §4.3). heartbeat <= 0 uses the default of 30s.
func (b *Bus) DeliverTo(ctx context.Context, conn WebSocketWriter, jobID string, heartbeat time.Duration) error {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	events, cancel, err := b.Subscribe(ctx, jobID)
	if err != nil {
		return err
	}
	defer cancel()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(event); err != nil {
				return err
			}
			// A terminal status on a step-level event only ends that step;
			// the stream ends on the job-level terminal event (empty Step).
			if event.Step == "" && event.Status.HasFinished() {
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Package broker implements the Task Broker Adapter (spec §4.2): a
// Redis-backed priority queue that dispatches run_step and
// orchestrate_pipeline units of work to a distributed worker fleet, with
// cancellation and health introspection. Broker or network errors are
// surfaced as TaskStateUnknown rather than a Go error wherever the caller
// must not assume failure (spec §4.2 "Failure semantics").
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/buildbeaver/ingestioncore/common/gerror"
	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
)

// TaskState mirrors spec §4.2's inspect() state enum.
type TaskState string

const (
	TaskStatePending TaskState = "PENDING"
	TaskStateRunning TaskState = "RUNNING"
	TaskStateSuccess TaskState = "SUCCESS"
	TaskStateFailure TaskState = "FAILURE"
	TaskStateRevoked TaskState = "REVOKED"
	TaskStateUnknown TaskState = "UNKNOWN"
)

// TaskName names the two unit-of-work kinds the broker dispatches.
type TaskName string

const (
	TaskRunStep             TaskName = "run_step"
	TaskOrchestratePipeline TaskName = "orchestrate_pipeline"
)

// TaskHandle is the stable reference returned by Dispatch.
type TaskHandle struct {
	ID string `json:"id"`
}

// TaskRecord is the broker's view of one dispatched task.
type TaskRecord struct {
	State    TaskState              `json:"state"`
	TaskName TaskName               `json:"task_name,omitempty"`
	Info     map[string]interface{} `json:"info,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// WorkerStats answers spec §4.2's inspect_workers() for health checks.
type WorkerStats struct {
	ActiveCount         int `json:"active_count"`
	RegisteredTaskCount int `json:"registered_task_count"`
}

const (
	taskTimeoutDefault = 3600 * time.Second
	dedupWindow        = 10 * time.Minute
)

func queueKey(priority model.Priority) string {
	return "ingestioncore:queue:" + string(priority)
}

func taskKey(id string) string { return "ingestioncore:task:" + id }

func dedupKey(fingerprint string) string { return "ingestioncore:dedup:" + fingerprint }

func workersKey() string { return "ingestioncore:workers:active" }

// Broker dispatches tasks onto three priority queues (spec §4.2: high,
// default, low) backed by Redis lists, with task state kept in a Redis
// hash per task id. Every Redis call is wrapped in a circuit breaker so a
// broker outage surfaces as TaskStateUnknown rather than hanging callers.
type Broker struct {
	log     logger.Log
	rdb     *redis.Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

type Config struct {
	TaskTimeout time.Duration
}

func New(rdb *redis.Client, logFactory logger.LogFactory, cfg Config) *Broker {
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = taskTimeoutDefault
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-redis",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Broker{
		log:     logFactory("Broker"),
		rdb:     rdb,
		cb:      cb,
		timeout: timeout,
	}
}

// Dispatch enqueues a task onto the queue matching priority (unknown
// priorities fall back to default, per spec §4.2) and records its initial
// PENDING state. A fingerprint of (taskName, args) deduplicates resubmits
// within dedupWindow: a matching in-flight task's handle is returned
// instead of enqueuing a duplicate.
func (b *Broker) Dispatch(ctx context.Context, taskName TaskName, args map[string]interface{}, priority model.Priority, eta, countdown *time.Duration) (TaskHandle, error) {
	if !priority.Valid() {
		priority = model.PriorityDefault
	}

	fingerprint, err := computeFingerprint(taskName, args)
	if err != nil {
		return TaskHandle{}, gerror.StepDispatchFailed("failed to fingerprint task", err)
	}

	if existing, ok, err := b.lookupDedup(ctx, fingerprint); err == nil && ok {
		state := b.Inspect(ctx, TaskHandle{ID: existing}).State
		if state == TaskStatePending || state == TaskStateRunning {
			b.log.WithField("task_id", existing).Debug("deduplicated dispatch to in-flight task")
			return TaskHandle{ID: existing}, nil
		}
	}

	handle := TaskHandle{ID: uuid.NewString()}
	payload, err := json.Marshal(map[string]interface{}{
		"id":        handle.ID,
		"task_name": taskName,
		"args":      args,
		"eta":       eta,
		"countdown": countdown,
	})
	if err != nil {
		return TaskHandle{}, gerror.StepDispatchFailed("failed to serialize task args", err)
	}

	_, err = b.withBreaker(ctx, func(ctx context.Context) (interface{}, error) {
		pipe := b.rdb.TxPipeline()
		pipe.HSet(ctx, taskKey(handle.ID), "state", string(TaskStatePending), "payload", string(payload))
		pipe.LPush(ctx, queueKey(priority), handle.ID)
		pipe.Set(ctx, dedupKey(fingerprint), handle.ID, dedupWindow)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return TaskHandle{}, gerror.StepDispatchFailed("broker dispatch failed", err)
	}
	return handle, nil
}

// Inspect reports a task's current state. Broker/network errors surface
// as TaskStateUnknown, never as a Go error, matching spec §4.2.
func (b *Broker) Inspect(ctx context.Context, handle TaskHandle) TaskRecord {
	v, err := b.withBreaker(ctx, func(ctx context.Context) (interface{}, error) {
		return b.rdb.HGetAll(ctx, taskKey(handle.ID)).Result()
	})
	if err != nil {
		return TaskRecord{State: TaskStateUnknown, Error: err.Error()}
	}
	fields, _ := v.(map[string]string)
	if len(fields) == 0 {
		return TaskRecord{State: TaskStateUnknown}
	}
	rec := TaskRecord{State: TaskState(fields["state"])}
	if rec.State == "" {
		rec.State = TaskStateUnknown
	}
	if result, ok := fields["result"]; ok && result != "" {
		_ = json.Unmarshal([]byte(result), &rec.Result)
	}
	if errStr, ok := fields["error"]; ok {
		rec.Error = errStr
	}
	if payload, ok := fields["payload"]; ok && payload != "" {
		var decoded struct {
			TaskName TaskName               `json:"task_name"`
			Args     map[string]interface{} `json:"args"`
		}
		if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
			rec.Info = decoded.Args
			rec.TaskName = decoded.TaskName
		}
	}
	return rec
}

// Revoke requests termination (terminate=true) or cooperative shutdown
// (terminate=false) of the task. The broker itself only records the
// request; the worker fleet observes it via polling or a pub/sub signal
// out of this package's scope.
func (b *Broker) Revoke(ctx context.Context, handle TaskHandle, terminate bool) error {
	state := TaskStateRevoked
	_, err := b.withBreaker(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, b.rdb.HSet(ctx, taskKey(handle.ID), "state", string(state), "terminate", terminate).Err()
	})
	if err != nil {
		return gerror.StepDispatchFailed("revoke failed", err)
	}
	return nil
}

// InspectWorkers answers spec §4.2's health-check query. Returns a zero
// value (not an error) if Redis is unreachable, since health checks
// themselves must not hard-fail on broker degradation.
func (b *Broker) InspectWorkers(ctx context.Context) WorkerStats {
	v, err := b.withBreaker(ctx, func(ctx context.Context) (interface{}, error) {
		return b.rdb.SCard(ctx, workersKey()).Result()
	})
	if err != nil {
		return WorkerStats{}
	}
	active, _ := v.(int64)
	return WorkerStats{ActiveCount: int(active), RegisteredTaskCount: len(registeredTaskNames)}
}

var registeredTaskNames = []TaskName{TaskRunStep, TaskOrchestratePipeline}

// SetTaskState is used by the worker side to report RUNNING/SUCCESS/
// FAILURE transitions back through the broker.
func (b *Broker) SetTaskState(ctx context.Context, handle TaskHandle, state TaskState, result map[string]interface{}, errMsg string) error {
	fields := map[string]interface{}{"state": string(state)}
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return gerror.StepExecutionFailed("failed to serialize task result", err)
		}
		fields["result"] = string(encoded)
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	_, err := b.withBreaker(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, b.rdb.HSet(ctx, taskKey(handle.ID), fields).Err()
	})
	if err != nil {
		return gerror.StepDispatchFailed("failed to record task state", err)
	}
	return nil
}

// Dequeue blocks (up to timeout) for the next task id across the three
// queues, polling strictly high, then default, then low each cycle (no
// cross-queue rebalancing, per spec §4.2).
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error) {
	queues := make([]string, 0, 3)
	for _, p := range model.QueueOrder() {
		queues = append(queues, queueKey(p))
	}
	v, err := b.withBreaker(ctx, func(ctx context.Context) (interface{}, error) {
		return b.rdb.BRPop(ctx, timeout, queues...).Result()
	})
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, gerror.StepDispatchFailed("dequeue failed", err)
	}
	pair, _ := v.([]string)
	if len(pair) != 2 {
		return "", false, nil
	}
	return pair[1], true, nil
}

func (b *Broker) lookupDedup(ctx context.Context, fingerprint string) (string, bool, error) {
	v, err := b.withBreaker(ctx, func(ctx context.Context) (interface{}, error) {
		return b.rdb.Get(ctx, dedupKey(fingerprint)).Result()
	})
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, err
	}
	id, _ := v.(string)
	return id, id != "", nil
}

func (b *Broker) withBreaker(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
}

func computeFingerprint(taskName TaskName, args map[string]interface{}) (string, error) {
	h, err := hashstructure.Hash(struct {
		Name TaskName
		Args map[string]interface{}
	}{Name: taskName, Args: args}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h), nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
	"github.com/buildbeaver/ingestioncore/server/services/broker"
	"github.com/buildbeaver/ingestioncore/server/services/registry"
	"github.com/buildbeaver/ingestioncore/step"
	"github.com/buildbeaver/ingestioncore/worker/steprunner"
)

// flakyStep fails the first failCount invocations, then succeeds.
type flakyStep struct {
	failCount int
	calls     int
}

func (f *flakyStep) Run(ctx context.Context, in step.Input, onProgress func(float64, string)) (step.Result, error) {
	f.calls++
	onProgress(0, "starting")
	if f.calls <= f.failCount {
		return step.Result{}, errFlaky
	}
	onProgress(100, "done")
	return step.Result{Progress: 100}, nil
}

func (f *flakyStep) Status() string                                             { return "flaky" }
func (f *flakyStep) Stop(ctx context.Context) error                             { return nil }
func (f *flakyStep) Cancel(ctx context.Context) error                           { return nil }
func (f *flakyStep) IngestionUpdate(ctx context.Context, p map[string]interface{}) error { return nil }

var errFlaky = errors.New("boom")

// fakeBroker stands in for the Task Broker Adapter (C2): a dispatched
// run_step task is executed synchronously against a real steprunner.Runner
// and its terminal state recorded, so Inspect never has to be polled more
// than once. dispatches counts every Dispatch call, letting tests assert
// on scenario 6's "two dispatches observed on the broker" (spec §8).
type fakeBroker struct {
	mu         sync.Mutex
	dispatches int
	runner     *steprunner.Runner
	results    map[string]broker.TaskRecord
}

func newFakeBroker(runner *steprunner.Runner) *fakeBroker {
	return &fakeBroker{runner: runner, results: make(map[string]broker.TaskRecord)}
}

func (f *fakeBroker) Dispatch(ctx context.Context, taskName broker.TaskName, args map[string]interface{}, priority model.Priority, eta, countdown *time.Duration) (broker.TaskHandle, error) {
	f.mu.Lock()
	f.dispatches++
	id := fmt.Sprintf("task-%d", f.dispatches)
	f.mu.Unlock()

	jobID, _ := args["job_id"].(string)
	stepName, _ := args["step"].(string)
	repoPath, _ := args["repository_path"].(string)
	options, _ := args["config"].(map[string]interface{})

	out := f.runner.Run(ctx, jobID, repoPath, model.StepConfig{Name: stepName, Options: options})
	result, err := steprunner.EncodeOutput(out)
	if err != nil {
		return broker.TaskHandle{}, err
	}

	state := broker.TaskStateSuccess
	if out.Status == model.StepStatusFailed {
		state = broker.TaskStateFailure
	}

	f.mu.Lock()
	f.results[id] = broker.TaskRecord{State: state, Result: result, Error: out.Error}
	f.mu.Unlock()
	return broker.TaskHandle{ID: id}, nil
}

func (f *fakeBroker) Inspect(ctx context.Context, handle broker.TaskHandle) broker.TaskRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[handle.ID]
}

func (f *fakeBroker) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches
}

func newTestOrchestrator(t *testing.T, factories map[string]step.Factory) (*Orchestrator, *fakeBroker, *clock.Mock) {
	t.Helper()
	sources := make([]registry.Source, 0, len(factories))
	for name, f := range factories {
		name, f := name, f
		sources = append(sources, func() (string, step.Factory, error) { return name, f, nil })
	}
	reg := registry.New(logger.NoOpLogFactory, sources...)
	require.NoError(t, reg.Discover())

	metrics := steprunner.NewMetrics(nil)
	runner := steprunner.New(reg, nil, metrics, logger.NoOpLogFactory)
	fb := newFakeBroker(runner)
	mockClock := clock.NewMock()
	orch := New(fb, nil, logger.NoOpLogFactory).WithClock(mockClock)
	return orch, fb, mockClock
}

func TestOrchestrator_EmptyStepsCompletesImmediately(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, nil)
	j := &model.Job{JobID: "j1"}
	err := orch.Run(context.Background(), j, "/repo")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, j.Status)
	require.Equal(t, float64(100), j.OverallProgress)
}

func TestOrchestrator_DuplicateStepNamesRejected(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, nil)
	j := &model.Job{JobID: "j1", StepConfigs: []model.StepConfig{{Name: "filesystem"}, {Name: "filesystem"}}}
	err := orch.Run(context.Background(), j, "/repo")
	require.Error(t, err)
}

func TestOrchestrator_FailureStopsPipeline(t *testing.T) {
	flaky := &flakyStep{failCount: 999}
	orch, _, _ := newTestOrchestrator(t, map[string]step.Factory{
		"x": func() step.Step { return flaky },
	})
	// MaxRetries defaults to 0, so this never blocks on the mock clock.
	j := &model.Job{JobID: "j1", StepConfigs: []model.StepConfig{{Name: "x"}, {Name: "y"}}}

	err := orch.Run(context.Background(), j, "/repo")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, j.Status)
	require.Contains(t, j.Error, "x")
	require.Contains(t, j.Error, "boom")
	require.Equal(t, model.StepStatusPending, j.Steps["y"].Status, "y must never have executed")
	require.Equal(t, float64(0), j.OverallProgress, "only x was non-pending and it failed at 0")
}

func TestFinalStatus_TieBreak(t *testing.T) {
	require.Equal(t, model.JobStatusFailed, finalStatus(true, true))
	require.Equal(t, model.JobStatusCancelled, finalStatus(false, true))
	require.Equal(t, model.JobStatusCompleted, finalStatus(false, false))
}

func TestOrchestrator_GlobalRetryBlockAppliesWithoutPerStepOverride(t *testing.T) {
	flaky := &flakyStep{failCount: 1}
	orch, fb, mockClock := newTestOrchestrator(t, map[string]step.Factory{
		"globalretry": func() step.Step { return flaky },
	})
	j := &model.Job{
		JobID:       "j1",
		Retry:       &model.RetryConfig{MaxRetries: 1, BackoffSeconds: 1},
		StepConfigs: []model.StepConfig{{Name: "globalretry"}},
	}

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background(), j, "/repo") }()

	time.Sleep(20 * time.Millisecond)
	mockClock.Add(2 * time.Second)

	require.NoError(t, <-done)
	require.Equal(t, model.JobStatusCompleted, j.Status)
	require.Equal(t, 2, fb.dispatchCount())
}

func TestOrchestrator_RetryThenSuccess(t *testing.T) {
	flaky := &flakyStep{failCount: 1}
	orch, fb, mockClock := newTestOrchestrator(t, map[string]step.Factory{
		"retrystep": func() step.Step { return flaky },
	})
	j := &model.Job{
		JobID: "j1",
		StepConfigs: []model.StepConfig{
			{Name: "retrystep", Retry: &model.RetryConfig{MaxRetries: 2, BackoffSeconds: 1}},
		},
	}

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background(), j, "/repo") }()

	// Give the run goroutine a chance to block on the mock clock's After
	// before advancing it past the single backoff window this scenario
	// needs.
	time.Sleep(20 * time.Millisecond)
	mockClock.Add(2 * time.Second)

	err := <-done
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, j.Status)
	require.Equal(t, 1, j.Steps["retrystep"].RetryCount)
	require.Equal(t, 2, flaky.calls)
	require.Equal(t, 2, fb.dispatchCount(), "one dispatch per attempt: first failure plus the retry that succeeds")
}

package job

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
	"github.com/buildbeaver/ingestioncore/server/services/broker"
	"github.com/buildbeaver/ingestioncore/server/services/dependency"
	"github.com/buildbeaver/ingestioncore/server/services/progressbus"
	"github.com/buildbeaver/ingestioncore/server/services/registry"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	b := broker.New(rdb, logger.NoOpLogFactory, broker.Config{})
	bus := progressbus.New(rdb, logger.NoOpLogFactory)
	sched := dependency.New(rdb, logger.NoOpLogFactory)
	reg := registry.New(logger.NoOpLogFactory)
	require.NoError(t, reg.Discover())
	return New(b, bus, sched, reg, logger.NoOpLogFactory)
}

func TestStart_ValidRequestDispatchesImmediately(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	result, err := s.Start(ctx, Request{SourceType: model.SourceKindLocalPath, Source: "/repo", Steps: []string{"filesystem"}})
	require.NoError(t, err)
	require.NotEmpty(t, result.JobID)

	got, err := s.Get(ctx, result.JobID)
	require.NoError(t, err)
	require.Contains(t, []model.JobStatus{model.JobStatusPending, model.JobStatusRunning}, got.Status)
}

func TestStart_RejectsBranchWithLocalPath(t *testing.T) {
	s := newTestService(t)
	_, err := s.Start(context.Background(), Request{SourceType: model.SourceKindLocalPath, Source: "/repo", Branch: "main"})
	require.Error(t, err)
}

func TestStart_RejectsDuplicateStepNames(t *testing.T) {
	s := newTestService(t)
	_, err := s.Start(context.Background(), Request{
		SourceType: model.SourceKindLocalPath,
		Source:     "/repo",
		Steps:      []string{"filesystem", "filesystem"},
	})
	require.Error(t, err)
}

func TestStart_RejectsUnknownStepName(t *testing.T) {
	s := newTestService(t)
	_, err := s.Start(context.Background(), Request{
		SourceType: model.SourceKindLocalPath,
		Source:     "/repo",
		Steps:      []string{"not_a_real_step"},
	})
	require.Error(t, err)
}

func TestStart_WithDependencies_HoldsJobPending(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	result, err := s.Start(ctx, Request{
		SourceType:   model.SourceKindLocalPath,
		Source:       "/repo",
		Dependencies: []string{"some-upstream-job"},
	})
	require.NoError(t, err)
	require.Equal(t, model.JobStatusPending, result.Status)
	require.Contains(t, result.Message, "some-upstream-job")

	got, err := s.Get(ctx, result.JobID)
	require.NoError(t, err)
	require.Contains(t, got.Message, "some-upstream-job")
}

func TestGet_UnknownJobReturnsNotFound(t *testing.T) {
	s := newTestService(t)
	_, err := s.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestCancel_IsIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	result, err := s.Start(ctx, Request{SourceType: model.SourceKindLocalPath, Source: "/repo", Steps: []string{"filesystem"}})
	require.NoError(t, err)

	first, err := s.Cancel(ctx, result.JobID)
	require.NoError(t, err)
	second, err := s.Cancel(ctx, result.JobID)
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, model.JobStatusCancelled, second.Status)
}

func TestStart_RejectsMalformedIgnorePattern(t *testing.T) {
	s := newTestService(t)
	_, err := s.Start(context.Background(), Request{
		SourceType: model.SourceKindLocalPath,
		Source:     "/repo",
		Steps:      []string{"filesystem"},
		Options:    map[string]interface{}{"ignore_patterns": []interface{}{"[unterminated"}},
	})
	require.Error(t, err)
}

func TestStart_AcceptsValidIgnorePatterns(t *testing.T) {
	s := newTestService(t)
	_, err := s.Start(context.Background(), Request{
		SourceType: model.SourceKindLocalPath,
		Source:     "/repo",
		Steps:      []string{"filesystem"},
		Options:    map[string]interface{}{"ignore_patterns": []interface{}{".git", "**/*.pyc"}},
	})
	require.NoError(t, err)
}

func TestGet_JoinsBrokerSuccessIntoCompletedStatus(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	result, err := s.Start(ctx, Request{SourceType: model.SourceKindLocalPath, Source: "/repo", Steps: []string{"filesystem"}})
	require.NoError(t, err)

	// Stand in for the worker: pop the orchestrate_pipeline task and mark
	// it done.
	taskID, ok, err := s.broker.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.broker.SetTaskState(ctx, broker.TaskHandle{ID: taskID}, broker.TaskStateSuccess, nil, ""))

	got, err := s.Get(ctx, result.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, got.Status)
	require.Equal(t, float64(100), got.OverallProgress)
}

func TestGet_CompletedJobReleasesDependents(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	resultA, err := s.Start(ctx, Request{SourceType: model.SourceKindLocalPath, Source: "/repo", Steps: []string{"filesystem"}})
	require.NoError(t, err)

	resultB, err := s.Start(ctx, Request{
		SourceType:   model.SourceKindLocalPath,
		Source:       "/repo2",
		Steps:        []string{"filesystem"},
		Dependencies: []string{resultA.JobID},
	})
	require.NoError(t, err)
	require.Equal(t, model.JobStatusPending, resultB.Status)

	taskID, ok, err := s.broker.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.broker.SetTaskState(ctx, broker.TaskHandle{ID: taskID}, broker.TaskStateSuccess, nil, ""))

	// Observing A's completion must trigger the dependent-release scan.
	gotA, err := s.Get(ctx, resultA.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, gotA.Status)

	gotB, err := s.Get(ctx, resultB.JobID)
	require.NoError(t, err)
	require.Empty(t, gotB.Message, "B's waiting message must clear once released")

	// B's orchestrate task is now on the queue.
	_, ok, err = s.broker.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestList_SortByWhitelistedFieldOnly(t *testing.T) {
	s := newTestService(t)
	_, err := s.List(context.Background(), ListFilter{SortBy: "not_a_real_field"})
	require.Error(t, err)
}

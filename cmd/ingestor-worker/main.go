// Command ingestor-worker binds to the ingestion queue family and
// executes run_step / orchestrate_pipeline tasks dispatched by the Job
// Service, one at a time (prefetch = 1, spec §4.2), via the Pipeline
// Orchestrator. It is the composition root for the worker process.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
	"github.com/buildbeaver/ingestioncore/internal/config"
	"github.com/buildbeaver/ingestioncore/server/services/broker"
	"github.com/buildbeaver/ingestioncore/server/services/progressbus"
	"github.com/buildbeaver/ingestioncore/server/services/registry"
	"github.com/buildbeaver/ingestioncore/worker/orchestrator"
	"github.com/buildbeaver/ingestioncore/worker/steprunner"
)

const dequeueTimeout = 5 * time.Second

func main() {
	root := &cobra.Command{
		Use:   "ingestor-worker",
		Short: "Executes ingestion pipeline steps dispatched by the Job Service",
		RunE:  run,
	}
	config.RegisterFlags(root.Flags())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	logRegistry, err := logger.NewLogRegistry(cfg.LogLevels)
	if err != nil {
		return err
	}
	logFactory := logger.MakeLogrusLogFactory(logRegistry)
	log := logFactory("main")

	kvOpts, err := redis.ParseURL(cfg.KeyValueURI)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(kvOpts)
	defer rdb.Close()

	brokerOpts, err := redis.ParseURL(cfg.BrokerURI)
	if err != nil {
		return err
	}
	brokerRDB := redis.NewClient(brokerOpts)
	defer brokerRDB.Close()

	metricsRegistry := prometheus.NewRegistry()
	metrics := steprunner.NewMetrics(metricsRegistry)

	stepRegistry := registry.New(logFactory)
	if err := stepRegistry.Discover(); err != nil {
		log.WithField("error", err).Warn("some step registrations were skipped during discovery")
	}

	b := broker.New(brokerRDB, logFactory, broker.Config{TaskTimeout: cfg.TaskTimeout})
	bus := progressbus.New(rdb, logFactory)
	runner := steprunner.New(stepRegistry, bus, metrics, logFactory).WithTimeout(cfg.TaskTimeout)
	orch := orchestrator.New(b, bus, logFactory)

	go serveMetrics(cfg, metricsRegistry, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	log.Info("starting ingestor-worker")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		taskID, ok, err := b.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			log.WithField("error", err).Error("dequeue failed")
			continue
		}
		if !ok {
			continue
		}
		handleTask(ctx, b, orch, runner, log, taskID)
	}
}

// handleTask dispatches a dequeued task to its handler by task_name.
// orchestrate_pipeline and run_step share the same three priority queues
// (spec §4.2), so the same worker loop serves both; an orchestrate_pipeline
// task blocks here polling the run_step tasks it dispatches, which is why
// a deployment runs more than one ingestor-worker process against the
// queue family rather than just one.
func handleTask(ctx context.Context, b *broker.Broker, orch *orchestrator.Orchestrator, runner *steprunner.Runner, log logger.Log, taskID string) {
	handle := broker.TaskHandle{ID: taskID}
	rec := b.Inspect(ctx, handle)
	if rec.State == broker.TaskStateUnknown {
		log.WithField("task_id", taskID).Warn("skipping task with unknown state")
		return
	}
	if rec.State == broker.TaskStateRevoked {
		log.WithField("task_id", taskID).Info("skipping revoked task")
		return
	}

	if err := b.SetTaskState(ctx, handle, broker.TaskStateRunning, nil, ""); err != nil {
		log.WithField("error", err).Warn("failed to record running state")
	}

	switch rec.TaskName {
	case broker.TaskRunStep:
		handleRunStep(ctx, b, runner, log, handle, rec)
	default:
		handleOrchestratePipeline(ctx, b, orch, log, handle, rec)
	}
}

// handleOrchestratePipeline drives one job's steps to completion via the
// Pipeline Orchestrator (C5), which itself dispatches each step as a
// run_step task through the broker (spec §4.5 step 2).
func handleOrchestratePipeline(ctx context.Context, b *broker.Broker, orch *orchestrator.Orchestrator, log logger.Log, handle broker.TaskHandle, rec broker.TaskRecord) {
	payload, err := decodePipelinePayload(rec)
	if err != nil {
		log.WithField("task_id", handle.ID).WithField("error", err).Error("malformed orchestrate_pipeline payload")
		_ = b.SetTaskState(ctx, handle, broker.TaskStateFailure, nil, err.Error())
		return
	}

	j := &model.Job{JobID: payload.JobID, StepConfigs: payload.StepConfigs, Priority: payload.Priority, Retry: payload.Retry}
	if err := orch.Run(ctx, j, payload.RepositoryPath); err != nil {
		_ = b.SetTaskState(ctx, handle, broker.TaskStateFailure, nil, err.Error())
		return
	}

	state := broker.TaskStateSuccess
	if j.Status == model.JobStatusFailed {
		state = broker.TaskStateFailure
	}
	_ = b.SetTaskState(ctx, handle, state, map[string]interface{}{"status": j.Status}, j.Error)
}

// handleRunStep executes a single step via the Step Runner (C4) on behalf
// of whichever orchestrator dispatched it, reporting the encoded Output
// back through the broker's task result.
func handleRunStep(ctx context.Context, b *broker.Broker, runner *steprunner.Runner, log logger.Log, handle broker.TaskHandle, rec broker.TaskRecord) {
	payload, err := decodeRunStepPayload(rec)
	if err != nil {
		log.WithField("task_id", handle.ID).WithField("error", err).Error("malformed run_step payload")
		_ = b.SetTaskState(ctx, handle, broker.TaskStateFailure, nil, err.Error())
		return
	}

	cfg := model.StepConfig{Name: payload.Step, Options: payload.Config}
	out := runner.Run(ctx, payload.JobID, payload.RepositoryPath, cfg)

	result, err := steprunner.EncodeOutput(out)
	if err != nil {
		_ = b.SetTaskState(ctx, handle, broker.TaskStateFailure, nil, err.Error())
		return
	}

	state := broker.TaskStateSuccess
	if out.Status == model.StepStatusFailed {
		state = broker.TaskStateFailure
	}
	_ = b.SetTaskState(ctx, handle, state, result, out.Error)
}

type pipelinePayloadShape struct {
	JobID          string             `json:"job_id"`
	RepositoryPath string             `json:"repository_path"`
	StepConfigs    []model.StepConfig `json:"step_configs"`
	Priority       model.Priority     `json:"priority,omitempty"`
	Retry          *model.RetryConfig `json:"retry,omitempty"`
}

func decodePipelinePayload(rec broker.TaskRecord) (pipelinePayloadShape, error) {
	var shape pipelinePayloadShape
	raw, err := json.Marshal(rec.Info)
	if err != nil {
		return shape, err
	}
	err = json.Unmarshal(raw, &shape)
	return shape, err
}

type runStepPayloadShape struct {
	JobID          string                 `json:"job_id"`
	Step           string                 `json:"step"`
	RepositoryPath string                 `json:"repository_path"`
	Config         map[string]interface{} `json:"config"`
}

func decodeRunStepPayload(rec broker.TaskRecord) (runStepPayloadShape, error) {
	var shape runStepPayloadShape
	raw, err := json.Marshal(rec.Info)
	if err != nil {
		return shape, err
	}
	err = json.Unmarshal(raw, &shape)
	return shape, err
}

func serveMetrics(cfg *config.Config, reg *prometheus.Registry, log logger.Log) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil && err != http.ErrServerClosed {
		log.WithField("error", err).Warn("metrics server stopped")
	}
}

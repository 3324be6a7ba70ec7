// Package orchestrator implements the Pipeline Orchestrator (spec §4.5):
// sequencing a job's steps through the Step Runner, applying retries with
// backoff, aggregating overall_progress and deriving the job's final
// status.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/buildbeaver/ingestioncore/common/gerror"
	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
	"github.com/buildbeaver/ingestioncore/server/services/broker"
	"github.com/buildbeaver/ingestioncore/server/services/progressbus"
	"github.com/buildbeaver/ingestioncore/worker/steprunner"
)

const (
	defaultMaxRetries     = 0
	defaultBackoffSeconds = 1.0
	maxBackoffSeconds     = 300.0
	defaultPollInterval   = 250 * time.Millisecond
)

// Broker is the slice of the Task Broker Adapter (C2) the orchestrator
// needs: dispatch a run_step task and poll it to a terminal state, per
// spec §4.5 step 2 ("dispatch a run_step task via C2. Await its terminal
// state"). Accepting this narrow interface instead of *broker.Broker
// keeps the orchestrator testable without a real broker.
type Broker interface {
	Dispatch(ctx context.Context, taskName broker.TaskName, args map[string]interface{}, priority model.Priority, eta, countdown *time.Duration) (broker.TaskHandle, error)
	Inspect(ctx context.Context, handle broker.TaskHandle) broker.TaskRecord
}

// Orchestrator runs one job's steps to completion, in order.
type Orchestrator struct {
	log          logger.Log
	broker       Broker
	bus          *progressbus.Bus
	clock        clock.Clock
	pollInterval time.Duration
}

func New(b Broker, bus *progressbus.Bus, logFactory logger.LogFactory) *Orchestrator {
	return &Orchestrator{
		log:          logFactory("Orchestrator"),
		broker:       b,
		bus:          bus,
		clock:        clock.New(),
		pollInterval: defaultPollInterval,
	}
}

// WithClock overrides the orchestrator's clock, for deterministic backoff
// tests.
func (o *Orchestrator) WithClock(c clock.Clock) *Orchestrator {
	o.clock = c
	return o
}

// Run executes job's step_configs in order against repositoryPath,
// mutating job in place and returning it once every step has reached a
// terminal status (or the job is stopped early by a failure without
// continue_on_failure).
func (o *Orchestrator) Run(ctx context.Context, job *model.Job, repositoryPath string) error {
	if err := validateStepConfigs(job.StepConfigs); err != nil {
		return err
	}

	if job.Steps == nil {
		job.Steps = make(map[string]*model.StepProgress)
	}
	if job.Result == nil {
		job.Result = make(map[string]interface{})
	}
	for _, cfg := range job.StepConfigs {
		job.Steps[cfg.Name] = &model.StepProgress{Name: cfg.Name, Status: model.StepStatusPending}
	}

	if len(job.StepConfigs) == 0 {
		job.Status = model.JobStatusCompleted
		job.OverallProgress = 100
		now := o.clock.Now()
		job.CompletedAt = &now
		job.UpdatedAt = now
		o.publishTerminalEvent(ctx, job)
		return nil
	}

	job.Status = model.JobStatusRunning
	job.CurrentStep = job.StepConfigs[0].Name
	job.OverallProgress = 0
	job.UpdatedAt = o.clock.Now()
	o.publishStepEvent(ctx, job, job.CurrentStep, model.StepStatusRunning, 0, "")

	var firstFailure string
	var sawFailed, sawCancelled bool

	for _, cfg := range job.StepConfigs {
		job.CurrentStep = cfg.Name
		merged := mergeRetryConfig(cfg, job)

		sp, err := o.runStepWithRetries(ctx, job, repositoryPath, cfg, merged)
		if err != nil {
			return err
		}
		job.Steps[cfg.Name] = sp
		job.RecomputeOverallProgress()
		job.UpdatedAt = o.clock.Now()
		o.publishStepEvent(ctx, job, cfg.Name, sp.Status, sp.Progress, sp.Error)

		switch sp.Status {
		case model.StepStatusFailed:
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("step %q failed: %s", cfg.Name, sp.Error)
			}
			sawFailed = true
			continueOnFailure, _ := cfg.Options["continue_on_failure"].(bool)
			if !continueOnFailure {
				job.Status = model.JobStatusFailed
				job.Error = firstFailure
				now := o.clock.Now()
				job.CompletedAt = &now
				job.UpdatedAt = now
				o.publishTerminalEvent(ctx, job)
				return nil
			}
		case model.StepStatusCancelled, model.StepStatusStopped:
			sawCancelled = true
		}
	}

	job.Status = finalStatus(sawFailed, sawCancelled)
	if job.Status == model.JobStatusFailed && job.Error == "" {
		job.Error = firstFailure
	}
	now := o.clock.Now()
	job.CompletedAt = &now
	job.UpdatedAt = now
	o.publishTerminalEvent(ctx, job)
	return nil
}

// finalStatus applies spec §4.5's tie-break: failed dominates cancelled
// dominates completed.
func finalStatus(sawFailed, sawCancelled bool) model.JobStatus {
	switch {
	case sawFailed:
		return model.JobStatusFailed
	case sawCancelled:
		return model.JobStatusCancelled
	default:
		return model.JobStatusCompleted
	}
}

func validateStepConfigs(configs []model.StepConfig) error {
	seen := make(map[string]bool, len(configs))
	for _, c := range configs {
		if seen[c.Name] {
			return gerror.ValidationFailed(fmt.Sprintf("duplicate step name %q in step_configs", c.Name), nil).
				EDetail("step_name", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// mergeRetryConfig applies the job's global retry block with per-step
// overrides winning (spec §3).
func mergeRetryConfig(cfg model.StepConfig, job *model.Job) model.RetryConfig {
	merged := model.RetryConfig{MaxRetries: defaultMaxRetries, BackoffSeconds: defaultBackoffSeconds}
	if job.Retry != nil {
		merged = *job.Retry
	}
	if cfg.Retry != nil {
		merged = *cfg.Retry
	}
	return merged
}

// runStepWithRetries dispatches cfg as a run_step broker task (spec
// §4.2/§4.5 step 2) and awaits its terminal state, retrying up to
// retry.MaxRetries times on failure with exponential backoff capped at
// maxBackoffSeconds (spec §4.5 step 4). Each retry is a fresh dispatch,
// so a step with max_retries=2 produces up to three broker dispatches.
func (o *Orchestrator) runStepWithRetries(ctx context.Context, job *model.Job, repositoryPath string, cfg model.StepConfig, retry model.RetryConfig) (*model.StepProgress, error) {
	var lastOut steprunner.Output
	var merr *multierror.Error

	attempts := 0
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		attempts++
		lastOut = o.dispatchStepAndAwait(ctx, job, repositoryPath, cfg)
		if lastOut.Status != model.StepStatusFailed {
			break
		}
		merr = multierror.Append(merr, fmt.Errorf("attempt %d: %s", attempt, lastOut.Error))
		if attempt >= retry.MaxRetries {
			break
		}
		if o.jobCancelled(ctx, job.JobID) {
			lastOut.Status = model.StepStatusCancelled
			break
		}

		backoff := retry.BackoffSeconds * math.Pow(2, float64(attempt))
		if backoff > maxBackoffSeconds {
			backoff = maxBackoffSeconds
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.clock.After(time.Duration(backoff * float64(time.Second))):
		}
	}

	if lastOut.Status == model.StepStatusFailed && merr != nil {
		o.log.WithField("step", cfg.Name).Warnf("step failed after %d attempts: %s", attempts, merr.Error())
	}

	if result, err := steprunner.EncodeOutput(lastOut); err == nil {
		job.Result[cfg.Name] = result
	}

	started := lastOut.StartTime
	completed := lastOut.EndTime
	sp := &model.StepProgress{
		Name:         cfg.Name,
		Status:       lastOut.Status,
		Progress:     terminalProgress(lastOut.Status),
		Error:        lastOut.Error,
		StartedAt:    &started,
		CompletedAt:  &completed,
		DurationSecs: lastOut.Duration,
		RetryCount:   attempts - 1,
		LastError:    lastOut.Error,
	}
	return sp, nil
}

// jobCancelled consults the progress bus's latest-value cache for a
// job-level cancellation event, so a retry scheduled after the client
// cancelled is skipped rather than re-dispatched (spec §5).
func (o *Orchestrator) jobCancelled(ctx context.Context, jobID string) bool {
	if o.bus == nil {
		return false
	}
	event, ok, err := o.bus.Latest(ctx, jobID)
	if err != nil || !ok {
		return false
	}
	return event.Step == "" && event.Status == model.StepStatusCancelled
}

// dispatchStepAndAwait submits cfg to the broker as a run_step task,
// addressed to the job's priority queue, and blocks until the task
// reaches a terminal state.
func (o *Orchestrator) dispatchStepAndAwait(ctx context.Context, job *model.Job, repositoryPath string, cfg model.StepConfig) steprunner.Output {
	args := map[string]interface{}{
		"job_id":          job.JobID,
		"step":            cfg.Name,
		"repository_path": repositoryPath,
		"config":          cfg.Options,
	}
	handle, err := o.broker.Dispatch(ctx, broker.TaskRunStep, args, job.Priority, nil, nil)
	if err != nil {
		now := o.clock.Now()
		return steprunner.Output{
			Step:      cfg.Name,
			Status:    model.StepStatusFailed,
			Error:     gerror.StepDispatchFailed("failed to dispatch run_step task", err).Error(),
			StartTime: now,
			EndTime:   now,
		}
	}
	return o.awaitTerminal(ctx, handle, cfg.Name)
}

// awaitTerminal polls handle until the broker reports a terminal task
// state, decoding the step runner's Output from the task's result. An
// UNKNOWN state (broker unreachable) is not treated as failure per spec
// §4.2 ("the caller must not assume the task has failed") — polling
// simply continues.
func (o *Orchestrator) awaitTerminal(ctx context.Context, handle broker.TaskHandle, stepName string) steprunner.Output {
	for {
		rec := o.broker.Inspect(ctx, handle)
		switch rec.State {
		case broker.TaskStateRevoked:
			// A revoked task usually never produced a result.
			out, err := steprunner.DecodeOutput(rec.Result)
			if err != nil || out.Status == "" {
				now := o.clock.Now()
				return steprunner.Output{Step: stepName, Status: model.StepStatusCancelled, StartTime: now, EndTime: now}
			}
			return out
		case broker.TaskStateSuccess, broker.TaskStateFailure:
			out, err := steprunner.DecodeOutput(rec.Result)
			if err != nil {
				now := o.clock.Now()
				return steprunner.Output{Step: stepName, Status: model.StepStatusFailed, Error: err.Error(), StartTime: now, EndTime: now}
			}
			return out
		}

		select {
		case <-ctx.Done():
			now := o.clock.Now()
			return steprunner.Output{Step: stepName, Status: model.StepStatusFailed, Error: ctx.Err().Error(), StartTime: now, EndTime: now}
		case <-o.clock.After(o.pollInterval):
		}
	}
}

func terminalProgress(status model.StepStatus) float64 {
	if status == model.StepStatusCompleted {
		return 100
	}
	return 0
}

// publishStepEvent reports one step's transition along with the job's
// current overall progress. The Step field is always non-empty here, so
// subscribers don't mistake a step-terminal event for the end of the job.
func (o *Orchestrator) publishStepEvent(ctx context.Context, job *model.Job, stepName string, status model.StepStatus, progress float64, message string) {
	if o.bus == nil {
		return
	}
	event := model.ProgressEvent{
		JobID:           job.JobID,
		Step:            stepName,
		Status:          status,
		Progress:        progress,
		OverallProgress: job.OverallProgress,
		Message:         message,
		Timestamp:       o.clock.Now(),
	}
	if err := o.bus.Publish(ctx, job.JobID, event); err != nil {
		o.log.WithField("error", err).Warn("failed to publish step progress event")
	}
}

// publishTerminalEvent reports the job's final status as a job-level
// event (empty Step field), which is what ends a WebSocket delivery
// stream (spec §4.3).
func (o *Orchestrator) publishTerminalEvent(ctx context.Context, job *model.Job) {
	if o.bus == nil {
		return
	}
	event := model.ProgressEvent{
		JobID:           job.JobID,
		Status:          jobTerminalStepStatus(job.Status),
		Progress:        job.OverallProgress,
		OverallProgress: job.OverallProgress,
		Message:         job.Error,
		Timestamp:       o.clock.Now(),
	}
	if err := o.bus.Publish(ctx, job.JobID, event); err != nil {
		o.log.WithField("error", err).Warn("failed to publish terminal progress event")
	}
}

func jobTerminalStepStatus(status model.JobStatus) model.StepStatus {
	switch status {
	case model.JobStatusFailed:
		return model.StepStatusFailed
	case model.JobStatusCancelled:
		return model.StepStatusCancelled
	default:
		return model.StepStatusCompleted
	}
}

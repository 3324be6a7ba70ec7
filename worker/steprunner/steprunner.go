// Package steprunner implements the Step Runner (spec §4.4): executing a
// single step of a single job, applying the per-step parameter filter,
// emitting progress events, recording Prometheus metrics, and containing
// any panic or error inside the task boundary.
package steprunner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/buildbeaver/ingestioncore/common/gerror"
	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
	"github.com/buildbeaver/ingestioncore/server/services/progressbus"
	"github.com/buildbeaver/ingestioncore/server/services/registry"
	"github.com/buildbeaver/ingestioncore/step"
)

// Output is the runner's result record (spec §4.4), merged with whatever
// extra keys the step's Result.Extra carries (step, repository_path,
// start_time and task_id are ignored if present there).
type Output struct {
	Step           string                 `json:"step"`
	Status         model.StepStatus       `json:"status"`
	JobID          string                 `json:"job_id"`
	RepositoryPath string                 `json:"repository_path"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        time.Time              `json:"end_time"`
	Duration       float64                `json:"duration"`
	Error          string                 `json:"error,omitempty"`
	Extra          map[string]interface{} `json:"-"`
}

var ignoredExtraKeys = map[string]bool{
	"step":            true,
	"repository_path": true,
	"start_time":      true,
	"task_id":         true,
}

// MarshalJSON merges Extra into the output record, dropping the keys
// spec §4.4 says the runner ignores (step, repository_path, start_time,
// task_id) since those are already authoritative on Output itself.
func (o Output) MarshalJSON() ([]byte, error) {
	type alias Output
	raw, err := json.Marshal(alias(o))
	if err != nil {
		return nil, err
	}
	if len(o.Extra) == 0 {
		return raw, nil
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range o.Extra {
		if ignoredExtraKeys[k] {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// EncodeOutput converts out into the map[string]interface{} shape a
// broker task's result is stored as (spec §4.2: "task arguments and
// return values are JSON"). The orchestrator dispatches a step as a
// run_step task and reads this shape back via DecodeOutput once the task
// reaches a terminal state.
func EncodeOutput(out Output) (map[string]interface{}, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalJSON reverses MarshalJSON: known fields populate the struct,
// everything else lands back in Extra, so EncodeOutput/DecodeOutput is a
// true round trip and a step's extra result keys survive the broker.
func (o *Output) UnmarshalJSON(data []byte) error {
	type alias Output
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*o = Output(known)

	var all map[string]interface{}
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	knownKeys := map[string]bool{
		"step": true, "status": true, "job_id": true, "repository_path": true,
		"start_time": true, "end_time": true, "duration": true, "error": true,
	}
	for k, v := range all {
		if knownKeys[k] {
			continue
		}
		if o.Extra == nil {
			o.Extra = make(map[string]interface{})
		}
		o.Extra[k] = v
	}
	return nil
}

// DecodeOutput reverses EncodeOutput, reconstructing an Output from a
// broker task's stored result map.
func DecodeOutput(m map[string]interface{}) (Output, error) {
	var out Output
	if len(m) == 0 {
		return out, fmt.Errorf("empty step result")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Metrics groups the Prometheus collectors spec §4.4 requires by name.
// The names are part of the external contract and must not change.
type Metrics struct {
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	ActiveSteps  prometheus.Gauge
	StepErrors   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestioncore_step_total",
			Help: "Count of step executions by step name and terminal status.",
		}, []string{"step", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestioncore_step_duration_seconds",
			Help:    "Step execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		ActiveSteps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestioncore_step_active",
			Help: "Number of steps currently executing.",
		}),
		StepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestioncore_step_errors_total",
			Help: "Count of step failures by error kind.",
		}, []string{"step", "error_kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.StepsTotal, m.StepDuration, m.ActiveSteps, m.StepErrors)
	}
	return m
}

const defaultStepTimeout = 3600 * time.Second

// Runner executes one step at a time on behalf of the orchestrator.
type Runner struct {
	log     logger.Log
	reg     *registry.Registry
	bus     *progressbus.Bus
	metrics *Metrics
	timeout time.Duration
}

func New(reg *registry.Registry, bus *progressbus.Bus, metrics *Metrics, logFactory logger.LogFactory) *Runner {
	return &Runner{
		log:     logFactory("StepRunner"),
		reg:     reg,
		bus:     bus,
		metrics: metrics,
		timeout: defaultStepTimeout,
	}
}

// WithTimeout overrides the per-step wall-clock budget (default 3600s).
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// filterParams applies spec §4.4's per-step allow-list so unknown keys
// are never forwarded to a step.
func filterParams(stepName string, options map[string]interface{}) map[string]interface{} {
	switch stepName {
	case step.NameBlarify:
		out := make(map[string]interface{}, len(options))
		for k, v := range options {
			if k == "concurrency" {
				continue
			}
			out[k] = v
		}
		return out
	case step.NameSummarizer, step.NameDocumentationGrapher:
		allowed := map[string]bool{"job_id": true, "ignore_patterns": true, "timeout": true, "incremental": true}
		specificKey := stepName + "_specific"
		out := make(map[string]interface{})
		for k, v := range options {
			if allowed[k] || k == specificKey {
				out[k] = v
			}
		}
		return out
	default:
		return options
	}
}

// Run executes stepName against repositoryPath with the given (already
// merged) config, emitting start/terminal progress events and recording
// metrics. It never returns a Go error: every failure, including an
// unresolvable step name, a panic, or a timeout, is reported through
// Output.Status/Error so nothing escapes the task boundary.
func (r *Runner) Run(ctx context.Context, jobID, repositoryPath string, cfg model.StepConfig) Output {
	start := time.Now()
	out := Output{
		Step:           cfg.Name,
		JobID:          jobID,
		RepositoryPath: repositoryPath,
		StartTime:      start,
	}

	factory, err := r.reg.Find(cfg.Name)
	if err != nil {
		out.Status = model.StepStatusFailed
		out.Error = err.Error()
		out.EndTime = time.Now()
		out.Duration = out.EndTime.Sub(start).Seconds()
		r.recordTerminal(cfg.Name, out, gerror.CodeStepExecutionFailed)
		r.emitProgress(ctx, jobID, cfg.Name, out.Status, 0, out.Error)
		return out
	}

	r.metrics.ActiveSteps.Inc()
	defer r.metrics.ActiveSteps.Dec()

	r.emitProgress(ctx, jobID, cfg.Name, model.StepStatusRunning, 0, "")

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	filtered := filterParams(cfg.Name, cfg.Options)
	var errKind gerror.Code
	out.Status, out.Error, out.Extra, errKind = r.invoke(runCtx, factory, jobID, cfg.Name, repositoryPath, filtered)

	out.EndTime = time.Now()
	out.Duration = out.EndTime.Sub(start).Seconds()
	r.recordTerminal(cfg.Name, out, errKind)

	progress := 0.0
	if out.Status == model.StepStatusCompleted {
		progress = 100
	}
	r.emitProgress(ctx, jobID, cfg.Name, out.Status, progress, out.Error)
	return out
}

// invoke runs the step's Run method, converting a panic into a failed
// result (spec §4.4: "any exception is caught, logged with stack, mapped
// to failed").
func (r *Runner) invoke(ctx context.Context, factory step.Factory, jobID, stepName, repositoryPath string, options map[string]interface{}) (status model.StepStatus, errMsg string, extra map[string]interface{}, errKind gerror.Code) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("step panicked")
			status = model.StepStatusFailed
			errMsg = fmt.Sprintf("step panicked: %v", rec)
			errKind = gerror.CodeStepExecutionFailed
		}
	}()

	s := factory()
	result, err := s.Run(ctx, step.Input{JobID: jobID, RepositoryPath: repositoryPath, Config: options}, func(progress float64, message string) {
		r.emitProgress(ctx, jobID, stepName, model.StepStatusRunning, progress, message)
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			wrapped := gerror.Timeout("step exceeded its wall-clock budget", err)
			return model.StepStatusFailed, wrapped.Error(), nil, gerror.CodeTimeout
		}
		wrapped := gerror.StepExecutionFailed("step execution failed", err)
		return model.StepStatusFailed, wrapped.Error(), nil, gerror.CodeStepExecutionFailed
	}

	return model.StepStatusCompleted, "", result.Extra, ""
}

func (r *Runner) emitProgress(ctx context.Context, jobID, stepName string, status model.StepStatus, progress float64, message string) {
	if r.bus == nil {
		return
	}
	event := model.ProgressEvent{
		JobID:     jobID,
		Step:      stepName,
		Status:    status,
		Progress:  progress,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err := r.bus.Publish(ctx, jobID, event); err != nil {
		r.log.WithField("error", err).Warn("failed to publish progress event")
	}
}

func (r *Runner) recordTerminal(stepName string, out Output, errKind gerror.Code) {
	r.metrics.StepsTotal.WithLabelValues(stepName, string(out.Status)).Inc()
	r.metrics.StepDuration.WithLabelValues(stepName).Observe(out.Duration)
	if out.Status == model.StepStatusFailed {
		if errKind == "" {
			errKind = gerror.CodeStepExecutionFailed
		}
		r.metrics.StepErrors.WithLabelValues(stepName, string(errKind)).Inc()
	}
}

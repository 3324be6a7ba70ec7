// Package job implements the Job Service (spec §4.7): the ingestion
// core's external surface, responsible for validating requests, routing
// a job either straight to the broker or into the dependency scheduler,
// and joining broker/progress-bus state into the job record returned to
// callers.
package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/buildbeaver/ingestioncore/common/gerror"
	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
	"github.com/buildbeaver/ingestioncore/server/services/broker"
	"github.com/buildbeaver/ingestioncore/server/services/dependency"
	"github.com/buildbeaver/ingestioncore/server/services/progressbus"
	"github.com/buildbeaver/ingestioncore/server/services/registry"
	"github.com/buildbeaver/ingestioncore/step"
)

var defaultSteps = []string{step.NameFilesystem, step.NameBlarify, step.NameSummarizer, step.NameDocumentationGrapher}

// stepAliases maps the short step names accepted on the wire to their
// canonical registry names.
var stepAliases = map[string]string{"docgrapher": step.NameDocumentationGrapher}

// Request mirrors spec §6's IngestionRequest shape.
type Request struct {
	SourceType   model.SourceKind       `json:"source_type" validate:"required"`
	Source       string                 `json:"source" validate:"required"`
	Branch       string                 `json:"branch,omitempty"`
	Steps        []string               `json:"steps,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Options      map[string]interface{} `json:"options,omitempty"`
	Priority     model.Priority         `json:"priority,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	ETA          *time.Time             `json:"eta,omitempty"`
	CountdownSec *float64               `json:"countdown_seconds,omitempty"`
	CreatedBy    string                 `json:"created_by,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Tags         map[string]string      `json:"tags,omitempty"`
}

// StartResult mirrors spec §4.7's start() return shape.
type StartResult struct {
	JobID   string          `json:"job_id"`
	Status  model.JobStatus `json:"status"`
	Source  string          `json:"source"`
	Steps   []string        `json:"steps"`
	Message string          `json:"message,omitempty"`
	ETA     *time.Time      `json:"eta,omitempty"`
}

// ListFilter narrows List's results.
type ListFilter struct {
	Status    []model.JobStatus
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

var sortableFields = map[string]bool{"created_at": true, "updated_at": true, "status": true}

// ListResult mirrors spec §4.7's list() return shape.
type ListResult struct {
	Items   []*model.Job `json:"items"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
}

// Service implements C7 over an in-memory job store, the broker (C2), the
// progress bus (C3) and the dependency scheduler (C6). A production
// deployment would back the store with the same key-value store as C3/C6;
// this module keeps jobs in memory and treats the broker/progress-bus
// state as the source of truth for status, matching spec §4.7's "joins C2
// inspect result with the latest-value cache" description.
type Service struct {
	log       logger.Log
	validate  *validator.Validate
	broker    *broker.Broker
	bus       *progressbus.Bus
	scheduler *dependency.Scheduler
	registry  *registry.Registry

	mu      sync.RWMutex
	jobs    map[string]*model.Job
	handles map[string]broker.TaskHandle
}

func New(b *broker.Broker, bus *progressbus.Bus, scheduler *dependency.Scheduler, reg *registry.Registry, logFactory logger.LogFactory) *Service {
	return &Service{
		log:       logFactory("JobService"),
		validate:  validator.New(),
		broker:    b,
		bus:       bus,
		scheduler: scheduler,
		registry:  reg,
		jobs:      make(map[string]*model.Job),
		handles:   make(map[string]broker.TaskHandle),
	}
}

// Start validates req, assigns a job id, and either dispatches it
// immediately or holds it in the dependency scheduler, per spec §4.7.
func (s *Service) Start(ctx context.Context, req Request) (*StartResult, error) {
	steps := make([]string, 0, len(req.Steps))
	for _, name := range req.Steps {
		if canonical, ok := stepAliases[name]; ok {
			name = canonical
		}
		steps = append(steps, name)
	}
	if len(steps) == 0 {
		steps = defaultSteps
	}
	if err := s.validateRequest(req, steps); err != nil {
		return nil, err
	}

	priority := req.Priority
	if !priority.Valid() {
		priority = model.PriorityDefault
	}

	now := time.Now()
	j := &model.Job{
		JobID:            uuid.NewString(),
		SourceKind:       req.SourceType,
		Source:           req.Source,
		Branch:           req.Branch,
		Status:           model.JobStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		Priority:         priority,
		Dependencies:     req.Dependencies,
		ETA:              req.ETA,
		CountdownSeconds: req.CountdownSec,
		CreatedBy:        req.CreatedBy,
		Tags:             req.Tags,
		Retry:            retryFromConfig(req.Config),
		Steps:            make(map[string]*model.StepProgress),
	}
	for _, name := range steps {
		j.StepConfigs = append(j.StepConfigs, model.StepConfig{Name: name, Options: req.Options})
	}

	message := ""
	if len(req.Dependencies) > 0 {
		message = dependency.WaitingMessage(req.Dependencies)
		j.Message = message
	}

	s.mu.Lock()
	s.jobs[j.JobID] = j
	s.mu.Unlock()

	if len(req.Dependencies) > 0 {
		entry := dependency.Entry{
			JobID:        j.JobID,
			Dependencies: req.Dependencies,
			Request:      requestPayload(j.JobID, req),
		}
		if err := s.scheduler.Hold(ctx, entry); err != nil {
			return nil, err
		}
	} else {
		if err := s.dispatch(ctx, j); err != nil {
			return nil, err
		}
	}

	s.publishInitialEvent(ctx, j, message)

	return &StartResult{
		JobID:   j.JobID,
		Status:  j.Status,
		Source:  j.Source,
		Steps:   steps,
		Message: message,
		ETA:     j.ETA,
	}, nil
}

// retryFromConfig extracts the global retry block from the request's
// config mapping, if one is present (spec §3: merged into each step
// config with per-step overrides winning — the merge itself happens in
// the orchestrator).
func retryFromConfig(config map[string]interface{}) *model.RetryConfig {
	raw, ok := config["retry"].(map[string]interface{})
	if !ok {
		return nil
	}
	retry := &model.RetryConfig{}
	if v, ok := raw["max_retries"].(float64); ok {
		retry.MaxRetries = int(v)
	}
	if v, ok := raw["backoff_seconds"].(float64); ok {
		retry.BackoffSeconds = v
	}
	return retry
}

// requestPayload flattens req into the JSON shape persisted in a
// waiting:<job_id> entry, so the held submission survives a process
// restart (spec §4.6: "Entry records the full request payload").
func requestPayload(jobID string, req Request) map[string]interface{} {
	return map[string]interface{}{
		"job_id":       jobID,
		"source_type":  req.SourceType,
		"source":       req.Source,
		"branch":       req.Branch,
		"steps":        req.Steps,
		"config":       req.Config,
		"options":      req.Options,
		"priority":     req.Priority,
		"dependencies": req.Dependencies,
		"created_by":   req.CreatedBy,
		"tags":         req.Tags,
	}
}

func (s *Service) dispatch(ctx context.Context, j *model.Job) error {
	args := map[string]interface{}{
		"job_id":          j.JobID,
		"repository_path": j.Source,
		"step_configs":    j.StepConfigs,
		"priority":        j.Priority,
	}
	if j.Retry != nil {
		args["retry"] = j.Retry
	}
	var eta, countdown *time.Duration
	if j.ETA != nil {
		d := time.Until(*j.ETA)
		eta = &d
	}
	if j.CountdownSeconds != nil {
		d := time.Duration(*j.CountdownSeconds * float64(time.Second))
		countdown = &d
	}
	handle, err := s.broker.Dispatch(ctx, broker.TaskOrchestratePipeline, args, j.Priority, eta, countdown)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handles[j.JobID] = handle
	s.mu.Unlock()
	return nil
}

// Get joins the broker's inspect result with the progress bus's
// latest-value cache, returning unknown if both are empty. If the
// resulting status is completed, Get also triggers the dependency
// scheduler's release scan (spec §4.7).
func (s *Service) Get(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.RLock()
	j, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, gerror.NotFound(fmt.Sprintf("job %q not found", jobID), nil).EDetail("job_id", jobID)
	}

	s.refresh(ctx, j)

	if j.Status == model.JobStatusCompleted {
		_ = s.scheduler.OnJobCompleted(ctx, jobID, s.statusLookup, s.release)
	}
	return j, nil
}

// refresh folds the latest-value cache and then the broker's task state
// into the in-memory record. Terminal statuses are monotonic: once the
// record is terminal, neither source may revert it (spec §3).
func (s *Service) refresh(ctx context.Context, j *model.Job) {
	event, hasEvent, err := s.bus.Latest(ctx, j.JobID)
	if err != nil {
		hasEvent = false
	}

	s.mu.RLock()
	handle, hasHandle := s.handles[j.JobID]
	s.mu.RUnlock()

	var rec broker.TaskRecord
	if hasHandle {
		rec = s.broker.Inspect(ctx, handle)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if j.HasFinished() {
		return
	}

	if hasEvent {
		s.applyEvent(j, event)
	}
	if j.HasFinished() {
		return
	}

	if hasHandle {
		switch rec.State {
		case broker.TaskStateSuccess:
			s.finish(j, model.JobStatusCompleted, "")
		case broker.TaskStateFailure:
			s.finish(j, model.JobStatusFailed, rec.Error)
		case broker.TaskStateRevoked:
			s.finish(j, model.JobStatusCancelled, "")
		case broker.TaskStateRunning:
			if j.Status != model.JobStatusCancelling {
				j.Status = model.JobStatusRunning
			}
		case broker.TaskStateUnknown:
			if !hasEvent && j.Status != model.JobStatusCancelling {
				j.Status = model.JobStatusUnknown
			}
		}
	}
}

// applyEvent folds one progress event into the job record: step-level
// events update the step's progress entry, job-level events (empty Step
// field) carry the job's own transitions.
func (s *Service) applyEvent(j *model.Job, event *model.ProgressEvent) {
	j.UpdatedAt = event.Timestamp

	if event.Step != "" {
		sp, ok := j.Steps[event.Step]
		if !ok {
			sp = &model.StepProgress{Name: event.Step}
			j.Steps[event.Step] = sp
		}
		sp.Status = event.Status
		sp.Progress = event.Progress
		sp.Message = event.Message
		if event.Status == model.StepStatusFailed {
			sp.Error = event.Message
		}
		j.CurrentStep = event.Step
		j.RecomputeOverallProgress()
		if j.Status == model.JobStatusPending && event.Status == model.StepStatusRunning {
			j.Status = model.JobStatusRunning
			started := event.Timestamp
			j.StartedAt = &started
		}
		return
	}

	j.OverallProgress = event.OverallProgress
	switch event.Status {
	case model.StepStatusCompleted:
		s.finish(j, model.JobStatusCompleted, "")
	case model.StepStatusFailed:
		s.finish(j, model.JobStatusFailed, event.Message)
	case model.StepStatusCancelled, model.StepStatusStopped:
		s.finish(j, model.JobStatusCancelled, "")
	case model.StepStatusRunning:
		if !j.HasFinished() {
			j.Status = model.JobStatusRunning
		}
	}
}

// finish moves j to a terminal status. Callers hold s.mu.
func (s *Service) finish(j *model.Job, status model.JobStatus, errMsg string) {
	if j.HasFinished() {
		return
	}
	j.Status = status
	if errMsg != "" && j.Error == "" {
		j.Error = errMsg
	}
	if j.CompletedAt == nil {
		now := time.Now()
		j.CompletedAt = &now
	}
	if status == model.JobStatusCompleted {
		j.OverallProgress = 100
	}
	j.Message = ""
}

func (s *Service) statusLookup(ctx context.Context, jobID string) (model.JobStatus, bool) {
	s.mu.RLock()
	j, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return j.Status, true
}

func (s *Service) release(ctx context.Context, entry dependency.Entry) error {
	s.mu.RLock()
	j, ok := s.jobs[entry.JobID]
	s.mu.RUnlock()
	if !ok {
		return gerror.NotFound(fmt.Sprintf("held job %q no longer known", entry.JobID), nil)
	}
	s.mu.Lock()
	j.Message = ""
	s.mu.Unlock()
	return s.dispatch(ctx, j)
}

// Cancel is idempotent: a job already in a terminal status is returned
// unchanged (spec §4.7, §8's cancel-twice property).
func (s *Service) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.RLock()
	j, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, gerror.NotFound(fmt.Sprintf("job %q not found", jobID), nil).EDetail("job_id", jobID)
	}
	if j.HasFinished() {
		return j, nil
	}

	s.mu.Lock()
	j.Status = model.JobStatusCancelling
	handle, hasHandle := s.handles[jobID]
	s.mu.Unlock()
	if hasHandle {
		if err := s.broker.Revoke(ctx, handle, true); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	s.mu.Lock()
	j.Status = model.JobStatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.Message = ""
	s.mu.Unlock()

	event := model.ProgressEvent{
		JobID:     jobID,
		Status:    model.StepStatusCancelled,
		Timestamp: now,
	}
	if err := s.bus.Publish(ctx, jobID, event); err != nil {
		s.log.WithField("error", err).Warn("failed to publish cancellation event")
	}
	return j, nil
}

// List returns jobs matching filter, sorted by the whitelisted field
// filter.SortBy (spec §4.7).
func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	if !sortableFields[sortBy] {
		return nil, gerror.ValidationFailed(fmt.Sprintf("sort_by %q is not a whitelisted field", sortBy), nil)
	}

	s.mu.RLock()
	all := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if matchesStatus(j, filter.Status) {
			all = append(all, j)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, k int) bool {
		less := lessBy(all[i], all[k], sortBy)
		if filter.SortOrder == "desc" {
			return !less
		}
		return less
	})

	total := len(all)
	limit := filter.Limit
	if limit <= 0 {
		limit = total
	}
	offset := filter.Offset
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	items := all[offset:end]

	return &ListResult{Items: items, Total: total, HasMore: end < total}, nil
}

func matchesStatus(j *model.Job, statuses []model.JobStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if j.Status == st {
			return true
		}
	}
	return false
}

func lessBy(a, b *model.Job, field string) bool {
	switch field {
	case "updated_at":
		return a.UpdatedAt.Before(b.UpdatedAt)
	case "status":
		return a.Status < b.Status
	default:
		return a.CreatedAt.Before(b.CreatedAt)
	}
}

func (s *Service) publishInitialEvent(ctx context.Context, j *model.Job, message string) {
	event := model.ProgressEvent{
		JobID:     j.JobID,
		Status:    model.StepStatusPending,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err := s.bus.Publish(ctx, j.JobID, event); err != nil {
		s.log.WithField("error", err).Warn("failed to publish initial progress event")
	}
}

// validateRequest checks req and the effective steps list (req.Steps, or
// defaultSteps when req.Steps is empty) against spec §7 error kind 1:
// bad source_type, branch with local_path, duplicate step names, and —
// since the Job Service now holds a reference to the Step Registry (C1)
// — a step name unknown to the registry, which must be rejected here
// rather than surfacing as a StepExecutionError once a worker tries to
// run it.
func (s *Service) validateRequest(req Request, steps []string) error {
	if err := s.validate.Struct(req); err != nil {
		return gerror.ValidationFailed("request failed validation", err)
	}
	if !req.SourceType.Valid() {
		return gerror.ValidationFailed(fmt.Sprintf("unknown source_type %q", req.SourceType), nil)
	}
	if req.SourceType == model.SourceKindLocalPath && req.Branch != "" {
		return gerror.ValidationFailed("branch must be empty when source_type is local_path", nil)
	}
	seen := make(map[string]bool, len(steps))
	for _, name := range steps {
		if seen[name] {
			return gerror.ValidationFailed(fmt.Sprintf("duplicate step name %q", name), nil)
		}
		seen[name] = true
		if _, err := s.registry.Find(name); err != nil {
			return gerror.ValidationFailed(fmt.Sprintf("unknown step name %q", name), err)
		}
	}
	if err := validateIgnorePatterns(req.Options); err != nil {
		return err
	}
	return nil
}

// validateIgnorePatterns rejects a malformed ignore_patterns glob at
// submission time rather than letting every step that receives the
// filtered option (spec §4.4's table) fail independently on it later.
func validateIgnorePatterns(options map[string]interface{}) error {
	raw, ok := options["ignore_patterns"]
	if !ok {
		return nil
	}
	patterns, ok := raw.([]interface{})
	if !ok {
		return gerror.ValidationFailed("ignore_patterns must be a list of strings", nil)
	}
	for _, p := range patterns {
		pattern, ok := p.(string)
		if !ok {
			return gerror.ValidationFailed("ignore_patterns entries must be strings", nil)
		}
		if _, err := doublestar.Match(pattern, "placeholder"); err != nil {
			return gerror.ValidationFailed(fmt.Sprintf("ignore_patterns entry %q is not a valid glob", pattern), err)
		}
	}
	return nil
}

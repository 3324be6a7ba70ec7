package model

import "time"

// StepDescriptor is the static, registry-owned description of a step kind:
// its name and (optionally) the parameter names it accepts. The factory
// itself is held by the registry, not by this struct.
type StepDescriptor struct {
	Name           string
	ParamWhitelist []string // nil means no filtering is applied
}

// RetryConfig is the global retry block merged into each step's config,
// with per-step Overrides (see StepConfig.Retry) winning on conflict.
type RetryConfig struct {
	MaxRetries     int     `json:"max_retries"`
	BackoffSeconds float64 `json:"backoff_seconds"`
}

// StepConfig is the per-job configuration of one step: its name, arbitrary
// per-step options, and an optional retry override.
type StepConfig struct {
	Name    string                 `json:"name"`
	Options map[string]interface{} `json:"options,omitempty"`
	Retry   *RetryConfig           `json:"retry,omitempty"`
}

// StepProgress is the mutable record of one step's execution, owned by the
// Step Runner once the step first executes.
type StepProgress struct {
	Name          string     `json:"name"`
	Status        StepStatus `json:"status"`
	Progress      float64    `json:"progress"`
	Message       string     `json:"message,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationSecs  float64    `json:"duration_seconds,omitempty"`
	CPUPercent    *float64   `json:"cpu_percent,omitempty"`
	MemoryMB      *float64   `json:"memory_mb,omitempty"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
}

// Job is the full job record. It is created once by the Job Service and
// thereafter mutated only by the Step Runner (per-step fields inside
// Steps) and the Orchestrator (job-level fields).
type Job struct {
	JobID            string                  `json:"job_id"`
	SourceKind       SourceKind              `json:"source_kind"`
	Source           string                  `json:"source"`
	Branch           string                  `json:"branch,omitempty"`
	Status           JobStatus               `json:"status"`
	OverallProgress  float64                 `json:"overall_progress"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
	StepConfigs      []StepConfig            `json:"step_configs"`
	Steps            map[string]*StepProgress `json:"steps"`
	CurrentStep      string                  `json:"current_step,omitempty"`
	Priority         Priority                `json:"priority"`
	Retry            *RetryConfig            `json:"retry,omitempty"`
	Dependencies     []string                `json:"dependencies,omitempty"`
	ETA              *time.Time              `json:"eta,omitempty"`
	CountdownSeconds *float64                `json:"countdown_seconds,omitempty"`
	CreatedBy        string                  `json:"created_by,omitempty"`
	Tags             map[string]string       `json:"tags,omitempty"`
	Result           map[string]interface{}  `json:"result,omitempty"`
	Error            string                  `json:"error,omitempty"`
	Message          string                  `json:"message,omitempty"`
}

// HasFinished delegates to the job's status.
func (j *Job) HasFinished() bool { return j.Status.HasFinished() }

// RecomputeOverallProgress implements the spec's overall_progress
// invariant: the arithmetic mean of the progress of every non-pending
// step, or exactly 100 if every step has completed.
func (j *Job) RecomputeOverallProgress() {
	if len(j.Steps) == 0 {
		j.OverallProgress = 0
		return
	}
	allCompleted := true
	var sum float64
	var n int
	for _, sp := range j.Steps {
		if sp.Status != StepStatusCompleted {
			allCompleted = false
		}
		if sp.Status == StepStatusPending {
			continue
		}
		sum += sp.Progress
		n++
	}
	if allCompleted {
		j.OverallProgress = 100
		return
	}
	if n == 0 {
		j.OverallProgress = 0
		return
	}
	j.OverallProgress = sum / float64(n)
}

// ProgressEvent is the message shape published on the progress bus.
type ProgressEvent struct {
	JobID           string     `json:"job_id"`
	Step            string     `json:"step"`
	Status          StepStatus `json:"status"`
	Progress        float64    `json:"progress"`
	OverallProgress float64    `json:"overall_progress"`
	Message         string     `json:"message,omitempty"`
	CPUPercent      *float64   `json:"cpu_percent,omitempty"`
	MemoryMB        *float64   `json:"memory_mb,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

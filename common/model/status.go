// Package model holds the shared data model every component of the
// ingestion core reads and writes: steps, jobs, progress events and their
// status sum types.
package model

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusStopped   StepStatus = "stopped"
	StepStatusCancelled StepStatus = "cancelled"
)

var stepStatuses = map[string]StepStatus{
	string(StepStatusPending):   StepStatusPending,
	string(StepStatusRunning):   StepStatusRunning,
	string(StepStatusCompleted): StepStatusCompleted,
	string(StepStatusFailed):    StepStatusFailed,
	string(StepStatusStopped):   StepStatusStopped,
	string(StepStatusCancelled): StepStatusCancelled,
}

func (s StepStatus) Valid() bool {
	_, ok := stepStatuses[string(s)]
	return ok
}

// HasFinished reports whether the step has reached a terminal status.
// stopped (cooperative) and cancelled (forced) are both terminal.
func (s StepStatus) HasFinished() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusStopped || s == StepStatusCancelled
}

func (s StepStatus) String() string { return string(s) }

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusUnknown    JobStatus = "unknown"
)

var jobStatuses = map[string]JobStatus{
	string(JobStatusPending):    JobStatusPending,
	string(JobStatusRunning):    JobStatusRunning,
	string(JobStatusCompleted):  JobStatusCompleted,
	string(JobStatusFailed):     JobStatusFailed,
	string(JobStatusCancelled):  JobStatusCancelled,
	string(JobStatusCancelling): JobStatusCancelling,
	string(JobStatusUnknown):    JobStatusUnknown,
}

func (s JobStatus) Valid() bool {
	_, ok := jobStatuses[string(s)]
	return ok
}

// HasFinished reports whether the job has reached one of its three
// terminal statuses. Note cancelling is deliberately not terminal.
func (s JobStatus) HasFinished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

func (s JobStatus) String() string { return string(s) }

type SourceKind string

const (
	SourceKindLocalPath  SourceKind = "local_path"
	SourceKindGitURL     SourceKind = "git_url"
	SourceKindGitHubURL  SourceKind = "github_url"
	SourceKindGitHubRepo SourceKind = "github_repo"
)

func (k SourceKind) Valid() bool {
	switch k {
	case SourceKindLocalPath, SourceKindGitURL, SourceKindGitHubURL, SourceKindGitHubRepo:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityDefault, PriorityLow:
		return true
	default:
		return false
	}
}

// QueueOrder lists priorities in the strict polling order the broker
// drains them: high before default before low.
func QueueOrder() []Priority {
	return []Priority{PriorityHigh, PriorityDefault, PriorityLow}
}

// Package step defines the capability set a pluggable step factory must
// satisfy to be discovered and invoked by the registry and runner. Concrete
// step implementations (filesystem, blarify, summarizer,
// documentation_grapher) are out of scope; this package provides only the
// contract and stub factories used by tests.
package step

import "context"

// Bundled step names the registry falls back to when the extension scan
// misses an entry (spec §4.1).
const (
	NameFilesystem           = "filesystem"
	NameBlarify              = "blarify"
	NameSummarizer           = "summarizer"
	NameDocumentationGrapher = "documentation_grapher"
)

// Input is what the runner passes to Run for one step execution.
type Input struct {
	JobID          string
	RepositoryPath string
	Config         map[string]interface{}
}

// Result is what a step's Run returns. The runner ignores the step,
// repository_path, start_time and task_id keys of Extra per spec §4.4;
// Extra is otherwise merged verbatim into the runner's output record.
type Result struct {
	Progress float64
	Message  string
	Extra    map[string]interface{}
}

// Step is the capability set spec §4.1 calls {run, status, stop, cancel,
// ingestion_update}. A factory entry failing to satisfy this interface is
// skipped by the registry, not fatal.
type Step interface {
	// Run executes the step to completion or failure. It must report
	// progress through onProgress rather than returning early.
	Run(ctx context.Context, in Input, onProgress func(progress float64, message string)) (Result, error)
	// Status returns a human-readable description of current step state,
	// used for diagnostics outside the normal progress channel.
	Status() string
	// Stop requests cooperative shutdown; Run should return promptly with
	// a StepStatusStopped-shaped error once it observes this.
	Stop(ctx context.Context) error
	// Cancel forces immediate termination.
	Cancel(ctx context.Context) error
	// IngestionUpdate receives out-of-band updates to the job's ingestion
	// state (e.g. newly discovered source files) while the step runs.
	IngestionUpdate(ctx context.Context, payload map[string]interface{}) error
}

// Factory constructs a new Step instance for one execution.
type Factory func() Step

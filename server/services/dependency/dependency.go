// Package dependency implements the Dependency Scheduler (spec §4.6):
// holding a job's submission until every job in its dependency set has
// reached completed, with no cycle or deadlock detection by design.
package dependency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buildbeaver/ingestioncore/common/gerror"
	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/common/model"
)

const waitingEntryTTL = 24 * time.Hour

func waitingKey(jobID string) string { return "waiting:" + jobID }

// Entry is one held submission: the full request payload plus the
// dependency list it is waiting on.
type Entry struct {
	JobID        string                 `json:"job_id"`
	Dependencies []string               `json:"dependencies"`
	Request      map[string]interface{} `json:"request"`
}

// StatusLookup resolves a job id's latest known status, e.g. backed by
// the progress bus's latest-value cache or the broker.
type StatusLookup func(ctx context.Context, jobID string) (model.JobStatus, bool)

// Releaser re-submits a held request through the normal dispatch path
// (spec §4.2) once every dependency has completed.
type Releaser func(ctx context.Context, entry Entry) error

// Scheduler holds jobs pending dependency resolution, persisted as
// waiting:<job_id> entries in the key-value store (spec §4.6).
type Scheduler struct {
	log logger.Log
	rdb *redis.Client
}

func New(rdb *redis.Client, logFactory logger.LogFactory) *Scheduler {
	return &Scheduler{log: logFactory("DependencyScheduler"), rdb: rdb}
}

// Hold persists entry so it is reported as pending until its dependencies
// resolve. The caller is responsible for reporting the job to clients as
// pending with message "waiting for dependencies: <list>" and
// overall_progress 0 (spec §4.6) — Hold only persists the entry.
func (s *Scheduler) Hold(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return gerror.ValidationFailed("failed to serialize dependency entry", err)
	}
	if err := s.rdb.Set(ctx, waitingKey(entry.JobID), payload, waitingEntryTTL).Err(); err != nil {
		return gerror.StepDispatchFailed("failed to persist waiting entry", err)
	}
	return nil
}

// WaitingMessage is the exact pending message spec §4.6 specifies for a
// job still held on unresolved dependencies.
func WaitingMessage(dependencies []string) string {
	return fmt.Sprintf("waiting for dependencies: %v", dependencies)
}

// OnJobCompleted scans for held entries depending on completedJobID and
// releases every entry whose full dependency list now resolves to
// completed, per lookup. Entries left un-released are neither retried nor
// deleted here (spec §9: they expire via the waiting entry's TTL); a
// dependency that itself ends failed leaves its dependents waiting
// forever, which spec §4.6 calls out as a deliberate design choice, not a
// bug.
func (s *Scheduler) OnJobCompleted(ctx context.Context, completedJobID string, lookup StatusLookup, release Releaser) error {
	iter := s.rdb.Scan(ctx, 0, "waiting:*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			s.log.WithField("error", err).Warn("failed to read waiting entry during scan")
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.log.WithField("error", err).Warn("dropping malformed waiting entry")
			continue
		}
		if !dependsOn(entry, completedJobID) {
			continue
		}
		if !allCompleted(ctx, entry.Dependencies, lookup) {
			continue
		}
		if err := release(ctx, entry); err != nil {
			s.log.WithField("job_id", entry.JobID).WithField("error", err).Warn("failed to release dependent job; leaving waiting entry in place")
			continue
		}
		if err := s.rdb.Del(ctx, waitingKey(entry.JobID)).Err(); err != nil {
			s.log.WithField("job_id", entry.JobID).WithField("error", err).Warn("released job but failed to clear waiting entry")
		}
	}
	return iter.Err()
}

func dependsOn(entry Entry, jobID string) bool {
	for _, dep := range entry.Dependencies {
		if dep == jobID {
			return true
		}
	}
	return false
}

func allCompleted(ctx context.Context, dependencies []string, lookup StatusLookup) bool {
	for _, dep := range dependencies {
		status, ok := lookup(ctx, dep)
		if !ok || status != model.JobStatusCompleted {
			return false
		}
	}
	return true
}

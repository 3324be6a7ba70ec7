// Package health implements the composite health endpoint (spec §6):
// polling each dependency's checker and rolling the results up per the
// overall-status rule unhealthy-if-broker-else-degraded.
package health

import (
	"context"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Checker reports one component's health. Implementations must return
// promptly; Service bounds every call with a timeout regardless.
type Checker func(ctx context.Context) error

// Report is one component's entry in the composite health body.
type Report struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Composite is the full /health response body.
type Composite struct {
	Status     Status   `json:"status"`
	Components []Report `json:"components"`
}

// Service aggregates named component checkers into a composite report.
// The broker checker is distinguished by name so its failure can drive
// the overall status to unhealthy rather than merely degraded, per spec
// §6: "overall is unhealthy if the task broker is unhealthy, degraded if
// any other component is non-healthy".
type Service struct {
	BrokerName string
	checkers   map[string]Checker
	timeout    time.Duration
}

func New(brokerName string, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{BrokerName: brokerName, checkers: make(map[string]Checker), timeout: timeout}
}

func (s *Service) Register(name string, checker Checker) {
	s.checkers[name] = checker
}

func (s *Service) Check(ctx context.Context) Composite {
	reports := make([]Report, 0, len(s.checkers))
	overall := StatusHealthy

	for name, checker := range s.checkers {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := checker(cctx)
		cancel()

		report := Report{Name: name, Status: StatusHealthy}
		if err != nil {
			report.Status = StatusUnhealthy
			report.Error = err.Error()
			if name == s.BrokerName {
				overall = StatusUnhealthy
			} else if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
		reports = append(reports, report)
	}

	return Composite{Status: overall, Components: reports}
}

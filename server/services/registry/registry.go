// Package registry implements the Step Registry (spec §4.1): discovering
// step factories at process start and resolving a step name to one on
// demand, falling back to the bundled steps when nothing else registers
// them.
package registry

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/buildbeaver/ingestioncore/common/gerror"
	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/step"
)

// Source is one extension-point entry the registry scans during
// Discover. A real deployment supplies one Source per pluggable step
// package; each Source either yields a name and Factory, or an error that
// is logged and skipped rather than aborting the scan.
type Source func() (name string, factory step.Factory, err error)

type Registry struct {
	log           logger.Log
	mu            sync.RWMutex
	factoryByName map[string]step.Factory
	sources       []Source
}

func New(logFactory logger.LogFactory, sources ...Source) *Registry {
	return &Registry{
		log:           logFactory("Registry"),
		factoryByName: make(map[string]step.Factory),
		sources:       sources,
	}
}

// Discover scans every registered Source, adding whatever it yields.
// A Source returning an error is logged and skipped (spec §4.1: "the
// registry never raises for a missing entry, only for a malformed one").
// The first pass also seeds the bundled built-in steps so Find always
// resolves the four canonical names even with no Sources configured.
func (r *Registry) Discover() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, factory := range step.BundledFactories() {
		r.factoryByName[name] = factory
	}

	var result *multierror.Error
	for _, src := range r.sources {
		name, factory, err := src()
		if err != nil {
			r.log.WithField("error", err).Warn("skipping malformed step registration")
			result = multierror.Append(result, err)
			continue
		}
		if name == "" || factory == nil {
			continue
		}
		r.factoryByName[name] = factory
	}
	return result.ErrorOrNil()
}

// Find resolves a step name to its factory, falling back to the bundled
// mapping when the extension scan missed it.
func (r *Registry) Find(name string) (step.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factoryByName[name]
	if !ok {
		return nil, gerror.NotFound(fmt.Sprintf("step %q is not registered", name), nil).
			EDetail("step_name", name)
	}
	return factory, nil
}

// Names returns every currently registered step name, sorted by the
// caller's preference (no ordering is promised here).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factoryByName))
	for name := range r.factoryByName {
		names = append(names, name)
	}
	return names
}

package services

import (
	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/plan"
	"github.com/fyrsmithlabs/taskd/internal/resolve"
	"github.com/fyrsmithlabs/taskd/internal/sandbox"
	"github.com/fyrsmithlabs/taskd/internal/secrets"
	"github.com/fyrsmithlabs/taskd/internal/supervisor"
)

// Registry provides access to all taskd services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Plans() *plan.Registry
	Sandboxes() sandbox.Manager
	Coordinator() resolve.Coordinator
	Supervisor() *supervisor.Supervisor
	Bus() events.Bus
	Scrubber() secrets.Scrubber
}

// Options configures the registry with service instances.
type Options struct {
	Plans       *plan.Registry
	Sandboxes   sandbox.Manager
	Coordinator resolve.Coordinator
	Supervisor  *supervisor.Supervisor
	Bus         events.Bus
	Scrubber    secrets.Scrubber
}

// registry is the concrete implementation of Registry.
type registry struct {
	plans       *plan.Registry
	sandboxes   sandbox.Manager
	coordinator resolve.Coordinator
	supervisor  *supervisor.Supervisor
	bus         events.Bus
	scrubber    secrets.Scrubber
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		plans:       opts.Plans,
		sandboxes:   opts.Sandboxes,
		coordinator: opts.Coordinator,
		supervisor:  opts.Supervisor,
		bus:         opts.Bus,
		scrubber:    opts.Scrubber,
	}
}

func (r *registry) Plans() *plan.Registry               { return r.plans }
func (r *registry) Sandboxes() sandbox.Manager          { return r.sandboxes }
func (r *registry) Coordinator() resolve.Coordinator    { return r.coordinator }
func (r *registry) Supervisor() *supervisor.Supervisor  { return r.supervisor }
func (r *registry) Bus() events.Bus                     { return r.bus }
func (r *registry) Scrubber() secrets.Scrubber          { return r.scrubber }

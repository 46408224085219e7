package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"

	"github.com/velohq/velo/internal/artifact"
	"github.com/velohq/velo/internal/eventbus"
	"github.com/velohq/velo/internal/generator"
	"github.com/velohq/velo/internal/project"
	"github.com/velohq/velo/internal/retry"
	"github.com/velohq/velo/internal/task"
	"github.com/velohq/velo/internal/tracker"
	"github.com/velohq/velo/internal/worker"
	"github.com/velohq/velo/pkg/cerr"
	"github.com/velohq/velo/pkg/panicerr"
)

// Config tunes the per-project machines the engine starts.
type Config struct {
	GenTimeout        time.Duration
	DefaultMaxRetries int
	MaxIterations     int
	PollInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.GenTimeout <= 0 {
		c.GenTimeout = 2 * time.Minute
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 5
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Engine is the orchestrator entry point: it owns one phase machine per
// project and the shared collaborators. All machines share a single worker
// registry; everything else is per-project state.
type Engine struct {
	projects  project.Repository
	graph     *task.Graph
	registry  *worker.Registry
	artifacts artifact.Repository
	gen       generator.ContentGenerator
	bus       *eventbus.Bus
	tracker   tracker.ExternalTracker
	ctrl      *retry.Controller
	cfg       Config

	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	mu       sync.Mutex
	machines map[string]*Machine
}

func NewEngine(
	projects project.Repository,
	graph *task.Graph,
	registry *worker.Registry,
	artifacts artifact.Repository,
	gen generator.ContentGenerator,
	bus *eventbus.Bus,
	trk tracker.ExternalTracker,
	cfg Config,
) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		projects:  projects,
		graph:     graph,
		registry:  registry,
		artifacts: artifacts,
		gen:       gen,
		bus:       bus,
		tracker:   trk,
		ctrl:      retry.NewController(graph, projects, artifacts, registry, gen, bus, trk, cfg.GenTimeout),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		machines:  make(map[string]*Machine),
	}
}

// CreateProject persists a new project in Planning and starts its phase
// machine in the background.
func (e *Engine) CreateProject(ctx context.Context, name, description string) (*project.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "project name must not be empty", nil)
	}
	if e.ctx.Err() != nil {
		return nil, cerr.NewError(cerr.Unavailable, "engine is shutting down", nil)
	}

	now := time.Now()
	p := &project.Project{
		ID:            ulid.Make().String(),
		Name:          name,
		Description:   description,
		Phase:         project.PhasePlanning,
		MaxIterations: e.cfg.MaxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.projects.Create(ctx, p); err != nil {
		return nil, err
	}
	e.bus.PublishNew(eventbus.EventTypeProjectCreated, eventbus.SeverityInfo, p.ID,
		eventbus.WithMessage(fmt.Sprintf("project %q created", p.Name)),
	)
	slog.Info("engine: project created", "project_id", p.ID, "name", p.Name)

	m := newMachine(p.ID, machineDeps{
		projects:          e.projects,
		graph:             e.graph,
		registry:          e.registry,
		ctrl:              e.ctrl,
		gen:               e.gen,
		artifacts:         e.artifacts,
		bus:               e.bus,
		tracker:           e.tracker,
		genTimeout:        e.cfg.GenTimeout,
		defaultMaxRetries: e.cfg.DefaultMaxRetries,
		pollInterval:      e.cfg.PollInterval,
	})
	e.mu.Lock()
	e.machines[p.ID] = m
	e.mu.Unlock()

	e.wg.Go(panicerr.Recover(func() {
		m.Run(e.ctx)
	}))
	return p, nil
}

// Approve accepts a pending-review task and wakes its project's machine so
// downstream tasks can dispatch.
func (e *Engine) Approve(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := e.ctrl.Approve(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.wakeMachine(t.ProjectID)
	return t, nil
}

// Reject sends a pending-review task back for another attempt (or fails it
// at the retry bound) and wakes the machine for the re-dispatch.
func (e *Engine) Reject(ctx context.Context, taskID, reason string) (*task.Task, retry.Outcome, error) {
	t, outcome, err := e.ctrl.Reject(ctx, taskID, reason)
	if err != nil {
		return nil, outcome, err
	}
	e.wakeMachine(t.ProjectID)
	return t, outcome, nil
}

// Cancel stops the project's machine; the project ends Failed. Projects that
// are already terminal yield FailedPrecondition.
func (e *Engine) Cancel(ctx context.Context, projectID string) error {
	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Phase.Terminal() {
		return cerr.NewError(cerr.FailedPrecondition, "project is already finished", nil)
	}

	e.mu.Lock()
	m, ok := e.machines[projectID]
	e.mu.Unlock()
	if ok {
		m.Cancel()
		return nil
	}

	// No running machine (e.g. after a restart): mark the project failed
	// directly.
	p.Phase = project.PhaseFailed
	p.FailureReason = "project cancelled"
	p.UpdatedAt = time.Now()
	if err := e.projects.Update(ctx, p); err != nil {
		return err
	}
	e.bus.PublishNew(eventbus.EventTypeProjectFailed, eventbus.SeverityError, projectID,
		eventbus.WithMessage("project cancelled"),
	)
	return nil
}

// Project returns the persisted project record.
func (e *Engine) Project(ctx context.Context, projectID string) (*project.Project, error) {
	return e.projects.Get(ctx, projectID)
}

// ListProjects pages through all projects.
func (e *Engine) ListProjects(ctx context.Context, limit, offset int) ([]*project.Project, int, error) {
	return e.projects.List(ctx, limit, offset)
}

// Tasks returns the project's tasks in creation order.
func (e *Engine) Tasks(projectID string) []*task.Task {
	return e.graph.ListByProject(projectID)
}

// Task returns a single task.
func (e *Engine) Task(taskID string) (*task.Task, bool) {
	return e.graph.Get(taskID)
}

// Workers returns all registered worker profiles.
func (e *Engine) Workers() []worker.Profile {
	return e.registry.List()
}

// Subscribe attaches an event consumer to the bus.
func (e *Engine) Subscribe(bufSize int) (string, <-chan *eventbus.Event) {
	return e.bus.Subscribe(bufSize)
}

// Unsubscribe detaches an event consumer.
func (e *Engine) Unsubscribe(id string) {
	e.bus.Unsubscribe(id)
}

// Shutdown cancels all machines and waits for them to wind down.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) wakeMachine(projectID string) {
	e.mu.Lock()
	m, ok := e.machines[projectID]
	e.mu.Unlock()
	if ok {
		m.Wake()
	}
}

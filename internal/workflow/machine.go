package workflow

import (
	"context"
	"fmt"
	"log/slog"
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
)

// Machine drives one project through its phase sequence. One machine runs
// per project; machines share only the worker registry.
type Machine struct {
	projectID string
	projects  project.Repository
	graph     *task.Graph
	registry  *worker.Registry
	ctrl      *retry.Controller
	gen       generator.ContentGenerator
	artifacts artifact.Repository
	bus       *eventbus.Bus
	tracker   tracker.ExternalTracker

	genTimeout        time.Duration
	defaultMaxRetries int
	pollInterval      time.Duration

	planDoc string

	mu       sync.Mutex
	cancel   context.CancelFunc
	wake     chan struct{}
	done     chan struct{}
	inFlight map[string]struct{}
}

type machineDeps struct {
	projects  project.Repository
	graph     *task.Graph
	registry  *worker.Registry
	ctrl      *retry.Controller
	gen       generator.ContentGenerator
	artifacts artifact.Repository
	bus       *eventbus.Bus
	tracker   tracker.ExternalTracker

	genTimeout        time.Duration
	defaultMaxRetries int
	pollInterval      time.Duration
}

func newMachine(projectID string, d machineDeps) *Machine {
	return &Machine{
		projectID:         projectID,
		projects:          d.projects,
		graph:             d.graph,
		registry:          d.registry,
		ctrl:              d.ctrl,
		gen:               d.gen,
		artifacts:         d.artifacts,
		bus:               d.bus,
		tracker:           d.tracker,
		genTimeout:        d.genTimeout,
		defaultMaxRetries: d.defaultMaxRetries,
		pollInterval:      d.pollInterval,
		wake:              make(chan struct{}, 1),
		done:              make(chan struct{}),
		inFlight:          make(map[string]struct{}),
	}
}

// Wake nudges the dispatch loop after an external state change (approval,
// rejection). Coalesces: at most one wake is pending at a time.
func (m *Machine) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Cancel stops dispatching and fails the project. In-flight task executions
// finish on their own and have their results discarded.
func (m *Machine) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the machine has reached a terminal phase.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Run executes the full phase sequence. It returns when the project reaches
// Completed or Failed.
func (m *Machine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()
	defer close(m.done)

	if err := m.runPlanning(ctx); err != nil {
		m.fail(ctx, err.Error())
		return
	}
	if ctx.Err() != nil {
		m.fail(ctx, "project cancelled")
		return
	}

	if err := m.setPhase(ctx, project.PhaseBuilding); err != nil {
		m.fail(ctx, err.Error())
		return
	}
	if err := m.runDispatch(ctx); err != nil {
		m.fail(ctx, err.Error())
		return
	}

	if err := m.setPhase(ctx, project.PhaseArtifactGeneration); err != nil {
		m.fail(ctx, err.Error())
		return
	}
	m.runArtifactGeneration(ctx)
	if ctx.Err() != nil {
		m.fail(ctx, "project cancelled")
		return
	}

	if err := m.setPhase(ctx, project.PhaseCompleted); err != nil {
		m.fail(ctx, err.Error())
		return
	}
	m.bus.PublishNew(eventbus.EventTypeProjectCompleted, eventbus.SeverityInfo, m.projectID,
		eventbus.WithMessage("project completed"),
	)
}

// runPlanning produces the requirements document and the task breakdown,
// persists the document as a PRD artifact, mirrors the breakdown into the
// external tracker, and creates all tasks. Generator failure substitutes the
// deterministic fallback plan; only creating zero tasks fails the phase.
func (m *Machine) runPlanning(ctx context.Context) error {
	p, err := m.projects.Get(ctx, m.projectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, m.genTimeout)
	plan, err := m.gen.GeneratePlan(genCtx, p.Name, p.Description)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("project cancelled")
		}
		slog.Warn("workflow: plan generation failed, substituting fallback plan",
			"project_id", m.projectID, "error", err)
		plan = generator.FallbackPlan(p.Name, p.Description)
		m.bus.PublishNew(eventbus.EventTypeProjectFailed, eventbus.SeverityWarning, m.projectID,
			eventbus.WithMessage(fmt.Sprintf("plan generation failed, fallback plan substituted: %v", err)),
		)
	}
	m.planDoc = plan.Document

	prd := &artifact.Artifact{
		ID:        ulid.Make().String(),
		ProjectID: m.projectID,
		Type:      artifact.TypePRD,
		Name:      "Product Requirements Document",
		Content:   plan.Document,
		Version:   1,
		CreatedAt: time.Now(),
	}
	if err := m.artifacts.Create(ctx, prd); err != nil {
		return fmt.Errorf("failed to persist requirements document: %w", err)
	}

	if trackerID, err := m.tracker.CreateProject(ctx, p.Name, p.Description); err != nil {
		slog.Warn("workflow: tracker project creation failed", "project_id", m.projectID, "error", err)
	} else if trackerID != "" {
		p.TrackerID = trackerID
		p.UpdatedAt = time.Now()
		if err := m.projects.Update(ctx, p); err != nil {
			slog.Warn("workflow: failed to persist tracker id", "project_id", m.projectID, "error", err)
		}
	}

	// Dependencies in the breakdown refer to other entries by title.
	idByTitle := make(map[string]string, len(plan.Tasks))
	created := 0
	for _, spec := range plan.Tasks {
		var deps []string
		for _, depTitle := range spec.DependsOn {
			depID, ok := idByTitle[depTitle]
			if !ok {
				slog.Warn("workflow: task depends on unknown title, dropping edge",
					"project_id", m.projectID, "task", spec.Title, "dependency", depTitle)
				continue
			}
			deps = append(deps, depID)
		}
		t, err := m.graph.CreateTask(ctx, task.CreateTaskInput{
			ProjectID:            m.projectID,
			Title:                spec.Title,
			Description:          spec.Description,
			DependsOn:            deps,
			RequiredCapabilities: spec.RequiredCapabilities,
			Priority:             task.ParsePriority(spec.Priority),
			MaxRetries:           m.defaultMaxRetries,
		})
		if err != nil {
			slog.Warn("workflow: failed to create task from breakdown",
				"project_id", m.projectID, "task", spec.Title, "error", err)
			continue
		}
		idByTitle[spec.Title] = t.ID
		created++
		m.bus.PublishNew(eventbus.EventTypeTaskCreated, eventbus.SeverityInfo, m.projectID,
			eventbus.WithTask(t.ID),
			eventbus.WithMessage(fmt.Sprintf("task %q created", t.Title)),
		)

		if p.TrackerID != "" {
			issueID, err := m.tracker.CreateIssue(ctx, p.TrackerID, spec.Title, spec.Description, spec.Priority)
			if err != nil {
				slog.Warn("workflow: tracker issue creation failed",
					"project_id", m.projectID, "task_id", t.ID, "error", err)
			} else if issueID != "" {
				if err := m.graph.SetTrackerIssue(ctx, t.ID, issueID); err != nil {
					slog.Warn("workflow: failed to persist tracker issue id",
						"task_id", t.ID, "error", err)
				}
			}
		}
	}

	if created == 0 {
		return fmt.Errorf("planning produced no tasks")
	}
	return nil
}

// runDispatch is the Building/Testing loop: pull ready tasks, match workers,
// dispatch concurrently, and wait for review decisions. Returns nil once all
// tasks are terminal with at least one completion.
func (m *Machine) runDispatch(ctx context.Context) error {
	var wg conc.WaitGroup
	defer wg.Wait()

	p, err := m.projects.Get(ctx, m.projectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}
	projectContext := fmt.Sprintf("Project %s: %s", p.Name, p.Description)

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("project cancelled")
		}

		dispatched := m.dispatchPass(ctx, &wg, projectContext)

		if m.graph.AllTerminal(m.projectID) && m.inFlightCount() == 0 {
			if m.graph.CountByStatus(m.projectID, task.StatusCompleted) == 0 {
				return fmt.Errorf("all tasks failed, nothing to assemble")
			}
			return nil
		}

		if err := m.accountIteration(ctx, dispatched); err != nil {
			return err
		}
		m.maybeEnterTesting(ctx)

		select {
		case <-ctx.Done():
			return fmt.Errorf("project cancelled")
		case <-m.wake:
		case <-time.After(m.pollInterval):
		}
	}
}

// dispatchPass starts one attempt for every runnable task that has a
// matching worker. Tasks with no capability match are deferred, not failed.
func (m *Machine) dispatchPass(ctx context.Context, wg *conc.WaitGroup, projectContext string) int {
	runnable := m.graph.ReadyTasks(m.projectID)
	for _, t := range m.graph.ListByProject(m.projectID) {
		// A rejected task with retry budget left gets another attempt.
		// At the bound it belongs to the review controller, which moves
		// it to Failed.
		if t.Status == task.StatusRejected && t.RetryCount < t.MaxRetries {
			runnable = append(runnable, t)
		}
	}

	dispatched := 0
	for _, t := range runnable {
		if m.isInFlight(t.ID) {
			continue
		}
		w, ok := m.registry.FindBest(t.RequiredCapabilities)
		if !ok {
			slog.Debug("workflow: no matching worker, deferring task",
				"project_id", m.projectID, "task_id", t.ID, "capabilities", t.RequiredCapabilities)
			continue
		}

		m.registry.MarkBusy(w.ID)
		m.markInFlight(t.ID)
		dispatched++
		t := t
		wg.Go(func() {
			defer m.clearInFlight(t.ID)
			defer m.Wake()
			outcome, err := m.ctrl.Execute(ctx, t, w, projectContext)
			if err != nil {
				slog.Error("workflow: task execution failed",
					"project_id", m.projectID, "task_id", t.ID, "error", err)
			}
			// Awaiting approval keeps the worker attached until the review
			// decision frees it.
			if outcome != retry.OutcomeAwaitingApproval {
				m.registry.MarkIdle(w.ID)
			}
		})
	}
	return dispatched
}

// accountIteration tracks no-progress passes. A pass that dispatches
// nothing while nothing is running or awaiting review consumes one
// iteration; exceeding the project's bound is the stall deadlock-breaker.
func (m *Machine) accountIteration(ctx context.Context, dispatched int) error {
	p, err := m.projects.Get(ctx, m.projectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}

	stalled := dispatched == 0 &&
		m.inFlightCount() == 0 &&
		m.graph.CountByStatus(m.projectID, task.StatusPendingReview) == 0
	if stalled {
		p.Iteration++
	} else if p.Iteration != 0 {
		p.Iteration = 0
	} else {
		return nil
	}
	p.UpdatedAt = time.Now()
	if err := m.projects.Update(ctx, p); err != nil {
		slog.Warn("workflow: failed to persist iteration counter", "project_id", m.projectID, "error", err)
	}
	if stalled && p.Iteration >= p.MaxIterations {
		return fmt.Errorf("stalled after %d iterations with no dispatchable tasks", p.Iteration)
	}
	return nil
}

// maybeEnterTesting advances Building → Testing once generation is done for
// every task and only review work remains.
func (m *Machine) maybeEnterTesting(ctx context.Context) {
	p, err := m.projects.Get(ctx, m.projectID)
	if err != nil || p.Phase != project.PhaseBuilding {
		return
	}
	if m.graph.CountByStatus(m.projectID, task.StatusTodo) > 0 ||
		m.graph.CountByStatus(m.projectID, task.StatusInProgress) > 0 ||
		m.graph.CountByStatus(m.projectID, task.StatusRejected) > 0 {
		return
	}
	if m.graph.CountByStatus(m.projectID, task.StatusPendingReview) == 0 {
		return
	}
	if err := m.setPhase(ctx, project.PhaseTesting); err != nil {
		slog.Warn("workflow: failed to enter testing phase", "project_id", m.projectID, "error", err)
	}
}

// runArtifactGeneration produces the three derived documents in parallel,
// each independently falling back on generator failure.
func (m *Machine) runArtifactGeneration(ctx context.Context) {
	p, err := m.projects.Get(ctx, m.projectID)
	if err != nil {
		slog.Error("workflow: failed to load project for artifact generation",
			"project_id", m.projectID, "error", err)
		return
	}

	kinds := []struct {
		kind generator.DocumentKind
		typ  artifact.Type
		name string
	}{
		{generator.DocumentArchitecture, artifact.TypeArchitecture, "Architecture Summary"},
		{generator.DocumentManual, artifact.TypeManual, "User Manual"},
		{generator.DocumentReport, artifact.TypeReport, "Test Report"},
	}

	var wg conc.WaitGroup
	for _, k := range kinds {
		k := k
		wg.Go(func() {
			genCtx, cancel := context.WithTimeout(ctx, m.genTimeout)
			content, err := m.gen.GenerateDocument(genCtx, k.kind, p.Name, m.planDoc)
			cancel()
			fallback := false
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("workflow: document generation failed, substituting fallback",
					"project_id", m.projectID, "document", k.kind, "error", err)
				content = generator.FallbackDocument(k.kind, p.Name)
				fallback = true
				m.bus.PublishNew(eventbus.EventTypeProjectFailed, eventbus.SeverityWarning, m.projectID,
					eventbus.WithMessage(fmt.Sprintf("%s generation failed, fallback document substituted: %v", k.name, err)),
				)
			}
			a := &artifact.Artifact{
				ID:        ulid.Make().String(),
				ProjectID: m.projectID,
				Type:      k.typ,
				Name:      k.name,
				Content:   content,
				Fallback:  fallback,
				Version:   1,
				CreatedAt: time.Now(),
			}
			if err := m.artifacts.Create(ctx, a); err != nil {
				slog.Error("workflow: failed to persist document artifact",
					"project_id", m.projectID, "document", k.kind, "error", err)
			}
		})
	}
	wg.Wait()
}

// setPhase validates and persists a forward phase move and announces it.
func (m *Machine) setPhase(ctx context.Context, next project.Phase) error {
	ctx = context.WithoutCancel(ctx)
	p, err := m.projects.Get(ctx, m.projectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}
	if !p.Phase.CanTransition(next) {
		return fmt.Errorf("phase transition %q to %q is not allowed", p.Phase, next)
	}
	prev := p.Phase
	p.Phase = next
	p.UpdatedAt = time.Now()
	if err := m.projects.Update(ctx, p); err != nil {
		return fmt.Errorf("failed to persist phase change: %w", err)
	}
	m.bus.PublishNew(eventbus.EventTypePhaseChanged, eventbus.SeverityInfo, m.projectID,
		eventbus.WithMessage(fmt.Sprintf("phase changed from %q to %q", prev, next)),
		eventbus.WithMetadata(map[string]string{"from": string(prev), "to": string(next)}),
	)
	slog.Info("workflow: phase changed", "project_id", m.projectID, "from", prev, "to", next)
	return nil
}

// fail marks the project Failed with a human-readable reason. Uses a
// detached context so a cancelled run can still persist its terminal state.
func (m *Machine) fail(ctx context.Context, reason string) {
	ctx = context.WithoutCancel(ctx)
	p, err := m.projects.Get(ctx, m.projectID)
	if err != nil {
		slog.Error("workflow: failed to load project for failure", "project_id", m.projectID, "error", err)
		return
	}
	if p.Phase.Terminal() {
		return
	}
	p.Phase = project.PhaseFailed
	p.FailureReason = reason
	p.UpdatedAt = time.Now()
	if err := m.projects.Update(ctx, p); err != nil {
		slog.Error("workflow: failed to persist project failure", "project_id", m.projectID, "error", err)
	}
	m.bus.PublishNew(eventbus.EventTypeProjectFailed, eventbus.SeverityError, m.projectID,
		eventbus.WithMessage(reason),
	)
	slog.Warn("workflow: project failed", "project_id", m.projectID, "reason", reason)
}

func (m *Machine) isInFlight(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[taskID]
	return ok
}

func (m *Machine) markInFlight(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[taskID] = struct{}{}
}

func (m *Machine) clearInFlight(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, taskID)
}

func (m *Machine) inFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/velohq/velo/pkg/cerr"
)

// Graph owns the mutable set of tasks across projects: creation with
// dependency validation, status transitions, and ready-to-run selection.
// It is the single source of truth for the task→project association.
// All mutations write through to the repository before the in-memory
// index is updated.
type Graph struct {
	mu      sync.RWMutex
	repo    Repository
	tasks   map[string]*Task            // task id -> task
	byProj  map[string]map[string]*Task // project id -> task id -> task
	nextSeq map[string]int              // project id -> next creation sequence
}

func NewGraph(repo Repository) *Graph {
	return &Graph{
		repo:    repo,
		tasks:   make(map[string]*Task),
		byProj:  make(map[string]map[string]*Task),
		nextSeq: make(map[string]int),
	}
}

// Load hydrates the in-memory index from the repository. Called once at
// startup before the graph is shared.
func (g *Graph) Load(ctx context.Context) error {
	tasks, _, err := g.repo.List(ctx, "", "", 0, 0)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range tasks {
		g.index(t)
		if t.Seq >= g.nextSeq[t.ProjectID] {
			g.nextSeq[t.ProjectID] = t.Seq + 1
		}
	}
	return nil
}

// index must be called with g.mu held.
func (g *Graph) index(t *Task) {
	g.tasks[t.ID] = t
	proj, ok := g.byProj[t.ProjectID]
	if !ok {
		proj = make(map[string]*Task)
		g.byProj[t.ProjectID] = proj
	}
	proj[t.ID] = t
}

type CreateTaskInput struct {
	ProjectID            string
	Title                string
	Description          string
	DependsOn            []string
	RequiredCapabilities []string
	Priority             Priority
	MaxRetries           int
}

// CreateTask validates dependencies and persists a new task in StatusTodo.
// Dependencies must reference existing tasks of the same project
// (ErrUnknownDependency) and must not close a cycle (ErrCyclicDependency).
func (g *Graph) CreateTask(ctx context.Context, in CreateTaskInput) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	proj := g.byProj[in.ProjectID]
	for _, depID := range in.DependsOn {
		if _, ok := proj[depID]; !ok {
			return nil, cerr.NewError(cerr.InvalidArgument,
				fmt.Sprintf("dependency %q does not exist in project", depID),
				fmt.Errorf("task %q: %w", depID, ErrUnknownDependency))
		}
	}

	id := ulid.Make().String()
	if cycle := g.wouldCycle(in.ProjectID, id, in.DependsOn); cycle {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			"dependencies would form a cycle",
			fmt.Errorf("task %q: %w", in.Title, ErrCyclicDependency))
	}

	now := time.Now()
	t := &Task{
		ID:                   id,
		ProjectID:            in.ProjectID,
		Title:                in.Title,
		Description:          in.Description,
		Status:               StatusTodo,
		Priority:             in.Priority,
		DependsOn:            append([]string(nil), in.DependsOn...),
		RequiredCapabilities: append([]string(nil), in.RequiredCapabilities...),
		MaxRetries:           in.MaxRetries,
		Seq:                  g.nextSeq[in.ProjectID],
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := g.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	g.nextSeq[in.ProjectID]++
	g.index(t)
	return copyTask(t), nil
}

// AddDependency adds a dependency edge to an existing task. The edge that
// would close a cycle is rejected with ErrCyclicDependency.
func (g *Graph) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	dep, ok := g.tasks[dependsOnID]
	if !ok || dep.ProjectID != t.ProjectID {
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("dependency %q does not exist in project", dependsOnID),
			fmt.Errorf("task %q: %w", dependsOnID, ErrUnknownDependency))
	}
	for _, existing := range t.DependsOn {
		if existing == dependsOnID {
			return nil // already present
		}
	}
	if g.wouldCycle(t.ProjectID, taskID, append(append([]string(nil), t.DependsOn...), dependsOnID)) {
		return cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("dependency on %q would form a cycle", dependsOnID),
			fmt.Errorf("task %q: %w", taskID, ErrCyclicDependency))
	}

	updated := copyTask(t)
	updated.DependsOn = append(updated.DependsOn, dependsOnID)
	updated.UpdatedAt = time.Now()
	if err := g.repo.Update(ctx, updated); err != nil {
		return err
	}
	t.DependsOn = updated.DependsOn
	t.UpdatedAt = updated.UpdatedAt
	return nil
}

// wouldCycle reports whether a task with the given id and dependency set
// would close a dependency cycle within the project. Must be called with
// g.mu held.
func (g *Graph) wouldCycle(projectID, id string, dependsOn []string) bool {
	// DFS from each proposed dependency; if any path reaches id, the new
	// edges would close a cycle.
	proj := g.byProj[projectID]
	visited := make(map[string]bool)
	var visit func(cur string) bool
	visit = func(cur string) bool {
		if cur == id {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		t, ok := proj[cur]
		if !ok {
			return false
		}
		for _, dep := range t.DependsOn {
			if visit(dep) {
				return true
			}
		}
		return false
	}
	for _, dep := range dependsOn {
		if visit(dep) {
			return true
		}
	}
	return false
}

// ReadyTasks returns all tasks in StatusTodo whose dependencies are all
// Completed, ordered by priority descending then creation order ascending.
func (g *Graph) ReadyTasks(projectID string) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	proj := g.byProj[projectID]
	var ready []*Task
	for _, t := range proj {
		if t.Status != StatusTodo {
			continue
		}
		ok := true
		for _, depID := range t.DependsOn {
			dep, exists := proj[depID]
			if !exists || dep.Status != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, copyTask(t))
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].Seq < ready[j].Seq
	})
	return ready
}

// Transition moves a task to newStatus after validating the step against
// the task state machine. A PendingReview→Rejected step consumes one unit
// of retry budget; once the budget is exhausted, Rejected→InProgress is
// refused and the only remaining step is Failed.
func (g *Graph) Transition(ctx context.Context, taskID string, newStatus Status) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	if !t.Status.CanTransition(newStatus) {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("transition from %q to %q is not allowed", t.Status, newStatus),
			fmt.Errorf("task %q: %w", taskID, ErrInvalidTransition))
	}
	if t.Status == StatusRejected && newStatus == StatusInProgress && t.RetryCount >= t.MaxRetries {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("retry budget exhausted (%d of %d)", t.RetryCount, t.MaxRetries),
			fmt.Errorf("task %q: %w", taskID, ErrInvalidTransition))
	}

	updated := copyTask(t)
	updated.Status = newStatus
	updated.UpdatedAt = time.Now()
	if t.Status == StatusPendingReview && newStatus == StatusRejected {
		updated.RetryCount++
	}
	if err := g.repo.Update(ctx, updated); err != nil {
		return nil, err
	}
	*t = *updated
	return copyTask(t), nil
}

// SetAssignedWorker records the worker chosen for the task.
func (g *Graph) SetAssignedWorker(ctx context.Context, taskID, workerID string) error {
	return g.mutate(ctx, taskID, func(t *Task) {
		t.AssignedWorkerID = workerID
	})
}

// SetTrackerIssue records the external tracker issue mirroring the task.
func (g *Graph) SetTrackerIssue(ctx context.Context, taskID, issueID string) error {
	return g.mutate(ctx, taskID, func(t *Task) {
		t.TrackerIssueID = issueID
	})
}

// SetArtifact records the artifact produced by the latest execution.
func (g *Graph) SetArtifact(ctx context.Context, taskID, artifactID string) error {
	return g.mutate(ctx, taskID, func(t *Task) {
		t.ArtifactID = artifactID
	})
}

func (g *Graph) mutate(ctx context.Context, taskID string, fn func(*Task)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	updated := copyTask(t)
	fn(updated)
	updated.UpdatedAt = time.Now()
	if err := g.repo.Update(ctx, updated); err != nil {
		return err
	}
	*t = *updated
	return nil
}

// AllTerminal reports whether every task of the project is Completed or
// Failed. A project with no tasks is not considered terminal.
func (g *Graph) AllTerminal(projectID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	proj := g.byProj[projectID]
	if len(proj) == 0 {
		return false
	}
	for _, t := range proj {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// CountByStatus returns the number of the project's tasks in the given status.
func (g *Graph) CountByStatus(projectID string, status Status) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for _, t := range g.byProj[projectID] {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Get returns a copy of the task.
func (g *Graph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return nil, false
	}
	return copyTask(t), true
}

// ListByProject returns copies of all tasks of the project in creation order.
func (g *Graph) ListByProject(projectID string) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var tasks []*Task
	for _, t := range g.byProj[projectID] {
		tasks = append(tasks, copyTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks
}

func copyTask(t *Task) *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	return &c
}

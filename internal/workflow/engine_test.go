package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	artifactrepo "github.com/velohq/velo/internal/artifact/repositoryimpl"
	"github.com/velohq/velo/internal/eventbus"
	"github.com/velohq/velo/internal/generator"
	"github.com/velohq/velo/internal/project"
	projectrepo "github.com/velohq/velo/internal/project/repositoryimpl"
	"github.com/velohq/velo/internal/task"
	taskrepo "github.com/velohq/velo/internal/task/repositoryimpl"
	"github.com/velohq/velo/internal/tracker"
	"github.com/velohq/velo/internal/worker"
	"github.com/velohq/velo/internal/workflow"
	"github.com/velohq/velo/pkg/storage"
)

// scriptGen scripts each generator call for a test.
type scriptGen struct {
	planFn     func(projectName, description string) (*generator.Plan, error)
	artifactFn func(req generator.ArtifactRequest) (string, error)
	documentFn func(kind generator.DocumentKind) (string, error)
}

func (s *scriptGen) GeneratePlan(_ context.Context, name, desc string) (*generator.Plan, error) {
	if s.planFn == nil {
		return nil, errors.New("not scripted")
	}
	return s.planFn(name, desc)
}

func (s *scriptGen) GenerateArtifact(_ context.Context, req generator.ArtifactRequest) (string, error) {
	if s.artifactFn == nil {
		return "content for " + req.TaskTitle, nil
	}
	return s.artifactFn(req)
}

func (s *scriptGen) GenerateDocument(_ context.Context, kind generator.DocumentKind, _, _ string) (string, error) {
	if s.documentFn == nil {
		return "document " + string(kind), nil
	}
	return s.documentFn(kind)
}

type env struct {
	engine *workflow.Engine
	bus    *eventbus.Bus
}

func newEnv(t *testing.T, gen generator.ContentGenerator) *env {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	graph := task.NewGraph(taskrepo.NewYAMLRepository(store))
	require.NoError(t, graph.Load(context.Background()))
	registry := worker.NewRegistry()
	registry.Register(worker.Profile{ID: "w1", Name: "Atlas", Capabilities: []string{"backend", "architecture", "database"}})
	registry.Register(worker.Profile{ID: "w2", Name: "Pixel", Capabilities: []string{"frontend", "design"}})
	bus := eventbus.New()

	engine := workflow.NewEngine(
		projectrepo.NewYAMLRepository(store),
		graph,
		registry,
		artifactrepo.NewYAMLRepository(store),
		gen,
		bus,
		tracker.NewNoop(),
		workflow.Config{
			GenTimeout:   time.Second,
			PollInterval: 10 * time.Millisecond,
		},
	)
	t.Cleanup(engine.Shutdown)
	return &env{engine: engine, bus: bus}
}

// autoApprove reads events until the project terminates, approving every
// task that reaches pending review. Returns all observed events.
func autoApprove(t *testing.T, e *env, events <-chan *eventbus.Event, timeout time.Duration) []*eventbus.Event {
	t.Helper()
	deadline := time.After(timeout)
	var seen []*eventbus.Event
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out after %v waiting for project to terminate (saw %d events)", timeout, len(seen))
		case event := <-events:
			seen = append(seen, event)
			switch event.Type {
			case eventbus.EventTypeTaskAwaitingApproval:
				if _, err := e.engine.Approve(context.Background(), event.TaskID); err != nil {
					t.Logf("approve %s: %v", event.TaskID, err)
				}
			case eventbus.EventTypeProjectCompleted, eventbus.EventTypeProjectFailed:
				if event.Severity != eventbus.SeverityWarning {
					return seen
				}
			}
		}
	}
}

func chainPlan() *generator.Plan {
	return &generator.Plan{
		Document: "# Demo PRD",
		Tasks: []generator.TaskSpec{
			{Title: "task1", Description: "first", Priority: "high", RequiredCapabilities: []string{"backend"}},
			{Title: "task2", Description: "second", Priority: "high", DependsOn: []string{"task1"}, RequiredCapabilities: []string{"backend"}},
			{Title: "task3", Description: "third", Priority: "high", DependsOn: []string{"task2"}, RequiredCapabilities: []string{"backend"}},
		},
	}
}

func TestProjectCompletesDependencyChainInOrder(t *testing.T) {
	e := newEnv(t, &scriptGen{
		planFn: func(string, string) (*generator.Plan, error) { return chainPlan(), nil },
	})
	_, events := e.bus.Subscribe(256)

	p, err := e.engine.CreateProject(context.Background(), "Demo", "x")
	require.NoError(t, err)

	seen := autoApprove(t, e, events, 10*time.Second)

	final, err := e.engine.Project(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, project.PhaseCompleted, final.Phase)

	// All three tasks completed.
	tasks := e.engine.Tasks(p.ID)
	require.Len(t, tasks, 3)
	for _, tk := range tasks {
		require.Equal(t, task.StatusCompleted, tk.Status)
	}

	// The dependency chain forces start order task1 -> task2 -> task3.
	var startOrder []string
	for _, event := range seen {
		if event.Type == eventbus.EventTypeTaskStarted {
			tk, ok := e.engine.Task(event.TaskID)
			require.True(t, ok)
			startOrder = append(startOrder, tk.Title)
		}
	}
	require.Equal(t, []string{"task1", "task2", "task3"}, startOrder)

	// Phase changes are monotonic.
	last := -1
	for _, event := range seen {
		if event.Type != eventbus.EventTypePhaseChanged {
			continue
		}
		ord := project.Phase(event.Metadata["to"]).Ordinal()
		require.Greater(t, ord, last, "phase moved backwards: %v", event.Metadata)
		last = ord
	}
}

func TestProjectCompletesOnFallbackWhenGeneratorAlwaysFails(t *testing.T) {
	e := newEnv(t, generator.NewUnconfigured())
	_, events := e.bus.Subscribe(256)

	p, err := e.engine.CreateProject(context.Background(), "Demo", "x")
	require.NoError(t, err)

	seen := autoApprove(t, e, events, 15*time.Second)

	final, err := e.engine.Project(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, project.PhaseCompleted, final.Phase)

	// The fallback plan carries four tasks; every one completed on
	// substituted content.
	tasks := e.engine.Tasks(p.ID)
	require.Len(t, tasks, 4)
	for _, tk := range tasks {
		require.Equal(t, task.StatusCompleted, tk.Status)
	}

	// One warning per substitution: the plan, four task outputs, three
	// derived documents.
	warnings := 0
	for _, event := range seen {
		if event.Severity == eventbus.SeverityWarning {
			warnings++
		}
	}
	require.Equal(t, 8, warnings)
}

func TestCancelFailsProjectAndDiscardsInFlightWork(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	e := newEnv(t, &scriptGen{
		planFn: func(string, string) (*generator.Plan, error) {
			return &generator.Plan{
				Document: "# PRD",
				Tasks: []generator.TaskSpec{
					{Title: "task1", Description: "slow", RequiredCapabilities: []string{"backend"}},
				},
			}, nil
		},
		artifactFn: func(generator.ArtifactRequest) (string, error) {
			close(started)
			<-release
			return "", errors.New("interrupted")
		},
	})

	p, err := e.engine.CreateProject(context.Background(), "Demo", "x")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task execution never started")
	}

	require.NoError(t, e.engine.Cancel(context.Background(), p.ID))
	close(release)

	require.Eventually(t, func() bool {
		final, err := e.engine.Project(context.Background(), p.ID)
		return err == nil && final.Phase == project.PhaseFailed
	}, 5*time.Second, 20*time.Millisecond)

	final, err := e.engine.Project(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, final.FailureReason)

	// The in-flight result was discarded: the task never reached review.
	for _, tk := range e.engine.Tasks(p.ID) {
		require.NotEqual(t, task.StatusPendingReview, tk.Status)
	}

	// Cancelling a finished project is rejected.
	err = e.engine.Cancel(context.Background(), p.ID)
	require.Error(t, err)
}

func TestProjectFailsWhenPlanningProducesNoTasks(t *testing.T) {
	e := newEnv(t, &scriptGen{
		planFn: func(string, string) (*generator.Plan, error) {
			return &generator.Plan{Document: "# PRD", Tasks: nil}, nil
		},
	})

	p, err := e.engine.CreateProject(context.Background(), "Demo", "x")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		final, err := e.engine.Project(context.Background(), p.ID)
		return err == nil && final.Phase == project.PhaseFailed
	}, 5*time.Second, 20*time.Millisecond)

	final, err := e.engine.Project(context.Background(), p.ID)
	require.NoError(t, err)
	require.Contains(t, final.FailureReason, "no tasks")
}

func TestCreateProjectRequiresName(t *testing.T) {
	e := newEnv(t, &scriptGen{})
	_, err := e.engine.CreateProject(context.Background(), "  ", "desc")
	require.Error(t, err)
}

func TestRejectBeyondBoundFailsTaskButProjectContinues(t *testing.T) {
	e := newEnv(t, &scriptGen{
		planFn: func(string, string) (*generator.Plan, error) {
			return &generator.Plan{
				Document: "# PRD",
				Tasks: []generator.TaskSpec{
					{Title: "good", Description: "fine", RequiredCapabilities: []string{"backend"}},
					{Title: "bad", Description: "hopeless", RequiredCapabilities: []string{"frontend"}},
				},
			}, nil
		},
	})
	_, events := e.bus.Subscribe(256)

	p, err := e.engine.CreateProject(context.Background(), "Demo", "x")
	require.NoError(t, err)

	// Approve "good", reject "bad" until it fails.
	deadline := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for project to terminate")
		case event := <-events:
			switch event.Type {
			case eventbus.EventTypeTaskAwaitingApproval:
				tk, ok := e.engine.Task(event.TaskID)
				require.True(t, ok)
				if tk.Title == "good" {
					_, err := e.engine.Approve(context.Background(), event.TaskID)
					require.NoError(t, err)
				} else {
					_, _, err := e.engine.Reject(context.Background(), event.TaskID, fmt.Sprintf("attempt %d", tk.RetryCount+1))
					require.NoError(t, err)
				}
			case eventbus.EventTypeProjectCompleted:
				done = true
			case eventbus.EventTypeProjectFailed:
				if event.Severity != eventbus.SeverityWarning {
					t.Fatalf("project failed unexpectedly: %s", event.Message)
				}
			}
		}
	}

	// One task completed, one exhausted its retries; the project still
	// assembled artifacts from the completed work.
	final, err := e.engine.Project(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, project.PhaseCompleted, final.Phase)

	byTitle := map[string]*task.Task{}
	for _, tk := range e.engine.Tasks(p.ID) {
		byTitle[tk.Title] = tk
	}
	require.Equal(t, task.StatusCompleted, byTitle["good"].Status)
	require.Equal(t, task.StatusFailed, byTitle["bad"].Status)
	require.Equal(t, byTitle["bad"].MaxRetries, byTitle["bad"].RetryCount)
}

package task_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/velohq/velo/internal/task"
	taskrepo "github.com/velohq/velo/internal/task/repositoryimpl"
	"github.com/velohq/velo/pkg/cerr"
	"github.com/velohq/velo/pkg/storage"
)

func newTestGraph(t *testing.T) *task.Graph {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	g := task.NewGraph(taskrepo.NewYAMLRepository(store))
	require.NoError(t, g.Load(context.Background()))
	return g
}

func mustCreate(t *testing.T, g *task.Graph, in task.CreateTaskInput) *task.Task {
	t.Helper()
	created, err := g.CreateTask(context.Background(), in)
	require.NoError(t, err)
	return created
}

func TestCreateTaskUnknownDependency(t *testing.T) {
	g := newTestGraph(t)

	_, err := g.CreateTask(context.Background(), task.CreateTaskInput{
		ProjectID: "p1",
		Title:     "build",
		DependsOn: []string{"no-such-task"},
	})
	require.Error(t, err)
	require.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	require.True(t, errors.Is(err, task.ErrUnknownDependency))
}

func TestAddDependencyRejectsCycleClosingEdge(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	t1 := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "t1"})
	t2 := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "t2", DependsOn: []string{t1.ID}})
	t3 := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "t3", DependsOn: []string{t2.ID}})

	// t1 -> t2 -> t3 exists; the edge t1 depends-on t3 closes the cycle.
	err := g.AddDependency(ctx, t1.ID, t3.ID)
	require.Error(t, err)
	require.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	require.True(t, errors.Is(err, task.ErrCyclicDependency))

	// The failed edge must not be recorded.
	got, ok := g.Get(t1.ID)
	require.True(t, ok)
	require.Empty(t, got.DependsOn)
}

func TestReadyTasksGating(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	t1 := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "t1"})
	t2 := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "t2", DependsOn: []string{t1.ID}})

	ready := g.ReadyTasks("p1")
	require.Len(t, ready, 1)
	require.Equal(t, t1.ID, ready[0].ID)

	// A dependency that is merely in progress does not unlock dependents.
	_, err := g.Transition(ctx, t1.ID, task.StatusInProgress)
	require.NoError(t, err)
	require.Empty(t, g.ReadyTasks("p1"))

	_, err = g.Transition(ctx, t1.ID, task.StatusPendingReview)
	require.NoError(t, err)
	_, err = g.Transition(ctx, t1.ID, task.StatusCompleted)
	require.NoError(t, err)

	ready = g.ReadyTasks("p1")
	require.Len(t, ready, 1)
	require.Equal(t, t2.ID, ready[0].ID)

	// Every returned task has all dependencies completed.
	for _, r := range ready {
		for _, depID := range r.DependsOn {
			dep, ok := g.Get(depID)
			require.True(t, ok)
			require.Equal(t, task.StatusCompleted, dep.Status)
		}
	}
}

func TestReadyTasksOrdering(t *testing.T) {
	g := newTestGraph(t)

	low := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "low", Priority: task.PriorityLow})
	highA := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "high-a", Priority: task.PriorityHigh})
	highB := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "high-b", Priority: task.PriorityHigh})

	ready := g.ReadyTasks("p1")
	require.Len(t, ready, 3)
	// Priority descending, then creation order.
	require.Equal(t, highA.ID, ready[0].ID)
	require.Equal(t, highB.ID, ready[1].ID)
	require.Equal(t, low.ID, ready[2].ID)
}

func TestTransitionRejectsInvalidStep(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	t1 := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "t1"})

	_, err := g.Transition(ctx, t1.ID, task.StatusCompleted)
	require.Error(t, err)
	require.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	require.True(t, errors.Is(err, task.ErrInvalidTransition))

	_, err = g.Transition(ctx, "no-such-task", task.StatusInProgress)
	require.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestTransitionRejectionConsumesRetryBudget(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	t1 := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "t1", MaxRetries: 2})

	for _, status := range []task.Status{task.StatusInProgress, task.StatusPendingReview} {
		_, err := g.Transition(ctx, t1.ID, status)
		require.NoError(t, err)
	}
	rejected, err := g.Transition(ctx, t1.ID, task.StatusRejected)
	require.NoError(t, err)
	require.Equal(t, 1, rejected.RetryCount)

	// Second attempt.
	for _, status := range []task.Status{task.StatusInProgress, task.StatusPendingReview} {
		_, err := g.Transition(ctx, t1.ID, status)
		require.NoError(t, err)
	}
	rejected, err = g.Transition(ctx, t1.ID, task.StatusRejected)
	require.NoError(t, err)
	require.Equal(t, 2, rejected.RetryCount)
}

func TestTransitionRejectedAtBoundCannotRestart(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	t1 := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "t1", MaxRetries: 1})

	for _, status := range []task.Status{task.StatusInProgress, task.StatusPendingReview} {
		_, err := g.Transition(ctx, t1.ID, status)
		require.NoError(t, err)
	}
	rejected, err := g.Transition(ctx, t1.ID, task.StatusRejected)
	require.NoError(t, err)
	require.Equal(t, rejected.MaxRetries, rejected.RetryCount)

	// The budget is spent: another attempt is refused at the graph, so no
	// caller can push RetryCount past MaxRetries.
	_, err = g.Transition(ctx, t1.ID, task.StatusInProgress)
	require.Error(t, err)
	require.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	require.True(t, errors.Is(err, task.ErrInvalidTransition))

	got, ok := g.Get(t1.ID)
	require.True(t, ok)
	require.Equal(t, task.StatusRejected, got.Status)
	require.Equal(t, 1, got.RetryCount)

	// Failing the task remains the one valid step out.
	failed, err := g.Transition(ctx, t1.ID, task.StatusFailed)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, failed.Status)
}

func TestAllTerminal(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	// A project with no tasks is not terminal.
	require.False(t, g.AllTerminal("empty"))

	t1 := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "t1"})
	require.False(t, g.AllTerminal("p1"))

	for _, status := range []task.Status{task.StatusInProgress, task.StatusPendingReview, task.StatusCompleted} {
		_, err := g.Transition(ctx, t1.ID, status)
		require.NoError(t, err)
	}
	require.True(t, g.AllTerminal("p1"))
}

func TestGraphReloadFromRepository(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	repo := taskrepo.NewYAMLRepository(store)

	g := task.NewGraph(repo)
	require.NoError(t, g.Load(context.Background()))
	t1 := mustCreate(t, g, task.CreateTaskInput{ProjectID: "p1", Title: "t1"})

	// A fresh graph over the same repository sees the task and continues the
	// sequence where the first graph left off.
	g2 := task.NewGraph(repo)
	require.NoError(t, g2.Load(context.Background()))
	got, ok := g2.Get(t1.ID)
	require.True(t, ok)
	require.Equal(t, "t1", got.Title)

	t2 := mustCreate(t, g2, task.CreateTaskInput{ProjectID: "p1", Title: "t2"})
	require.Greater(t, t2.Seq, t1.Seq)
}

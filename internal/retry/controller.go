package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/velohq/velo/internal/artifact"
	"github.com/velohq/velo/internal/eventbus"
	"github.com/velohq/velo/internal/generator"
	"github.com/velohq/velo/internal/project"
	"github.com/velohq/velo/internal/task"
	"github.com/velohq/velo/internal/tracker"
	"github.com/velohq/velo/internal/worker"
	"github.com/velohq/velo/pkg/cerr"
)

// Outcome reports how one task attempt ended.
type Outcome int

const (
	// OutcomeAwaitingApproval means the attempt produced an artifact and the
	// task is waiting for a human decision.
	OutcomeAwaitingApproval Outcome = iota
	// OutcomeRetry means the result was rejected but retry budget remains.
	OutcomeRetry
	// OutcomeFailed means the task hit its retry bound and is terminally failed.
	OutcomeFailed
	// OutcomeDiscarded means the attempt finished after the project was
	// cancelled; its result was thrown away.
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAwaitingApproval:
		return "awaiting_approval"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Controller runs individual task attempts and arbitrates the human review
// loop. Approval is the only path to task completion; rejection consumes
// retry budget until the bound forces a terminal failure.
type Controller struct {
	graph      *task.Graph
	projects   project.Repository
	artifacts  artifact.Repository
	registry   *worker.Registry
	gen        generator.ContentGenerator
	bus        *eventbus.Bus
	tracker    tracker.ExternalTracker
	genTimeout time.Duration
}

func NewController(
	graph *task.Graph,
	projects project.Repository,
	artifacts artifact.Repository,
	registry *worker.Registry,
	gen generator.ContentGenerator,
	bus *eventbus.Bus,
	trk tracker.ExternalTracker,
	genTimeout time.Duration,
) *Controller {
	if genTimeout <= 0 {
		genTimeout = 2 * time.Minute
	}
	return &Controller{
		graph:      graph,
		projects:   projects,
		artifacts:  artifacts,
		registry:   registry,
		gen:        gen,
		bus:        bus,
		tracker:    trk,
		genTimeout: genTimeout,
	}
}

// Execute runs one attempt of the task on the given worker: generate content
// under the timeout, persist it as an artifact, and park the task in
// PendingReview. Generator failure is not fatal; deterministic fallback
// content is substituted and announced with a warning event.
func (c *Controller) Execute(ctx context.Context, t *task.Task, w worker.Profile, projectContext string) (Outcome, error) {
	if _, err := c.graph.Transition(ctx, t.ID, task.StatusInProgress); err != nil {
		return OutcomeDiscarded, err
	}
	if err := c.graph.SetAssignedWorker(ctx, t.ID, w.ID); err != nil {
		return OutcomeDiscarded, err
	}
	c.bus.PublishNew(eventbus.EventTypeTaskStarted, eventbus.SeverityInfo, t.ProjectID,
		eventbus.WithTask(t.ID),
		eventbus.WithWorker(w.ID),
		eventbus.WithMessage(fmt.Sprintf("task %q started on worker %q", t.Title, w.Name)),
	)
	c.syncIssueState(ctx, t, tracker.IssueStateStarted)

	req := generator.ArtifactRequest{
		TaskTitle:          t.Title,
		TaskDescription:    t.Description,
		WorkerName:         w.Name,
		WorkerCapabilities: w.Capabilities,
		ProjectContext:     projectContext,
	}

	genCtx, cancel := context.WithTimeout(ctx, c.genTimeout)
	content, err := c.gen.GenerateArtifact(genCtx, req)
	cancel()
	fallback := false
	if err != nil {
		if ctx.Err() != nil {
			// The project was cancelled while we were generating; the result
			// no longer matters.
			return OutcomeDiscarded, nil
		}
		slog.Warn("retry: content generation failed, substituting fallback",
			"task_id", t.ID, "worker_id", w.ID, "error", err)
		content = generator.FallbackArtifact(req)
		fallback = true
		c.bus.PublishNew(eventbus.EventTypeTaskFailed, eventbus.SeverityWarning, t.ProjectID,
			eventbus.WithTask(t.ID),
			eventbus.WithWorker(w.ID),
			eventbus.WithMessage(fmt.Sprintf("content generation failed for task %q, fallback content substituted: %v", t.Title, err)),
		)
	}

	a := &artifact.Artifact{
		ID:         ulid.Make().String(),
		ProjectID:  t.ProjectID,
		TaskID:     t.ID,
		Type:       artifact.TypeTaskOutput,
		Name:       t.Title,
		Content:    content,
		ProducedBy: w.ID,
		Fallback:   fallback,
		Version:    t.RetryCount + 1,
		CreatedAt:  time.Now(),
	}
	if err := c.artifacts.Create(ctx, a); err != nil {
		return OutcomeDiscarded, fmt.Errorf("failed to persist artifact: %w", err)
	}
	if err := c.graph.SetArtifact(ctx, t.ID, a.ID); err != nil {
		return OutcomeDiscarded, err
	}

	if _, err := c.graph.Transition(ctx, t.ID, task.StatusPendingReview); err != nil {
		return OutcomeDiscarded, err
	}
	c.bus.PublishNew(eventbus.EventTypeTaskAwaitingApproval, eventbus.SeverityInfo, t.ProjectID,
		eventbus.WithTask(t.ID),
		eventbus.WithWorker(w.ID),
		eventbus.WithMessage(fmt.Sprintf("task %q awaiting approval", t.Title)),
	)
	return OutcomeAwaitingApproval, nil
}

// Approve completes a task that is pending review. Any other state yields
// NotFound: there is nothing awaiting approval.
func (c *Controller) Approve(ctx context.Context, taskID string) (*task.Task, error) {
	t, ok := c.graph.Get(taskID)
	if !ok || t.Status != task.StatusPendingReview {
		return nil, cerr.NewError(cerr.NotFound, "no task awaiting approval", nil)
	}

	updated, err := c.graph.Transition(ctx, taskID, task.StatusCompleted)
	if err != nil {
		return nil, err
	}
	c.registry.MarkIdle(updated.AssignedWorkerID)
	c.bus.PublishNew(eventbus.EventTypeTaskApproved, eventbus.SeverityInfo, updated.ProjectID,
		eventbus.WithTask(updated.ID),
		eventbus.WithWorker(updated.AssignedWorkerID),
		eventbus.WithMessage(fmt.Sprintf("task %q approved", updated.Title)),
	)
	c.syncIssueState(ctx, updated, tracker.IssueStateCompleted)
	return updated, nil
}

// Reject sends a pending-review task back for another attempt, or fails it
// terminally once the retry bound is reached. Any other state yields NotFound.
func (c *Controller) Reject(ctx context.Context, taskID, reason string) (*task.Task, Outcome, error) {
	t, ok := c.graph.Get(taskID)
	if !ok || t.Status != task.StatusPendingReview {
		return nil, OutcomeDiscarded, cerr.NewError(cerr.NotFound, "no task awaiting approval", nil)
	}

	updated, err := c.graph.Transition(ctx, taskID, task.StatusRejected)
	if err != nil {
		return nil, OutcomeDiscarded, err
	}
	c.registry.MarkIdle(updated.AssignedWorkerID)
	c.bus.PublishNew(eventbus.EventTypeTaskRejected, eventbus.SeverityInfo, updated.ProjectID,
		eventbus.WithTask(updated.ID),
		eventbus.WithWorker(updated.AssignedWorkerID),
		eventbus.WithMessage(fmt.Sprintf("task %q rejected (attempt %d of %d): %s", updated.Title, updated.RetryCount, updated.MaxRetries, reason)),
	)

	if updated.RetryCount >= updated.MaxRetries {
		failed, err := c.graph.Transition(ctx, taskID, task.StatusFailed)
		if err != nil {
			return nil, OutcomeDiscarded, err
		}
		c.bus.PublishNew(eventbus.EventTypeTaskFailed, eventbus.SeverityError, failed.ProjectID,
			eventbus.WithTask(failed.ID),
			eventbus.WithMessage(fmt.Sprintf("task %q failed after %d rejected attempts", failed.Title, failed.RetryCount)),
		)
		c.syncIssueState(ctx, failed, tracker.IssueStateCancelled)
		return failed, OutcomeFailed, nil
	}
	// The task goes back to the queue for another attempt; park the
	// mirrored issue in the backlog until it is picked up again.
	c.syncIssueState(ctx, updated, tracker.IssueStateBacklog)
	return updated, OutcomeRetry, nil
}

func (c *Controller) syncIssueState(ctx context.Context, t *task.Task, state tracker.IssueState) {
	if t.TrackerIssueID == "" {
		return
	}
	p, err := c.projects.Get(ctx, t.ProjectID)
	if err != nil || p.TrackerID == "" {
		return
	}
	if err := c.tracker.UpdateIssueState(ctx, p.TrackerID, t.TrackerIssueID, state); err != nil {
		slog.Warn("retry: tracker sync failed", "task_id", t.ID, "issue_id", t.TrackerIssueID, "error", err)
	}
}

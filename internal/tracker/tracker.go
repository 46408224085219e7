package tracker

import "context"

// IssueState mirrors the workflow states the orchestrator pushes to the
// external tracker.
type IssueState string

const (
	IssueStateBacklog   IssueState = "backlog"
	IssueStateStarted   IssueState = "started"
	IssueStateCompleted IssueState = "completed"
	IssueStateCancelled IssueState = "cancelled"
)

// ExternalTracker mirrors projects and tasks into a third-party project
// management tool. Every call is best-effort: callers log errors and move on,
// a tracker failure never blocks the workflow.
type ExternalTracker interface {
	// CreateProject creates a mirror project and returns its tracker-side id.
	CreateProject(ctx context.Context, name, description string) (string, error)
	// CreateIssue creates one issue for a task and returns its tracker-side id.
	CreateIssue(ctx context.Context, trackerProjectID, title, description, priority string) (string, error)
	// UpdateIssueState moves a mirrored issue to the given state.
	UpdateIssueState(ctx context.Context, trackerProjectID, issueID string, state IssueState) error
}

// Noop is the tracker used when no external tracker is configured.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) CreateProject(_ context.Context, _, _ string) (string, error) {
	return "", nil
}

func (n *Noop) CreateIssue(_ context.Context, _, _, _, _ string) (string, error) {
	return "", nil
}

func (n *Noop) UpdateIssueState(_ context.Context, _, _ string, _ IssueState) error {
	return nil
}

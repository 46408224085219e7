package task

import "time"

// Status is the per-task state machine:
//
//	Todo → InProgress → PendingReview → {Completed | Rejected}
//	Rejected → InProgress (retry) | Failed (retry budget exhausted)
//
// Completed and Failed are terminal. Completion only happens through
// explicit approval; a task never auto-completes.
type Status string

const (
	StatusTodo          Status = "todo"
	StatusInProgress    Status = "in_progress"
	StatusPendingReview Status = "pending_review"
	StatusCompleted     Status = "completed"
	StatusRejected      Status = "rejected"
	StatusFailed        Status = "failed"
)

var validTransitions = map[Status][]Status{
	StatusTodo:          {StatusInProgress},
	StatusInProgress:    {StatusPendingReview},
	StatusPendingReview: {StatusCompleted, StatusRejected},
	StatusRejected:      {StatusInProgress, StatusFailed},
}

// CanTransition reports whether moving from s to next is a valid step.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is terminal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

type Task struct {
	ID                   string    `yaml:"id"`
	ProjectID            string    `yaml:"project_id"`
	Title                string    `yaml:"title"`
	Description          string    `yaml:"description"`
	Status               Status    `yaml:"status"`
	Priority             Priority  `yaml:"priority"`
	AssignedWorkerID     string    `yaml:"assigned_worker_id,omitempty"`
	DependsOn            []string  `yaml:"depends_on,omitempty"`
	RequiredCapabilities []string  `yaml:"required_capabilities,omitempty"`
	RetryCount           int       `yaml:"retry_count"`
	MaxRetries           int       `yaml:"max_retries"`
	ArtifactID           string    `yaml:"artifact_id,omitempty"`
	TrackerIssueID       string    `yaml:"tracker_issue_id,omitempty"`
	Seq                  int       `yaml:"seq"`
	CreatedAt            time.Time `yaml:"created_at"`
	UpdatedAt            time.Time `yaml:"updated_at"`
}

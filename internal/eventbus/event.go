package eventbus

import "time"

type EventType string

const (
	EventTypeProjectCreated       EventType = "project.created"
	EventTypePhaseChanged         EventType = "project.phase_changed"
	EventTypeProjectCompleted     EventType = "project.completed"
	EventTypeProjectFailed        EventType = "project.failed"
	EventTypeTaskCreated          EventType = "task.created"
	EventTypeTaskStarted          EventType = "task.started"
	EventTypeTaskAwaitingApproval EventType = "task.awaiting_approval"
	EventTypeTaskApproved         EventType = "task.approved"
	EventTypeTaskRejected         EventType = "task.rejected"
	EventTypeTaskFailed           EventType = "task.failed"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a single immutable state-change record. Events for one task are
// published in the order its state machine is traversed; no ordering is
// guaranteed across tasks.
type Event struct {
	ID        string            `json:"id" yaml:"id"`
	Type      EventType         `json:"type" yaml:"type"`
	Severity  Severity          `json:"severity" yaml:"severity"`
	ProjectID string            `json:"project_id" yaml:"project_id"`
	TaskID    string            `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty" yaml:"worker_id,omitempty"`
	Message   string            `json:"message,omitempty" yaml:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
}

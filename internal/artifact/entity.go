package artifact

import "time"

type Type string

const (
	TypePRD          Type = "prd"
	TypeTaskOutput   Type = "task_output"
	TypeArchitecture Type = "architecture"
	TypeManual       Type = "manual"
	TypeReport       Type = "report"
)

// Artifact is the opaque output of a task or document-generation step. The
// orchestrator treats Content as a blob; only id and metadata are kept in
// memory once the record is persisted.
type Artifact struct {
	ID         string    `yaml:"id"`
	ProjectID  string    `yaml:"project_id"`
	TaskID     string    `yaml:"task_id,omitempty"`
	Type       Type      `yaml:"type"`
	Name       string    `yaml:"name"`
	Content    string    `yaml:"content"`
	ProducedBy string    `yaml:"produced_by,omitempty"`
	Fallback   bool      `yaml:"fallback,omitempty"`
	Version    int       `yaml:"version"`
	CreatedAt  time.Time `yaml:"created_at"`
}

package generator

import "context"

// DocumentKind selects which derived document to produce during the
// artifact-generation phase.
type DocumentKind string

const (
	DocumentArchitecture DocumentKind = "architecture"
	DocumentManual       DocumentKind = "manual"
	DocumentReport       DocumentKind = "report"
)

// TaskSpec is one entry of a generated task breakdown. Dependencies refer to
// other entries by title; the workflow resolves them to task ids.
type TaskSpec struct {
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	Priority             string   `json:"priority"`
	DependsOn            []string `json:"dependencies"`
	RequiredCapabilities []string `json:"required_capabilities"`
	EstimatedHours       int      `json:"estimated_hours"`
}

// Plan is the planning-phase output: a requirements document plus the task
// breakdown derived from it.
type Plan struct {
	Document string
	Tasks    []TaskSpec
}

// ArtifactRequest carries everything the generator needs to produce content
// for a single task attempt.
type ArtifactRequest struct {
	TaskTitle          string
	TaskDescription    string
	WorkerName         string
	WorkerCapabilities []string
	ProjectContext     string
}

// ContentGenerator produces the text content the orchestrator persists as
// artifacts. Implementations must honor ctx cancellation; every error is
// recoverable for the caller via the deterministic fallbacks in this package.
type ContentGenerator interface {
	GeneratePlan(ctx context.Context, projectName, description string) (*Plan, error)
	GenerateArtifact(ctx context.Context, req ArtifactRequest) (string, error)
	GenerateDocument(ctx context.Context, kind DocumentKind, projectName, planDocument string) (string, error)
}

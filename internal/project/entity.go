package project

import "time"

// Phase is the project-level lifecycle stage. Phases only move forward in
// the order below, or jump to PhaseFailed; no phase is revisited.
type Phase string

const (
	PhasePlanning           Phase = "planning"
	PhaseBuilding           Phase = "building"
	PhaseTesting            Phase = "testing"
	PhaseArtifactGeneration Phase = "artifact_generation"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhasePlanning:           0,
	PhaseBuilding:           1,
	PhaseTesting:            2,
	PhaseArtifactGeneration: 3,
	PhaseCompleted:          4,
}

// Ordinal returns the position of the phase in the forward sequence.
// PhaseFailed has no position and returns -1.
func (p Phase) Ordinal() int {
	ord, ok := phaseOrder[p]
	if !ok {
		return -1
	}
	return ord
}

// Terminal reports whether the phase is a terminal state.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// CanTransition reports whether moving from p to next is allowed: any state
// may fail, otherwise only strictly forward moves are valid.
func (p Phase) CanTransition(next Phase) bool {
	if p.Terminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	cur, next0 := p.Ordinal(), next.Ordinal()
	if cur < 0 || next0 < 0 {
		return false
	}
	return next0 > cur
}

type Project struct {
	ID            string    `yaml:"id"`
	Name          string    `yaml:"name"`
	Description   string    `yaml:"description"`
	Phase         Phase     `yaml:"phase"`
	Iteration     int       `yaml:"iteration"`
	MaxIterations int       `yaml:"max_iterations"`
	FailureReason string    `yaml:"failure_reason,omitempty"`
	TrackerID     string    `yaml:"tracker_id,omitempty"`
	CreatedAt     time.Time `yaml:"created_at"`
	UpdatedAt     time.Time `yaml:"updated_at"`
}

package worker

// Status is the worker availability state. Busy workers stay eligible for
// assignment (work items queue on the worker side); Unavailable workers are
// excluded from matching entirely.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusUnavailable Status = "unavailable"
)

// Profile describes a worker as data: there is no behavioral polymorphism
// between workers, only different capability tags.
type Profile struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role,omitempty"`
	Capabilities []string `yaml:"capabilities"`
	Status       Status   `yaml:"status"`
}

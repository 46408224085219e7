package worker

import (
	"log/slog"
	"sync"
)

// Registry holds the process-wide set of worker profiles. It is shared by
// all projects, so every read/score/status operation takes the registry
// lock; two projects can never double-assign the same idle worker.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	order    []string // ids in first-registration order, for tie-breaking
}

func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[string]*Profile),
	}
}

// Register upserts a profile by id. The first registration fixes the
// worker's position in the tie-break order; re-registering updates the
// profile in place.
func (r *Registry) Register(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Status == "" {
		p.Status = StatusIdle
	}
	if _, ok := r.profiles[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	cp := p
	cp.Capabilities = append([]string(nil), p.Capabilities...)
	r.profiles[p.ID] = &cp
}

// FindBest scores each eligible worker by the size of the intersection
// between its capability set and required. The highest score wins; ties
// prefer Idle over Busy, then first-registered. Workers with no matching
// capability are never returned.
func (r *Registry) FindBest(required []string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reqSet := make(map[string]struct{}, len(required))
	for _, c := range required {
		reqSet[c] = struct{}{}
	}

	var (
		best      *Profile
		bestScore int
	)
	for _, id := range r.order {
		p := r.profiles[id]
		if p.Status == StatusUnavailable {
			continue
		}
		score := 0
		for _, c := range p.Capabilities {
			if _, ok := reqSet[c]; ok {
				score++
			}
		}
		if score == 0 {
			continue
		}
		switch {
		case best == nil || score > bestScore:
			best, bestScore = p, score
		case score == bestScore && best.Status == StatusBusy && p.Status == StatusIdle:
			best = p
		}
	}
	if best == nil {
		return Profile{}, false
	}
	cp := *best
	cp.Capabilities = append([]string(nil), best.Capabilities...)
	return cp, true
}

// MarkBusy transitions the worker to Busy. Unknown ids are logged, not fatal.
func (r *Registry) MarkBusy(id string) {
	r.setStatus(id, StatusBusy)
}

// MarkIdle transitions the worker to Idle. Unknown ids are logged, not fatal.
func (r *Registry) MarkIdle(id string) {
	r.setStatus(id, StatusIdle)
}

// MarkUnavailable removes the worker from matching until re-registered or
// marked idle again.
func (r *Registry) MarkUnavailable(id string) {
	r.setStatus(id, StatusUnavailable)
}

func (r *Registry) setStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		slog.Warn("worker registry: status change for unknown worker", "worker_id", id, "status", status)
		return
	}
	p.Status = status
}

// Get returns a copy of the profile.
func (r *Registry) Get(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, false
	}
	cp := *p
	cp.Capabilities = append([]string(nil), p.Capabilities...)
	return cp, true
}

// List returns copies of all profiles in registration order.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Profile, 0, len(r.order))
	for _, id := range r.order {
		p := r.profiles[id]
		cp := *p
		cp.Capabilities = append([]string(nil), p.Capabilities...)
		out = append(out, cp)
	}
	return out
}

package worker

import (
	"testing"
)

func TestRegistryFindBestScoring(t *testing.T) {
	r := NewRegistry()
	r.Register(Profile{ID: "w1", Name: "Atlas", Capabilities: []string{"X", "Y"}, Status: StatusIdle})
	r.Register(Profile{ID: "w2", Name: "Pixel", Capabilities: []string{"X"}, Status: StatusIdle})

	// Both score 1 on ["X"]; the tie goes to the first-registered worker.
	got, ok := r.FindBest([]string{"X"})
	if !ok {
		t.Fatal("expected a match")
	}
	if got.ID != "w1" {
		t.Errorf("expected w1 (registered first), got %s", got.ID)
	}

	// w1 scores 2 on ["X", "Y"], w2 scores 1.
	got, ok = r.FindBest([]string{"X", "Y"})
	if !ok {
		t.Fatal("expected a match")
	}
	if got.ID != "w1" {
		t.Errorf("expected w1 (higher score), got %s", got.ID)
	}
}

func TestRegistryFindBestTiePrefersIdle(t *testing.T) {
	r := NewRegistry()
	r.Register(Profile{ID: "w1", Capabilities: []string{"X"}, Status: StatusBusy})
	r.Register(Profile{ID: "w2", Capabilities: []string{"X"}, Status: StatusIdle})

	got, ok := r.FindBest([]string{"X"})
	if !ok {
		t.Fatal("expected a match")
	}
	if got.ID != "w2" {
		t.Errorf("expected idle w2 over busy w1, got %s", got.ID)
	}
}

func TestRegistryFindBestNoMatch(t *testing.T) {
	r := NewRegistry()
	r.Register(Profile{ID: "w1", Capabilities: []string{"X"}, Status: StatusIdle})

	if _, ok := r.FindBest([]string{"Z"}); ok {
		t.Error("expected no match for capability with zero intersection")
	}
	if _, ok := r.FindBest(nil); ok {
		t.Error("expected no match for empty requirement set")
	}
}

func TestRegistryFindBestSkipsUnavailable(t *testing.T) {
	r := NewRegistry()
	r.Register(Profile{ID: "w1", Capabilities: []string{"X", "Y"}, Status: StatusUnavailable})
	r.Register(Profile{ID: "w2", Capabilities: []string{"X"}, Status: StatusIdle})

	got, ok := r.FindBest([]string{"X", "Y"})
	if !ok {
		t.Fatal("expected a match")
	}
	if got.ID != "w2" {
		t.Errorf("expected w2, unavailable w1 must be excluded, got %s", got.ID)
	}
}

func TestRegistryRegisterUpsertKeepsOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(Profile{ID: "w1", Capabilities: []string{"X"}})
	r.Register(Profile{ID: "w2", Capabilities: []string{"X"}})

	// Re-registering w1 must not move it behind w2 in the tie-break order.
	r.Register(Profile{ID: "w1", Capabilities: []string{"X"}, Name: "renamed"})

	got, ok := r.FindBest([]string{"X"})
	if !ok {
		t.Fatal("expected a match")
	}
	if got.ID != "w1" {
		t.Errorf("expected w1 to keep first position after upsert, got %s", got.ID)
	}
	if got.Name != "renamed" {
		t.Errorf("expected upsert to update profile, got name %q", got.Name)
	}
}

func TestRegistryStatusChanges(t *testing.T) {
	r := NewRegistry()
	r.Register(Profile{ID: "w1", Capabilities: []string{"X"}})

	r.MarkBusy("w1")
	got, _ := r.Get("w1")
	if got.Status != StatusBusy {
		t.Errorf("expected busy, got %s", got.Status)
	}

	r.MarkIdle("w1")
	got, _ = r.Get("w1")
	if got.Status != StatusIdle {
		t.Errorf("expected idle, got %s", got.Status)
	}

	// Unknown ids are a logged no-op, not a panic.
	r.MarkBusy("nope")
	r.MarkIdle("nope")
}

func TestRegistryDefaultStatusIsIdle(t *testing.T) {
	r := NewRegistry()
	r.Register(Profile{ID: "w1", Capabilities: []string{"X"}})

	got, ok := r.Get("w1")
	if !ok {
		t.Fatal("expected profile")
	}
	if got.Status != StatusIdle {
		t.Errorf("expected default idle, got %s", got.Status)
	}
}

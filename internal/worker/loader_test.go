package worker

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadProfiles(t *testing.T) {
	path := writeProfiles(t, `workers:
  - id: atlas
    name: Atlas
    capabilities: [backend, database]
  - id: pixel
    name: Pixel
    capabilities: [frontend]
`)
	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if profiles[0].ID != "atlas" || len(profiles[0].Capabilities) != 2 {
		t.Errorf("unexpected first profile: %+v", profiles[0])
	}
}

func TestLoadProfilesRejectsMissingID(t *testing.T) {
	path := writeProfiles(t, `workers:
  - name: Anonymous
    capabilities: [backend]
`)
	if _, err := LoadProfiles(path); err == nil {
		t.Error("expected an error for a profile without id")
	}
}

func TestLoadProfilesMissingFile(t *testing.T) {
	if _, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

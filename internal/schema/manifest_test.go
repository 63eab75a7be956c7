package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pitabwire/afya/model"
)

func TestManifest_Verify_checksum_mismatch_is_fatal(t *testing.T) {
	m := Manifest{Schemas: []ManifestEntry{
		{ID: "under5-fever", Version: "1.0.0", Checksum: "expected"},
	}}
	schemas := []model.Schema{
		{ID: "under5-fever", Version: "1.0.0", Checksum: "tampered", SourceFile: "fever.yaml"},
	}

	accepted, problems := m.Verify(schemas, false)

	if len(accepted) != 0 {
		t.Errorf("accepted = %d schemas, want 0", len(accepted))
	}
	if len(problems) != 1 || problems[0].Code != "CHECKSUM_MISMATCH" {
		t.Fatalf("problems = %v, want one CHECKSUM_MISMATCH", problems)
	}
}

func TestManifest_Verify_matching_checksum_passes(t *testing.T) {
	m := Manifest{Schemas: []ManifestEntry{
		{ID: "under5-fever", Version: "1.0.0", Checksum: "abc"},
	}}
	schemas := []model.Schema{
		{ID: "under5-fever", Version: "1.0.0", Checksum: "abc"},
	}

	accepted, problems := m.Verify(schemas, true)

	if len(problems) != 0 {
		t.Errorf("problems = %v, want none", problems)
	}
	if len(accepted) != 1 {
		t.Errorf("accepted = %d schemas, want 1", len(accepted))
	}
}

func TestManifest_Verify_unlisted_schema(t *testing.T) {
	m := Manifest{}
	schemas := []model.Schema{
		{ID: "under5-fever", Version: "1.0.0", Checksum: "abc", SourceFile: "fever.yaml"},
	}

	// Strict mode refuses schemas with no manifest entry.
	accepted, problems := m.Verify(schemas, true)
	if len(accepted) != 0 || !hasCode(problems, "NOT_IN_MANIFEST") {
		t.Errorf("strict Verify() accepted=%d problems=%v, want refusal", len(accepted), problems)
	}

	// Lenient mode lets them through.
	accepted, problems = m.Verify(schemas, false)
	if len(accepted) != 1 || len(problems) != 0 {
		t.Errorf("lenient Verify() accepted=%d problems=%v, want pass", len(accepted), problems)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	doc := `generated_at: "2026-08-01T00:00:00Z"
schemas:
  - id: under5-fever
    version: 1.0.0
    name: Fever assessment
    checksum: abc123
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	entry, ok := m.Entry("under5-fever", "1.0.0")
	if !ok {
		t.Fatal("Entry() should find under5-fever@1.0.0")
	}
	if entry.Checksum != "abc123" {
		t.Errorf("Checksum = %q, want abc123", entry.Checksum)
	}
}

func TestLoadManifest_missing_file(t *testing.T) {
	if _, err := LoadManifest("testdata/nonexistent-manifest.yaml"); err == nil {
		t.Fatal("LoadManifest() with missing file should return error")
	}
}

func TestBuildManifest_round_trips_registry(t *testing.T) {
	schemas := []model.Schema{
		{ID: "a", Version: "1.0.0", Name: "A", Checksum: "x"},
		{ID: "b", Version: "2.0.0", Name: "B", Checksum: "y"},
	}
	m := BuildManifest(schemas, "2026-08-01T00:00:00Z")

	if len(m.Schemas) != 2 {
		t.Fatalf("Schemas = %d, want 2", len(m.Schemas))
	}
	accepted, problems := m.Verify(schemas, true)
	if len(accepted) != 2 || len(problems) != 0 {
		t.Errorf("Verify() accepted=%d problems=%v, want all pass", len(accepted), problems)
	}
}

func TestStaleVersionWarning(t *testing.T) {
	r := NewRegistry([]model.Schema{
		{ID: "under5-fever", Version: "1.0.0", Checksum: "a"},
		{ID: "under5-fever", Version: "2.0.0", Checksum: "b"},
	})

	if w := StaleVersionWarning(r, "under5-fever", "1.0.0"); w == "" {
		t.Error("StaleVersionWarning() should flag a superseded version")
	}
	if w := StaleVersionWarning(r, "under5-fever", "2.0.0"); w != "" {
		t.Errorf("StaleVersionWarning() = %q, want empty for latest version", w)
	}
	if w := StaleVersionWarning(r, "unknown", "1.0.0"); w != "" {
		t.Errorf("StaleVersionWarning() = %q, want empty for unknown id", w)
	}
}

package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/afya/model"
)

// Manifest is the signed-off list of schemas a deployment is allowed to run,
// with the expected checksum for each. A schema on disk that disagrees with
// its manifest entry is refused: the manifest is the source of truth about
// what was clinically reviewed.
type Manifest struct {
	GeneratedAt string          `yaml:"generated_at" json:"generated_at,omitempty"`
	Schemas     []ManifestEntry `yaml:"schemas"      json:"schemas"`
}

// ManifestEntry pins one schema version to its reviewed checksum.
type ManifestEntry struct {
	ID       string `yaml:"id"       json:"id"`
	Version  string `yaml:"version"  json:"version"`
	Name     string `yaml:"name"     json:"name,omitempty"`
	Checksum string `yaml:"checksum" json:"checksum"`
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m, nil
}

// Entry returns the manifest entry for (id, version).
func (m *Manifest) Entry(id, version string) (ManifestEntry, bool) {
	for _, e := range m.Schemas {
		if e.ID == id && e.Version == version {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// Verify filters loaded schemas against the manifest. Schemas whose checksum
// matches their entry pass; a checksum mismatch is fatal for that schema. In
// strict mode a schema with no manifest entry is also refused; otherwise it
// passes with a warning-level VError recorded for the operator.
func (m *Manifest) Verify(schemas []model.Schema, strict bool) (accepted []model.Schema, problems []VError) {
	for i := range schemas {
		s := schemas[i]
		entry, found := m.Entry(s.ID, s.Version)
		if !found {
			if strict {
				problems = append(problems, VError{
					Path:    s.SourceFile,
					Code:    "NOT_IN_MANIFEST",
					Message: fmt.Sprintf("schema %s has no manifest entry", s.Key()),
				})
				continue
			}
			accepted = append(accepted, s)
			continue
		}
		if entry.Checksum != s.Checksum {
			problems = append(problems, VError{
				Path:    s.SourceFile,
				Code:    "CHECKSUM_MISMATCH",
				Message: fmt.Sprintf("schema %s checksum %s does not match manifest %s", s.Key(), s.Checksum, entry.Checksum),
			})
			continue
		}
		accepted = append(accepted, s)
	}
	return accepted, problems
}

// BuildManifest produces a manifest describing the given schemas, used by the
// HTTP surface to tell clients which protocol versions this deployment serves.
func BuildManifest(schemas []model.Schema, generatedAt string) Manifest {
	m := Manifest{GeneratedAt: generatedAt}
	for _, s := range schemas {
		m.Schemas = append(m.Schemas, ManifestEntry{
			ID:       s.ID,
			Version:  s.Version,
			Name:     s.Name,
			Checksum: s.Checksum,
		})
	}
	return m
}

// StaleVersionWarning reports whether an instance's bound schema version is
// older than the registry's latest for the same ID, and if so returns the
// warning text to attach to projections. The instance stays fully usable; the
// engine never migrates answers across versions.
func StaleVersionWarning(r *Registry, id, version string) string {
	latest, ok := r.Latest(id)
	if !ok || latest.Version == version {
		return ""
	}
	if versionLess(latest.Version, version) {
		return ""
	}
	return fmt.Sprintf("schema %s@%s has been superseded by version %s; this encounter continues on its original version", id, version, latest.Version)
}

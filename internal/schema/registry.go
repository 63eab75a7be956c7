package schema

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/afya/model"
)

// snapshot is an immutable collection of all loaded schemas indexed by
// "id@version", plus the latest version per ID.
type snapshot struct {
	byKey    map[string]model.Schema
	latest   map[string]model.Schema
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded schemas. It
// uses atomic pointer swap for lock-free concurrent reads; every field save
// consults it, so reads must never contend.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given schemas.
func NewRegistry(schemas []model.Schema) *Registry {
	r := &Registry{}
	r.Replace(schemas)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given schemas. Running instances are unaffected: they hold their
// bound (id, version) key, and published versions are never removed from a
// replacement set that still contains them.
func (r *Registry) Replace(schemas []model.Schema) {
	s := &snapshot{
		byKey:  make(map[string]model.Schema, len(schemas)),
		latest: make(map[string]model.Schema),
	}

	var checksumParts []string

	for _, sc := range schemas {
		s.byKey[sc.Key()] = sc
		checksumParts = append(checksumParts, sc.Checksum)

		if cur, ok := s.latest[sc.ID]; !ok || versionLess(cur.Version, sc.Version) {
			s.latest[sc.ID] = sc
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the schema with the exact (id, version), the only lookup the
// instance path ever uses: an instance is permanently bound to the version it
// was created against.
func (r *Registry) Get(id, version string) (model.Schema, bool) {
	s, ok := r.current().byKey[model.SchemaKey(id, version)]
	return s, ok
}

// Latest returns the highest-versioned schema for an ID. Used only when
// creating a new instance without an explicit version, never for resolving an
// existing instance.
func (r *Registry) Latest(id string) (model.Schema, bool) {
	s, ok := r.current().latest[id]
	return s, ok
}

// All returns every loaded schema, sorted by key for stable iteration.
func (r *Registry) All() []model.Schema {
	s := r.current()
	schemas := make([]model.Schema, 0, len(s.byKey))
	for _, sc := range s.byKey {
		schemas = append(schemas, sc)
	}
	sort.Slice(schemas, func(i, j int) bool {
		return schemas[i].Key() < schemas[j].Key()
	})
	return schemas
}

// Count returns the number of loaded schemas.
func (r *Registry) Count() int {
	return len(r.current().byKey)
}

// Checksum returns the combined checksum of all loaded schemas.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// versionLess compares dotted numeric versions segment by segment, falling
// back to string comparison for non-numeric segments.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		var an, bn int
		_, aerr := fmt.Sscanf(as[i], "%d", &an)
		_, berr := fmt.Sscanf(bs[i], "%d", &bn)
		if aerr == nil && berr == nil {
			if an != bn {
				return an < bn
			}
			continue
		}
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return len(as) < len(bs)
}

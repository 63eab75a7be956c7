package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/afya/internal/schema"
	"github.com/pitabwire/afya/model"
)

// schemaListEntry is the catalogue view of one loaded schema: identity and
// clinical metadata only, never the full field set.
type schemaListEntry struct {
	ID            string          `json:"id"`
	Version       string          `json:"version"`
	Name          string          `json:"name"`
	Protocol      string          `json:"protocol,omitempty"`
	MinAppVersion string          `json:"min_app_version,omitempty"`
	AgeRange      *model.AgeRange `json:"age_range,omitempty"`
	Checksum      string          `json:"checksum"`
}

func handleSchemaList(registry *schema.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := registry.All()
		entries := make([]schemaListEntry, 0, len(all))
		for _, s := range all {
			entries = append(entries, schemaListEntry{
				ID:            s.ID,
				Version:       s.Version,
				Name:          s.Name,
				Protocol:      s.Protocol,
				MinAppVersion: s.MinAppVersion,
				AgeRange:      s.AgeRange,
				Checksum:      s.Checksum,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"schemas":  entries,
			"count":    len(entries),
			"checksum": registry.Checksum(),
		})
	}
}

// handleSchemaGet returns one full schema document. With no version query the
// latest loaded version is served, so offline clients can refresh their local
// copy in one request.
func handleSchemaGet(registry *schema.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		schemaID := chi.URLParam(r, "schemaId")
		version := r.URL.Query().Get("version")

		var (
			s  model.Schema
			ok bool
		)
		if version != "" {
			s, ok = registry.Get(schemaID, version)
		} else {
			s, ok = registry.Latest(schemaID)
		}
		if !ok {
			WriteNotFound(w, "schema not found: "+schemaID)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

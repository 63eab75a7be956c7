package transport

import (
	"net/http"

	"github.com/pitabwire/afya/internal/syncqueue"
)

func handleSyncStatus(queue *syncqueue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		errored := queue.Errors()
		WriteJSON(w, http.StatusOK, map[string]any{
			"depth":   queue.Depth(),
			"errored": len(errored),
		})
	}
}

// handleSyncErrors lists queue entries whose last push attempt failed. These
// records stay queued for retry; the listing exists so a supervisor can chase
// the ones that keep failing.
func handleSyncErrors(queue *syncqueue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		errored := queue.Errors()
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":  errored,
			"count": len(errored),
		})
	}
}

package artifact

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Handler serves cached audio artifacts over HTTP.
//
// Mount it under the artifact path prefix, e.g.:
//
//	mux.Handle("/audio/", artifact.Handler(store, "/audio/"))
//
// A miss (unknown or expired id) is a 404; clients treat it as stale and move
// on.
func Handler(store *Store, prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id := strings.TrimPrefix(r.URL.Path, prefix)
		if id == "" || !ValidID(id) {
			http.NotFound(w, r)
			return
		}

		audio, contentType, err := store.Get(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				slog.Debug("artifact miss", "id", id)
				http.NotFound(w, r)
				return
			}
			slog.Error("artifact fetch failed", "id", id, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		// Artifacts are immutable for their lifetime; let the client cache.
		w.Header().Set("Cache-Control", "private, max-age=300")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			if _, err := w.Write(audio); err != nil {
				slog.Debug("artifact write aborted", "id", id, "err", err)
			}
		}
	})
}

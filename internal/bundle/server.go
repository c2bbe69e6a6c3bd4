package bundle

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ocapkernel/kernel/internal/logging"
)

// Server exposes Store over HTTP at "/<name>.bundle", serving only files
// with that exact suffix and rejecting any name that would escape the
// store's root (spec.md §6, §8 S5).
type Server struct {
	store Store
}

func NewServer(store Store) *Server {
	return &Server{store: store}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleBundle)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := logging.Op().With("request_id", requestID, "path", r.URL.Path)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name, ok := bundleName(r.URL.Path)
	if !ok {
		log.Debug("bundle request rejected", "reason", "bad suffix or path")
		http.NotFound(w, r)
		return
	}

	rc, err := s.store.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Warn("bundle open failed", "bundle", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		log.Warn("bundle read failed", "bundle", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", `"`+hashContent(data)+`"`)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

// bundleName validates path is exactly "/<name>.bundle" with no path
// traversal or nested segments, and returns name with the suffix stripped.
func bundleName(path string) (string, bool) {
	if !strings.HasPrefix(path, "/") {
		return "", false
	}
	trimmed := strings.TrimPrefix(path, "/")
	const suffix = ".bundle"
	if !strings.HasSuffix(trimmed, suffix) {
		return "", false
	}
	name := strings.TrimSuffix(trimmed, suffix)
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		return "", false
	}
	return name, true
}

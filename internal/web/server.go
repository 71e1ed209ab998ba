// Package web provides a read-only web UI over recorded runs and their
// artifacts.
package web

import (
	"embed"
	"encoding/json"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/metalagman/sonda/internal/db"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Server provides the web UI handlers and state.
type Server struct {
	store *db.Store
	log   zerolog.Logger
}

// NewServer creates a new web server over the run index.
func NewServer(store *db.Store, log zerolog.Logger) (*Server, error) {
	return &Server{store: store, log: log}, nil
}

// Routes returns the router for the web UI.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/api/runs", s.handleListRuns)
	r.Get("/api/runs/{id}", s.handleGetRun)
	r.Get("/api/runs/{id}/artifacts", s.handleListArtifacts)
	r.Get("/api/runs/{id}/artifacts/{name}", s.handleGetArtifact)
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	tmpl, err := template.ParseFS(templatesFS, "templates/index.html")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	runs, err := s.store.ListRuns(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := tmpl.Execute(w, runs); err != nil {
		s.log.Warn().Err(err).Msg("render index")
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"run": rec, "events": events})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.runDir(w, r)
	if !ok {
		return
	}
	entries, err := os.ReadDir(rec.RunDir)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeJSON(w, []string{})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	s.writeJSON(w, names)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.runDir(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".json") {
		http.Error(w, "invalid artifact name", http.StatusBadRequest)
		return
	}
	data, err := os.ReadFile(filepath.Join(rec.RunDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) runDir(w http.ResponseWriter, r *http.Request) (*db.RunRecord, bool) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if rec == nil || rec.RunDir == "" {
		http.Error(w, "run not found", http.StatusNotFound)
		return nil, false
	}
	return rec, true
}

func (s *Server) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.log.Warn().Err(err).Msg("encode response")
	}
}

package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/newsdigest/internal/database"
	"github.com/TobiSchelling/newsdigest/internal/scheduler"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

const pageSize = 50

// Store is the read side of the database the viewer needs.
type Store interface {
	ListDigests(ctx context.Context, f database.DigestFilter) ([]database.Digest, error)
	GetDigest(ctx context.Context, id int64) (*database.Digest, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

// Scheduler is the control surface exposed over HTTP.
type Scheduler interface {
	Update(ctx context.Context, userID int64) error
	Snapshot() []scheduler.TaskInfo
	Running() bool
}

// Options tune what the viewer shows.
type Options struct {
	ShowPrivate bool
}

// Server is the HTTP server for reading digests and inspecting the schedule.
type Server struct {
	store Store
	sched Scheduler
	opts  Options
	log   zerolog.Logger
	pages map[string]*template.Template
	mux   *http.ServeMux
}

// New creates a new Server. sched may be nil, in which case the schedule
// endpoints report 503.
func New(store Store, sched Scheduler, opts Options, log zerolog.Logger) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": RenderMarkdown,
		"datetime": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("2006-01-02 15:04 MST")
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// For each page template, clone the base and parse the page into the clone.
	// This gives each page its own {{define "content"}} and {{define "title"}}.
	pageNames := []string{"index.html", "digest.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{store: store, sched: sched, opts: opts, log: log, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	// Static files
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /digest/{id}", s.handleDigest)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/schedule", s.handleSchedule)
	s.mux.HandleFunc("POST /api/users/{id}/reconcile", s.handleReconcile)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	filter := database.DigestFilter{PublicOnly: !s.opts.ShowPrivate, Limit: pageSize}
	if v := r.URL.Query().Get("prompt"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid prompt id", http.StatusBadRequest)
			return
		}
		filter.PromptID = id
	}

	digests, err := s.store.ListDigests(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("listing digests")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Digests": digests,
	})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	d, err := s.store.GetDigest(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Int64("digest_id", id).Msg("loading digest")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if d == nil || !s.opts.ShowPrivate && d.Visibility != database.VisibilityPublic {
		http.NotFound(w, r)
		return
	}

	s.render(w, "digest.html", map[string]any{
		"Digest": d,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	resp := map[string]any{
		"status":    "ok",
		"scheduler": s.sched != nil && s.sched.Running(),
		"users":     stats.Users,
		"prompts":   stats.Prompts,
		"digests":   stats.Digests,
	}
	if stats.LastDigestAt != nil {
		resp["last_digest_at"] = stats.LastDigestAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.sched.Running(),
		"tasks":   s.sched.Snapshot(),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not running"})
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}
	if err := s.sched.Update(r.Context(), id); err != nil {
		s.log.Error().Err(err).Int64("user_id", id).Msg("reconciling schedule")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	var tasks []scheduler.TaskInfo
	for _, t := range s.sched.Snapshot() {
		if t.UserID == id {
			tasks = append(tasks, t)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "tasks": tasks})
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.log.Error().Str("template", name).Msg("template not found")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.log.Error().Err(err).Str("template", name).Msg("rendering template")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RenderMarkdown converts a digest body to HTML, falling back to escaped
// text if conversion fails.
func RenderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve runs the HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", "http://"+addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return nil
	}
}

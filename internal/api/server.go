// Package api exposes the HTTP surface of the service.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"file-normalization-service/internal/config"
	"file-normalization-service/internal/converter"
	"file-normalization-service/internal/manager"
	"file-normalization-service/internal/models"
	"file-normalization-service/internal/ratelimit"
	"file-normalization-service/internal/storage"
	"file-normalization-service/internal/store"
	"file-normalization-service/internal/telemetry"
)

// Server wires HTTP handlers around the job manager.
type Server struct {
	cfg     config.Config
	manager *manager.Manager
	layout  *storage.Layout
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

func New(cfg config.Config, mgr *manager.Manager, layout *storage.Layout, limiter *ratelimit.Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		manager: mgr,
		layout:  layout,
		limiter: limiter,
		log:     log.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.With(s.rateLimited).Post("/convert", s.handleConvert)

	r.Route("/v1", func(r chi.Router) {
		r.With(s.rateLimited).Post("/ingest", s.handleIngest)
		r.Post("/trigger-scan", s.handleTriggerScan)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/changes", s.handleChanges)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// rateLimited spends one token per request from the caller's bucket.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			s.log.Error("rate limiter error", "error", err)
			http.Error(w, "rate limiter unavailable", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type convertResponse struct {
	Markdown string            `json:"markdown"`
	Assets   []converter.Asset `json:"assets"`
}

// handleConvert runs a synchronous conversion of the uploaded file, bypassing
// the job pipeline.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	name, data, err := s.readUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	doc, err := s.manager.ConvertDirect(r.Context(), data, name)
	switch {
	case errors.Is(err, converter.ErrUnsupportedFormat):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	case errors.Is(err, converter.ErrCorruptInput):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		s.log.Error("synchronous convert failed", "file", name, "error", err)
		http.Error(w, "conversion failed", http.StatusInternalServerError)
		return
	}
	if doc.Assets == nil {
		doc.Assets = []converter.Asset{}
	}
	writeJSON(w, http.StatusOK, convertResponse{Markdown: doc.Markdown, Assets: doc.Assets})
}

type ingestRequest struct {
	SourcePath string `json:"source_path"`
}

type jobSummary struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleIngest admits a file as an async job. A JSON body references a file
// already under incoming; a multipart body is staged there first.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var sourcePath string
	if isMultipart(r) {
		name, data, err := s.readUpload(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rel, err := s.layout.StageIncoming(name, bytes.NewReader(data))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sourcePath = rel
	} else {
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.SourcePath == "" {
			http.Error(w, "source_path is required", http.StatusBadRequest)
			return
		}
		sourcePath = req.SourcePath
	}

	job, err := s.manager.Enqueue(r.Context(), sourcePath)
	switch {
	case errors.Is(err, store.ErrDuplicateSource):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "active job already exists for source path",
			"job":   jobSummary{ID: job.ID, Status: job.Status},
		})
		return
	case errors.Is(err, storage.ErrOutsideRoot):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		if !s.layout.SourceExists(sourcePath) {
			http.Error(w, fmt.Sprintf("no such source file: %s", sourcePath), http.StatusNotFound)
			return
		}
		s.log.Error("ingest failed", "source", sourcePath, "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, jobSummary{ID: job.ID, Status: job.Status})
}

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.TriggerScan(r.Context())
	if err != nil {
		s.log.Error("triggered scan failed", "error", err)
		http.Error(w, "scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter store.ListFilter
	if status := r.URL.Query().Get("status"); status != "" {
		if !models.ValidStatus(status) {
			http.Error(w, fmt.Sprintf("unknown status %q", status), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	for param, dst := range map[string]*time.Time{"from": &filter.Start, "to": &filter.End} {
		if raw := r.URL.Query().Get(param); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid %s timestamp", param), http.StatusBadRequest)
				return
			}
			*dst = ts
		}
	}

	jobs, err := s.manager.ListJobs(r.Context(), filter)
	if err != nil {
		s.log.Error("list jobs failed", "error", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("get job failed", "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleChanges serves the incremental journal. Consumers pass back the
// largest updated_at they have seen; re-reading a page is idempotent.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		http.Error(w, "since is required (RFC3339)", http.StatusBadRequest)
		return
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		http.Error(w, "invalid since timestamp", http.StatusBadRequest)
		return
	}
	limit := 0
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		limit, err = strconv.Atoi(rawLimit)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	jobs, err := s.manager.Changes(r.Context(), since, limit)
	if err != nil {
		s.log.Error("journal query failed", "error", err)
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	next := raw
	if len(jobs) > 0 {
		next = jobs[len(jobs)-1].UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "next_since": next})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.log.Error("stats query failed", "error", err)
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// readUpload pulls the file out of a multipart request, enforcing the upload
// size ceiling.
func (s *Server) readUpload(r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, fmt.Errorf("multipart field %q required: %w", "file", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return header.Filename, data, nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

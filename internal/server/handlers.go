package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/aggregate"
	"github.com/hyperjump/kasane/internal/guard"
	"github.com/hyperjump/kasane/internal/hierarchy"
	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/storage"
	"github.com/hyperjump/kasane/internal/vector"
)

// levelParam returns the ?level= query parameter, "." when absent.
func levelParam(r *http.Request) string {
	if p := r.URL.Query().Get("level"); p != "" {
		return p
	}
	return hierarchy.RootPath
}

func idParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.Strings("levels", query.Levels), zap.Int("k", query.K))
	response, err := s.engine.Search(r.Context(), &query)
	if err != nil {
		s.fail(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

type putRequest struct {
	Vector  models.Vector   `json:"vector,omitempty"`
	Vectors []models.Vector `json:"vectors,omitempty"`
	// Create creates the level, and levels at every ancestor, if missing.
	Create bool `json:"create,omitempty"`
}

type putResponse struct {
	Level   string            `json:"level"`
	Results []level.PutResult `json:"results"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	vecs := req.Vectors
	if req.Vector != nil {
		vecs = append([]models.Vector{req.Vector}, vecs...)
	}
	if len(vecs) == 0 {
		s.respondError(w, http.StatusBadRequest, "vector or vectors is required")
		return
	}

	ctx := r.Context()
	p := levelParam(r)
	var l *level.Level
	var err error
	if req.Create {
		l, err = s.hier.Create(ctx, p, true)
	} else {
		l, err = s.hier.Level(ctx, p)
	}
	if err != nil {
		s.fail(w, "open level failed", err)
		return
	}

	results, err := l.PutBatch(ctx, vecs)
	if err != nil {
		s.fail(w, "put failed", err)
		return
	}
	if _, err := l.MaybeConsolidate(ctx); err != nil {
		s.logger.Warn("consolidation after put failed", zap.String("level", l.Name()), zap.Error(err))
	}
	status := http.StatusOK
	for _, res := range results {
		if res.Created {
			status = http.StatusCreated
			break
		}
	}
	s.respondJSON(w, status, putResponse{Level: l.Name(), Results: results})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	rec, err := s.engine.Get(r.Context(), levelParam(r), id)
	if err != nil {
		s.fail(w, "get failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	k := 0
	if v := r.URL.Query().Get("k"); v != "" {
		if k, err = strconv.Atoi(v); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid k")
			return
		}
	}
	response, err := s.engine.Search(r.Context(), &models.SearchQuery{
		Levels: []string{levelParam(r)},
		ID:     &id,
		K:      k,
	})
	if err != nil {
		s.fail(w, "similar search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleReferrers(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	l, err := s.hier.Level(r.Context(), levelParam(r))
	if err != nil {
		s.fail(w, "open level failed", err)
		return
	}
	links, err := l.Ledger().ReferrersOf(r.Context(), id)
	if err != nil {
		s.fail(w, "referrers failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"level": l.Name(), "id": id, "referrers": links})
}

type levelEntry struct {
	Path     string   `json:"path"`
	Dir      string   `json:"dir"`
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	if err := s.hier.Refresh(); err != nil {
		s.fail(w, "discover levels failed", err)
		return
	}
	nodes := s.hier.Tree().Nodes()
	out := make([]levelEntry, 0, len(nodes))
	for _, n := range nodes {
		e := levelEntry{Path: n.Path, Dir: n.Dir}
		if n.Parent != nil {
			e.Parent = n.Parent.Path
		}
		for _, c := range n.Children {
			e.Children = append(e.Children, c.Path)
		}
		out = append(out, e)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"root": s.hier.Root(), "levels": out})
}

type createLevelRequest struct {
	Path      string `json:"path"`
	Ancestors bool   `json:"ancestors,omitempty"`
}

func (s *Server) handleCreateLevel(w http.ResponseWriter, r *http.Request) {
	var req createLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	l, err := s.hier.Create(r.Context(), req.Path, req.Ancestors)
	if err != nil {
		s.fail(w, "create level failed", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"level": l.Name(), "info": l.Info()})
}

type statusResponse struct {
	Root         string          `json:"root"`
	Levels       []*level.Status `json:"levels"`
	WatchPending *int            `json:"watch_pending,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paths := []string{r.URL.Query().Get("level")}
	if paths[0] == "" {
		if err := s.hier.Refresh(); err != nil {
			s.fail(w, "discover levels failed", err)
			return
		}
		paths = paths[:0]
		for _, n := range s.hier.Tree().Nodes() {
			paths = append(paths, n.Path)
		}
	}
	resp := statusResponse{Root: s.hier.Root(), Levels: make([]*level.Status, 0, len(paths))}
	for _, p := range paths {
		l, err := s.hier.Level(ctx, p)
		if err != nil {
			s.fail(w, "open level failed", err)
			return
		}
		st, err := l.Status(ctx)
		if err != nil {
			s.fail(w, "status failed", err)
			return
		}
		resp.Levels = append(resp.Levels, st)
	}
	if s.watch != nil {
		n := s.watch.Pending()
		resp.WatchPending = &n
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	repair := r.URL.Query().Get("repair") != "false"
	var reports []*guard.Report
	if p := r.URL.Query().Get("level"); p != "" {
		rep, err := s.hier.Check(ctx, p, repair)
		if err != nil {
			s.fail(w, "check failed", err)
			return
		}
		reports = append(reports, rep)
	} else {
		if err := s.hier.Refresh(); err != nil {
			s.fail(w, "discover levels failed", err)
			return
		}
		var err error
		reports, err = s.hier.CheckAll(ctx, repair)
		if err != nil {
			s.fail(w, "check failed", err)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	p := levelParam(r)
	s.logger.Info("rebuild request", zap.String("level", p))
	if err := s.hier.Rebuild(r.Context(), p); err != nil {
		s.fail(w, "rebuild failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"level": p, "status": "rebuilt"})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l, err := s.hier.Level(ctx, levelParam(r))
	if err != nil {
		s.fail(w, "open level failed", err)
		return
	}
	if err := l.Consolidate(ctx); err != nil {
		s.fail(w, "consolidate failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"level": l.Name(), "consolidation": l.Scheduler().Stats()})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.hier.Refresh(); err != nil {
		s.fail(w, "discover levels failed", err)
		return
	}
	var results []*aggregate.Result
	var err error
	if p := r.URL.Query().Get("level"); p != "" {
		results, err = s.hier.AggregateInto(ctx, p)
	} else {
		results, err = s.hier.AggregateAll(ctx)
	}
	if err != nil {
		s.fail(w, "aggregate failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, vector.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidVector), errors.Is(err, models.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrIntegrityViolation), errors.Is(err, storage.ErrIncompatible):
		return http.StatusConflict
	case errors.Is(err, storage.ErrStorageFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

// respondJSON encodes data before writing the status so an encoding failure still
// reaches the client as a 500.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to encode response"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

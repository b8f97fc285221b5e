// Package server exposes a Muninn engine over HTTP. The JSON routes
// mirror storage.RemoteStore, so a remote client sees the same Store
// contract an embedded caller does, plus engine routes for text
// queries, inference and bulk import/export.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/muninn"
	"github.com/muninndb/muninn/pkg/pagination"
	"github.com/muninndb/muninn/pkg/reason"
	"github.com/muninndb/muninn/pkg/storage"
)

// Tenant headers, shared with storage.RemoteStore.
const (
	headerTenant    = "X-Muninn-Tenant"
	headerIsolation = "X-Muninn-Isolation"
)

// Server is the HTTP front end over one DB.
type Server struct {
	db   *muninn.DB
	mux  *http.ServeMux
	http *http.Server
}

// Options configures a Server.
type Options struct {
	// Addr is the host:port to listen on.
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a server over db.
func New(db *muninn.DB, opts Options) *Server {
	s := &Server{db: db, mux: http.NewServeMux()}
	s.routes()

	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}
	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler exposes the route table (for tests and embedding).
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)

	s.mux.HandleFunc("POST /v1/entities", s.handleAddEntity)
	s.mux.HandleFunc("GET /v1/entities", s.handleListEntities)
	s.mux.HandleFunc("GET /v1/entities/{id}", s.handleGetEntity)
	s.mux.HandleFunc("PUT /v1/entities/{id}", s.handleUpdateEntity)
	s.mux.HandleFunc("DELETE /v1/entities/{id}", s.handleDeleteEntity)
	s.mux.HandleFunc("GET /v1/entities/{id}/neighbors", s.handleNeighbors)

	s.mux.HandleFunc("POST /v1/relations", s.handleAddRelation)
	s.mux.HandleFunc("GET /v1/relations", s.handleAllRelations)
	s.mux.HandleFunc("GET /v1/relations/{id}", s.handleGetRelation)
	s.mux.HandleFunc("DELETE /v1/relations/{id}", s.handleDeleteRelation)

	s.mux.HandleFunc("POST /v1/query", s.handleEntityQuery)
	s.mux.HandleFunc("POST /v1/search/vector", s.handleVectorSearch)

	s.mux.HandleFunc("POST /v1/muninn/query", s.handleTextQuery)
	s.mux.HandleFunc("POST /v1/muninn/answer", s.handleAnswer)
	s.mux.HandleFunc("POST /v1/muninn/infer", s.handleInfer)
	s.mux.HandleFunc("GET /v1/muninn/page", s.handlePage)
	s.mux.HandleFunc("POST /v1/muninn/import", s.handleImport)
	s.mux.HandleFunc("GET /v1/muninn/export", s.handleExport)
}

// tenantFrom reads the tenant scoping headers.
func tenantFrom(r *http.Request) *graph.TenantContext {
	name := r.Header.Get(headerTenant)
	if name == "" {
		return nil
	}
	isolation := graph.IsolationMode(r.Header.Get(headerIsolation))
	if isolation == "" {
		isolation = graph.IsolationStrict
	}
	return &graph.TenantContext{Tenant: name, Isolation: isolation}
}

// writeError maps the engine error taxonomy onto HTTP statuses and the
// shared JSON envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	var verr *graph.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, graph.ErrInvalidData), errors.Is(err, graph.ErrInvalidID):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, graph.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, graph.ErrAlreadyExists):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, graph.ErrCapability):
		status, code = http.StatusNotImplemented, "capability"
	case errors.Is(err, graph.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, graph.ErrExternal):
		status, code = http.StatusBadGateway, "external"
	}

	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return graph.NewValidationError("body", "malformed JSON: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	entities, err := s.db.Store().EntityCount(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	relations, err := s.db.Store().RelationCount(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"entities": entities, "relations": relations})
}

func (s *Server) handleAddEntity(w http.ResponseWriter, r *http.Request) {
	var entity graph.Entity
	if err := decodeJSON(r, &entity); err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.AddEntity(r.Context(), tenantFrom(r), &entity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &entity)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := s.db.GetEntity(r.Context(), tenantFrom(r), graph.EntityID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	var entity graph.Entity
	if err := decodeJSON(r, &entity); err != nil {
		writeError(w, err)
		return
	}
	entity.ID = graph.EntityID(r.PathValue("id"))
	if err := s.db.UpdateEntity(r.Context(), tenantFrom(r), &entity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &entity)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteEntity(r.Context(), tenantFrom(r), graph.EntityID(r.PathValue("id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListEntities serves both plain enumeration and paginated,
// type-filtered listing depending on query parameters.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		EntityType: q.Get("type"),
		AfterID:    graph.EntityID(q.Get("after_id")),
	}
	if v := q.Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}

	entities, err := storage.ListEntities(r.Context(), s.db.Store(), tenantFrom(r), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	direction := graph.Direction(q.Get("direction"))
	if direction == "" {
		direction = graph.DirectionBoth
	}

	entities, relations, err := s.db.Store().Neighbors(r.Context(), tenantFrom(r),
		graph.EntityID(r.PathValue("id")), q.Get("type"), direction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities":  entities,
		"relations": relations,
	})
}

func (s *Server) handleAddRelation(w http.ResponseWriter, r *http.Request) {
	var relation graph.Relation
	if err := decodeJSON(r, &relation); err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.AddRelation(r.Context(), tenantFrom(r), &relation); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &relation)
}

func (s *Server) handleAllRelations(w http.ResponseWriter, r *http.Request) {
	relations, err := s.db.Store().AllRelations(r.Context(), tenantFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relations)
}

func (s *Server) handleGetRelation(w http.ResponseWriter, r *http.Request) {
	relation, err := s.db.GetRelation(r.Context(), tenantFrom(r), graph.RelationID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relation)
}

func (s *Server) handleDeleteRelation(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteRelation(r.Context(), tenantFrom(r), graph.RelationID(r.PathValue("id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEntityQuery(w http.ResponseWriter, r *http.Request) {
	var eq storage.EntityQuery
	if err := decodeJSON(r, &eq); err != nil {
		writeError(w, err)
		return
	}
	entities, err := storage.ExecuteQuery(r.Context(), s.db.Store(), tenantFrom(r), eq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query []float32                   `json:"query"`
		Opts  storage.VectorSearchOptions `json:"options"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	matches, err := storage.VectorSearch(r.Context(), s.db.Store(), tenantFrom(r), req.Query, req.Opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleTextQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.db.Query(r.Context(), tenantFrom(r), req.Query)
	if err != nil {
		var qerrs *muninn.QueryErrors
		if errors.As(err, &qerrs) {
			writeJSON(w, http.StatusBadRequest, qerrs)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	answer, err := s.db.Answer(r.Context(), tenantFrom(r), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RelationType string `json:"relation_type"`
		MaxSteps     int    `json:"max_steps"`
		UseCache     bool   `json:"use_cache"`
		SourceID     string `json:"source_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.db.Infer(r.Context(), tenantFrom(r), req.RelationType, reason.InferOptions{
		MaxSteps: req.MaxSteps,
		UseCache: req.UseCache,
		SourceID: graph.EntityID(req.SourceID),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	if pageStr := q.Get("page"); pageStr != "" {
		pageNum, err := strconv.Atoi(pageStr)
		if err != nil {
			writeError(w, graph.NewValidationError("page", "not a number: %q", pageStr))
			return
		}
		page, err := s.db.PaginateOffset(r.Context(), tenantFrom(r), pageNum, pageSize, q.Get("type"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	page, err := s.db.Paginate(r.Context(), tenantFrom(r), pagination.Options{
		PageSize:   pageSize,
		Cursor:     q.Get("cursor"),
		EntityType: q.Get("type"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	report, err := s.db.Import(r.Context(), tenantFrom(r), r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := s.db.Export(r.Context(), tenantFrom(r), w); err != nil {
		// Headers are gone already; all we can do is log via the body.
		fmt.Fprintf(w, `{"error": %q}`+"\n", err.Error())
	}
}

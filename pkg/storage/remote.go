package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/muninndb/muninn/pkg/graph"
)

// Wire contract shared with pkg/server. Tenant scoping travels in
// headers so every route keeps a clean resource path.
const (
	headerTenant    = "X-Muninn-Tenant"
	headerIsolation = "X-Muninn-Isolation"
)

// errorEnvelope is the JSON body returned by the server on failure.
type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RemoteStore is the HTTP client backend: a Store whose data lives in a
// muninn server process (pkg/server). Tier 1 calls map one-to-one onto
// REST routes; the server also exposes listing, filtered query and
// vector search, so those capabilities execute server-side instead of
// shipping the whole graph over the wire.
type RemoteStore struct {
	baseURL string
	client  *http.Client
}

// RemoteOptions configures a RemoteStore.
type RemoteOptions struct {
	// BaseURL of the server, e.g. "http://localhost:7474". Required.
	BaseURL string

	// Timeout per request. Defaults to 30s.
	Timeout time.Duration

	// HTTPClient overrides the default client (timeouts, TLS, proxies).
	HTTPClient *http.Client
}

// NewRemoteStore creates a client for a muninn server.
func NewRemoteStore(opts RemoteOptions) (*RemoteStore, error) {
	if opts.BaseURL == "" {
		return nil, graph.NewValidationError("base_url", "server base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, graph.NewValidationError("base_url", "invalid server URL %q: %v", opts.BaseURL, err)
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &RemoteStore{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
	}, nil
}

// do issues one request and decodes the response into out (when non-nil).
// Non-2xx statuses are translated onto the engine error taxonomy.
func (r *RemoteStore) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant := tenantFromContext(ctx); tenant != nil {
		req.Header.Set(headerTenant, tenant.Tenant)
		req.Header.Set(headerIsolation, string(tenant.Isolation))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s: %v", graph.ErrTimeout, method, path, err)
		}
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return fmt.Errorf("%w: %s %s: %v", graph.ErrTimeout, method, path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", graph.ErrExternal, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return r.decodeError(resp, method, path)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s response: %v", graph.ErrExternal, method, path, err)
	}
	return nil
}

func (r *RemoteStore) decodeError(resp *http.Response, method, path string) error {
	var envelope errorEnvelope
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error == "" {
		envelope.Error = strings.TrimSpace(string(data))
		if envelope.Error == "" {
			envelope.Error = resp.Status
		}
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", graph.ErrInvalidData, envelope.Error)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", graph.ErrNotFound, envelope.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", graph.ErrAlreadyExists, envelope.Error)
	case http.StatusNotImplemented:
		return fmt.Errorf("%w: %s", graph.ErrCapability, envelope.Error)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", graph.ErrTimeout, envelope.Error)
	default:
		return fmt.Errorf("%w: %s %s: status %d: %s", graph.ErrExternal, method, path, resp.StatusCode, envelope.Error)
	}
}

// tenantCtxKey carries the tenant through the request context so do()
// can stamp the headers without changing its signature per call.
type tenantCtxKey struct{}

func withTenant(ctx context.Context, tenant *graph.TenantContext) context.Context {
	if tenant == nil {
		return ctx
	}
	return context.WithValue(ctx, tenantCtxKey{}, tenant)
}

func tenantFromContext(ctx context.Context) *graph.TenantContext {
	tenant, _ := ctx.Value(tenantCtxKey{}).(*graph.TenantContext)
	return tenant
}

// AddEntity creates an entity on the server.
func (r *RemoteStore) AddEntity(ctx context.Context, tenant *graph.TenantContext, entity *graph.Entity) error {
	if entity == nil {
		return graph.ErrInvalidData
	}
	if entity.ID == "" {
		return graph.ErrInvalidID
	}
	return r.do(withTenant(ctx, tenant), http.MethodPost, "/v1/entities", nil, entity, nil)
}

// GetEntity fetches an entity by ID.
func (r *RemoteStore) GetEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) (*graph.Entity, error) {
	if id == "" {
		return nil, graph.ErrInvalidID
	}
	var entity graph.Entity
	err := r.do(withTenant(ctx, tenant), http.MethodGet, "/v1/entities/"+url.PathEscape(string(id)), nil, nil, &entity)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// UpdateEntity replaces an entity on the server.
func (r *RemoteStore) UpdateEntity(ctx context.Context, tenant *graph.TenantContext, entity *graph.Entity) error {
	if entity == nil {
		return graph.ErrInvalidData
	}
	if entity.ID == "" {
		return graph.ErrInvalidID
	}
	return r.do(withTenant(ctx, tenant), http.MethodPut, "/v1/entities/"+url.PathEscape(string(entity.ID)), nil, entity, nil)
}

// DeleteEntity removes an entity (and its relations) on the server.
func (r *RemoteStore) DeleteEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) error {
	if id == "" {
		return graph.ErrInvalidID
	}
	return r.do(withTenant(ctx, tenant), http.MethodDelete, "/v1/entities/"+url.PathEscape(string(id)), nil, nil, nil)
}

// AddRelation creates a relation on the server.
func (r *RemoteStore) AddRelation(ctx context.Context, tenant *graph.TenantContext, relation *graph.Relation) error {
	if relation == nil {
		return graph.ErrInvalidData
	}
	if relation.ID == "" {
		return graph.ErrInvalidID
	}
	return r.do(withTenant(ctx, tenant), http.MethodPost, "/v1/relations", nil, relation, nil)
}

// GetRelation fetches a relation by ID.
func (r *RemoteStore) GetRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) (*graph.Relation, error) {
	if id == "" {
		return nil, graph.ErrInvalidID
	}
	var relation graph.Relation
	err := r.do(withTenant(ctx, tenant), http.MethodGet, "/v1/relations/"+url.PathEscape(string(id)), nil, nil, &relation)
	if err != nil {
		return nil, err
	}
	return &relation, nil
}

// DeleteRelation removes a relation on the server.
func (r *RemoteStore) DeleteRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) error {
	if id == "" {
		return graph.ErrInvalidID
	}
	return r.do(withTenant(ctx, tenant), http.MethodDelete, "/v1/relations/"+url.PathEscape(string(id)), nil, nil, nil)
}

// neighborsResponse pairs each neighbor with its connecting relation.
type neighborsResponse struct {
	Entities  []*graph.Entity   `json:"entities"`
	Relations []*graph.Relation `json:"relations"`
}

// Neighbors fetches adjacent entities and relations from the server.
func (r *RemoteStore) Neighbors(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID,
	relationType string, direction graph.Direction) ([]*graph.Entity, []*graph.Relation, error) {

	if id == "" {
		return nil, nil, graph.ErrInvalidID
	}
	if direction == "" {
		direction = graph.DirectionBoth
	}
	if !direction.Valid() {
		return nil, nil, graph.NewValidationError("direction", "unknown direction %q", direction)
	}

	q := url.Values{}
	if relationType != "" {
		q.Set("type", relationType)
	}
	q.Set("direction", string(direction))

	var resp neighborsResponse
	err := r.do(withTenant(ctx, tenant), http.MethodGet,
		"/v1/entities/"+url.PathEscape(string(id))+"/neighbors", q, nil, &resp)
	if err != nil {
		return nil, nil, err
	}
	return resp.Entities, resp.Relations, nil
}

// AllEntities downloads the tenant's full entity set. Prefer ListEntities
// with a limit for anything user-facing.
func (r *RemoteStore) AllEntities(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Entity, error) {
	var entities []*graph.Entity
	err := r.do(withTenant(ctx, tenant), http.MethodGet, "/v1/entities", nil, nil, &entities)
	return entities, err
}

// AllRelations downloads the tenant's full relation set.
func (r *RemoteStore) AllRelations(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Relation, error) {
	var relations []*graph.Relation
	err := r.do(withTenant(ctx, tenant), http.MethodGet, "/v1/relations", nil, nil, &relations)
	return relations, err
}

// ListEntities runs a stable paginated listing server-side.
func (r *RemoteStore) ListEntities(ctx context.Context, tenant *graph.TenantContext, opts ListOptions) ([]*graph.Entity, error) {
	q := url.Values{}
	if opts.EntityType != "" {
		q.Set("type", opts.EntityType)
	}
	if opts.AfterID != "" {
		q.Set("after_id", string(opts.AfterID))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var entities []*graph.Entity
	err := r.do(withTenant(ctx, tenant), http.MethodGet, "/v1/entities", q, nil, &entities)
	return entities, err
}

// ExecuteQuery runs a filter-dict query server-side.
func (r *RemoteStore) ExecuteQuery(ctx context.Context, tenant *graph.TenantContext, eq EntityQuery) ([]*graph.Entity, error) {
	var entities []*graph.Entity
	err := r.do(withTenant(ctx, tenant), http.MethodPost, "/v1/query", nil, eq, &entities)
	return entities, err
}

// vectorSearchRequest is the POST body for server-side vector search.
type vectorSearchRequest struct {
	Query []float32           `json:"query"`
	Opts  VectorSearchOptions `json:"options"`
}

// VectorSearch ranks entities by similarity server-side.
func (r *RemoteStore) VectorSearch(ctx context.Context, tenant *graph.TenantContext,
	queryVec []float32, opts VectorSearchOptions) ([]VectorMatch, error) {

	if len(queryVec) == 0 {
		return nil, graph.NewValidationError("query", "empty query embedding")
	}

	var matches []VectorMatch
	err := r.do(withTenant(ctx, tenant), http.MethodPost, "/v1/search/vector", nil,
		vectorSearchRequest{Query: queryVec, Opts: opts}, &matches)
	return matches, err
}

// statsResponse mirrors the server's /v1/stats body.
type statsResponse struct {
	Entities  int64 `json:"entities"`
	Relations int64 `json:"relations"`
}

// EntityCount fetches the entity count from the server.
func (r *RemoteStore) EntityCount(ctx context.Context, tenant *graph.TenantContext) (int64, error) {
	var stats statsResponse
	if err := r.do(withTenant(ctx, tenant), http.MethodGet, "/v1/stats", nil, nil, &stats); err != nil {
		return 0, err
	}
	return stats.Entities, nil
}

// RelationCount fetches the relation count from the server.
func (r *RemoteStore) RelationCount(ctx context.Context, tenant *graph.TenantContext) (int64, error) {
	var stats statsResponse
	if err := r.do(withTenant(ctx, tenant), http.MethodGet, "/v1/stats", nil, nil, &stats); err != nil {
		return 0, err
	}
	return stats.Relations, nil
}

// Close releases idle connections. The server is unaffected.
func (r *RemoteStore) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// Interface checks.
var (
	_ Store          = (*RemoteStore)(nil)
	_ EntityLister   = (*RemoteStore)(nil)
	_ QueryExecutor  = (*RemoteStore)(nil)
	_ VectorSearcher = (*RemoteStore)(nil)
)

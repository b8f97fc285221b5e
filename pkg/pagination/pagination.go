// Package pagination provides cursor and offset pagination over entity
// listings.
package pagination

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/storage"
)

// ErrBadCursor marks a malformed or undecodable cursor. Page requests
// treat a bad cursor as "start of set"; DecodeCursor callers get the
// named error.
var ErrBadCursor = errors.New("malformed pagination cursor")

// cursorPayload is the JSON inside an encoded cursor.
type cursorPayload struct {
	LastID    string `json:"last_id"`
	Direction string `json:"dir"`
}

// EncodeCursor packs the last-seen entity id and scan direction into an
// opaque URL-safe token.
func EncodeCursor(lastID graph.EntityID, direction string) string {
	data, _ := json.Marshal(cursorPayload{LastID: string(lastID), Direction: direction})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor unpacks a cursor token. Malformed input fails with
// ErrBadCursor.
func DecodeCursor(cursor string) (lastID graph.EntityID, direction string, err error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var payload cursorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if payload.LastID == "" {
		return "", "", fmt.Errorf("%w: empty last_id", ErrBadCursor)
	}
	return graph.EntityID(payload.LastID), payload.Direction, nil
}

// PageInfo describes a page's position in the full result set.
type PageInfo struct {
	HasNext     bool   `json:"has_next"`
	HasPrevious bool   `json:"has_previous"`
	StartCursor string `json:"start_cursor,omitempty"`
	EndCursor   string `json:"end_cursor,omitempty"`
}

// Page is one page of entities.
type Page struct {
	Entities []*graph.Entity `json:"entities"`
	PageInfo PageInfo        `json:"page_info"`

	// TotalCount is populated by offset pagination only.
	TotalCount int `json:"total_count,omitempty"`
}

// Options controls cursor pagination.
type Options struct {
	// PageSize bounds the page. <= 0 means 20.
	PageSize int

	// Cursor resumes after a previous page's EndCursor. Empty or
	// malformed starts at the beginning.
	Cursor string

	// EntityType filters to one type.
	EntityType string
}

const defaultPageSize = 20

// Entities returns one cursor-paginated page. Listing order is stable
// (by entity id), so concatenating pages walks the full set exactly
// once.
func Entities(ctx context.Context, store storage.Store, tenant *graph.TenantContext,
	opts Options) (*Page, error) {

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var afterID graph.EntityID
	hasPrevious := false
	if opts.Cursor != "" {
		// Graceful degradation: a corrupt cursor restarts the listing
		// rather than failing the request.
		if lastID, _, err := DecodeCursor(opts.Cursor); err == nil {
			afterID = lastID
			hasPrevious = true
		}
	}

	// One extra row detects whether a further page exists.
	entities, err := storage.ListEntities(ctx, store, tenant, storage.ListOptions{
		EntityType: opts.EntityType,
		AfterID:    afterID,
		Limit:      pageSize + 1,
	})
	if err != nil {
		return nil, err
	}

	hasNext := len(entities) > pageSize
	if hasNext {
		entities = entities[:pageSize]
	}

	page := &Page{
		Entities: entities,
		PageInfo: PageInfo{HasNext: hasNext, HasPrevious: hasPrevious},
	}
	if len(entities) > 0 {
		page.PageInfo.StartCursor = EncodeCursor(entities[0].ID, "forward")
		page.PageInfo.EndCursor = EncodeCursor(entities[len(entities)-1].ID, "forward")
	}
	return page, nil
}

// EntitiesOffset returns one offset-paginated page (1-based page
// numbers) and the total matching count. page < 1 is a validation
// error.
func EntitiesOffset(ctx context.Context, store storage.Store, tenant *graph.TenantContext,
	page, pageSize int, entityType string) (*Page, error) {

	if page < 1 {
		return nil, graph.NewValidationError("page", "page must be >= 1, got %d", page)
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	all, err := storage.ListEntities(ctx, store, tenant, storage.ListOptions{EntityType: entityType})
	if err != nil {
		return nil, err
	}
	total := len(all)

	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return &Page{
		Entities:   all[start:end],
		TotalCount: total,
		PageInfo: PageInfo{
			HasNext:     end < total,
			HasPrevious: page > 1,
		},
	}, nil
}

// Package stream provides bulk import and export of graph data as
// newline-delimited JSON, optionally gzip-compressed.
//
// The line format is one record per line:
//
//	{"type": "entity", "data": {...}}
//	{"type": "relation", "data": {...}}
//
// Import also accepts the whole-file variant
// {"entities": [...], "relations": [...]}. Both framings may be
// gzipped; import sniffs the magic bytes.
package stream

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/storage"
)

// Record types on the wire.
const (
	recordEntity   = "entity"
	recordRelation = "relation"
)

// record is one JSONL line.
type record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// wholeFile is the non-streaming input variant.
type wholeFile struct {
	Entities  []*graph.Entity   `json:"entities"`
	Relations []*graph.Relation `json:"relations"`
}

// RecordError is one failed record in a Report.
type RecordError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// Report summarizes an import or export run. Imports record per-record
// failures here instead of aborting on the first bad line.
type Report struct {
	Entities  int           `json:"entities"`
	Relations int           `json:"relations"`
	Skipped   int           `json:"skipped"`
	Failures  []RecordError `json:"failures,omitempty"`
}

func (r *Report) fail(line int, format string, args ...any) {
	r.Skipped++
	r.Failures = append(r.Failures, RecordError{Line: line, Message: fmt.Sprintf(format, args...)})
}

// ExportOptions controls Export.
type ExportOptions struct {
	// BatchSize bounds how many entities are held in memory per fetch.
	// <= 0 means 500.
	BatchSize int

	// Gzip compresses the output stream.
	Gzip bool

	// EntityType restricts the export to one entity type (relations
	// are skipped entirely in that case).
	EntityType string
}

// Export writes the tenant's graph to w, entities first, one JSON
// record per line. Entities are fetched in batches so memory stays
// bounded regardless of store size.
func Export(ctx context.Context, store storage.Store, tenant *graph.TenantContext,
	w io.Writer, opts ExportOptions) (*Report, error) {

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	out := w
	var gz *gzip.Writer
	if opts.Gzip {
		gz = gzip.NewWriter(w)
		out = gz
	}
	bw := bufio.NewWriter(out)
	enc := json.NewEncoder(bw)

	report := &Report{}

	var afterID graph.EntityID
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := storage.ListEntities(ctx, store, tenant, storage.ListOptions{
			EntityType: opts.EntityType,
			AfterID:    afterID,
			Limit:      batchSize,
		})
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}
		for _, entity := range batch {
			if err := writeRecord(enc, recordEntity, entity); err != nil {
				return report, err
			}
			report.Entities++
		}
		afterID = batch[len(batch)-1].ID
		if err := bw.Flush(); err != nil {
			return report, err
		}
		if len(batch) < batchSize {
			break
		}
	}

	if opts.EntityType == "" {
		relations, err := store.AllRelations(ctx, tenant)
		if err != nil {
			return report, err
		}
		for i, relation := range relations {
			if i%batchSize == 0 {
				if err := ctx.Err(); err != nil {
					return report, err
				}
				if err := bw.Flush(); err != nil {
					return report, err
				}
			}
			if err := writeRecord(enc, recordRelation, relation); err != nil {
				return report, err
			}
			report.Relations++
		}
	}

	if err := bw.Flush(); err != nil {
		return report, err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return report, err
		}
	}
	return report, nil
}

func writeRecord(enc *json.Encoder, recordType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", recordType, err)
	}
	return enc.Encode(record{Type: recordType, Data: raw})
}

// ImportOptions controls Import.
type ImportOptions struct {
	// MaxLineBytes bounds one JSONL line. <= 0 means 16 MiB.
	MaxLineBytes int
}

// Import reads records from r and inserts them into the store. Entities
// are inserted before any relation, so relations referencing entities
// later in the stream still satisfy referential integrity. Bad records
// are reported in the Report, not fatal; duplicates count as skipped.
func Import(ctx context.Context, store storage.Store, tenant *graph.TenantContext,
	r io.Reader, opts ImportOptions) (*Report, error) {

	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = 16 << 20
	}

	br := bufio.NewReader(r)
	plain, err := sniffGzip(br)
	if err != nil {
		return nil, err
	}

	report := &Report{}

	scanner := bufio.NewScanner(plain)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	type pendingRelation struct {
		line     int
		relation *graph.Relation
	}
	var relations []pendingRelation

	line := 0
	firstLine := true
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(text, &rec); err != nil || rec.Type == "" {
			if firstLine {
				// Not JSONL: fall back to the whole-file variant. The
				// remainder of the stream belongs to the same document.
				rest, readErr := io.ReadAll(plain)
				if readErr != nil {
					return report, readErr
				}
				return importWholeFile(ctx, store, tenant, append(append([]byte{}, text...), rest...), report)
			}
			report.fail(line, "malformed record: %v", err)
			continue
		}
		firstLine = false

		switch rec.Type {
		case recordEntity:
			var entity graph.Entity
			if err := json.Unmarshal(rec.Data, &entity); err != nil {
				report.fail(line, "malformed entity: %v", err)
				continue
			}
			importEntity(ctx, store, tenant, &entity, line, report)
		case recordRelation:
			var relation graph.Relation
			if err := json.Unmarshal(rec.Data, &relation); err != nil {
				report.fail(line, "malformed relation: %v", err)
				continue
			}
			relations = append(relations, pendingRelation{line: line, relation: &relation})
		default:
			report.fail(line, "unknown record type %q", rec.Type)
		}

		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return report, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return report, err
	}

	// Relations go in after every entity in the stream exists.
	for _, pending := range relations {
		importRelation(ctx, store, tenant, pending.relation, pending.line, report)
	}
	return report, nil
}

func importWholeFile(ctx context.Context, store storage.Store, tenant *graph.TenantContext,
	data []byte, report *Report) (*Report, error) {

	var doc wholeFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return report, graph.NewValidationError("input", "neither JSONL nor whole-file JSON: %v", err)
	}

	for i, entity := range doc.Entities {
		importEntity(ctx, store, tenant, entity, i+1, report)
	}
	for i, relation := range doc.Relations {
		importRelation(ctx, store, tenant, relation, i+1, report)
	}
	return report, nil
}

func importEntity(ctx context.Context, store storage.Store, tenant *graph.TenantContext,
	entity *graph.Entity, line int, report *Report) {

	err := store.AddEntity(ctx, tenant, entity)
	switch {
	case err == nil:
		report.Entities++
	case errors.Is(err, graph.ErrAlreadyExists):
		report.Skipped++
	default:
		report.fail(line, "entity %s: %v", entity.ID, err)
	}
}

func importRelation(ctx context.Context, store storage.Store, tenant *graph.TenantContext,
	relation *graph.Relation, line int, report *Report) {

	err := store.AddRelation(ctx, tenant, relation)
	switch {
	case err == nil:
		report.Relations++
	case errors.Is(err, graph.ErrAlreadyExists):
		report.Skipped++
	default:
		report.fail(line, "relation %s: %v", relation.ID, err)
	}
}

// sniffGzip peeks at the magic bytes and transparently decompresses.
func sniffGzip(br *bufio.Reader) (io.Reader, error) {
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip input: %w", err)
		}
		return gz, nil
	}
	return br, nil
}

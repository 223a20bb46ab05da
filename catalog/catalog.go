// Package catalog is a typed client for the search engine's index methods.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrIndexExists = errors.New("index already exists")

// Methods are the engine methods used by the catalog.
var Methods = []string{
	"create_index",
	"create_ram_index",
	"index_exists",
	"add_documents",
	"query",
	"query_multi",
	"add_segment",
	"add_segments",
}

// Caller issues a request and decodes its reply. *pipe.Transport and *pipe.Process implement it.
type Caller interface {
	Request(ctx context.Context, method string, args, reply any) error
}

// Field describes one field of an index schema. Options are passed to the engine as-is.
type Field struct {
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Options map[string]any `json:"options,omitempty"`
}

type Schema []Field

type CreateOptions struct {
	// RAM creates an index that is kept in memory only.
	RAM bool
}

type Catalog struct {
	c Caller
}

func New(c Caller) *Catalog {
	return &Catalog{c: c}
}

// Create creates a new index. It fails with ErrIndexExists if the index is already there.
func (c *Catalog) Create(ctx context.Context, name string, schema Schema, opts CreateOptions) (*Index, error) {
	has, err := c.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if has {
		return nil, fmt.Errorf("creating index %s: %w", name, ErrIndexExists)
	}
	method := "create_index"
	if opts.RAM {
		method = "create_ram_index"
	}
	if schema == nil {
		schema = Schema{}
	}
	err = c.c.Request(ctx, method, map[string]any{"name": name, "schema": schema}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating index %s: %w", name, err)
	}
	return c.Open(name), nil
}

func (c *Catalog) Has(ctx context.Context, name string) (bool, error) {
	var has bool
	err := c.c.Request(ctx, "index_exists", name, &has)
	if err != nil {
		return false, fmt.Errorf("checking index %s: %w", name, err)
	}
	return has, nil
}

// Open returns a handle to an index without checking that it exists.
func (c *Catalog) Open(name string) *Index {
	return &Index{c: c.c, Name: name}
}

func (c *Catalog) OpenOrCreate(ctx context.Context, name string, schema Schema, opts CreateOptions) (*Index, error) {
	has, err := c.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if has {
		return c.Open(name), nil
	}
	return c.Create(ctx, name, schema, opts)
}

// IndexResults are the results of a multi-index query for one index.
type IndexResults struct {
	Index   string
	Results []Result
}

// MarshalJSON encodes r the way the engine does, as an [index, results] tuple.
func (r IndexResults) MarshalJSON() ([]byte, error) {
	results := r.Results
	if results == nil {
		results = []Result{}
	}
	return json.Marshal([]any{r.Index, results})
}

// UnmarshalJSON decodes the engine's [index, results] tuple.
func (r *IndexResults) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("expected an [index, results] pair, got %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &r.Index); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &r.Results)
}

func (c *Catalog) MultiQuery(ctx context.Context, query string, indexes []string) ([]IndexResults, error) {
	var res []IndexResults
	err := c.c.Request(ctx, "query_multi", map[string]any{"indexes": indexes, "query": query}, &res)
	if err != nil {
		return nil, fmt.Errorf("querying %v: %w", indexes, err)
	}
	return res, nil
}

type Index struct {
	Name string

	c Caller
}

type Result struct {
	Score   float32          `json:"score"`
	Doc     map[string][]any `json:"doc"`
	Snippet *string          `json:"snippet"`
}

type QueryOptions struct {
	// Limit is the maximum number of results. Zero leaves it to the engine.
	Limit int
	// SnippetField is the field a highlighted snippet is built from, if set.
	SnippetField string
}

func (i *Index) Query(ctx context.Context, query string, opts QueryOptions) ([]Result, error) {
	req := map[string]any{"index": i.Name, "query": query}
	if opts.Limit > 0 {
		req["limit"] = opts.Limit
	}
	if opts.SnippetField != "" {
		req["snippet_field"] = opts.SnippetField
	}
	var res []Result
	err := i.c.Request(ctx, "query", req, &res)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", i.Name, err)
	}
	return res, nil
}

// Document maps field names to values. A slice value adds the field once per element.
type Document map[string]any

func (i *Index) AddDocuments(ctx context.Context, docs []Document) error {
	documents := make([][][2]any, 0, len(docs))
	for _, d := range docs {
		documents = append(documents, d.tuples())
	}
	err := i.c.Request(ctx, "add_documents", map[string]any{"index": i.Name, "documents": documents}, nil)
	if err != nil {
		return fmt.Errorf("adding documents to %s: %w", i.Name, err)
	}
	return nil
}

// tuples flattens d into [field, value] pairs, ordered by field name.
func (d Document) tuples() [][2]any {
	fields := make([]string, 0, len(d))
	for f := range d {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	tuples := [][2]any{}
	for _, f := range fields {
		switch v := d[f].(type) {
		case []any:
			for _, e := range v {
				tuples = append(tuples, [2]any{f, e})
			}
		case []string:
			for _, e := range v {
				tuples = append(tuples, [2]any{f, e})
			}
		default:
			tuples = append(tuples, [2]any{f, v})
		}
	}
	return tuples
}

type SegmentInfo struct {
	SegmentID string `json:"segment_id"`
	MaxDoc    uint32 `json:"max_doc"`
}

func (i *Index) AddSegment(ctx context.Context, segmentID string, maxDoc uint32) error {
	req := map[string]any{"index": i.Name, "segment_id": segmentID, "max_doc": maxDoc}
	if err := i.c.Request(ctx, "add_segment", req, nil); err != nil {
		return fmt.Errorf("adding segment %s to %s: %w", segmentID, i.Name, err)
	}
	return nil
}

func (i *Index) AddSegments(ctx context.Context, segments []SegmentInfo) error {
	req := map[string]any{"index": i.Name, "segments": segments}
	if err := i.c.Request(ctx, "add_segments", req, nil); err != nil {
		return fmt.Errorf("adding segments to %s: %w", i.Name, err)
	}
	return nil
}

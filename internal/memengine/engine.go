// Package memengine is an in-memory stand-in for the search engine process.
// It serves the engine's methods on a pipe.Transport, which makes it usable as a child process
// (see the memory-engine command) and as the far end of a transport pair in tests.
package memengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arso-project/sonar-tantivy/pipe"
	"go.uber.org/zap"
)

const defaultLimit = 10

type Engine struct {
	log *zap.SugaredLogger

	mu      sync.RWMutex
	indexes map[string]*index
}

type index struct {
	name     string
	schema   json.RawMessage
	ram      bool
	docs     []document
	segments map[string]uint32
}

// document maps field names to their values; a field may occur more than once.
type document map[string][]any

func New(log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		log:     log.Named("memengine"),
		indexes: map[string]*index{},
	}
}

func (e *Engine) handlers() map[string]pipe.Handler {
	return map[string]pipe.Handler{
		"create_index":     pipe.HandleFunc(e.createIndex(false)),
		"create_ram_index": pipe.HandleFunc(e.createIndex(true)),
		"index_exists":     pipe.HandleFunc(e.indexExists),
		"add_documents":    pipe.HandleFunc(e.addDocuments),
		"query":            pipe.HandleFunc(e.query),
		"query_multi":      pipe.HandleFunc(e.queryMulti),
		"add_segment":      pipe.HandleFunc(e.addSegment),
		"add_segments":     pipe.HandleFunc(e.addSegments),
	}
}

// Options returns transport options installing the engine's handlers.
func (e *Engine) Options() []pipe.Option {
	var opts []pipe.Option
	for method, h := range e.handlers() {
		opts = append(opts, pipe.WithHandler(method, h))
	}
	return opts
}

type empty struct{}

type createIndexRequest struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

func (e *Engine) createIndex(ram bool) func(ctx context.Context, msg json.RawMessage) (any, error) {
	return func(ctx context.Context, msg json.RawMessage) (any, error) {
		var req createIndexRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			return nil, err
		}
		if req.Name == "" {
			return nil, fmt.Errorf("index name is required")
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.indexes[req.Name]; ok {
			return nil, fmt.Errorf("index %s already exists", req.Name)
		}
		e.indexes[req.Name] = &index{
			name:     req.Name,
			schema:   req.Schema,
			ram:      ram,
			segments: map[string]uint32{},
		}
		e.log.Debugw("created index", "Index", req.Name, "RAM", ram)
		return empty{}, nil
	}
}

func (e *Engine) indexExists(ctx context.Context, msg json.RawMessage) (any, error) {
	var name string
	if err := json.Unmarshal(msg, &name); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.indexes[name]
	return ok, nil
}

type addDocumentsRequest struct {
	Index     string             `json:"index"`
	Documents [][]fieldValuePair `json:"documents"`
}

// fieldValuePair is a [field, value] tuple.
type fieldValuePair struct {
	Field string
	Value any
}

func (p *fieldValuePair) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("expected a [field, value] pair, got %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &p.Field); err != nil {
		return fmt.Errorf("field name: %w", err)
	}
	return json.Unmarshal(tuple[1], &p.Value)
}

func (e *Engine) addDocuments(ctx context.Context, msg json.RawMessage) (any, error) {
	var req addDocumentsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	idx, err := e.get(req.Index)
	if err != nil {
		return nil, err
	}
	for _, pairs := range req.Documents {
		doc := document{}
		for _, p := range pairs {
			doc[p.Field] = append(doc[p.Field], p.Value)
		}
		idx.docs = append(idx.docs, doc)
	}
	e.log.Debugw("added documents", "Index", req.Index, "Count", len(req.Documents), "Total", len(idx.docs))
	return empty{}, nil
}

type queryRequest struct {
	Index        string  `json:"index"`
	Query        string  `json:"query"`
	Limit        *int    `json:"limit"`
	SnippetField *string `json:"snippet_field"`
}

type result struct {
	Score   float32  `json:"score"`
	Doc     document `json:"doc"`
	Snippet *string  `json:"snippet"`
}

func (e *Engine) query(ctx context.Context, msg json.RawMessage) (any, error) {
	var req queryRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, err
	}
	limit := defaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, err := e.get(req.Index)
	if err != nil {
		return nil, err
	}
	return idx.search(req.Query, limit, req.SnippetField), nil
}

type queryMultiRequest struct {
	Indexes []string `json:"indexes"`
	Query   string   `json:"query"`
}

func (e *Engine) queryMulti(ctx context.Context, msg json.RawMessage) (any, error) {
	var req queryMultiRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	res := [][]any{}
	for _, name := range req.Indexes {
		idx, err := e.get(name)
		if err != nil {
			return nil, err
		}
		res = append(res, []any{name, idx.search(req.Query, defaultLimit, nil)})
	}
	return res, nil
}

type segmentInfo struct {
	SegmentID string `json:"segment_id"`
	MaxDoc    uint32 `json:"max_doc"`
}

type addSegmentRequest struct {
	Index string `json:"index"`
	segmentInfo
}

type addSegmentsRequest struct {
	Index    string        `json:"index"`
	Segments []segmentInfo `json:"segments"`
}

func (e *Engine) addSegment(ctx context.Context, msg json.RawMessage) (any, error) {
	var req addSegmentRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, err
	}
	return empty{}, e.mergeSegments(req.Index, []segmentInfo{req.segmentInfo})
}

func (e *Engine) addSegments(ctx context.Context, msg json.RawMessage) (any, error) {
	var req addSegmentsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, err
	}
	return empty{}, e.mergeSegments(req.Index, req.Segments)
}

func (e *Engine) mergeSegments(name string, segments []segmentInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, err := e.get(name)
	if err != nil {
		return err
	}
	for _, s := range segments {
		if s.SegmentID == "" {
			return fmt.Errorf("segment id is required")
		}
		idx.segments[s.SegmentID] = s.MaxDoc
	}
	e.log.Debugw("added segments", "Index", name, "Count", len(segments))
	return nil
}

// Segments returns the segments registered for an index, keyed by segment id.
func (e *Engine) Segments(name string) map[string]uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indexes[name]
	if !ok {
		return nil
	}
	out := make(map[string]uint32, len(idx.segments))
	for k, v := range idx.segments {
		out[k] = v
	}
	return out
}

// get must be called with e.mu held.
func (e *Engine) get(name string) (*index, error) {
	idx, ok := e.indexes[name]
	if !ok {
		return nil, fmt.Errorf("index %s not found", name)
	}
	return idx, nil
}

// search scores documents by how often the query terms occur in their string fields.
// Documents without any match are left out. Ties keep insertion order.
func (idx *index) search(query string, limit int, snippetField *string) []result {
	terms := strings.Fields(strings.ToLower(query))
	res := []result{}
	if len(terms) == 0 {
		return res
	}
	for _, doc := range idx.docs {
		var score float32
		for _, values := range doc {
			for _, v := range values {
				s, ok := v.(string)
				if !ok {
					continue
				}
				s = strings.ToLower(s)
				for _, term := range terms {
					score += float32(strings.Count(s, term))
				}
			}
		}
		if score == 0 {
			continue
		}
		r := result{Score: score, Doc: doc}
		if snippetField != nil {
			r.Snippet = snippet(doc[*snippetField], terms)
		}
		res = append(res, r)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Score > res[j].Score })
	if limit >= 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

// snippet highlights every occurrence of the terms in the first string value with <b> tags.
func snippet(values []any, terms []string) *string {
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		if len(lower) != len(s) {
			// offsets below assume lowering kept the byte length
			lower = s
		}
		var b strings.Builder
		for i := 0; i < len(s); {
			matched := ""
			for _, term := range terms {
				if strings.HasPrefix(lower[i:], term) && len(term) > len(matched) {
					matched = term
				}
			}
			if matched == "" {
				b.WriteByte(s[i])
				i++
				continue
			}
			b.WriteString("<b>")
			b.WriteString(s[i : i+len(matched)])
			b.WriteString("</b>")
			i += len(matched)
		}
		out := b.String()
		return &out
	}
	return nil
}

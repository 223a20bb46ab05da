package catalog

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/arso-project/sonar-tantivy/internal/memengine"
	"github.com/arso-project/sonar-tantivy/pipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalog(t *testing.T) *Catalog {
	a, b := net.Pipe()
	child := pipe.New(b, append(memengine.New(nil).Options(), pipe.Announce())...)
	host := pipe.New(a)
	t.Cleanup(func() {
		host.Close()
		child.Close()
	})
	return New(host)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCatalog(t *testing.T) {
	ctx := testContext(t)
	cat := newCatalog(t)

	schema := Schema{
		{Name: "title", Type: "text", Options: map[string]any{"stored": true}},
		{Name: "tags", Type: "text"},
	}
	idx, err := cat.Create(ctx, "notes", schema, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "notes", idx.Name)

	_, err = cat.Create(ctx, "notes", schema, CreateOptions{RAM: true})
	assert.ErrorIs(t, err, ErrIndexExists)

	has, err := cat.Has(ctx, "notes")
	require.NoError(t, err)
	assert.True(t, has)

	err = idx.AddDocuments(ctx, []Document{
		{"title": "pipes and filters", "tags": []string{"unix", "pipes"}},
		{"title": "channels", "tags": []any{"go"}},
	})
	require.NoError(t, err)

	res, err := idx.Query(ctx, "pipes", QueryOptions{Limit: 10, SnippetField: "title"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, []any{"unix", "pipes"}, res[0].Doc["tags"])
	require.NotNil(t, res[0].Snippet)
	assert.Equal(t, "<b>pipes</b> and filters", *res[0].Snippet)

	other, err := cat.OpenOrCreate(ctx, "other", nil, CreateOptions{RAM: true})
	require.NoError(t, err)
	require.NoError(t, other.AddDocuments(ctx, []Document{{"title": "go pipes"}}))

	reopened, err := cat.OpenOrCreate(ctx, "other", nil, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "other", reopened.Name)

	multi, err := cat.MultiQuery(ctx, "pipes", []string{"notes", "other"})
	require.NoError(t, err)
	require.Len(t, multi, 2)
	assert.Equal(t, "notes", multi[0].Index)
	assert.Len(t, multi[0].Results, 1)
	assert.Equal(t, "other", multi[1].Index)
	assert.Len(t, multi[1].Results, 1)

	require.NoError(t, idx.AddSegment(ctx, "seg1", 2))
	require.NoError(t, idx.AddSegments(ctx, []SegmentInfo{{SegmentID: "seg2", MaxDoc: 4}}))

	_, err = cat.Open("missing").Query(ctx, "x", QueryOptions{})
	var remoteErr *pipe.RemoteError
	require.ErrorAs(t, err, &remoteErr)
}

func TestDocumentTuples(t *testing.T) {
	cases := []struct {
		name string
		doc  Document
		exp  [][2]any
	}{
		{name: "empty", doc: Document{}, exp: [][2]any{}},
		{name: "scalar", doc: Document{"a": 1}, exp: [][2]any{{"a", 1}}},
		{name: "sorted by field", doc: Document{"b": "x", "a": "y"}, exp: [][2]any{{"a", "y"}, {"b", "x"}}},
		{name: "string slice expands", doc: Document{"tag": []string{"p", "q"}}, exp: [][2]any{{"tag", "p"}, {"tag", "q"}}},
		{name: "any slice expands", doc: Document{"n": []any{1, "two"}}, exp: [][2]any{{"n", 1}, {"n", "two"}}},
		{name: "empty slice drops field", doc: Document{"n": []any{}}, exp: [][2]any{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, c.doc.tuples())
		})
	}
}

func TestIndexResultsJSON(t *testing.T) {
	snippet := "<b>x</b>"
	in := []IndexResults{{Index: "a", Results: []Result{{Score: 1.5, Doc: map[string][]any{"t": {"x"}}, Snippet: &snippet}}}, {Index: "b"}}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `[["a",[{"score":1.5,"doc":{"t":["x"]},"snippet":"<b>x</b>"}]],["b",[]]]`, string(b))

	var out []IndexResults
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "a", out[0].Index)
	assert.Equal(t, "b", out[1].Index)
	assert.Empty(t, out[1].Results)

	assert.Error(t, json.Unmarshal([]byte(`[["a"]]`), &out))
}

package agent

import (
	"net/http"

	"github.com/arso-project/sonar-tantivy/catalog"
)

// CatalogService is the JSON-RPC 2.0 service registered as "Catalog".
type CatalogService struct {
	catalog *catalog.Catalog
}

type QueryArgs struct {
	Index        string
	Query        string
	Limit        int
	SnippetField string
}

type QueryReply struct {
	Results []catalog.Result
}

func (s *CatalogService) Query(r *http.Request, args *QueryArgs, reply *QueryReply) error {
	opts := catalog.QueryOptions{Limit: args.Limit, SnippetField: args.SnippetField}
	res, err := s.catalog.Open(args.Index).Query(r.Context(), args.Query, opts)
	if err != nil {
		return err
	}
	reply.Results = res
	return nil
}

type MultiQueryArgs struct {
	Query   string
	Indexes []string
}

type MultiQueryReply struct {
	Results []catalog.IndexResults
}

func (s *CatalogService) MultiQuery(r *http.Request, args *MultiQueryArgs, reply *MultiQueryReply) error {
	res, err := s.catalog.MultiQuery(r.Context(), args.Query, args.Indexes)
	if err != nil {
		return err
	}
	reply.Results = res
	return nil
}

type HasArgs struct {
	Index string
}

type HasReply struct {
	Exists bool
}

func (s *CatalogService) Has(r *http.Request, args *HasArgs, reply *HasReply) error {
	has, err := s.catalog.Has(r.Context(), args.Index)
	if err != nil {
		return err
	}
	reply.Exists = has
	return nil
}

type CreateArgs struct {
	Index  string
	Schema catalog.Schema
	RAM    bool
}

type CreateReply struct{}

func (s *CatalogService) Create(r *http.Request, args *CreateArgs, reply *CreateReply) error {
	_, err := s.catalog.Create(r.Context(), args.Index, args.Schema, catalog.CreateOptions{RAM: args.RAM})
	return err
}

type AddDocumentsArgs struct {
	Index     string
	Documents []catalog.Document
}

type AddDocumentsReply struct{}

func (s *CatalogService) AddDocuments(r *http.Request, args *AddDocumentsArgs, reply *AddDocumentsReply) error {
	return s.catalog.Open(args.Index).AddDocuments(r.Context(), args.Documents)
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/arso-project/sonar-tantivy/catalog"
	"github.com/arso-project/sonar-tantivy/pipe"
	"github.com/google/uuid"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

const requestIDHeader = "X-Request-Id"

// pipeReadLimit bounds a single WebSocket message on /pipe. A message holds at least one whole frame.
const pipeReadLimit = 64 << 20

// Agent exposes a search engine over HTTP.
// Besides the REST routes it serves JSON-RPC 2.0 on /jsonrpc and the raw pipe protocol over a WebSocket on /pipe.
type Agent struct {
	logger *zap.SugaredLogger

	engine  catalog.Caller
	catalog *catalog.Catalog

	listenAddr string
	httpServer *http.Server

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// New constructs an agent serving the engine reached through engine, typically a *pipe.Process.
func New(engine catalog.Caller, opts ...Option) (*Agent, error) {
	a := &Agent{
		logger:     zap.NewNop().Sugar(),
		engine:     engine,
		catalog:    catalog.New(engine),
		listenAddr: "127.0.0.1:9191",
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	err := rpcServer.RegisterService(&CatalogService{catalog: a.catalog}, "Catalog")
	if err != nil {
		return nil, fmt.Errorf("registering JSON-RPC service: %w", err)
	}

	router := httprouter.New()
	router.GET("/health", a.health)
	router.PUT("/indexes/:name", a.createIndex)
	router.GET("/indexes/:name", a.hasIndex)
	router.POST("/indexes/:name/documents", a.addDocuments)
	router.GET("/indexes/:name/query", a.query)
	router.POST("/query", a.multiQuery)
	router.Handler(http.MethodPost, "/jsonrpc", rpcServer)
	router.GET("/pipe", a.pipeWS)

	a.httpServer = &http.Server{Handler: a.withRequestID(router)}
	return a, nil
}

// Run serves HTTP on the listen address and returns once the agent has stopped.
func (a *Agent) Run() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	a.logger.Debugw("serving", "Addr", listener.Addr().String())
	err = a.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.httpServer.Handler.ServeHTTP(w, r)
}

// Stop closes the server and every open pipe connection.
func (a *Agent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return a.httpServer.Close()
}

func (a *Agent) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		a.logger.Debugw("request", "Method", r.Method, "Path", r.URL.Path, "RequestID", id)
		next.ServeHTTP(w, r)
	})
}

func (a *Agent) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, struct{ Status string }{Status: "ok"})
}

type CreateIndexRequest struct {
	Schema catalog.Schema
	RAM    bool
}

func (a *Agent) createIndex(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req CreateIndexRequest
	if !a.readJSON(w, r, &req) {
		return
	}
	_, err := a.catalog.Create(r.Context(), params.ByName("name"), req.Schema, catalog.CreateOptions{RAM: req.RAM})
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *Agent) hasIndex(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	has, err := a.catalog.Has(r.Context(), params.ByName("name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !has {
		http.Error(w, "no such index", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) addDocuments(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var docs []catalog.Document
	if !a.readJSON(w, r, &docs) {
		return
	}
	err := a.catalog.Open(params.ByName("name")).AddDocuments(r.Context(), docs)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) query(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	q := r.URL.Query()
	opts := catalog.QueryOptions{SnippetField: q.Get("snippet")}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid limit %q", s), http.StatusBadRequest)
			return
		}
		opts.Limit = limit
	}
	res, err := a.catalog.Open(params.ByName("name")).Query(r.Context(), q.Get("q"), opts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

type MultiQueryRequest struct {
	Query   string
	Indexes []string
}

func (a *Agent) multiQuery(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req MultiQueryRequest
	if !a.readJSON(w, r, &req) {
		return
	}
	res, err := a.catalog.MultiQuery(r.Context(), req.Query, req.Indexes)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

// pipeWS carries the pipe protocol over a WebSocket, with the agent in the child role.
// Engine methods called by the remote end are forwarded to the engine.
func (a *Agent) pipeWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debugf("pipe WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(pipeReadLimit)
	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)

	opts := []pipe.Option{
		pipe.Announce(),
		pipe.WithLogger(a.logger.Desugar().With(zap.String("RequestID", w.Header().Get(requestIDHeader)))),
	}
	for _, method := range catalog.Methods {
		opts = append(opts, pipe.WithHandler(method, a.forward(method)))
	}
	t := pipe.New(conn, opts...)

	select {
	case <-t.Done():
	case <-a.closed:
		t.Close()
	}
	a.logger.Debugw("pipe connection ended", "Error", t.Err())
}

func (a *Agent) forward(method string) pipe.Handler {
	return pipe.HandleFunc(func(ctx context.Context, msg json.RawMessage) (any, error) {
		var reply json.RawMessage
		err := a.engine.Request(ctx, method, msg, &reply)
		return reply, err
	})
}

func (a *Agent) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("decoding request body: %s", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (a *Agent) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(b)
	if err != nil {
		a.logger.Debugf("error writing response: %s", err)
	}
}

// writeError maps engine and transport errors to status codes.
func (a *Agent) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		remoteErr *pipe.RemoteError
		crashErr  *pipe.ProcessCrashError
		startErr  *pipe.ProcessStartError
	)
	switch {
	case errors.Is(err, catalog.ErrIndexExists):
		status = http.StatusConflict
	case errors.As(err, &remoteErr):
		status = http.StatusBadGateway
	case errors.Is(err, pipe.ErrClosed), errors.As(err, &crashErr), errors.As(err, &startErr):
		status = http.StatusServiceUnavailable
	}
	a.logger.Debugw("request failed", "Status", status, "Error", err)
	http.Error(w, err.Error(), status)
}

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/arso-project/sonar-tantivy/catalog"
	"github.com/arso-project/sonar-tantivy/pipe"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	pipeOpts                 []pipe.Option

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithPipeOptions sets the options of transports returned by DialPipe.
func WithPipeOptions(opts ...pipe.Option) ClientOption {
	return func(c *Client) {
		c.pipeOpts = append(c.pipeOpts, opts...)
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient constructs a client for the agent listening on addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("agent_client"),
		baseURL:      "http://" + addr,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// checkRetry retries connection errors and an unavailable engine. Any other response is final.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode != http.StatusServiceUnavailable {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *Client) do(ctx context.Context, method, urlPath string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+urlPath, r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	return resp, nil
}

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status code %d: %s", e.StatusCode, e.Body)
}

func statusError(resp *http.Response) error {
	var body string
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		body = fmt.Errorf("error reading body: %w", err).Error()
	} else {
		body = string(bytes.TrimSpace(b))
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: body}
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// CreateIndex creates an index, returning an error wrapping catalog.ErrIndexExists if it already exists.
func (c *Client) CreateIndex(ctx context.Context, name string, schema catalog.Schema, ram bool) error {
	resp, err := c.do(ctx, http.MethodPut, "/indexes/"+url.PathEscape(name), CreateIndexRequest{Schema: schema, RAM: ram})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("creating index %s: %w", name, catalog.ErrIndexExists)
	}
	return statusError(resp)
}

func (c *Client) HasIndex(ctx context.Context, name string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/indexes/"+url.PathEscape(name), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, statusError(resp)
}

func (c *Client) AddDocuments(ctx context.Context, name string, docs []catalog.Document) error {
	resp, err := c.do(ctx, http.MethodPost, "/indexes/"+url.PathEscape(name)+"/documents", docs)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

func (c *Client) Query(ctx context.Context, name, query string, opts catalog.QueryOptions) ([]catalog.Result, error) {
	v := url.Values{"q": {query}}
	if opts.Limit > 0 {
		v.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.SnippetField != "" {
		v.Set("snippet", opts.SnippetField)
	}
	resp, err := c.do(ctx, http.MethodGet, "/indexes/"+url.PathEscape(name)+"/query?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var res []catalog.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	return res, nil
}

func (c *Client) MultiQuery(ctx context.Context, query string, indexes []string) ([]catalog.IndexResults, error) {
	resp, err := c.do(ctx, http.MethodPost, "/query", MultiQueryRequest{Query: query, Indexes: indexes})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var res []catalog.IndexResults
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding multi query response: %w", err)
	}
	return res, nil
}

// Call invokes a method of the JSON-RPC service, such as "Catalog.Query".
// Errors returned by the service are *json2.Error.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	b, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return fmt.Errorf("encoding JSON-RPC request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jsonrpc", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	// service errors come back in the JSON-RPC envelope, possibly with a 400
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return statusError(resp)
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}

// DialPipe opens a pipe transport to the agent, tunneled through a WebSocket connection.
// The transport is corked until the agent's handshake arrives; ctx only bounds the dial.
func (c *Client) DialPipe(ctx context.Context) (*pipe.Transport, error) {
	u := c.baseURL + "/pipe"

	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(pipeReadLimit)

	conn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	return pipe.New(conn, c.pipeOpts...), nil
}

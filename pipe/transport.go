package pipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Responder emits the Reply for an inbound Call. Only the first invocation has an effect.
type Responder func(err error, msg any)

// Handler serves an inbound Call. It runs on the transport's reader goroutine, so it must not block;
// respond may be called later from any goroutine. ctx is canceled when the transport is torn down.
type Handler func(ctx context.Context, msg json.RawMessage, respond Responder)

// HandleFunc adapts a blocking function to a Handler. Each call runs on its own goroutine.
func HandleFunc(f func(ctx context.Context, msg json.RawMessage) (any, error)) Handler {
	return func(ctx context.Context, msg json.RawMessage, respond Responder) {
		go func() {
			res, err := f(ctx, msg)
			respond(err, res)
		}()
	}
}

// Transport correlates Calls and Replies over a duplex byte channel.
// All methods are safe for concurrent use.
type Transport struct {
	log     *zap.SugaredLogger
	onError func(error)

	dec    *Decoder
	enc    *Encoder
	closer io.Closer

	ctx    context.Context
	cancel func()

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]*PendingCall
	handlers map[string]Handler
	outbox   []Message
	corked   bool
	started  bool
	closed   bool
	err      error

	// supervised is set when a Process owns the lifecycle, in which case
	// the end of the input stream or a failed write does not tear the transport down.
	supervised bool

	wake      chan struct{}
	ready     chan struct{}
	done      chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}
}

// New binds a Transport to rw and starts serving it. Closing the Transport closes rw.
func New(rw io.ReadWriteCloser, opts ...Option) *Transport {
	t := newTransport(rw, rw, rw, newConfig(opts))
	t.start()
	return t
}

type stdio struct{}

func (stdio) Close() error { return os.Stdout.Close() }

// Stdio binds a Transport to the current process's stdin and stdout in the child role:
// it announces itself with the hello handshake immediately.
func Stdio(opts ...Option) *Transport {
	cfg := newConfig(append([]Option{Announce()}, opts...))
	t := newTransport(os.Stdin, os.Stdout, stdio{}, cfg)
	t.start()
	return t
}

func newTransport(r io.Reader, w io.Writer, closer io.Closer, cfg *config) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		log:       cfg.logger,
		onError:   cfg.errorHandler,
		dec:       NewDecoder(r),
		enc:       NewEncoder(w),
		closer:    closer,
		ctx:       ctx,
		cancel:    cancel,
		pending:   map[int64]*PendingCall{},
		handlers:  map[string]Handler{},
		corked:    true,
		wake:      make(chan struct{}, 1),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	for method, h := range cfg.handlers {
		t.handlers[method] = h
	}
	if t.onError == nil {
		t.onError = func(err error) { t.log.Debugw("protocol error", "Error", err) }
	}
	if cfg.announce {
		t.corked = false
		close(t.ready)
		t.outbox = append(t.outbox, Message{Call: &Call{ID: 0, Method: HelloMethod}})
		t.signal()
	}
	return t
}

func (t *Transport) start() {
	go t.readLoop()
	go t.writeLoop()
}

// At registers the handler for inbound Calls of method, replacing any previous one.
func (t *Transport) At(method string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = h
}

// Go sends a Call and returns its PendingCall without waiting.
// After teardown the returned call is already rejected with the terminal error and nothing is sent.
func (t *Transport) Go(method string, msg any) *PendingCall {
	pc := newPendingCall(t, method)
	payload, err := marshalMsg(msg)
	if err != nil {
		pc.resolve(nil, fmt.Errorf("encoding %s request: %w", method, err))
		return pc
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		pc.resolve(nil, t.err)
		return pc
	}
	t.nextID++
	pc.ID = t.nextID
	t.pending[pc.ID] = pc
	t.enqueue(Message{Call: &Call{ID: pc.ID, Method: method, Msg: payload}})
	return pc
}

// Request sends a Call and waits for its Reply, unmarshaling the reply payload into reply if it is non-nil.
func (t *Transport) Request(ctx context.Context, method string, args, reply any) error {
	return t.Go(method, args).Decode(ctx, reply)
}

// Ready returns a channel that is closed once the handshake has been observed (or sent, in the child role).
func (t *Transport) Ready() <-chan struct{} {
	return t.ready
}

// Started reports whether any message has been received from the peer.
func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Done returns a channel that is closed when the transport is torn down.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the terminal error, or nil while the transport is open.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close tears the transport down with ErrClosed, rejecting all outstanding calls.
func (t *Transport) Close() error {
	return t.destroy(ErrClosed)
}

// destroy runs the teardown once. Later calls are no-ops.
func (t *Transport) destroy(err error) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.err = err
	pending := t.pending
	t.pending = map[int64]*PendingCall{}
	t.outbox = nil
	close(t.done)
	t.mu.Unlock()

	t.log.Debugw("transport torn down", "Error", err, "Pending", len(pending))
	t.cancel()
	for _, pc := range pending {
		pc.resolve(nil, err)
	}
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

func (t *Transport) forget(pc *PendingCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[pc.ID] == pc {
		delete(t.pending, pc.ID)
	}
}

// enqueue must be called with t.mu held.
func (t *Transport) enqueue(m Message) {
	t.outbox = append(t.outbox, m)
	if !t.corked {
		t.signal()
	}
}

func (t *Transport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) uncork() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.corked {
		return
	}
	t.corked = false
	close(t.ready)
	t.log.Debugw("got handshake, uncorking", "Queued", len(t.outbox))
	t.signal()
}

func (t *Transport) writeLoop() {
	defer close(t.writeDone)
	for {
		select {
		case <-t.done:
			return
		case <-t.wake:
		}

		t.mu.Lock()
		if t.closed || t.corked {
			t.mu.Unlock()
			continue
		}
		batch := t.outbox
		t.outbox = nil
		t.mu.Unlock()

		for _, m := range batch {
			t.log.Debugw("send", "Message", m)
			err := t.enc.Encode(m)
			if err != nil {
				t.log.Debugf("write error: %s", err)
				if !t.supervised {
					t.destroy(fmt.Errorf("%w: writing: %s", ErrClosed, err))
				}
				return
			}
		}
	}
}

func (t *Transport) readLoop() {
	defer close(t.readDone)
	for {
		m, err := t.dec.Decode()
		if err != nil {
			var decodeErr *FrameDecodeError
			if errors.As(err, &decodeErr) {
				t.onError(decodeErr)
				continue
			}
			t.log.Debugw("input stream ended", "Error", err)
			if !t.supervised {
				t.destroy(ErrClosed)
			}
			return
		}
		if !t.markStarted() {
			// torn down; drain until the stream ends
			continue
		}
		t.log.Debugw("recv", "Message", m)
		if m.Call != nil {
			t.handleCall(m.Call)
		} else {
			t.handleReply(m.Reply)
		}
	}
}

// markStarted records liveness and reports whether the transport is still open.
func (t *Transport) markStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return !t.closed
}

func (t *Transport) handleCall(c *Call) {
	if c.Method == HelloMethod {
		t.uncork()
		return
	}

	t.mu.Lock()
	h := t.handlers[c.Method]
	t.mu.Unlock()

	if h == nil {
		t.onError(&UnhandledMethodError{ID: c.ID, Method: c.Method})
		t.reply(c, fmt.Errorf("method not found: %s", c.Method), nil)
		return
	}
	h(t.ctx, c.Msg, t.responder(c))
}

func (t *Transport) responder(c *Call) Responder {
	var once sync.Once
	return func(err error, msg any) {
		fired := false
		once.Do(func() {
			fired = true
			t.reply(c, err, msg)
		})
		if !fired {
			t.log.Debugw("ignoring repeated response", "Method", c.Method, "ID", c.ID)
		}
	}
}

func (t *Transport) reply(c *Call, err error, msg any) {
	r := &Reply{ID: -c.ID}
	payload, merr := marshalMsg(msg)
	if merr != nil && err == nil {
		err = fmt.Errorf("encoding reply: %w", merr)
	}
	if err != nil {
		r.Err = errorJSON(err)
	} else {
		r.Msg = payload
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.log.Debugw("dropping reply on closed transport", "Method", c.Method, "ID", c.ID)
		return
	}
	t.enqueue(Message{Reply: r})
}

func (t *Transport) handleReply(r *Reply) {
	id := -r.ID

	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		t.onError(&OrphanReplyError{ID: r.ID})
		return
	}
	if isNull(r.Err) {
		pc.resolve(r.Msg, nil)
		return
	}
	pc.resolve(nil, &RemoteError{Method: pc.Method, Message: errorText(r.Err)})
}

func marshalMsg(msg any) (json.RawMessage, error) {
	switch m := msg.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(m) == 0 {
			return nil, nil
		}
		return m, nil
	}
	return json.Marshal(msg)
}

// errorJSON encodes err as a JSON string. A RemoteError is forwarded with its original message.
func errorJSON(err error) json.RawMessage {
	text := err.Error()
	var remote *RemoteError
	if errors.As(err, &remote) {
		text = remote.Message
	}
	b, _ := json.Marshal(text)
	return b
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

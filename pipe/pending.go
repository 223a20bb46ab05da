package pipe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// PendingCall is an outstanding Call awaiting its Reply. It resolves exactly once:
// with the Reply, with the transport's terminal error, or with a context error if the caller gave up waiting.
type PendingCall struct {
	ID     int64
	Method string

	t    *Transport
	once sync.Once
	done chan struct{}
	msg  json.RawMessage
	err  error
}

func newPendingCall(t *Transport, method string) *PendingCall {
	return &PendingCall{
		Method: method,
		t:      t,
		done:   make(chan struct{}),
	}
}

// resolve reports whether this call was the one to resolve c.
func (c *PendingCall) resolve(msg json.RawMessage, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.msg = msg
		c.err = err
		resolved = true
		close(c.done)
	})
	return resolved
}

// Done returns a channel that is closed once the call has resolved.
func (c *PendingCall) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the call resolves and returns the raw reply payload or the error.
func (c *PendingCall) Result() (json.RawMessage, error) {
	<-c.done
	return c.msg, c.err
}

// Wait is like Result, but gives up when ctx is done.
// Giving up removes the call from the transport's pending table, so a Reply arriving later is treated as an orphan.
func (c *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		if c.t != nil {
			c.t.forget(c)
		}
		c.resolve(nil, ctx.Err())
	}
	return c.Result()
}

// Decode waits for the reply and unmarshals its payload into v. A nil v discards the payload.
func (c *PendingCall) Decode(ctx context.Context, v any) error {
	raw, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s reply: %w", c.Method, err)
	}
	return nil
}

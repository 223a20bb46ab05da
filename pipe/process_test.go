package pipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const childModeEnv = "PIPE_TEST_CHILD"

var log *zap.Logger

func TestMain(m *testing.M) {
	if mode := os.Getenv(childModeEnv); mode != "" {
		os.Exit(runChild(mode))
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l
	os.Exit(m.Run())
}

// runChild is the body of the test binary when it is re-executed as a child process.
func runChild(mode string) int {
	switch mode {
	case "echo":
		seq := 0
		t := Stdio(
			WithHandler("echo", func(ctx context.Context, msg json.RawMessage, respond Responder) {
				respond(nil, msg)
			}),
			WithHandler("seq", func(ctx context.Context, msg json.RawMessage, respond Responder) {
				seq++
				respond(nil, seq)
			}),
			WithHandler("die", func(ctx context.Context, msg json.RawMessage, respond Responder) {
				fmt.Fprintln(os.Stderr, "boom")
				os.Exit(3)
			}),
		)
		<-t.Done()
		return 0
	case "silent-fail":
		fmt.Fprintln(os.Stderr, "error: cannot open index directory")
		return 2
	case "no-hello":
		fmt.Println(`{"id":1,"method":"progress","msg":"warming up"}`)
		fmt.Fprintln(os.Stderr, "panicked while warming up")
		return 4
	case "exit-clean":
		fmt.Println(`{"id":0,"method":"hello","msg":null}`)
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown child mode %q\n", mode)
	return 1
}

func spawnChild(t *testing.T, ctx context.Context, mode string, opts ...Option) *Process {
	exe, err := os.Executable()
	require.NoError(t, err)
	opts = append([]Option{WithLogger(log), WithEnv(childModeEnv + "=" + mode)}, opts...)
	p, err := Spawn(ctx, exe, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestProcessRoundTrip(t *testing.T) {
	ctx := testContext(t)
	p := spawnChild(t, ctx, "echo")
	assert.Equal(t, -1, p.ExitCode())

	var got map[string]string
	err := p.Request(ctx, "echo", map[string]string{"hello": "world"}, &got)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"hello": "world"}, got)
	assert.Equal(t, Ready, p.State())
	assert.Contains(t, p.String(), "state=ready")

	require.NoError(t, p.Close())
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, 0, p.ExitCode())
	assert.Equal(t, Closed, p.State())
	assert.ErrorIs(t, p.Err(), ErrClosed)
}

func TestProcessCallsBeforeReadyKeepOrder(t *testing.T) {
	ctx := testContext(t)
	p := spawnChild(t, ctx, "echo")

	// issued right after spawning, almost certainly before the handshake
	var calls []*PendingCall
	for i := 0; i < 20; i++ {
		calls = append(calls, p.Go("seq", nil))
	}
	for i, c := range calls {
		var n int
		require.NoError(t, c.Decode(ctx, &n))
		assert.Equal(t, i+1, n)
	}
}

func TestProcessCrash(t *testing.T) {
	ctx := testContext(t)
	p := spawnChild(t, ctx, "echo")

	<-p.Ready()
	pending := p.Go("seq", nil)
	_, err := pending.Wait(ctx)
	require.NoError(t, err)

	err = p.Request(ctx, "die", nil, nil)
	var crash *ProcessCrashError
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, 3, crash.ExitCode)
	assert.Equal(t, []string{"boom"}, crash.Stderr)
	assert.Contains(t, err.Error(), "exit code 3")

	require.ErrorAs(t, p.Wait(ctx), &crash)
	assert.Equal(t, 3, p.ExitCode())
	assert.Equal(t, Closed, p.State())

	// later calls reject immediately with the same error
	late := p.Go("echo", nil)
	select {
	case <-late.Done():
	default:
		t.Fatal("call after crash should already be rejected")
	}
	_, err = late.Result()
	require.ErrorAs(t, err, &crash)
}

func TestProcessMissingBinary(t *testing.T) {
	ctx := testContext(t)
	p, err := Spawn(ctx, "/nonexistent/sonar-tantivy", []string{"serve"})
	assert.Nil(t, p)

	var startErr *ProcessStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "/nonexistent/sonar-tantivy", startErr.Command)
	assert.Equal(t, -1, startErr.ExitCode)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Contains(t, err.Error(), "make sure the engine binary is installed")
}

func TestProcessFailsBeforeAnyOutput(t *testing.T) {
	ctx := testContext(t)
	p := spawnChild(t, ctx, "silent-fail")

	call := p.Go("echo", "never sent")
	_, err := call.Wait(ctx)

	var startErr *ProcessStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, 2, startErr.ExitCode)
	assert.Equal(t, []string{"error: cannot open index directory"}, startErr.Stderr)
	assert.False(t, p.Started())

	require.ErrorAs(t, p.Wait(ctx), &startErr)
}

func TestProcessCrashBeforeHandshake(t *testing.T) {
	ctx := testContext(t)
	errs := newErrorRecorder()
	p := spawnChild(t, ctx, "no-hello", WithErrorHandler(errs.handle))

	call := p.Go("echo", nil)
	_, err := call.Wait(ctx)

	// the child was observed alive, so this is a crash rather than a start failure
	var crash *ProcessCrashError
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, 4, crash.ExitCode)
	assert.Equal(t, []string{"panicked while warming up"}, crash.Stderr)
	assert.True(t, p.Started())

	var unhandled *UnhandledMethodError
	require.ErrorAs(t, errs.next(t), &unhandled)
	assert.Equal(t, "progress", unhandled.Method)
}

func TestProcessCleanExit(t *testing.T) {
	ctx := testContext(t)
	p := spawnChild(t, ctx, "exit-clean")

	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, 0, p.ExitCode())
	assert.ErrorIs(t, p.Err(), ErrClosed)

	_, err := p.Go("echo", nil).Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestProcessContextCanceled(t *testing.T) {
	ctx := testContext(t)
	spawnCtx, cancel := context.WithCancel(ctx)
	p := spawnChild(t, spawnCtx, "echo")

	<-p.Ready()
	cancel()

	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, Closed, p.State())
	_, err := p.Go("echo", nil).Result()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestProcessStderrCopy(t *testing.T) {
	ctx := testContext(t)
	var buf strings.Builder
	p := spawnChild(t, ctx, "silent-fail", WithStderr(&buf))

	require.Error(t, p.Wait(ctx))
	assert.Equal(t, "error: cannot open index directory\n", buf.String())
}

func TestProcessCloseWithShortGracePeriod(t *testing.T) {
	ctx := testContext(t)
	p := spawnChild(t, ctx, "echo", WithGracePeriod(10*time.Millisecond))
	<-p.Ready()

	// the echo child exits on its own once stdin closes, so Close returns quickly either way
	start := time.Now()
	require.NoError(t, p.Close())
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, p.Wait(ctx))
}

func TestLineTail(t *testing.T) {
	cases := []struct {
		name  string
		max   int
		lines []string
		exp   []string
	}{
		{name: "empty", max: 3, exp: nil},
		{name: "under capacity", max: 3, lines: []string{"a", "b"}, exp: []string{"a", "b"}},
		{name: "at capacity", max: 2, lines: []string{"a", "b"}, exp: []string{"a", "b"}},
		{name: "overflow keeps the newest", max: 2, lines: []string{"a", "b", "c", "d"}, exp: []string{"c", "d"}},
		{name: "disabled", max: 0, lines: []string{"a"}, exp: nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tail := &lineTail{max: c.max}
			for _, l := range c.lines {
				tail.add(l)
			}
			assert.Equal(t, c.exp, tail.snapshot())
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "spawned", Spawned.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.True(t, errors.Is(&ProcessStartError{Err: fs.ErrPermission}, fs.ErrPermission))
}

package pipe

import (
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type config struct {
	logger       *zap.SugaredLogger
	errorHandler func(error)
	announce     bool
	handlers     map[string]Handler

	// process-only settings
	env         []string
	dir         string
	stderr      io.Writer
	stderrTail  int
	gracePeriod time.Duration
}

func newConfig(opts []Option) *config {
	c := &config{
		logger:      zap.NewNop().Sugar(),
		stderrTail:  20,
		gracePeriod: 5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Transport or a spawned Process. Process-only options are ignored by New.
type Option func(c *config)

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l.Named("pipe").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(c *config) {
		c.logger = c.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithErrorHandler sets the callback for non-fatal protocol errors:
// *FrameDecodeError, *UnhandledMethodError and *OrphanReplyError.
// It is called from the transport's reader goroutine and must not block.
// By default these errors are logged at debug level.
func WithErrorHandler(f func(error)) Option {
	return func(c *config) {
		c.errorHandler = f
	}
}

// WithHandler registers a handler before the transport starts serving, so that it is in place
// before the peer can possibly send a Call for it. See Transport.At.
func WithHandler(method string, h Handler) Option {
	return func(c *config) {
		if c.handlers == nil {
			c.handlers = map[string]Handler{}
		}
		c.handlers[method] = h
	}
}

// Announce puts the transport in the child role: it starts uncorked and sends the hello handshake as its first frame.
func Announce() Option {
	return func(c *config) {
		c.announce = true
	}
}

// WithEnv adds environment variables to the spawned process, on top of the current environment.
func WithEnv(env ...string) Option {
	return func(c *config) {
		c.env = append(c.env, env...)
	}
}

// WithDir sets the working directory of the spawned process.
func WithDir(dir string) Option {
	return func(c *config) {
		c.dir = dir
	}
}

// WithStderr copies the spawned process's stderr to w, in addition to logging it.
func WithStderr(w io.Writer) Option {
	return func(c *config) {
		c.stderr = w
	}
}

// WithStderrTail sets how many trailing stderr lines are kept for start and crash errors.
func WithStderrTail(n int) Option {
	return func(c *config) {
		c.stderrTail = n
	}
}

// WithGracePeriod sets how long Process.Close waits for the child to exit after closing its stdin before killing it.
func WithGracePeriod(d time.Duration) Option {
	return func(c *config) {
		c.gracePeriod = d
	}
}

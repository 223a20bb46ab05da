package pipe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the lifecycle state of a spawned Process.
type State int

const (
	// Spawned means the child is running but has not sent anything yet.
	Spawned State = iota
	// Started means at least one message has been received, so the child is alive.
	Started
	// Ready means the handshake was observed and outbound traffic is flowing.
	Ready
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "spawned"
	case Started:
		return "started"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Process is a child process whose stdin and stdout carry a Transport.
// The embedded Transport is used to issue and serve calls.
type Process struct {
	*Transport

	log         *zap.SugaredLogger
	command     string
	cmd         *exec.Cmd
	stderrCopy  io.Writer
	stderrTail  *lineTail
	gracePeriod time.Duration

	wg       sync.WaitGroup
	closing  atomic.Bool
	exitOnce sync.Once
	exited   chan struct{}
	exitCode int
	exitErr  error
}

// Spawn starts command and binds a Transport to its stdio. The child's stderr is only logged.
// If the binary cannot be executed, Spawn returns a *ProcessStartError.
// Canceling ctx kills the child.
func Spawn(ctx context.Context, command string, args []string, opts ...Option) (*Process, error) {
	cfg := newConfig(opts)
	log := cfg.logger.Named("process")

	cmd := exec.Command(command, args...)
	cmd.Dir = cfg.dir
	if len(cfg.env) > 0 {
		cmd.Env = append(os.Environ(), cfg.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	log.Debugw("spawning", "Command", command, "Args", args)
	err = cmd.Start()
	if err != nil {
		return nil, &ProcessStartError{Command: command, ExitCode: -1, Err: err}
	}

	t := newTransport(stdout, stdin, stdin, cfg)
	t.supervised = true
	p := &Process{
		Transport:   t,
		log:         log.With("PID", cmd.Process.Pid),
		command:     command,
		cmd:         cmd,
		stderrCopy:  cfg.stderr,
		stderrTail:  &lineTail{max: cfg.stderrTail},
		gracePeriod: cfg.gracePeriod,
		exited:      make(chan struct{}),
		exitCode:    -1,
	}

	p.wg.Add(1)
	go p.readStderr(stderr)
	t.start()
	go p.wait()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			p.log.Debugf("spawn context done: %s", ctx.Err())
			p.closing.Store(true)
			if err := p.kill(); err != nil {
				p.log.Debugf("error killing process: %s", err)
			}
		case <-p.exited:
		}
	}()

	return p, nil
}

func (p *Process) wait() {
	// the pipes are closed by Wait, so all reads must finish first
	<-p.readDone
	p.wg.Wait()
	err := p.cmd.Wait()
	p.exit(err)
}

// exit classifies the exit and tears the transport down. It runs once.
func (p *Process) exit(waitErr error) {
	p.exitOnce.Do(func() {
		if p.cmd.ProcessState != nil {
			p.exitCode = p.cmd.ProcessState.ExitCode()
		}
		p.exitErr = p.classify(waitErr)

		terminal := p.exitErr
		if terminal == nil {
			p.log.Debugw("process exited", "ExitCode", p.exitCode)
			terminal = ErrClosed
		} else {
			p.log.Errorw("process failed", "ExitCode", p.exitCode, "Error", terminal)
		}
		p.Transport.destroy(terminal)
		close(p.exited)
	})
}

func (p *Process) classify(waitErr error) error {
	if waitErr == nil {
		return nil
	}
	// the exit was asked for, either through Close, ctx, or by closing the transport
	if p.closing.Load() || p.Transport.Err() != nil {
		return nil
	}
	if !p.Transport.Started() {
		return &ProcessStartError{
			Command:  p.command,
			ExitCode: p.exitCode,
			Err:      waitErr,
			Stderr:   p.stderrTail.snapshot(),
		}
	}
	return &ProcessCrashError{
		Command:  p.command,
		ExitCode: p.exitCode,
		Stderr:   p.stderrTail.snapshot(),
	}
}

func (p *Process) kill() error {
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *Process) readStderr(r io.Reader) {
	defer p.wg.Done()
	log := p.log.Named("stderr")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(line)
		p.stderrTail.add(line)
		if p.stderrCopy != nil {
			fmt.Fprintln(p.stderrCopy, line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("stderr reader got error: %s", err)
		// keep draining so the child never blocks on a full stderr pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

// Close closes the child's stdin, waits for it to exit, and kills it if it has not exited within the grace period.
// An exit caused by Close is not an error.
func (p *Process) Close() error {
	p.closing.Store(true)
	err := p.Transport.Close()

	timer := time.NewTimer(p.gracePeriod)
	defer timer.Stop()
	select {
	case <-p.exited:
		return err
	case <-timer.C:
	}

	p.log.Debugw("process did not exit within grace period, killing", "GracePeriod", p.gracePeriod)
	err = multierr.Append(err, p.kill())
	<-p.exited
	return err
}

// Wait blocks until the child exits and returns the classified exit error,
// which is nil for a clean exit.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
		return p.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exited returns a channel that is closed once the child has exited and the transport is torn down.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit code of the child, or -1 if it has not exited or was killed by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
		return p.exitCode
	default:
		return -1
	}
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) State() State {
	select {
	case <-p.Transport.Done():
		return Closed
	default:
	}
	select {
	case <-p.Ready():
		return Ready
	default:
	}
	if p.Started() {
		return Started
	}
	return Spawned
}

func (p *Process) String() string {
	return fmt.Sprintf("%s (pid=%d, state=%s)", p.command, p.Pid(), p.State())
}

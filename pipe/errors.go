package pipe

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is the terminal error of a Transport that was closed or whose peer went away cleanly.
var ErrClosed = errors.New("pipe: transport closed")

// FrameDecodeError reports an inbound line that is not a valid message. The line is dropped.
type FrameDecodeError struct {
	Line string
	Err  error
}

func (e *FrameDecodeError) Error() string {
	line := e.Line
	if len(line) > 200 {
		line = line[:200] + "..."
	}
	return fmt.Sprintf("could not decode message %q: %s", line, e.Err)
}

func (e *FrameDecodeError) Unwrap() error { return e.Err }

// UnhandledMethodError reports an inbound Call for a method with no registered handler.
type UnhandledMethodError struct {
	ID     int64
	Method string
}

func (e *UnhandledMethodError) Error() string {
	return fmt.Sprintf("no handler for method %q (call id %d)", e.Method, e.ID)
}

// OrphanReplyError reports an inbound Reply that matches no outstanding Call,
// either because it arrived late, was duplicated, or was never asked for.
type OrphanReplyError struct {
	ID int64
}

func (e *OrphanReplyError) Error() string {
	return fmt.Sprintf("no outstanding call for reply id %d", e.ID)
}

// RemoteError is an error returned by the peer's handler.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Method, e.Message)
}

// ProcessStartError means the child never came alive: the binary is missing or not executable,
// or the process exited with an error before sending anything.
type ProcessStartError struct {
	Command  string
	ExitCode int
	Err      error
	Stderr   []string
}

func (e *ProcessStartError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to start %s", e.Command)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err)
	}
	b.WriteString(" (make sure the engine binary is installed and executable, or rerun the install step)")
	writeStderrTail(&b, e.Stderr)
	return b.String()
}

func (e *ProcessStartError) Unwrap() error { return e.Err }

// ProcessCrashError means the child exited unexpectedly after it had been observed alive.
type ProcessCrashError struct {
	Command  string
	ExitCode int
	Stderr   []string
}

func (e *ProcessCrashError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s crashed (exit code %d); run with debug logging to see its stderr", e.Command, e.ExitCode)
	writeStderrTail(&b, e.Stderr)
	return b.String()
}

func writeStderrTail(b *strings.Builder, lines []string) {
	if len(lines) == 0 {
		return
	}
	b.WriteString("\nlast stderr output:")
	for _, l := range lines {
		b.WriteString("\n    ")
		b.WriteString(l)
	}
}

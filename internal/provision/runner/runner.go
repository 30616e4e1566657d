// Package runner executes the infrastructure tool as a child process and
// forwards its output line by line to a stream sink.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/e-hua/CloudWrap-sub001/internal/domain"
	"github.com/e-hua/CloudWrap-sub001/internal/stream"
)

const maxLineBytes = 1024 * 1024

// Command describes one subprocess invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; it must exist before Run is called.
	Dir string
	// Env entries are merged over the parent process environment, so
	// inherited variables like PATH are never dropped.
	Env []string
}

// ExitCodeError reports a process that started and exited non-zero.
type ExitCodeError struct {
	Name string
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
}

// SpawnError reports a process that never started (binary missing,
// permission denied), distinct from a non-zero exit.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProcessRunner runs commands on the host OS.
type ProcessRunner struct {
	log *slog.Logger
}

// New returns a host-backed ProcessRunner.
func New(log *slog.Logger) *ProcessRunner {
	return &ProcessRunner{log: log}
}

// Run executes the command, emitting every stdout line tagged "stdout" and
// every stderr line tagged "stderr" as it arrives. It returns nil only when
// the process exits 0. The runner never retries.
func (r *ProcessRunner) Run(ctx context.Context, command Command, sink stream.Sink) error {
	if command.Name == "" {
		return fmt.Errorf("command name required")
	}
	if command.Dir != "" {
		info, err := os.Stat(command.Dir)
		if err != nil {
			return fmt.Errorf("working directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("working directory %s is not a directory", command.Dir)
		}
	}

	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), command.Env...)

	// Both pipes are wired before Start so no output can be lost to a race
	// between process startup and listener attachment.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go r.forward(&wg, stdout, domain.SourceStdout, sink)
	go r.forward(&wg, stderr, domain.SourceStderr, sink)

	if err := cmd.Start(); err != nil {
		wg.Wait()
		return &SpawnError{Name: command.Name, Err: err}
	}
	r.log.Debug("process started", "command", command.Name, "args", command.Args, "dir", command.Dir)

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		// A killed child reports exit code -1, so the context is checked first
		// to surface cancellation instead of a meaningless signal exit.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s interrupted: %w", command.Name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return &ExitCodeError{Name: command.Name, Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("wait for %s: %w", command.Name, err)
	}
	return nil
}

func (r *ProcessRunner) forward(wg *sync.WaitGroup, pipe io.Reader, source domain.EventSource, sink stream.Sink) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		sink.Emit(domain.StreamEvent{Source: source, Data: scanner.Text()})
	}
	if err := scanner.Err(); err != nil {
		r.log.Warn("process output scan ended", "source", string(source), "error", err)
	}
}

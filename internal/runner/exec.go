// Package runner executes the external simulator as a subprocess.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultArgs runs the simulator quietly with its output directory set to the
// evaluation directory.
var DefaultArgs = []string{"-q", "-d", "{dir}", "{input}"}

// LogFile is the name of the captured stdout/stderr file in each run directory.
const LogFile = "runner.log"

const tailBytes = 2048

// waitDelay bounds how long output copying may outlive a killed process.
const waitDelay = time.Second

// Exec runs Binary once per evaluation. Args may contain the placeholders
// {input} and {dir}, which expand to the input file and run directory.
type Exec struct {
	Binary  string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
	Logger  *slog.Logger
}

// RunError describes a failed simulator run.
type RunError struct {
	Binary   string
	ExitCode int
	Killed   bool
	Reason   string
	Tail     string
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Binary)
	if e.Killed {
		msg += ": " + e.Reason
	} else if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	} else if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Tail != "" {
		msg += ": " + e.Tail
	}
	return msg
}

// Validate checks the binary can be located.
func (e *Exec) Validate() error {
	if e.Binary == "" {
		return errors.New("runner: binary is required")
	}
	if _, err := exec.LookPath(e.Binary); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	return nil
}

// Run executes the simulator. A nil error means the run succeeded.
func (e *Exec) Run(ctx context.Context, inputFile, dir string) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	args := e.expandArgs(inputFile, dir)
	cmd := exec.CommandContext(runCtx, e.Binary, args...)
	cmd.Dir = dir
	cmd.Env = e.environment()
	cmd.WaitDelay = waitDelay

	logFile, err := os.Create(filepath.Join(dir, LogFile))
	if err != nil {
		return fmt.Errorf("failed to create runner log: %w", err)
	}
	defer logFile.Close()

	tail := &tailWriter{max: tailBytes}
	out := io.MultiWriter(logFile, tail)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err = cmd.Run()
	logger.Debug("Simulator finished", "binary", e.Binary, "dir", dir, "duration", time.Since(start))
	if err == nil {
		return nil
	}

	runErr := &RunError{Binary: e.Binary, ExitCode: -1, Tail: strings.TrimSpace(string(tail.buf))}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		runErr.Killed = true
		runErr.Reason = fmt.Sprintf("timeout after %s", e.Timeout)
	case ctx.Err() != nil:
		runErr.Killed = true
		runErr.Reason = "cancelled"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			runErr.ExitCode = exitErr.ExitCode()
		} else {
			runErr.Reason = err.Error()
		}
	}
	return runErr
}

func (e *Exec) expandArgs(inputFile, dir string) []string {
	args := e.Args
	if args == nil {
		args = DefaultArgs
	}
	r := strings.NewReplacer("{input}", inputFile, "{dir}", dir)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

func (e *Exec) environment() []string {
	env := os.Environ()
	keys := make([]string, 0, len(e.Env))
	for k := range e.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+e.Env[k])
	}
	return env
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	buf []byte
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultLocations are the well-known install paths of the Bluebeam Revu script engine
var DefaultLocations = []string{
	`C:\Program Files\Bluebeam Software\Bluebeam Revu\Script\ScriptEngine.exe`,
	`C:\Program Files (x86)\Bluebeam Software\Bluebeam Revu\Script\ScriptEngine.exe`,
}

// ErrNotFound is returned by Locate when no engine executable exists
var ErrNotFound = errors.New("unable to find Bluebeam Revu script engine")

// maxLineSize bounds a single forwarded output line
const maxLineSize = 1 << 20

// Status describes how far an invocation got. A completed invocation says
// nothing about whether the engine did its job: its output is not interpreted.
type Status int

const (
	NotAttempted Status = iota
	LaunchFailed
	Completed
)

func (s Status) String() string {
	switch s {
	case NotAttempted:
		return "not-attempted"
	case LaunchFailed:
		return "launch-failed"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of one engine invocation
type Result struct {
	Status   Status
	ExitCode int           // recorded for logging only
	Duration time.Duration // wall time of the child process
	Err      error         // why the invocation was not attempted or failed to launch
}

// Invoker runs a script file through the document engine
type Invoker interface {
	// Invoke runs the script at scriptPath and blocks until the engine exits
	Invoke(ctx context.Context, scriptPath string) Result
}

// Engine is a located script engine executable
type Engine struct {
	path   string
	logger *slog.Logger
}

// Locate finds the engine executable. An explicit path wins when set;
// otherwise the candidates and DefaultLocations are probed in order and the
// first existing regular file is used.
func Locate(explicit string, candidates []string, logger *slog.Logger) (*Engine, error) {
	if explicit != "" {
		if !isExecutableFile(explicit) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, explicit)
		}
		return New(explicit, logger), nil
	}

	probe := make([]string, 0, len(candidates)+len(DefaultLocations))
	probe = append(probe, candidates...)
	probe = append(probe, DefaultLocations...)

	for _, path := range probe {
		if isExecutableFile(path) {
			logger.Debug("located script engine", "path", path)
			return New(path, logger), nil
		}
	}

	return nil, fmt.Errorf("%w (searched %d locations)", ErrNotFound, len(probe))
}

// New creates an Engine for the executable at path without probing it
func New(path string, logger *slog.Logger) *Engine {
	return &Engine{path: path, logger: logger}
}

// Path returns the engine executable path
func (e *Engine) Path() string {
	return e.path
}

// Invoke runs `<engine> Script("<scriptPath>")`. Standard output is logged at
// debug and standard error at error level while the engine runs; both pipes
// are drained concurrently so neither can fill up and stall the child.
//
// The context only gates the start: once launched, the engine runs to
// completion because killing it mid-merge would leave the documents half
// written.
func (e *Engine) Invoke(ctx context.Context, scriptPath string) Result {
	if err := ctx.Err(); err != nil {
		return Result{Status: NotAttempted, Err: err}
	}

	cmd := exec.Command(e.path, Argument(scriptPath))
	configureCommand(cmd, scriptPath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Status: LaunchFailed, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Status: LaunchFailed, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	e.logger.Debug("starting script engine", "engine", e.path, "script", scriptPath)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{Status: LaunchFailed, Err: fmt.Errorf("failed to start %s: %w", e.path, err)}
	}

	var g errgroup.Group
	g.Go(func() error {
		return e.forward(ctx, stdout, slog.LevelDebug, "stdout")
	})
	g.Go(func() error {
		return e.forward(ctx, stderr, slog.LevelError, "stderr")
	})
	if err := g.Wait(); err != nil {
		e.logger.Warn("reading engine output failed", "error", err)
	}

	waitErr := cmd.Wait()
	result := Result{
		Status:   Completed,
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		e.logger.Warn("waiting for script engine failed", "error", waitErr)
	}

	e.logger.Debug("script engine exited",
		"exit_code", result.ExitCode,
		"duration", result.Duration)

	return result
}

// forward logs every line of r at level. On a read error the rest of the
// stream is discarded so the child never blocks on a full pipe.
func (e *Engine) forward(ctx context.Context, r io.Reader, level slog.Level, stream string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		e.logger.Log(ctx, level, scanner.Text(), "stream", stream)
	}

	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("%s: %w", stream, err)
	}
	return nil
}

// Argument is the engine command-line argument that runs the script at path
func Argument(scriptPath string) string {
	return `Script("` + scriptPath + `")`
}

// CommandLine is the literal command line that launches the engine on the
// script at scriptPath
func CommandLine(enginePath, scriptPath string) string {
	return `"` + enginePath + `" ` + Argument(scriptPath)
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

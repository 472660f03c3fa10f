// Package merge folds an incoming document revision into its historical
// counterpart by generating an engine script and running it.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/slipsheet/internal/engine"
	"github.com/schaermu/slipsheet/internal/files"
	"github.com/schaermu/slipsheet/internal/script"
)

// Kind classifies a merge outcome
type Kind int

const (
	// Success means the engine was launched and ran to completion. The
	// engine's own verdict is not interpreted.
	Success Kind = iota
	// Skipped means a pre-flight check failed and nothing was touched
	Skipped
	// EngineError means the script could not be written or the engine could not be launched
	EngineError
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Skipped:
		return "skipped"
	case EngineError:
		return "engine-error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Skip reasons
const (
	ReasonCurrentNotWritable    = "current target not writable"
	ReasonHistoricalNotWritable = "historical target not writable"
)

// Job fully determines one engine invocation
type Job struct {
	Latest     string
	Historical string
	Current    string
	Stamp      string
}

// Outcome is the result of one merge attempt
type Outcome struct {
	Kind   Kind
	Reason string        // skip reason or engine error detail
	Err    error         // underlying cause, if any
	Engine engine.Result // zero unless the engine was invoked
}

// Merger merges a matched document into its history
type Merger interface {
	Merge(ctx context.Context, job Job) Outcome
}

// RevisionMerger is the engine-backed Merger. It is safe for concurrent use,
// but merges are serialized: every merge reuses the same script file and the
// same temporary page names.
type RevisionMerger struct {
	fs         billy.Filesystem
	invoker    engine.Invoker
	scriptPath string
	logger     *slog.Logger

	mu sync.Mutex // one merge in flight at a time
}

// NewRevisionMerger creates a merger that writes its script to scriptPath
// (resolved against the working directory) and runs it with invoker.
func NewRevisionMerger(fs billy.Filesystem, invoker engine.Invoker, scriptPath string, logger *slog.Logger) (*RevisionMerger, error) {
	if scriptPath == "" {
		scriptPath = script.DefaultFileName
	}
	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve script path %s: %w", scriptPath, err)
	}

	return &RevisionMerger{
		fs:         fs,
		invoker:    invoker,
		scriptPath: abs,
		logger:     logger,
	}, nil
}

// ScriptPath returns the absolute path of the script file
func (m *RevisionMerger) ScriptPath() string {
	return m.scriptPath
}

// Merge checks that both targets are writable, writes the merge script and
// runs the engine. A failed check skips the merge without touching either
// document.
func (m *RevisionMerger) Merge(ctx context.Context, job Job) Outcome {
	logger := m.logger.With("document", filepath.Base(job.Latest))

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := files.IsWritable(m.fs, job.Current); err != nil {
		logger.Error("unable to write to current set file, skipping merge", "path", job.Current, "error", err)
		return Outcome{Kind: Skipped, Reason: ReasonCurrentNotWritable, Err: err}
	}
	if err := files.IsWritable(m.fs, job.Historical); err != nil {
		logger.Error("unable to write to historical set file, skipping merge", "path", job.Historical, "error", err)
		return Outcome{Kind: Skipped, Reason: ReasonHistoricalNotWritable, Err: err}
	}

	s, err := script.Generate(script.Params{
		Latest:     job.Latest,
		Historical: job.Historical,
		Current:    job.Current,
		Stamp:      job.Stamp,
		Temp:       script.TempPath(job.Historical),
	})
	if err != nil {
		return Outcome{Kind: EngineError, Reason: "failed to generate script", Err: err}
	}

	if err := s.WriteFile(m.fs, m.scriptPath); err != nil {
		logger.Error("unable to complete merge", "error", err)
		return Outcome{Kind: EngineError, Reason: "failed to write script", Err: err}
	}
	logger.Debug("merge script written", "script", m.scriptPath, "commands", []string(s))

	res := m.invoker.Invoke(ctx, m.scriptPath)
	switch res.Status {
	case engine.Completed:
		logger.Info("engine run completed", "exit_code", res.ExitCode, "duration", res.Duration)
		return Outcome{Kind: Success, Engine: res}
	case engine.NotAttempted:
		return Outcome{Kind: EngineError, Reason: "engine not started", Err: res.Err, Engine: res}
	default:
		logger.Error("error while running merge", "error", res.Err)
		return Outcome{Kind: EngineError, Reason: "engine launch failed", Err: res.Err, Engine: res}
	}
}

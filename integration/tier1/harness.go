//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/slipsheet/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the slipsheet binary once per test and runs it against a
// scratch workspace
type Harness struct {
	t       *testing.T
	binary  string
	workDir string
}

// Workspace is the document tree and configuration a command runs against
type Workspace struct {
	Root       string
	New        string
	Historical string
	Current    string
	Stamp      string
	Config     string
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tier1 tests rely on the POSIX fake engine")
	}
	return &Harness{
		t:       t,
		workDir: t.TempDir(),
	}
}

// Build compiles cmd/slipsheet into the harness directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "slipsheet")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/slipsheet")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// NewWorkspace writes tree below a fresh root and a config file pointing the
// three document sets and the engine at it
func (h *Harness) NewWorkspace(enginePath string, tree map[string]string) *Workspace {
	h.t.Helper()

	root := h.t.TempDir()
	ws := &Workspace{
		Root:       root,
		New:        filepath.Join(root, "new"),
		Historical: filepath.Join(root, "historical"),
		Current:    filepath.Join(root, "current"),
		Stamp:      filepath.Join(root, "stamp.pdf"),
		Config:     filepath.Join(root, "config.yaml"),
	}

	testutil.WriteTree(h.t, root, map[string]string{"new/": "", "historical/": "", "current/": ""})
	testutil.WriteTree(h.t, root, tree)

	config := fmt.Sprintf(`sets:
  historical: %q
  current: %q
  new: %q
stamp: %q
engine:
  path: %q
  script_file: %q
watch:
  debounce: 100ms
`, ws.Historical, ws.Current, ws.New, ws.Stamp, enginePath, filepath.Join(root, "slipsheet-script.bci"))

	if err := os.WriteFile(ws.Config, []byte(config), 0644); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return ws
}

// Run executes the binary with the workspace config and returns its
// combined output and exit code
func (h *Harness) Run(ctx context.Context, ws *Workspace, args ...string) (string, int, error) {
	h.t.Helper()

	args = append(args, "--config", ws.Config)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = ws.Root
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	var out bytes.Buffer
	cmd.Stdout = io.MultiWriter(&out, &testWriter{t: h.t, prefix: "[slipsheet] "})
	cmd.Stderr = cmd.Stdout

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return out.String(), -1, fmt.Errorf("run %v: %w", args, err)
	}
	return out.String(), 0, nil
}

// Start launches a long-running command such as watch. The returned stop
// function interrupts it and returns its exit code.
func (h *Harness) Start(ctx context.Context, ws *Workspace, args ...string) (func() (int, error), error) {
	h.t.Helper()

	args = append(args, "--config", ws.Config)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = ws.Root
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	cmd.Stdout = &testWriter{t: h.t, prefix: "[slipsheet] "}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %v: %w", args, err)
	}

	stop := func() (int, error) {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			return -1, fmt.Errorf("interrupt: %w", err)
		}
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		if err != nil {
			return -1, err
		}
		return 0, nil
	}
	return stop, nil
}

// WaitForFile polls until path exists or the timeout expires
func (h *Harness) WaitForFile(path string, timeout time.Duration) error {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", path)
}

// testWriter writes output to test log
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// readFile returns the content of path or an empty string
func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\n")
}

package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/slipsheet/internal/engine"
	"github.com/schaermu/slipsheet/internal/sync"
	"github.com/schaermu/slipsheet/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// resetGlobals restores every flag variable after the test
func resetGlobals(t *testing.T) {
	t.Helper()
	savedCfgFile, savedLogLevel, savedLogFormat := cfgFile, logLevel, logFormat
	savedNew, savedHistorical, savedCurrent, savedStamp := newDir, historicalDir, currentDir, stampPath
	savedDryRun, savedCopyOnly, savedOutput := dryRun, copyOnly, scriptOutput
	savedNoColor := color.NoColor

	t.Cleanup(func() {
		cfgFile, logLevel, logFormat = savedCfgFile, savedLogLevel, savedLogFormat
		newDir, historicalDir, currentDir, stampPath = savedNew, savedHistorical, savedCurrent, savedStamp
		dryRun, copyOnly, scriptOutput = savedDryRun, savedCopyOnly, savedOutput
		color.NoColor = savedNoColor
	})

	logLevel = "error"
	logFormat = "text"
	newDir, historicalDir, currentDir, stampPath = "", "", "", ""
	dryRun, copyOnly = false, false
	scriptOutput = ""
	color.NoColor = true
}

// setupWorkspace writes a document tree and a config file pointing at it
func setupWorkspace(t *testing.T, enginePath string, tree map[string]string) string {
	t.Helper()
	root := t.TempDir()
	testutil.WriteTree(t, root, tree)

	content := "sets:\n" +
		"  historical: \"" + filepath.Join(root, "historical") + "\"\n" +
		"  current: \"" + filepath.Join(root, "current") + "\"\n" +
		"  new: \"" + filepath.Join(root, "new") + "\"\n" +
		"stamp: \"" + filepath.Join(root, "stamp.pdf") + "\"\n" +
		"engine:\n" +
		"  path: \"" + enginePath + "\"\n" +
		"  script_file: \"" + filepath.Join(root, "work.bci") + "\"\n"
	cfgFile = filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0o600))
	return root
}

// execute runs a command's RunE with captured output
func execute(t *testing.T, cmd *cobra.Command, run func(*cobra.Command, []string) error, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	t.Cleanup(func() { cmd.SetOut(nil) })
	err := run(cmd, args)
	return out.String(), err
}

func TestSetupLogger(t *testing.T) {
	resetGlobals(t)

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			require.NotNil(t, logger)
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	resetGlobals(t)
	root := setupWorkspace(t, "", nil)

	cfg, err := loadConfig(testLogger())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "new"), cfg.Sets.New)
	assert.Equal(t, filepath.Join(root, "stamp.pdf"), cfg.Stamp)
	assert.True(t, cfg.IsRecursive())
}

func TestLoadConfig_MissingFileUsesHome(t *testing.T) {
	resetGlobals(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := loadConfig(testLogger())
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Sets.New)
	assert.Equal(t, home, cfg.Sets.Historical)
	assert.Equal(t, home, cfg.Sets.Current)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	resetGlobals(t)
	cfgFile = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("sets: ["), 0o600))

	_, err := loadConfig(testLogger())
	require.Error(t, err)
}

func TestLoadConfig_Overrides(t *testing.T) {
	resetGlobals(t)
	setupWorkspace(t, "", nil)

	override := t.TempDir()
	newDir = override
	stampPath = filepath.Join(override, "other-stamp.pdf")

	cfg, err := loadConfig(testLogger())
	require.NoError(t, err)
	assert.Equal(t, override, cfg.Sets.New)
	assert.Equal(t, filepath.Join(override, "other-stamp.pdf"), cfg.Stamp)
}

func TestLoadConfig_RelativeOverrideIsResolved(t *testing.T) {
	resetGlobals(t)
	setupWorkspace(t, "", nil)
	newDir = "incoming"

	cfg, err := loadConfig(testLogger())
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "incoming"), cfg.Sets.New)
}

func TestRunSync_WithEngine(t *testing.T) {
	resetGlobals(t)
	fake := testutil.NewFakeEngine(t, testutil.FakeEngineOptions{Apply: true})
	root := setupWorkspace(t, fake.Path, map[string]string{
		"new/a.pdf":        "A",
		"new/b.pdf":        "B",
		"new/sub/c.pdf":    "C",
		"historical/b.pdf": "history\n",
		"current/b.pdf":    "current\n",
		"stamp.pdf":        "stamp",
	})

	out, err := execute(t, syncCmd, runSync)
	require.NoError(t, err)

	assert.Contains(t, out, "4 copied, 1 merged, 0 skipped, 0 failed, 2 directories created")
	assert.Equal(t, "A", testutil.ReadFile(t, filepath.Join(root, "historical", "a.pdf")))
	assert.Equal(t, "C", testutil.ReadFile(t, filepath.Join(root, "current", "sub", "c.pdf")))
	assert.Equal(t, "history\nrevision\n", testutil.ReadFile(t, filepath.Join(root, "current", "b.pdf")))
	assert.Len(t, fake.Invocations(t), 1)
}

func TestRunSync_EngineNotFound(t *testing.T) {
	resetGlobals(t)
	setupWorkspace(t, "/nonexistent/ScriptEngine.exe", map[string]string{"new/": "", "historical/": "", "current/": ""})

	_, err := execute(t, syncCmd, runSync)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrNotFound))
	assert.Contains(t, err.Error(), "--copy-only")
}

func TestRunSync_MissingStamp(t *testing.T) {
	resetGlobals(t)
	fake := testutil.NewFakeEngine(t, testutil.FakeEngineOptions{})
	setupWorkspace(t, fake.Path, map[string]string{"new/": "", "historical/": "", "current/": ""})

	_, err := execute(t, syncCmd, runSync)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stamp document")
}

func TestRunSync_CopyOnly(t *testing.T) {
	resetGlobals(t)
	root := setupWorkspace(t, "/nonexistent/ScriptEngine.exe", map[string]string{
		"new/a.pdf":        "A",
		"new/b.pdf":        "B",
		"historical/b.pdf": "history",
		"current/":         "",
	})
	copyOnly = true

	out, err := execute(t, syncCmd, runSync)
	require.NoError(t, err)

	assert.Contains(t, out, "2 copied, 0 merged, 1 skipped")
	assert.Contains(t, out, "skipped merge "+filepath.Join(root, "new", "b.pdf")+": "+sync.ReasonNoEngine)
	assert.Equal(t, "history", testutil.ReadFile(t, filepath.Join(root, "historical", "b.pdf")))
}

func TestRunSync_DryRun(t *testing.T) {
	resetGlobals(t)
	root := setupWorkspace(t, "", map[string]string{
		"new/a.pdf":   "A",
		"historical/": "",
		"current/":    "",
	})
	dryRun = true

	out, err := execute(t, syncCmd, runSync)
	require.NoError(t, err)
	assert.Contains(t, out, "0 copied")

	_, err = os.Stat(filepath.Join(root, "historical", "a.pdf"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunSync_FailuresExitNonZero(t *testing.T) {
	resetGlobals(t)
	root := setupWorkspace(t, "", map[string]string{
		"new/sub/c.pdf":  "C",
		"historical/sub": "a file where a directory belongs",
		"current/":       "",
	})
	copyOnly = true

	out, err := execute(t, syncCmd, runSync)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 operations failed")
	assert.Contains(t, out, "failed mkdir")
	assert.Contains(t, out, "failed copy")
	assert.Equal(t, "C", testutil.ReadFile(t, filepath.Join(root, "current", "sub", "c.pdf")))
}

func TestRunSync_MissingRoot(t *testing.T) {
	resetGlobals(t)
	setupWorkspace(t, "", map[string]string{"new/": ""})
	copyOnly = true

	_, err := execute(t, syncCmd, runSync)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "historical")
}

func TestRunScript(t *testing.T) {
	resetGlobals(t)
	root := setupWorkspace(t, "", nil)

	out, err := execute(t, scriptCmd, runScript, "sub/b.pdf")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 12)
	assert.Equal(t, `Open("`+filepath.Join(root, "historical", "sub", "b.pdf")+`")`, lines[0])
	assert.Equal(t, `PageExtract("1","`+filepath.Join(root, "historical", "sub")+`temp.pdf")`, lines[2])
	assert.Equal(t, `Close()`, lines[11])
}

func TestRunScript_Output(t *testing.T) {
	resetGlobals(t)
	setupWorkspace(t, "", nil)
	scriptOutput = filepath.Join(t.TempDir(), "out.bci")

	out, err := execute(t, scriptCmd, runScript, "b.pdf")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Len(t, strings.Split(strings.TrimSpace(testutil.ReadFile(t, scriptOutput)), "\n"), 12)
}

func TestRunLocate(t *testing.T) {
	resetGlobals(t)
	fake := testutil.NewFakeEngine(t, testutil.FakeEngineOptions{})
	setupWorkspace(t, fake.Path, nil)

	out, err := execute(t, locateCmd, runLocate)
	require.NoError(t, err)
	assert.Equal(t, fake.Path+"\n", out)
}

func TestRunConfigSetAndShow(t *testing.T) {
	resetGlobals(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	cfgFile = filepath.Join(t.TempDir(), "nested", "config.yaml")

	out, err := execute(t, configShowCmd, runConfigShow)
	require.NoError(t, err)
	assert.Contains(t, out, "not found, showing defaults")

	_, err = execute(t, configSetCmd, runConfigSet, "sets.historical", "/srv/historical")
	require.NoError(t, err)
	_, err = execute(t, configSetCmd, runConfigSet, "watch.debounce", "5s")
	require.NoError(t, err)

	out, err = execute(t, configShowCmd, runConfigShow)
	require.NoError(t, err)
	assert.NotContains(t, out, "not found")
	assert.Contains(t, out, "historical: /srv/historical")
	assert.Contains(t, out, "debounce: 5s")
	assert.Contains(t, out, "new: "+home)
}

func TestRunConfigSet_InvalidKey(t *testing.T) {
	resetGlobals(t)
	t.Setenv("HOME", t.TempDir())
	cfgFile = filepath.Join(t.TempDir(), "config.yaml")

	_, err := execute(t, configSetCmd, runConfigSet, "repo.url", "x")
	require.Error(t, err)

	_, statErr := os.Stat(cfgFile)
	assert.True(t, os.IsNotExist(statErr), "nothing is saved for an invalid key")
}

func TestPrintSummary(t *testing.T) {
	resetGlobals(t)
	started := time.Now()
	report := &sync.Report{
		Started:  started,
		Finished: started.Add(1500 * time.Millisecond),
		Copied:   1200,
		Merged:   3,
		Skipped:  1,
		Failed:   1,
		Records: []sync.Record{
			{Action: sync.ActionCopy, Source: "/new/a.pdf", Dest: "/historical", Result: sync.ResultDone},
			{Action: sync.ActionMerge, Source: "/new/b.pdf", Result: sync.ResultSkipped, Detail: "current target not writable"},
			{Action: sync.ActionMkdir, Dest: "/current/sub", Result: sync.ResultFailed, Detail: "mirror directory /current/sub: denied"},
		},
	}

	var out bytes.Buffer
	printSummary(&out, report)

	assert.Equal(t, "1,200 copied, 3 merged, 1 skipped, 1 failed, 0 directories created in 1.5s\n"+
		"  skipped merge /new/b.pdf: current target not writable\n"+
		"  failed mkdir /current/sub: mirror directory /current/sub: denied\n", out.String())
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	require.NotNil(t, ctx)

	cancel()

	<-ctx.Done()
	assert.Error(t, ctx.Err())
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

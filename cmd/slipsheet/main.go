package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/schaermu/slipsheet/internal/config"
	"github.com/schaermu/slipsheet/internal/document"
	"github.com/schaermu/slipsheet/internal/engine"
	"github.com/schaermu/slipsheet/internal/files"
	"github.com/schaermu/slipsheet/internal/merge"
	"github.com/schaermu/slipsheet/internal/script"
	"github.com/schaermu/slipsheet/internal/sync"
	"github.com/schaermu/slipsheet/internal/watch"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Document set overrides
	newDir        string
	historicalDir string
	currentDir    string
	stampPath     string

	dryRun       bool
	copyOnly     bool
	scriptOutput string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "slipsheet",
	Short: "Synchronize document sets and merge incoming revisions",
	Long: `slipsheet keeps three document trees in step: a new set of incoming
documents, a historical set that accumulates every revision, and a current set
holding the latest visible copies.

Documents without a historical counterpart are copied into both sets. Matched
documents are merged by the document script engine: the new revision replaces
page one of the historical document, is stamped, and page one is extracted
into the current set.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time synchronization pass",
	Long: `Sync walks the new document set, copies unmatched documents into the
historical and current sets and merges matched ones through the script engine.

Subdirectories are mirrored into both target sets unless sync.recursive is
disabled. The command exits non-zero when any copy or merge failed.`,
	RunE: runSync,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the new document set and synchronize on changes",
	Long: `Watch performs an initial synchronization pass and then reruns it
whenever documents are added to the new set. Bursts of changes are debounced
(watch.debounce) and passes never overlap.`,
	RunE: runWatch,
}

var scriptCmd = &cobra.Command{
	Use:   "script <document>",
	Short: "Print the merge script for a document",
	Long: `Script renders the engine script that sync would run to merge the given
document, relative to the configured document sets. Nothing is executed.`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Print the path of the script engine",
	RunE:  runLocate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change persisted settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Update a setting and save the configuration file",
	Long: fmt.Sprintf(`Set updates a single setting and writes the configuration file, creating
it when missing.

Valid keys: %v`, config.Keys),
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("slipsheet %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/slipsheet/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{syncCmd, watchCmd, scriptCmd} {
		cmd.Flags().StringVar(&newDir, "new", "", "new document set (overrides sets.new)")
		cmd.Flags().StringVar(&historicalDir, "historical", "", "historical document set (overrides sets.historical)")
		cmd.Flags().StringVar(&currentDir, "current", "", "current document set (overrides sets.current)")
		cmd.Flags().StringVar(&stampPath, "stamp", "", "stamp document (overrides stamp)")
	}
	for _, cmd := range []*cobra.Command{syncCmd, watchCmd} {
		cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
		cmd.Flags().BoolVar(&copyOnly, "copy-only", false, "copy unmatched documents and skip merges (no script engine needed)")
	}
	scriptCmd.Flags().StringVarP(&scriptOutput, "output", "o", "", "write the script to this file instead of stdout")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	syncer, err := newSyncEngine(cfg, logger)
	if err != nil {
		return err
	}

	report, err := syncer.Run(ctx, sets(cfg), cfg.IsRecursive())
	if report != nil {
		printSummary(cmd.OutOrStdout(), report)
	}
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	if err := report.Err(); err != nil {
		return fmt.Errorf("%d operations failed", report.Failed)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	syncer, err := newSyncEngine(cfg, logger)
	if err != nil {
		return err
	}

	runner := watch.RunnerFunc(func(ctx context.Context) error {
		report, err := syncer.Run(ctx, sets(cfg), cfg.IsRecursive())
		if report != nil {
			printSummary(cmd.OutOrStdout(), report)
		}
		if err != nil {
			return err
		}
		return report.Err()
	})

	w := watch.New(cfg.Sets.New, cfg.IsRecursive(), document.NewFilter(cfg.Sync.Extensions), runner, cfg.Watch.Debounce, logger)
	return w.Start(ctx)
}

func runScript(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	doc := filepath.FromSlash(args[0])
	historical := filepath.Join(cfg.Sets.Historical, doc)
	s, err := script.Generate(script.Params{
		Latest:     filepath.Join(cfg.Sets.New, doc),
		Historical: historical,
		Current:    filepath.Join(cfg.Sets.Current, doc),
		Stamp:      cfg.Stamp,
		Temp:       script.TempPath(historical),
	})
	if err != nil {
		return err
	}

	if scriptOutput == "" {
		_, err := fmt.Fprint(cmd.OutOrStdout(), s.String())
		return err
	}

	if err := s.WriteFile(files.NewNativeFS(), scriptOutput); err != nil {
		return err
	}
	logger.Info("script written", "path", scriptOutput, "commands", len(s))
	return nil
}

func runLocate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	eng, err := engine.Locate(cfg.Engine.Path, cfg.Engine.Candidates, logger)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), eng.Path())
	return err
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}

	cfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	out := cmd.OutOrStdout()
	if found {
		_, _ = fmt.Fprintf(out, "# %s\n", path)
	} else {
		_, _ = fmt.Fprintf(out, "# %s (not found, showing defaults)\n", path)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}

	cfg, _, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Set(args[0], args[1]); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (saved to %s)\n", args[0], args[1], path)
	return err
}

// newSyncEngine wires the filesystem, the document filter and, unless
// running copy-only or dry, the engine-backed merger.
func newSyncEngine(cfg *config.Config, logger *slog.Logger) (*sync.Engine, error) {
	fs := files.NewNativeFS()
	filter := document.NewFilter(cfg.Sync.Extensions)
	opts := sync.Options{
		Stamp:    cfg.Stamp,
		MaxDepth: cfg.Sync.MaxDepth,
		DryRun:   dryRun,
	}

	if copyOnly || dryRun {
		return sync.NewEngine(fs, filter, nil, opts, logger), nil
	}

	eng, err := engine.Locate(cfg.Engine.Path, cfg.Engine.Candidates, logger)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil, fmt.Errorf("%w (use --copy-only to synchronize without merging)", err)
		}
		return nil, err
	}

	info, err := os.Stat(cfg.Stamp)
	if err != nil {
		return nil, fmt.Errorf("stamp document: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("stamp document %s is a directory", cfg.Stamp)
	}

	merger, err := merge.NewRevisionMerger(fs, eng, cfg.Engine.ScriptFile, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("merger ready", "engine", eng.Path(), "script", merger.ScriptPath())

	return sync.NewEngine(fs, filter, merger, opts, logger), nil
}

func sets(cfg *config.Config) sync.Triple {
	return sync.Triple{
		New:        cfg.Sets.New,
		Historical: cfg.Sets.Historical,
		Current:    cfg.Sets.Current,
	}
}

func printSummary(w io.Writer, report *sync.Report) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	_, _ = fmt.Fprintf(w, "%s copied, %s merged, %s skipped, %s failed, %s directories created in %s\n",
		green(humanize.Comma(int64(report.Copied))),
		green(humanize.Comma(int64(report.Merged))),
		yellow(humanize.Comma(int64(report.Skipped))),
		red(humanize.Comma(int64(report.Failed))),
		humanize.Comma(int64(report.DirsCreated)),
		report.Duration().Round(time.Millisecond))

	for _, rec := range report.Records {
		switch rec.Result {
		case sync.ResultSkipped:
			_, _ = fmt.Fprintf(w, "  %s %s %s: %s\n", yellow("skipped"), rec.Action, rec.Source, rec.Detail)
		case sync.ResultFailed:
			_, _ = fmt.Fprintf(w, "  %s %s %s: %s\n", red("failed"), rec.Action, recordPath(rec), rec.Detail)
		}
	}
}

func recordPath(rec sync.Record) string {
	if rec.Source != "" {
		return rec.Source
	}
	return rec.Dest
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultPath()
}

// loadConfig reads the configuration (falling back to defaults when the file
// is missing) and applies the document set flags on top.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	logger.Debug("loading configuration", "path", path)

	cfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Info("configuration file not found, using defaults", "path", path)
	}

	if err := applyOverrides(cfg); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"new", cfg.Sets.New,
		"historical", cfg.Sets.Historical,
		"current", cfg.Sets.Current,
		"stamp", cfg.Stamp,
		"recursive", cfg.IsRecursive())

	return cfg, nil
}

// applyOverrides replaces configured paths with the ones given on the command line
func applyOverrides(cfg *config.Config) error {
	overrides := []struct {
		flag   string
		target *string
	}{
		{newDir, &cfg.Sets.New},
		{historicalDir, &cfg.Sets.Historical},
		{currentDir, &cfg.Sets.Current},
		{stampPath, &cfg.Stamp},
	}
	for _, o := range overrides {
		if o.flag == "" {
			continue
		}
		abs, err := filepath.Abs(o.flag)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", o.flag, err)
		}
		*o.target = abs
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

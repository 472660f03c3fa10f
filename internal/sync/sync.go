package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/schaermu/slipsheet/internal/document"
	"github.com/schaermu/slipsheet/internal/files"
	"github.com/schaermu/slipsheet/internal/merge"
)

// DefaultMaxDepth bounds recursion into the new document tree
const DefaultMaxDepth = 64

// ErrOverlappingSets is returned by Run when two document sets share a directory
var ErrOverlappingSets = errors.New("document sets overlap")

// ReasonNoEngine is the skip reason for matched documents in a copy-only pass
const ReasonNoEngine = "no document engine available"

// Options configures a sync engine
type Options struct {
	Stamp    string // stamp document applied by every merge
	MaxDepth int    // recursion bound below the new root; 0 means DefaultMaxDepth
	DryRun   bool   // log what would be done without changing anything
}

// Engine orchestrates the synchronization of the three document trees
type Engine struct {
	fs     billy.Filesystem
	filter *document.Filter
	copier *files.Copier
	merger merge.Merger
	opts   Options
	logger *slog.Logger
}

// NewEngine creates a new sync engine. A nil merger runs the engine in
// copy-only mode: matched documents are reported as skipped.
func NewEngine(fs billy.Filesystem, filter *document.Filter, merger merge.Merger, opts Options, logger *slog.Logger) *Engine {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Engine{
		fs:     fs,
		filter: filter,
		copier: files.NewCopier(fs),
		merger: merger,
		opts:   opts,
		logger: logger,
	}
}

// Run executes a complete synchronization pass starting at the three roots.
// Missing roots are fatal; everything below them is handled per file and
// reported in the returned Report.
func (e *Engine) Run(ctx context.Context, roots Triple, recursive bool) (*Report, error) {
	abs, err := absTriple(roots)
	if err != nil {
		return nil, err
	}
	if err := checkOverlap(abs); err != nil {
		return nil, err
	}
	for _, dir := range []string{abs.New, abs.Historical, abs.Current} {
		if err := e.checkDir(dir); err != nil {
			return nil, err
		}
	}

	report := e.Synchronize(ctx, abs, recursive)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("sync interrupted: %w", err)
	}
	return report, nil
}

// Synchronize reconciles one level of the trees and, when recursive, every
// subdirectory below the new root. It never fails as a whole: unreadable
// listings count as empty and per-file failures end up in the report.
func (e *Engine) Synchronize(ctx context.Context, t Triple, recursive bool) *Report {
	report := &Report{
		RunID:   uuid.NewString(),
		Started: time.Now(),
	}
	p := &pass{
		Engine: e,
		ctx:    ctx,
		logger: e.logger.With("run_id", report.RunID),
		report: report,
	}

	p.logger.Info("starting sync",
		"new", t.New,
		"historical", t.Historical,
		"current", t.Current,
		"recursive", recursive,
		"dry_run", e.opts.DryRun)

	p.syncDir(t, recursive, 0)

	report.Finished = time.Now()
	p.logger.Info("sync finished",
		"copied", report.Copied,
		"merged", report.Merged,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"dirs_created", report.DirsCreated,
		"duration", report.Duration())

	return report
}

// pass carries the state of one Synchronize call
type pass struct {
	*Engine
	ctx    context.Context
	logger *slog.Logger
	report *Report

	// blocked holds mirror directories that could not be created
	blocked []string
}

// syncDir handles the documents of one level, then mirrors and descends into
// its subdirectories. Entries are processed in listing order.
func (p *pass) syncDir(t Triple, recursive bool, depth int) {
	newDocs := p.filter.Documents(p.fs, t.New)
	history := document.IndexByName(p.filter.Documents(p.fs, t.Historical))

	for _, doc := range newDocs {
		if p.ctx.Err() != nil {
			return
		}

		p.logger.Info("processing new file", "file", doc.Path())
		if _, ok := history[doc.Name()]; ok {
			p.logger.Info("found a match in historical documents", "file", doc.Name())
			p.mergeDocument(merge.Job{
				Latest:     doc.Path(),
				Historical: filepath.Join(t.Historical, doc.Name()),
				Current:    filepath.Join(t.Current, doc.Name()),
				Stamp:      p.opts.Stamp,
			})
			continue
		}

		p.logger.Info("no match found, adding new document to historical and current set", "file", doc.Name())
		p.copyDocument(doc.Path(), t.Historical)
		p.copyDocument(doc.Path(), t.Current)
	}

	if !recursive {
		return
	}

	for _, sub := range p.filter.Subdirectories(p.fs, t.New) {
		if p.ctx.Err() != nil {
			return
		}

		child := Triple{
			New:        sub.Path(),
			Historical: filepath.Join(t.Historical, sub.Name()),
			Current:    filepath.Join(t.Current, sub.Name()),
		}

		if depth+1 > p.opts.MaxDepth {
			err := fmt.Errorf("max depth %d exceeded at %s", p.opts.MaxDepth, child.New)
			p.logger.Warn("skipping subtree", "dir", child.New, "error", err)
			p.report.fail(Record{Action: ActionMkdir, Source: child.New}, err)
			continue
		}

		// Each mirror is created independently; the subtree is still walked
		// when only one side is available.
		historicalOK := p.ensureDir(child.Historical)
		currentOK := p.ensureDir(child.Current)
		if !historicalOK && !currentOK {
			continue
		}

		p.syncDir(child, true, depth+1)
	}
}

// mergeDocument runs the merger for a matched document
func (p *pass) mergeDocument(job merge.Job) {
	rec := Record{Action: ActionMerge, Source: job.Latest, Dest: job.Historical}

	if p.opts.DryRun {
		p.logger.Info("[dry-run] would merge", "latest", job.Latest, "historical", job.Historical, "current", job.Current)
		rec.Result = ResultDryRun
		p.report.record(rec)
		return
	}

	if p.merger == nil {
		p.logger.Warn("skipping merge", "file", job.Latest, "reason", ReasonNoEngine)
		rec.Result = ResultSkipped
		rec.Detail = ReasonNoEngine
		p.report.Skipped++
		p.report.record(rec)
		return
	}

	out := p.merger.Merge(p.ctx, job)
	switch out.Kind {
	case merge.Success:
		rec.Result = ResultDone
		p.report.Merged++
		p.report.record(rec)
	case merge.Skipped:
		rec.Result = ResultSkipped
		rec.Detail = out.Reason
		p.report.Skipped++
		p.report.record(rec)
	default:
		err := fmt.Errorf("merge %s: %s", job.Latest, out.Reason)
		if out.Err != nil {
			err = fmt.Errorf("merge %s: %s: %w", job.Latest, out.Reason, out.Err)
		}
		p.report.fail(rec, err)
	}
}

// copyDocument copies an unmatched document into destDir. A failure is
// recorded and does not stop the pass.
func (p *pass) copyDocument(src, destDir string) {
	rec := Record{Action: ActionCopy, Source: src, Dest: destDir}

	if p.opts.DryRun {
		p.logger.Info("[dry-run] would copy", "source", src, "dest", destDir)
		rec.Result = ResultDryRun
		p.report.record(rec)
		return
	}

	if dir, ok := p.blockedBy(destDir); ok {
		err := fmt.Errorf("copy %s: mirror directory %s unavailable", src, dir)
		p.logger.Error("copy failed", "source", src, "dest", destDir, "error", err)
		p.report.fail(rec, err)
		return
	}

	n, err := p.copier.CopyInto(src, destDir)
	if err != nil {
		p.logger.Error("copy failed", "source", src, "dest", destDir, "error", err)
		p.report.fail(rec, err)
		return
	}

	p.logger.Debug("copied document", "source", src, "dest", destDir, "size", humanize.Bytes(uint64(n)))
	rec.Result = ResultDone
	p.report.Copied++
	p.report.record(rec)
}

// ensureDir creates a mirrored directory when it does not exist yet. It
// returns false when the directory is unavailable for this pass.
func (p *pass) ensureDir(dir string) bool {
	// Already reported at the blocked ancestor
	if _, ok := p.blockedBy(dir); ok {
		return false
	}

	info, err := p.fs.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		return true
	case err == nil:
		p.block(dir, fmt.Errorf("mirror directory %s: not a directory", dir))
		return false
	case !errors.Is(err, os.ErrNotExist):
		p.block(dir, fmt.Errorf("mirror directory %s: %w", dir, err))
		return false
	}

	if p.opts.DryRun {
		p.logger.Info("[dry-run] would create directory", "dir", dir)
		p.report.record(Record{Action: ActionMkdir, Dest: dir, Result: ResultDryRun})
		return true
	}

	if err := p.fs.MkdirAll(dir, 0755); err != nil {
		p.block(dir, fmt.Errorf("mirror directory %s: %w", dir, err))
		return false
	}

	p.logger.Debug("created directory", "dir", dir)
	p.report.DirsCreated++
	p.report.record(Record{Action: ActionMkdir, Dest: dir, Result: ResultDone})
	return true
}

// block records a mirror directory that could not be created. Work below it
// fails per file while the other side of the mirror carries on.
func (p *pass) block(dir string, err error) {
	p.logger.Error("mirror directory unavailable", "dir", dir, "error", err)
	p.report.fail(Record{Action: ActionMkdir, Dest: dir}, err)
	p.blocked = append(p.blocked, dir)
}

// blockedBy returns the blocked mirror directory containing path, if any
func (p *pass) blockedBy(path string) (string, bool) {
	return lo.Find(p.blocked, func(dir string) bool {
		return within(path, dir)
	})
}

// checkDir verifies that a root directory exists
func (e *Engine) checkDir(dir string) error {
	info, err := e.fs.Stat(dir)
	if err != nil {
		return fmt.Errorf("document set %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("document set %s: not a directory", dir)
	}
	return nil
}

// checkOverlap rejects document sets that are the same directory or nested
// inside one another. Such a layout would merge documents into themselves.
func checkOverlap(t Triple) error {
	sets := []struct{ name, dir string }{
		{"new", t.New},
		{"historical", t.Historical},
		{"current", t.Current},
	}
	for i, a := range sets {
		for _, b := range sets[i+1:] {
			if within(a.dir, b.dir) || within(b.dir, a.dir) {
				return fmt.Errorf("%w: %s set %s and %s set %s", ErrOverlappingSets, a.name, a.dir, b.name, b.dir)
			}
		}
	}
	return nil
}

// within reports whether path is dir or below it
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func absTriple(t Triple) (Triple, error) {
	var err error
	out := Triple{}
	if out.New, err = filepath.Abs(t.New); err != nil {
		return Triple{}, fmt.Errorf("failed to resolve %s: %w", t.New, err)
	}
	if out.Historical, err = filepath.Abs(t.Historical); err != nil {
		return Triple{}, fmt.Errorf("failed to resolve %s: %w", t.Historical, err)
	}
	if out.Current, err = filepath.Abs(t.Current); err != nil {
		return Triple{}, fmt.Errorf("failed to resolve %s: %w", t.Current, err)
	}
	return out, nil
}

package sync

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
)

// Triple is a level of the three mirrored document trees
type Triple struct {
	New        string // incoming documents
	Historical string // merged document history
	Current    string // latest visible copies
}

// Action is what a pass did for one path
type Action string

const (
	ActionCopy  Action = "copy"
	ActionMerge Action = "merge"
	ActionMkdir Action = "mkdir"
)

// Result is how an action ended
type Result string

const (
	ResultDone    Result = "done"
	ResultSkipped Result = "skipped"
	ResultFailed  Result = "failed"
	ResultDryRun  Result = "dry-run"
)

// Record describes one action of a pass
type Record struct {
	Action Action
	Source string // incoming document, empty for mkdir
	Dest   string // destination directory, historical target or created directory
	Result Result
	Detail string // skip reason or failure message
}

// Report summarizes one synchronization pass
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	Copied      int // copy operations, two per unmatched document
	Merged      int // engine runs that completed
	Skipped     int // merges skipped by a pre-flight check
	Failed      int // failed copies, merges and directory creations
	DirsCreated int

	Records []Record

	errs *multierror.Error
}

// Err returns the per-file failures of the pass, or nil
func (r *Report) Err() error {
	return r.errs.ErrorOrNil()
}

// Duration returns how long the pass took
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

func (r *Report) record(rec Record) {
	r.Records = append(r.Records, rec)
}

func (r *Report) fail(rec Record, err error) {
	rec.Result = ResultFailed
	rec.Detail = err.Error()
	r.Failed++
	r.record(rec)
	r.errs = multierror.Append(r.errs, err)
}

// Filter returns the records of the given action
func (r *Report) Filter(action Action) []Record {
	return lo.Filter(r.Records, func(rec Record, _ int) bool {
		return rec.Action == action
	})
}

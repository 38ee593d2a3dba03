package reconcile

import (
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hashicorp/go-multierror"

	"github.com/temirov/premerge/internal/state"
	"github.com/temirov/premerge/internal/synthesis"
)

// BranchState is the reconciler's view of one topic branch.
type BranchState string

// Branch states. StateMerging is the only state in which a job is in flight.
const (
	StateUnknown    BranchState = "unknown"
	StateStale      BranchState = "stale"
	StateMerging    BranchState = "merging"
	StateClean      BranchState = "clean"
	StateConflicted BranchState = "conflicted"
	StateError      BranchState = "error"
)

func stateForStatus(status state.Status) BranchState {
	switch status {
	case state.StatusClean:
		return StateClean
	case state.StatusConflicted:
		return StateConflicted
	default:
		return StateError
	}
}

// Outcome reports the state of one branch in one cycle. Unchanged marks a branch
// whose inputs matched the stored record or that had nothing to do this cycle;
// Removed marks a completed removal.
type Outcome struct {
	TopicReference string
	Status         state.Status
	MergeCommit    plumbing.Hash
	Conflicts      []synthesis.Conflict
	Err            error
	Unchanged      bool
	Removed        bool
}

// OutcomeHandler receives every outcome as soon as its job completes, and the
// outcome of every settled branch at the end of the cycle.
type OutcomeHandler func(Outcome)

// CycleSummary collects the outcomes of one Reconcile call.
type CycleSummary struct {
	CycleID  string
	Outcomes []Outcome
}

// Count returns the number of non-removal outcomes with the given status.
func (summary CycleSummary) Count(status state.Status) int {
	count := 0
	for _, outcome := range summary.Outcomes {
		if !outcome.Removed && outcome.Status == status {
			count++
		}
	}
	return count
}

// Failures aggregates the per-branch errors of the cycle, nil when there were none.
func (summary CycleSummary) Failures() error {
	var failures *multierror.Error
	for _, outcome := range summary.Outcomes {
		if outcome.Err != nil {
			failures = multierror.Append(failures, outcome.Err)
		}
	}
	return failures.ErrorOrNil()
}

package daemon

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/samber/lo"

	"github.com/temirov/premerge/internal/reconcile"
	"github.com/temirov/premerge/internal/state"
	"github.com/temirov/premerge/internal/synthesis"
)

const (
	outcomeCleanTemplateConstant         = "CLEAN: %s -> %s"
	outcomeUnchangedTemplateConstant     = "UNCHANGED: %s"
	outcomeConflictTemplateConstant      = "CONFLICTED: %s (%s)"
	outcomeErrorTemplateConstant         = "ERROR: %s: %v"
	outcomeRemovedTemplateConstant       = "REMOVED: %s"
	cycleSummaryTemplateConstant         = "CYCLE %s: %d clean, %d conflicted, %d failed"
	recordTemplateConstant               = "%s\t%s\ttopic=%s\ttarget=%s\tmerge=%s\tupdated=%s"
	recordErrorSuffixTemplateConstant    = "\terror=%s"
	recordConflictSuffixTemplateConstant = "\tconflicts=%s"
	noRecordsMessageConstant             = "no merge records"
	resultKindTemplateConstant           = "RESULT: %s"
	resultMergeTemplateConstant          = "MERGE: %s"
	resultTreeTemplateConstant           = "TREE: %s"
	resultBaseTemplateConstant           = "BASE: %s"
	resultConflictTemplateConstant       = "CONFLICT: %s (%s)"
	conflictTemplateConstant             = "%s:%s"
	conflictSeparatorConstant            = ", "
	zeroHashDisplayConstant              = "-"
	shortHashLengthConstant              = 12
)

// FormatOutcome renders one reconciliation outcome as a single line.
func FormatOutcome(outcome reconcile.Outcome) string {
	switch {
	case outcome.Removed:
		return fmt.Sprintf(outcomeRemovedTemplateConstant, outcome.TopicReference)
	case outcome.Unchanged:
		return fmt.Sprintf(outcomeUnchangedTemplateConstant, outcome.TopicReference)
	case outcome.Err != nil:
		return fmt.Sprintf(outcomeErrorTemplateConstant, outcome.TopicReference, outcome.Err)
	case outcome.Status == state.StatusConflicted:
		return fmt.Sprintf(outcomeConflictTemplateConstant, outcome.TopicReference, formatConflicts(outcome.Conflicts))
	default:
		return fmt.Sprintf(outcomeCleanTemplateConstant, outcome.TopicReference, outcome.MergeCommit)
	}
}

// FormatCycleSummary renders the per-status counts of one cycle.
func FormatCycleSummary(summary reconcile.CycleSummary) string {
	return fmt.Sprintf(
		cycleSummaryTemplateConstant,
		summary.CycleID,
		summary.Count(state.StatusClean),
		summary.Count(state.StatusConflicted),
		summary.Count(state.StatusError),
	)
}

// WriteRecords prints one tab-separated line per record.
func WriteRecords(writer io.Writer, records []state.Record) error {
	if len(records) == 0 {
		_, writeError := fmt.Fprintln(writer, noRecordsMessageConstant)
		return writeError
	}
	for _, record := range records {
		line := fmt.Sprintf(
			recordTemplateConstant,
			record.TopicReference,
			record.Status,
			shortHash(record.TopicCommit),
			shortHash(record.TargetCommit),
			shortHash(record.MergeCommit),
			record.LastUpdated.UTC().Format(time.RFC3339),
		)
		if len(record.Conflicts) > 0 {
			line += fmt.Sprintf(recordConflictSuffixTemplateConstant, formatConflicts(record.Conflicts))
		}
		if len(record.ErrorMessage) > 0 {
			line += fmt.Sprintf(recordErrorSuffixTemplateConstant, record.ErrorMessage)
		}
		if _, writeError := fmt.Fprintln(writer, line); writeError != nil {
			return writeError
		}
	}
	return nil
}

// WriteResult prints a synthesis result, one conflict per line.
func WriteResult(writer io.Writer, result synthesis.Result) error {
	lines := []string{
		fmt.Sprintf(resultKindTemplateConstant, result.Kind),
		fmt.Sprintf(resultBaseTemplateConstant, displayHash(result.MergeBase)),
	}
	if result.Kind == synthesis.ResultClean {
		lines = append(lines,
			fmt.Sprintf(resultTreeTemplateConstant, displayHash(result.Tree)),
			fmt.Sprintf(resultMergeTemplateConstant, displayHash(result.MergeCommit)),
		)
	}
	for _, conflict := range result.Conflicts {
		lines = append(lines, fmt.Sprintf(resultConflictTemplateConstant, conflict.Path, conflict.Reason))
	}
	_, writeError := io.WriteString(writer, strings.Join(lines, "\n")+"\n")
	return writeError
}

func formatConflicts(conflicts []synthesis.Conflict) string {
	return strings.Join(lo.Map(conflicts, func(conflict synthesis.Conflict, _ int) string {
		return fmt.Sprintf(conflictTemplateConstant, conflict.Path, conflict.Reason)
	}), conflictSeparatorConstant)
}

func displayHash(hash plumbing.Hash) string {
	if hash.IsZero() {
		return zeroHashDisplayConstant
	}
	return hash.String()
}

func shortHash(hash plumbing.Hash) string {
	display := displayHash(hash)
	if len(display) > shortHashLengthConstant {
		return display[:shortHashLengthConstant]
	}
	return display
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/temirov/premerge/internal/repository"
	"github.com/temirov/premerge/internal/state"
	"github.com/temirov/premerge/internal/synthesis"
	"github.com/temirov/premerge/internal/watcher"
)

const (
	defaultConcurrencyConstant         = 4
	storeMissingMessageConstant        = "merge state store not configured"
	synthesizerMissingMessageConstant  = "merge synthesizer not configured"
	publisherMissingMessageConstant    = "publisher not configured"
	topicFailureTemplateConstant       = "%s: %w"
	readRecordErrorTemplateConstant    = "read merge record: %w"
	synthesisErrorTemplateConstant     = "synthesize: %w"
	publishErrorTemplateConstant       = "publish: %w"
	retractErrorTemplateConstant       = "retract: %w"
	writeRecordErrorTemplateConstant   = "write merge record: %w"
	removeRecordErrorTemplateConstant  = "remove merge record: %w"
	fatalErrorTemplateConstant         = "reconciliation aborted on %s: %w"
	primeErrorMessageConstant          = "unable to load stored merge records"
	targetRemovedMessageConstant       = "target reference removed upstream, topics wait for it to return"
	targetMovedMessageConstant         = "target reference moved, all topics are stale"
	cycleStartedMessageConstant        = "reconciliation cycle started"
	cycleCompletedMessageConstant      = "reconciliation cycle completed"
	branchUnchangedMessageConstant     = "merge record up to date"
	branchReconciledMessageConstant    = "branch reconciled"
	branchFailedMessageConstant        = "branch reconciliation failed"
	branchRemovedMessageConstant       = "branch removed"
	branchRemovalFailedMessageConstant = "branch removal failed, retrying next cycle"
	orphanRecordMessageConstant        = "stored record has no upstream topic, scheduling removal"
	logFieldCycleIdentifierConstant    = "cycle_id"
	logFieldTopicReferenceConstant     = "topic_ref"
	logFieldTargetReferenceConstant    = "target_ref"
	logFieldTopicCommitConstant        = "topic_commit"
	logFieldTargetCommitConstant       = "target_commit"
	logFieldMergeCommitConstant        = "merge_commit"
	logFieldStatusConstant             = "status"
	logFieldConflictCountConstant      = "conflict_count"
	logFieldJobCountConstant           = "job_count"
	logFieldOutcomeCountConstant       = "outcome_count"
	logFieldFailureCountConstant       = "failure_count"
)

// ErrStoreNotConfigured indicates the reconciler was built without a state store.
var ErrStoreNotConfigured = errors.New(storeMissingMessageConstant)

// ErrSynthesizerNotConfigured indicates the reconciler was built without a synthesizer.
var ErrSynthesizerNotConfigured = errors.New(synthesizerMissingMessageConstant)

// ErrPublisherNotConfigured indicates the reconciler was built without a publisher.
var ErrPublisherNotConfigured = errors.New(publisherMissingMessageConstant)

// Synthesizer produces merge commits.
type Synthesizer interface {
	Synthesize(executionContext context.Context, request synthesis.Request) (synthesis.Result, error)
}

// Publisher moves output references.
type Publisher interface {
	Publish(executionContext context.Context, topicReference string, expectedOld plumbing.Hash, mergeCommit plumbing.Hash) (plumbing.Hash, error)
	Retract(executionContext context.Context, topicReference string, expectedOld plumbing.Hash) error
}

// Dependencies enumerates collaborators required by the Reconciler.
type Dependencies struct {
	Store          state.Store
	Synthesizer    Synthesizer
	Publisher      Publisher
	Logger         *zap.Logger
	Clock          func() time.Time
	OutcomeHandler OutcomeHandler
}

// Options tunes the worker pool.
type Options struct {
	Concurrency int
}

type branchTracker struct {
	state       BranchState
	commit      plumbing.Hash
	rerun       bool
	removed     bool
	lastOutcome *Outcome
}

type jobKind int

const (
	jobMerge jobKind = iota
	jobRemoval
)

type job struct {
	kind            jobKind
	topicReference  plumbing.ReferenceName
	topicCommit     plumbing.Hash
	targetReference plumbing.ReferenceName
	targetCommit    plumbing.Hash
}

// Reconciler drives every watched topic branch through its merge state machine.
type Reconciler struct {
	store          state.Store
	synthesizer    Synthesizer
	publisher      Publisher
	logger         *zap.Logger
	clock          func() time.Time
	outcomeHandler OutcomeHandler
	concurrency    int

	cycleMutex sync.Mutex

	mutex           sync.Mutex
	targetReference plumbing.ReferenceName
	targetCommit    plumbing.Hash
	targetSeen      bool
	primed          bool
	branches        map[plumbing.ReferenceName]*branchTracker
	pendingRemovals map[plumbing.ReferenceName]struct{}
	failedRemovals  map[plumbing.ReferenceName]struct{}
}

// NewReconciler validates dependencies and applies defaults.
func NewReconciler(dependencies Dependencies, options Options) (*Reconciler, error) {
	if dependencies.Store == nil {
		return nil, ErrStoreNotConfigured
	}
	if dependencies.Synthesizer == nil {
		return nil, ErrSynthesizerNotConfigured
	}
	if dependencies.Publisher == nil {
		return nil, ErrPublisherNotConfigured
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = time.Now
	}
	concurrency := options.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrencyConstant
	}

	return &Reconciler{
		store:           dependencies.Store,
		synthesizer:     dependencies.Synthesizer,
		publisher:       dependencies.Publisher,
		logger:          logger,
		clock:           clock,
		outcomeHandler:  dependencies.OutcomeHandler,
		concurrency:     concurrency,
		branches:        map[plumbing.ReferenceName]*branchTracker{},
		pendingRemovals: map[plumbing.ReferenceName]struct{}{},
		failedRemovals:  map[plumbing.ReferenceName]struct{}{},
	}, nil
}

// Apply folds change events into the per-branch state machines.
func (reconciler *Reconciler) Apply(events []watcher.ChangeEvent) {
	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()

	for _, event := range events {
		if event.Role == watcher.RoleTarget {
			reconciler.applyTarget(event)
			continue
		}
		reconciler.applyTopic(event)
	}
}

func (reconciler *Reconciler) applyTarget(event watcher.ChangeEvent) {
	reconciler.targetReference = event.Reference
	if event.Kind == watcher.ChangeRemoved {
		reconciler.targetCommit = plumbing.ZeroHash
		reconciler.logger.Warn(targetRemovedMessageConstant, zap.String(logFieldTargetReferenceConstant, event.Reference.String()))
		return
	}

	reconciler.targetSeen = true
	if reconciler.targetCommit == event.CurrentCommit {
		return
	}
	reconciler.targetCommit = event.CurrentCommit
	for _, tracker := range reconciler.branches {
		markStale(tracker)
	}
	reconciler.logger.Debug(
		targetMovedMessageConstant,
		zap.String(logFieldTargetReferenceConstant, event.Reference.String()),
		zap.String(logFieldTargetCommitConstant, event.CurrentCommit.String()),
	)
}

func (reconciler *Reconciler) applyTopic(event watcher.ChangeEvent) {
	tracker, tracked := reconciler.branches[event.Reference]
	if event.Kind == watcher.ChangeRemoved {
		if tracked && tracker.state == StateMerging {
			tracker.removed = true
			tracker.rerun = false
			return
		}
		delete(reconciler.branches, event.Reference)
		reconciler.pendingRemovals[event.Reference] = struct{}{}
		return
	}

	delete(reconciler.pendingRemovals, event.Reference)
	delete(reconciler.failedRemovals, event.Reference)
	if !tracked {
		reconciler.branches[event.Reference] = &branchTracker{state: StateStale, commit: event.CurrentCommit}
		return
	}
	tracker.commit = event.CurrentCommit
	tracker.removed = false
	markStale(tracker)
}

func markStale(tracker *branchTracker) {
	if tracker.state == StateMerging {
		tracker.rerun = true
		return
	}
	tracker.state = StateStale
}

// RetryFailed marks every branch in StateError stale so the next cycle tries it again.
func (reconciler *Reconciler) RetryFailed() {
	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()

	for _, tracker := range reconciler.branches {
		if tracker.state == StateError {
			tracker.state = StateStale
		}
	}
}

// States returns the current state of every tracked topic.
func (reconciler *Reconciler) States() map[plumbing.ReferenceName]BranchState {
	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()

	states := make(map[plumbing.ReferenceName]BranchState, len(reconciler.branches))
	for name, tracker := range reconciler.branches {
		states[name] = tracker.state
	}
	return states
}

// Reconcile runs one full cycle: every stale branch and pending removal is
// processed on the worker pool, reruns included, before it returns. The error
// is non-nil only for fatal conditions such as repository corruption or a
// cancelled context; per-branch failures are reported through the summary.
func (reconciler *Reconciler) Reconcile(executionContext context.Context) (CycleSummary, error) {
	reconciler.cycleMutex.Lock()
	defer reconciler.cycleMutex.Unlock()

	summary := CycleSummary{CycleID: uuid.NewString()}
	cycleLogger := reconciler.logger.With(zap.String(logFieldCycleIdentifierConstant, summary.CycleID))

	reconciler.prime(executionContext, cycleLogger)
	reconciler.requeueFailedRemovals()

	for {
		jobs := reconciler.collectJobs()
		if len(jobs) == 0 {
			break
		}
		cycleLogger.Debug(cycleStartedMessageConstant, zap.Int(logFieldJobCountConstant, len(jobs)))

		if fatalError := reconciler.runJobs(executionContext, cycleLogger, jobs, &summary); fatalError != nil {
			return summary, fatalError
		}
		if contextError := executionContext.Err(); contextError != nil {
			return summary, contextError
		}
	}

	if settledError := reconciler.reportSettled(executionContext, cycleLogger, &summary); settledError != nil {
		return summary, settledError
	}

	cycleLogger.Info(
		cycleCompletedMessageConstant,
		zap.Int(logFieldOutcomeCountConstant, len(summary.Outcomes)),
		zap.Int(logFieldFailureCountConstant, lo.CountBy(summary.Outcomes, func(outcome Outcome) bool {
			return outcome.Err != nil
		})),
	)
	return summary, nil
}

// prime schedules removal of stored records whose topic no longer exists
// upstream. It waits until the target has been observed so that an empty
// first poll cannot wipe the store.
func (reconciler *Reconciler) prime(executionContext context.Context, cycleLogger *zap.Logger) {
	reconciler.mutex.Lock()
	ready := reconciler.targetSeen && !reconciler.primed
	reconciler.mutex.Unlock()
	if !ready {
		return
	}

	records, loadError := reconciler.store.All(executionContext)
	if loadError != nil {
		cycleLogger.Warn(primeErrorMessageConstant, zap.Error(loadError))
		return
	}

	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()
	for _, record := range records {
		topicReference := plumbing.ReferenceName(record.TopicReference)
		if _, tracked := reconciler.branches[topicReference]; tracked {
			continue
		}
		reconciler.pendingRemovals[topicReference] = struct{}{}
		cycleLogger.Info(orphanRecordMessageConstant, zap.String(logFieldTopicReferenceConstant, record.TopicReference))
	}
	reconciler.primed = true
}

func (reconciler *Reconciler) requeueFailedRemovals() {
	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()

	for topicReference := range reconciler.failedRemovals {
		if _, tracked := reconciler.branches[topicReference]; !tracked {
			reconciler.pendingRemovals[topicReference] = struct{}{}
		}
	}
	reconciler.failedRemovals = map[plumbing.ReferenceName]struct{}{}
}

// collectJobs claims every pending removal and, when the target is known,
// every stale branch. Claimed branches move to StateMerging.
func (reconciler *Reconciler) collectJobs() []job {
	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()

	var jobs []job
	for topicReference := range reconciler.pendingRemovals {
		jobs = append(jobs, job{kind: jobRemoval, topicReference: topicReference})
	}
	reconciler.pendingRemovals = map[plumbing.ReferenceName]struct{}{}

	if !reconciler.targetCommit.IsZero() {
		for topicReference, tracker := range reconciler.branches {
			if tracker.state != StateStale {
				continue
			}
			tracker.state = StateMerging
			jobs = append(jobs, job{
				kind:            jobMerge,
				topicReference:  topicReference,
				topicCommit:     tracker.commit,
				targetReference: reconciler.targetReference,
				targetCommit:    reconciler.targetCommit,
			})
		}
	}

	sort.Slice(jobs, func(left int, right int) bool {
		return jobs[left].topicReference < jobs[right].topicReference
	})
	return jobs
}

func (reconciler *Reconciler) runJobs(executionContext context.Context, cycleLogger *zap.Logger, jobs []job, summary *CycleSummary) error {
	group, groupContext := errgroup.WithContext(executionContext)
	limiter := semaphore.NewWeighted(int64(reconciler.concurrency))
	var summaryMutex sync.Mutex

	for index, pendingJob := range jobs {
		if acquireError := limiter.Acquire(groupContext, 1); acquireError != nil {
			for _, skippedJob := range jobs[index:] {
				reconciler.release(skippedJob)
			}
			break
		}
		group.Go(func() error {
			defer limiter.Release(1)

			outcome, fatalError := reconciler.execute(groupContext, cycleLogger, pendingJob)
			if fatalError != nil {
				return fatalError
			}

			reconciler.remember(outcome)
			summaryMutex.Lock()
			summary.Outcomes = append(summary.Outcomes, outcome)
			summaryMutex.Unlock()
			reconciler.emit(outcome)
			return nil
		})
	}

	waitError := group.Wait()
	sortOutcomes(summary.Outcomes)
	return waitError
}

// reportSettled emits an Unchanged outcome for every tracked branch that had no
// job this cycle, from its last outcome or, after a restart, its stored record.
func (reconciler *Reconciler) reportSettled(executionContext context.Context, cycleLogger *zap.Logger, summary *CycleSummary) error {
	reported := make(map[string]struct{}, len(summary.Outcomes))
	for _, outcome := range summary.Outcomes {
		reported[outcome.TopicReference] = struct{}{}
	}

	settled := map[plumbing.ReferenceName]*Outcome{}
	reconciler.mutex.Lock()
	for topicReference, tracker := range reconciler.branches {
		if _, done := reported[topicReference.String()]; done || tracker.removed {
			continue
		}
		settled[topicReference] = tracker.lastOutcome
	}
	reconciler.mutex.Unlock()

	var unchanged []Outcome
	for topicReference, lastOutcome := range settled {
		if lastOutcome != nil {
			outcome := *lastOutcome
			outcome.Unchanged = true
			unchanged = append(unchanged, outcome)
			continue
		}

		record, found, readError := reconciler.store.Get(executionContext, topicReference.String())
		if readError != nil {
			if contextError := executionContext.Err(); contextError != nil {
				return contextError
			}
			cycleLogger.Warn(branchFailedMessageConstant, zap.String(logFieldTopicReferenceConstant, topicReference.String()), zap.Error(fmt.Errorf(readRecordErrorTemplateConstant, readError)))
			continue
		}
		if found {
			unchanged = append(unchanged, outcomeFromRecord(record))
		}
	}

	sortOutcomes(unchanged)
	for _, outcome := range unchanged {
		summary.Outcomes = append(summary.Outcomes, outcome)
		reconciler.emit(outcome)
	}
	sortOutcomes(summary.Outcomes)
	return nil
}

func outcomeFromRecord(record state.Record) Outcome {
	outcome := Outcome{
		TopicReference: record.TopicReference,
		Status:         record.Status,
		MergeCommit:    record.MergeCommit,
		Conflicts:      record.Conflicts,
		Unchanged:      true,
	}
	if record.Status == state.StatusError && len(record.ErrorMessage) > 0 {
		outcome.Err = fmt.Errorf(topicFailureTemplateConstant, record.TopicReference, errors.New(record.ErrorMessage))
	}
	return outcome
}

// remember caches the outcome of a tracked branch for the cycles in which it has no job.
func (reconciler *Reconciler) remember(outcome Outcome) {
	if outcome.Removed {
		return
	}
	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()

	tracker, tracked := reconciler.branches[plumbing.ReferenceName(outcome.TopicReference)]
	if !tracked {
		return
	}
	cached := outcome
	cached.Unchanged = false
	tracker.lastOutcome = &cached
}

func (reconciler *Reconciler) emit(outcome Outcome) {
	if reconciler.outcomeHandler != nil {
		reconciler.outcomeHandler(outcome)
	}
}

func sortOutcomes(outcomes []Outcome) {
	sort.SliceStable(outcomes, func(left int, right int) bool {
		return outcomes[left].TopicReference < outcomes[right].TopicReference
	})
}

func (reconciler *Reconciler) execute(executionContext context.Context, cycleLogger *zap.Logger, pendingJob job) (Outcome, error) {
	topicLogger := cycleLogger.With(zap.String(logFieldTopicReferenceConstant, pendingJob.topicReference.String()))
	if pendingJob.kind == jobRemoval {
		return reconciler.executeRemoval(executionContext, topicLogger, pendingJob)
	}
	return reconciler.executeMerge(executionContext, topicLogger, pendingJob)
}

func (reconciler *Reconciler) executeMerge(executionContext context.Context, topicLogger *zap.Logger, pendingJob job) (Outcome, error) {
	topicReference := pendingJob.topicReference.String()

	record, found, readError := reconciler.store.Get(executionContext, topicReference)
	if readError != nil {
		return reconciler.failMerge(topicLogger, pendingJob, fmt.Errorf(readRecordErrorTemplateConstant, readError)), nil
	}
	if found && record.Status != state.StatusError && record.SamePair(pendingJob.topicCommit, pendingJob.targetCommit) {
		topicLogger.Debug(branchUnchangedMessageConstant, zap.String(logFieldStatusConstant, string(record.Status)))
		reconciler.complete(pendingJob, record.Status)
		return Outcome{
			TopicReference: topicReference,
			Status:         record.Status,
			MergeCommit:    record.MergeCommit,
			Conflicts:      record.Conflicts,
			Unchanged:      true,
		}, nil
	}

	result, synthesisError := reconciler.synthesizer.Synthesize(executionContext, synthesis.Request{
		TargetReference: pendingJob.targetReference.String(),
		TopicReference:  topicReference,
		TargetCommit:    pendingJob.targetCommit,
		TopicCommit:     pendingJob.topicCommit,
	})
	if synthesisError != nil {
		if repository.IsCorruption(synthesisError) {
			reconciler.release(pendingJob)
			return Outcome{}, fmt.Errorf(fatalErrorTemplateConstant, topicReference, synthesisError)
		}
		if contextError := executionContext.Err(); contextError != nil {
			reconciler.release(pendingJob)
			return Outcome{}, contextError
		}
	}

	if reconciler.claimRemoval(pendingJob.topicReference) {
		return reconciler.executeRemoval(executionContext, topicLogger, pendingJob)
	}

	if synthesisError != nil {
		next := reconciler.newRecord(pendingJob, state.StatusError)
		next.ErrorMessage = fmt.Errorf(synthesisErrorTemplateConstant, synthesisError).Error()
		next.PublishedCommit = reconciler.retractStale(executionContext, topicLogger, topicReference, record.PublishedCommit)
		return reconciler.finish(executionContext, topicLogger, pendingJob, next, fmt.Errorf(synthesisErrorTemplateConstant, synthesisError))
	}

	var next state.Record
	var jobError error
	switch result.Kind {
	case synthesis.ResultClean:
		published, publishError := reconciler.publisher.Publish(executionContext, topicReference, record.PublishedCommit, result.MergeCommit)
		if publishError != nil {
			if repository.IsCorruption(publishError) {
				reconciler.release(pendingJob)
				return Outcome{}, fmt.Errorf(fatalErrorTemplateConstant, topicReference, publishError)
			}
			jobError = fmt.Errorf(publishErrorTemplateConstant, publishError)
			next = reconciler.newRecord(pendingJob, state.StatusError)
			next.ErrorMessage = jobError.Error()
			next.PublishedCommit = published
			break
		}
		next = reconciler.newRecord(pendingJob, state.StatusClean)
		next.MergeCommit = result.MergeCommit
		next.PublishedCommit = published
	default:
		next = reconciler.newRecord(pendingJob, state.StatusConflicted)
		next.Conflicts = result.Conflicts
		if !record.PublishedCommit.IsZero() {
			if retractError := reconciler.publisher.Retract(executionContext, topicReference, record.PublishedCommit); retractError != nil {
				jobError = fmt.Errorf(retractErrorTemplateConstant, retractError)
				next.Status = state.StatusError
				next.ErrorMessage = jobError.Error()
				next.Conflicts = nil
				next.PublishedCommit = record.PublishedCommit
			}
		}
	}
	return reconciler.finish(executionContext, topicLogger, pendingJob, next, jobError)
}

// retractStale removes a previously published output that no longer reflects
// the branch. It returns the value the output reference is believed to hold.
func (reconciler *Reconciler) retractStale(executionContext context.Context, topicLogger *zap.Logger, topicReference string, published plumbing.Hash) plumbing.Hash {
	if published.IsZero() {
		return published
	}
	if retractError := reconciler.publisher.Retract(executionContext, topicReference, published); retractError != nil {
		topicLogger.Warn(branchFailedMessageConstant, zap.Error(fmt.Errorf(retractErrorTemplateConstant, retractError)))
		return published
	}
	return plumbing.ZeroHash
}

func (reconciler *Reconciler) newRecord(pendingJob job, status state.Status) state.Record {
	return state.Record{
		TopicReference: pendingJob.topicReference.String(),
		TopicCommit:    pendingJob.topicCommit,
		TargetCommit:   pendingJob.targetCommit,
		Status:         status,
		LastUpdated:    reconciler.clock().UTC(),
	}
}

func (reconciler *Reconciler) finish(executionContext context.Context, topicLogger *zap.Logger, pendingJob job, next state.Record, jobError error) (Outcome, error) {
	if upsertError := reconciler.store.Upsert(executionContext, next); upsertError != nil {
		writeError := fmt.Errorf(writeRecordErrorTemplateConstant, upsertError)
		if jobError != nil {
			writeError = multierror.Append(jobError, writeError)
		}
		return reconciler.failMerge(topicLogger, pendingJob, writeError), nil
	}
	reconciler.complete(pendingJob, next.Status)

	outcome := Outcome{
		TopicReference: next.TopicReference,
		Status:         next.Status,
		MergeCommit:    next.MergeCommit,
		Conflicts:      next.Conflicts,
	}
	if jobError != nil {
		outcome.Err = fmt.Errorf(topicFailureTemplateConstant, next.TopicReference, jobError)
		topicLogger.Warn(branchFailedMessageConstant, zap.Error(jobError))
		return outcome, nil
	}

	topicLogger.Info(
		branchReconciledMessageConstant,
		zap.String(logFieldStatusConstant, string(next.Status)),
		zap.String(logFieldTopicCommitConstant, next.TopicCommit.String()),
		zap.String(logFieldTargetCommitConstant, next.TargetCommit.String()),
		zap.String(logFieldMergeCommitConstant, next.MergeCommit.String()),
		zap.Int(logFieldConflictCountConstant, len(next.Conflicts)),
	)
	return outcome, nil
}

func (reconciler *Reconciler) failMerge(topicLogger *zap.Logger, pendingJob job, failure error) Outcome {
	topicLogger.Warn(branchFailedMessageConstant, zap.Error(failure))
	reconciler.complete(pendingJob, state.StatusError)
	return Outcome{
		TopicReference: pendingJob.topicReference.String(),
		Status:         state.StatusError,
		Err:            fmt.Errorf(topicFailureTemplateConstant, pendingJob.topicReference, failure),
	}
}

func (reconciler *Reconciler) executeRemoval(executionContext context.Context, topicLogger *zap.Logger, pendingJob job) (Outcome, error) {
	topicReference := pendingJob.topicReference.String()
	outcome := Outcome{TopicReference: topicReference, Removed: true}

	record, _, readError := reconciler.store.Get(executionContext, topicReference)
	if readError != nil {
		return reconciler.failRemoval(topicLogger, pendingJob, outcome, fmt.Errorf(readRecordErrorTemplateConstant, readError)), nil
	}
	if retractError := reconciler.publisher.Retract(executionContext, topicReference, record.PublishedCommit); retractError != nil {
		if repository.IsCorruption(retractError) {
			return Outcome{}, fmt.Errorf(fatalErrorTemplateConstant, topicReference, retractError)
		}
		return reconciler.failRemoval(topicLogger, pendingJob, outcome, fmt.Errorf(retractErrorTemplateConstant, retractError)), nil
	}
	if removeError := reconciler.store.Remove(executionContext, topicReference); removeError != nil {
		return reconciler.failRemoval(topicLogger, pendingJob, outcome, fmt.Errorf(removeRecordErrorTemplateConstant, removeError)), nil
	}

	topicLogger.Info(branchRemovedMessageConstant)
	return outcome, nil
}

func (reconciler *Reconciler) failRemoval(topicLogger *zap.Logger, pendingJob job, outcome Outcome, failure error) Outcome {
	topicLogger.Warn(branchRemovalFailedMessageConstant, zap.Error(failure))

	reconciler.mutex.Lock()
	reconciler.failedRemovals[pendingJob.topicReference] = struct{}{}
	reconciler.mutex.Unlock()

	outcome.Err = fmt.Errorf(topicFailureTemplateConstant, pendingJob.topicReference, failure)
	return outcome
}

// claimRemoval stops tracking a branch that was removed while it was merging.
func (reconciler *Reconciler) claimRemoval(topicReference plumbing.ReferenceName) bool {
	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()

	tracker, tracked := reconciler.branches[topicReference]
	if tracked && !tracker.removed {
		return false
	}
	delete(reconciler.branches, topicReference)
	return true
}

// complete settles a merge job. A branch removed while merging is handed over
// to a removal job, and a branch that changed while merging becomes stale again.
func (reconciler *Reconciler) complete(pendingJob job, status state.Status) {
	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()

	tracker, tracked := reconciler.branches[pendingJob.topicReference]
	switch {
	case !tracked || tracker.removed:
		delete(reconciler.branches, pendingJob.topicReference)
		reconciler.pendingRemovals[pendingJob.topicReference] = struct{}{}
	case tracker.rerun:
		tracker.rerun = false
		tracker.state = StateStale
	default:
		tracker.state = stateForStatus(status)
	}
}

// release returns a claimed branch to StateStale without recording an outcome.
func (reconciler *Reconciler) release(pendingJob job) {
	if pendingJob.kind == jobRemoval {
		reconciler.mutex.Lock()
		reconciler.failedRemovals[pendingJob.topicReference] = struct{}{}
		reconciler.mutex.Unlock()
		return
	}

	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()
	tracker, tracked := reconciler.branches[pendingJob.topicReference]
	switch {
	case !tracked || tracker.removed:
		delete(reconciler.branches, pendingJob.topicReference)
		reconciler.failedRemovals[pendingJob.topicReference] = struct{}{}
	default:
		tracker.rerun = false
		tracker.state = StateStale
	}
}

// State returns the state of one topic, StateUnknown when it is not tracked.
func (reconciler *Reconciler) State(topicReference plumbing.ReferenceName) BranchState {
	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()

	tracker, tracked := reconciler.branches[topicReference]
	if !tracked {
		return StateUnknown
	}
	return tracker.state
}

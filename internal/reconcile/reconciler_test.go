package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/temirov/premerge/internal/publish"
	"github.com/temirov/premerge/internal/reconcile"
	"github.com/temirov/premerge/internal/repository"
	"github.com/temirov/premerge/internal/repository/repositorytest"
	"github.com/temirov/premerge/internal/retry"
	"github.com/temirov/premerge/internal/state"
	"github.com/temirov/premerge/internal/synthesis"
	"github.com/temirov/premerge/internal/watcher"
)

const (
	testTargetReferenceConstant  = plumbing.ReferenceName("refs/heads/main")
	testTopicAReferenceConstant  = plumbing.ReferenceName("refs/heads/A")
	testTopicBReferenceConstant  = plumbing.ReferenceName("refs/heads/B")
	testOutputAReferenceConstant = plumbing.ReferenceName("refs/premerge/A")
	testOutputBReferenceConstant = plumbing.ReferenceName("refs/premerge/B")
)

var testClockInstant = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time {
	return testClockInstant
}

// gatedSynthesizer counts calls and, while blocking is set, parks each call until released.
type gatedSynthesizer struct {
	inner    reconcile.Synthesizer
	blocking atomic.Bool
	entered  chan plumbing.ReferenceName
	release  chan struct{}
	calls    atomic.Int32
}

func newGatedSynthesizer(inner reconcile.Synthesizer) *gatedSynthesizer {
	return &gatedSynthesizer{inner: inner, entered: make(chan plumbing.ReferenceName, 16), release: make(chan struct{})}
}

func (gate *gatedSynthesizer) Synthesize(executionContext context.Context, request synthesis.Request) (synthesis.Result, error) {
	gate.calls.Add(1)
	if gate.blocking.Load() {
		gate.entered <- plumbing.ReferenceName(request.TopicReference)
		<-gate.release
	}
	return gate.inner.Synthesize(executionContext, request)
}

type harness struct {
	fixture     *repositorytest.Fixture
	store       state.Store
	synthesizer *gatedSynthesizer
	reconciler  *reconcile.Reconciler
	outcomes    *outcomeRecorder
}

type outcomeRecorder struct {
	mutex    sync.Mutex
	outcomes []reconcile.Outcome
}

func (recorder *outcomeRecorder) record(outcome reconcile.Outcome) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.outcomes = append(recorder.outcomes, outcome)
}

func (recorder *outcomeRecorder) count() int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return len(recorder.outcomes)
}

func newHarness(testInstance *testing.T) *harness {
	testInstance.Helper()
	fixture := repositorytest.NewMemory(testInstance)
	return newHarnessWithStore(testInstance, fixture, state.NewMemoryStore())
}

func newHarnessWithStore(testInstance *testing.T, fixture *repositorytest.Fixture, store state.Store) *harness {
	testInstance.Helper()
	synthesizer, synthesizerError := synthesis.NewSynthesizer(synthesis.Dependencies{Store: fixture.Repository, Clock: testClock})
	require.NoError(testInstance, synthesizerError)

	publisher, publisherError := publish.NewPublisher(
		publish.Dependencies{Repository: fixture.Repository, Retrier: retry.Retrier{Sleep: noSleep}},
		publish.Options{},
	)
	require.NoError(testInstance, publisherError)

	gate := newGatedSynthesizer(synthesizer)
	recorder := &outcomeRecorder{}
	reconciler, reconcilerError := reconcile.NewReconciler(reconcile.Dependencies{
		Store:          store,
		Synthesizer:    gate,
		Publisher:      publisher,
		Clock:          testClock,
		OutcomeHandler: recorder.record,
	}, reconcile.Options{Concurrency: 2})
	require.NoError(testInstance, reconcilerError)

	return &harness{fixture: fixture, store: store, synthesizer: gate, reconciler: reconciler, outcomes: recorder}
}

func noSleep(context.Context, time.Duration) error {
	return nil
}

func added(reference plumbing.ReferenceName, role watcher.Role, commit plumbing.Hash) watcher.ChangeEvent {
	return watcher.ChangeEvent{Kind: watcher.ChangeAdded, Reference: reference, Role: role, CurrentCommit: commit}
}

func updated(reference plumbing.ReferenceName, role watcher.Role, previous plumbing.Hash, current plumbing.Hash) watcher.ChangeEvent {
	return watcher.ChangeEvent{Kind: watcher.ChangeUpdated, Reference: reference, Role: role, PreviousCommit: previous, CurrentCommit: current}
}

func removed(reference plumbing.ReferenceName, role watcher.Role, previous plumbing.Hash) watcher.ChangeEvent {
	return watcher.ChangeEvent{Kind: watcher.ChangeRemoved, Reference: reference, Role: role, PreviousCommit: previous}
}

func (testHarness *harness) outputValue(testInstance *testing.T, reference plumbing.ReferenceName) plumbing.Hash {
	testInstance.Helper()
	value, readError := testHarness.fixture.Repository.ReadReference(context.Background(), reference)
	require.NoError(testInstance, readError)
	return value
}

func (testHarness *harness) record(testInstance *testing.T, topic plumbing.ReferenceName) (state.Record, bool) {
	testInstance.Helper()
	record, found, getError := testHarness.store.Get(context.Background(), topic.String())
	require.NoError(testInstance, getError)
	return record, found
}

func TestNewReconcilerValidation(testInstance *testing.T) {
	_, missingStore := reconcile.NewReconciler(reconcile.Dependencies{}, reconcile.Options{})
	require.ErrorIs(testInstance, missingStore, reconcile.ErrStoreNotConfigured)

	_, missingSynthesizer := reconcile.NewReconciler(reconcile.Dependencies{Store: state.NewMemoryStore()}, reconcile.Options{})
	require.ErrorIs(testInstance, missingSynthesizer, reconcile.ErrSynthesizerNotConfigured)

	_, missingPublisher := reconcile.NewReconciler(reconcile.Dependencies{Store: state.NewMemoryStore(), Synthesizer: &stubSynthesizer{}}, reconcile.Options{})
	require.ErrorIs(testInstance, missingPublisher, reconcile.ErrPublisherNotConfigured)
}

func TestReconcileFastForwardScenario(testInstance *testing.T) {
	testHarness := newHarness(testInstance)
	baseCommit := testHarness.fixture.Commit(repositorytest.Files{"README.md": "base"})
	targetCommit := testHarness.fixture.Commit(repositorytest.Files{"README.md": "base", "main.go": "package main"}, baseCommit)
	topicCommit := testHarness.fixture.Commit(repositorytest.Files{"README.md": "base", "feature.go": "package feature"}, baseCommit)

	testHarness.reconciler.Apply([]watcher.ChangeEvent{
		added(testTargetReferenceConstant, watcher.RoleTarget, targetCommit),
		added(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit),
	})
	summary, cycleError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, cycleError)
	require.NotEmpty(testInstance, summary.CycleID)
	require.NoError(testInstance, summary.Failures())
	require.Len(testInstance, summary.Outcomes, 1)
	require.Equal(testInstance, state.StatusClean, summary.Outcomes[0].Status)
	require.Equal(testInstance, 1, summary.Count(state.StatusClean))

	record, found := testHarness.record(testInstance, testTopicAReferenceConstant)
	require.True(testInstance, found)
	require.Equal(testInstance, state.StatusClean, record.Status)
	require.Equal(testInstance, topicCommit, record.TopicCommit)
	require.Equal(testInstance, targetCommit, record.TargetCommit)
	require.Equal(testInstance, record.MergeCommit, record.PublishedCommit)
	require.Equal(testInstance, testClockInstant, record.LastUpdated)

	mergeCommit, readError := testHarness.fixture.Repository.ReadCommit(context.Background(), record.MergeCommit)
	require.NoError(testInstance, readError)
	require.Equal(testInstance, []plumbing.Hash{targetCommit, topicCommit}, mergeCommit.Parents)
	require.Equal(testInstance, testHarness.fixture.Tree(repositorytest.Files{
		"README.md":  "base",
		"main.go":    "package main",
		"feature.go": "package feature",
	}), mergeCommit.Tree)
	require.Equal(testInstance, record.MergeCommit, testHarness.outputValue(testInstance, testOutputAReferenceConstant))
	require.Equal(testInstance, reconcile.StateClean, testHarness.reconciler.State(testTopicAReferenceConstant))
	require.Equal(testInstance, 1, testHarness.outcomes.count())
}

func TestReconcileIsIdempotentAcrossRestarts(testInstance *testing.T) {
	fixture := repositorytest.NewMemory(testInstance)
	store := state.NewMemoryStore()
	targetCommit := fixture.Commit(repositorytest.Files{"a.txt": "target"})
	topicCommit := fixture.Commit(repositorytest.Files{"a.txt": "target", "b.txt": "topic"}, targetCommit)
	events := []watcher.ChangeEvent{
		added(testTargetReferenceConstant, watcher.RoleTarget, targetCommit),
		added(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit),
	}

	first := newHarnessWithStore(testInstance, fixture, store)
	first.reconciler.Apply(events)
	_, firstError := first.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, firstError)
	firstRecord, _ := first.record(testInstance, testTopicAReferenceConstant)

	second := newHarnessWithStore(testInstance, fixture, store)
	second.reconciler.Apply(events)
	summary, secondError := second.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, secondError)
	require.Len(testInstance, summary.Outcomes, 1)
	require.True(testInstance, summary.Outcomes[0].Unchanged)
	require.Equal(testInstance, firstRecord.MergeCommit, summary.Outcomes[0].MergeCommit)
	require.Equal(testInstance, int32(0), second.synthesizer.calls.Load())

	secondRecord, _ := second.record(testInstance, testTopicAReferenceConstant)
	require.Equal(testInstance, firstRecord, secondRecord)

	settledSummary, settledError := second.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, settledError)
	require.Len(testInstance, settledSummary.Outcomes, 1)
	require.True(testInstance, settledSummary.Outcomes[0].Unchanged)
	require.Equal(testInstance, state.StatusClean, settledSummary.Outcomes[0].Status)
	require.Equal(testInstance, firstRecord.MergeCommit, settledSummary.Outcomes[0].MergeCommit)
	require.Equal(testInstance, int32(0), second.synthesizer.calls.Load())
}

func TestReconcileReportsEveryBranchEveryCycle(testInstance *testing.T) {
	testHarness := newHarness(testInstance)
	baseCommit := testHarness.fixture.Commit(repositorytest.Files{"shared.txt": "base"})
	targetCommit := testHarness.fixture.Commit(repositorytest.Files{"shared.txt": "target"}, baseCommit)
	cleanTopic := testHarness.fixture.Commit(repositorytest.Files{"shared.txt": "base", "a.txt": "a"}, baseCommit)
	conflictingTopic := testHarness.fixture.Commit(repositorytest.Files{"shared.txt": "topic"}, baseCommit)
	testHarness.reconciler.Apply([]watcher.ChangeEvent{
		added(testTargetReferenceConstant, watcher.RoleTarget, targetCommit),
		added(testTopicAReferenceConstant, watcher.RoleTopic, cleanTopic),
		added(testTopicBReferenceConstant, watcher.RoleTopic, conflictingTopic),
	})
	firstSummary, firstError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, firstError)
	require.Len(testInstance, firstSummary.Outcomes, 2)

	testHarness.reconciler.Apply(nil)
	secondSummary, secondError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, secondError)
	require.Len(testInstance, secondSummary.Outcomes, 2)
	require.Equal(testInstance, testTopicAReferenceConstant.String(), secondSummary.Outcomes[0].TopicReference)
	require.Equal(testInstance, state.StatusClean, secondSummary.Outcomes[0].Status)
	require.Equal(testInstance, firstSummary.Outcomes[0].MergeCommit, secondSummary.Outcomes[0].MergeCommit)
	require.Equal(testInstance, testTopicBReferenceConstant.String(), secondSummary.Outcomes[1].TopicReference)
	require.Equal(testInstance, state.StatusConflicted, secondSummary.Outcomes[1].Status)
	require.Equal(testInstance, firstSummary.Outcomes[1].Conflicts, secondSummary.Outcomes[1].Conflicts)
	for _, outcome := range secondSummary.Outcomes {
		require.True(testInstance, outcome.Unchanged, outcome.TopicReference)
	}
	require.Equal(testInstance, int32(2), testHarness.synthesizer.calls.Load())
	require.Equal(testInstance, 4, testHarness.outcomes.count())
}

func TestReconcilePropagatesTargetUpdates(testInstance *testing.T) {
	testHarness := newHarness(testInstance)
	baseCommit := testHarness.fixture.Commit(repositorytest.Files{"README.md": "base"})
	topicACommit := testHarness.fixture.Commit(repositorytest.Files{"README.md": "base", "a.go": "a"}, baseCommit)
	topicBCommit := testHarness.fixture.Commit(repositorytest.Files{"README.md": "base", "b.go": "b"}, baseCommit)
	testHarness.reconciler.Apply([]watcher.ChangeEvent{
		added(testTargetReferenceConstant, watcher.RoleTarget, baseCommit),
		added(testTopicAReferenceConstant, watcher.RoleTopic, topicACommit),
		added(testTopicBReferenceConstant, watcher.RoleTopic, topicBCommit),
	})
	_, firstError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, firstError)

	movedTarget := testHarness.fixture.Commit(repositorytest.Files{"README.md": "moved"}, baseCommit)
	testHarness.reconciler.Apply([]watcher.ChangeEvent{updated(testTargetReferenceConstant, watcher.RoleTarget, baseCommit, movedTarget)})
	require.Equal(testInstance, reconcile.StateStale, testHarness.reconciler.State(testTopicAReferenceConstant))

	summary, secondError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, secondError)
	require.Equal(testInstance, 2, summary.Count(state.StatusClean))

	for _, topic := range []plumbing.ReferenceName{testTopicAReferenceConstant, testTopicBReferenceConstant} {
		record, found := testHarness.record(testInstance, topic)
		require.True(testInstance, found)
		require.Equal(testInstance, movedTarget, record.TargetCommit)
		mergeCommit, readError := testHarness.fixture.Repository.ReadCommit(context.Background(), record.MergeCommit)
		require.NoError(testInstance, readError)
		require.Equal(testInstance, movedTarget, mergeCommit.Parents[0])
	}
}

func TestReconcilePropagatesRemoval(testInstance *testing.T) {
	testHarness := newHarness(testInstance)
	targetCommit := testHarness.fixture.Commit(repositorytest.Files{"a.txt": "target"})
	topicCommit := testHarness.fixture.Commit(repositorytest.Files{"a.txt": "target", "b.txt": "topic"}, targetCommit)
	testHarness.reconciler.Apply([]watcher.ChangeEvent{
		added(testTargetReferenceConstant, watcher.RoleTarget, targetCommit),
		added(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit),
	})
	_, firstError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, firstError)
	require.False(testInstance, testHarness.outputValue(testInstance, testOutputAReferenceConstant).IsZero())

	testHarness.reconciler.Apply([]watcher.ChangeEvent{removed(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit)})
	summary, secondError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, secondError)
	require.Len(testInstance, summary.Outcomes, 1)
	require.True(testInstance, summary.Outcomes[0].Removed)

	_, found := testHarness.record(testInstance, testTopicAReferenceConstant)
	require.False(testInstance, found)
	require.True(testInstance, testHarness.outputValue(testInstance, testOutputAReferenceConstant).IsZero())
	require.Equal(testInstance, reconcile.StateUnknown, testHarness.reconciler.State(testTopicAReferenceConstant))
}

func TestReconcileRecordsConflictsAndRetractsStaleOutput(testInstance *testing.T) {
	testHarness := newHarness(testInstance)
	baseCommit := testHarness.fixture.Commit(repositorytest.Files{"shared.txt": "base"})
	targetCommit := testHarness.fixture.Commit(repositorytest.Files{"shared.txt": "base", "main.txt": "main"}, baseCommit)
	topicCommit := testHarness.fixture.Commit(repositorytest.Files{"shared.txt": "base", "topic.txt": "topic"}, baseCommit)
	testHarness.reconciler.Apply([]watcher.ChangeEvent{
		added(testTargetReferenceConstant, watcher.RoleTarget, targetCommit),
		added(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit),
	})
	_, firstError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, firstError)
	require.False(testInstance, testHarness.outputValue(testInstance, testOutputAReferenceConstant).IsZero())

	conflictingTopic := testHarness.fixture.Commit(repositorytest.Files{"shared.txt": "topic edit", "topic.txt": "topic"}, topicCommit)
	conflictingTarget := testHarness.fixture.Commit(repositorytest.Files{"shared.txt": "target edit", "main.txt": "main"}, targetCommit)
	testHarness.reconciler.Apply([]watcher.ChangeEvent{
		updated(testTargetReferenceConstant, watcher.RoleTarget, targetCommit, conflictingTarget),
		updated(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit, conflictingTopic),
	})
	summary, secondError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, secondError)
	require.NoError(testInstance, summary.Failures())
	require.Equal(testInstance, 1, summary.Count(state.StatusConflicted))
	require.Equal(testInstance, []synthesis.Conflict{{Path: "shared.txt", Reason: synthesis.ContentConflict}}, summary.Outcomes[0].Conflicts)

	record, found := testHarness.record(testInstance, testTopicAReferenceConstant)
	require.True(testInstance, found)
	require.Equal(testInstance, state.StatusConflicted, record.Status)
	require.True(testInstance, record.MergeCommit.IsZero())
	require.True(testInstance, record.PublishedCommit.IsZero())
	require.True(testInstance, testHarness.outputValue(testInstance, testOutputAReferenceConstant).IsZero())
	require.Equal(testInstance, reconcile.StateConflicted, testHarness.reconciler.State(testTopicAReferenceConstant))
}

func TestReconcileRemovalWhileMergingDiscardsResult(testInstance *testing.T) {
	testHarness := newHarness(testInstance)
	targetCommit := testHarness.fixture.Commit(repositorytest.Files{"a.txt": "target"})
	topicCommit := testHarness.fixture.Commit(repositorytest.Files{"a.txt": "target", "b.txt": "topic"}, targetCommit)
	testHarness.reconciler.Apply([]watcher.ChangeEvent{
		added(testTargetReferenceConstant, watcher.RoleTarget, targetCommit),
		added(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit),
	})
	_, firstError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, firstError)

	movedTarget := testHarness.fixture.Commit(repositorytest.Files{"a.txt": "moved"}, targetCommit)
	testHarness.reconciler.Apply([]watcher.ChangeEvent{updated(testTargetReferenceConstant, watcher.RoleTarget, targetCommit, movedTarget)})
	testHarness.synthesizer.blocking.Store(true)

	var summary reconcile.CycleSummary
	var cycleError error
	done := make(chan struct{})
	go func() {
		summary, cycleError = testHarness.reconciler.Reconcile(context.Background())
		close(done)
	}()

	require.Equal(testInstance, testTopicAReferenceConstant, <-testHarness.synthesizer.entered)
	require.Equal(testInstance, reconcile.StateMerging, testHarness.reconciler.State(testTopicAReferenceConstant))
	testHarness.reconciler.Apply([]watcher.ChangeEvent{removed(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit)})
	require.Equal(testInstance, reconcile.StateMerging, testHarness.reconciler.State(testTopicAReferenceConstant))
	close(testHarness.synthesizer.release)
	<-done

	require.NoError(testInstance, cycleError)
	require.Len(testInstance, summary.Outcomes, 1)
	require.True(testInstance, summary.Outcomes[0].Removed)
	_, found := testHarness.record(testInstance, testTopicAReferenceConstant)
	require.False(testInstance, found)
	require.True(testInstance, testHarness.outputValue(testInstance, testOutputAReferenceConstant).IsZero())
	require.Equal(testInstance, reconcile.StateUnknown, testHarness.reconciler.State(testTopicAReferenceConstant))
}

// upsertRecordingStore remembers the status of every record written through it.
type upsertRecordingStore struct {
	state.Store
	mutex    sync.Mutex
	statuses []state.Status
}

func (store *upsertRecordingStore) Upsert(executionContext context.Context, record state.Record) error {
	store.mutex.Lock()
	store.statuses = append(store.statuses, record.Status)
	store.mutex.Unlock()
	return store.Store.Upsert(executionContext, record)
}

func TestReconcileRemovalWhileMergingDiscardsFailedSynthesis(testInstance *testing.T) {
	events, topics := topicEvents(1)
	store := &upsertRecordingStore{Store: state.NewMemoryStore()}
	gate := newGatedSynthesizer(&stubSynthesizer{failures: map[string]error{topics[0].String(): errors.New("tree walk failed")}})
	gate.blocking.Store(true)
	reconciler, creationError := reconcile.NewReconciler(reconcile.Dependencies{
		Store:       store,
		Synthesizer: gate,
		Publisher:   &stubPublisher{},
	}, reconcile.Options{})
	require.NoError(testInstance, creationError)
	reconciler.Apply(events)

	var summary reconcile.CycleSummary
	var cycleError error
	done := make(chan struct{})
	go func() {
		summary, cycleError = reconciler.Reconcile(context.Background())
		close(done)
	}()

	require.Equal(testInstance, topics[0], <-gate.entered)
	reconciler.Apply([]watcher.ChangeEvent{removed(topics[0], watcher.RoleTopic, events[1].CurrentCommit)})
	close(gate.release)
	<-done

	require.NoError(testInstance, cycleError)
	require.Len(testInstance, summary.Outcomes, 1)
	require.True(testInstance, summary.Outcomes[0].Removed)
	require.NoError(testInstance, summary.Failures())
	require.Empty(testInstance, store.statuses)
	require.Equal(testInstance, reconcile.StateUnknown, reconciler.State(topics[0]))
}

// flakyRemote keeps local references in the fixture and simulates the remote in memory.
type flakyRemote struct {
	*repository.Repository
	mutex      sync.Mutex
	failPushes bool
	remote     map[plumbing.ReferenceName]plumbing.Hash
}

func (remote *flakyRemote) ReadRemoteReference(_ context.Context, reference plumbing.ReferenceName) (plumbing.Hash, error) {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	return remote.remote[reference], nil
}

func (remote *flakyRemote) Push(_ context.Context, reference plumbing.ReferenceName, expectedOld plumbing.Hash, newValue plumbing.Hash) error {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	if remote.failPushes {
		return &repository.TransportError{Operation: "push", Remote: "origin", Err: errors.New("connection reset")}
	}
	if remote.remote[reference] != expectedOld {
		return &repository.RefConflictError{Reference: reference, Expected: expectedOld, Actual: remote.remote[reference]}
	}
	remote.remote[reference] = newValue
	return nil
}

func TestReconcileRecordsLocalOutputAfterFailedPush(testInstance *testing.T) {
	fixture := repositorytest.NewMemory(testInstance)
	targetCommit := fixture.Commit(repositorytest.Files{"a.txt": "target"})
	topicCommit := fixture.Commit(repositorytest.Files{"a.txt": "target", "b.txt": "topic"}, targetCommit)

	remote := &flakyRemote{Repository: fixture.Repository, failPushes: true, remote: map[plumbing.ReferenceName]plumbing.Hash{}}
	synthesizer, synthesizerError := synthesis.NewSynthesizer(synthesis.Dependencies{Store: fixture.Repository, Clock: testClock})
	require.NoError(testInstance, synthesizerError)
	publisher, publisherError := publish.NewPublisher(
		publish.Dependencies{Repository: remote, Retrier: retry.Retrier{Policy: retry.Policy{MaxAttempts: 1}, Sleep: noSleep}},
		publish.Options{PushEnabled: true},
	)
	require.NoError(testInstance, publisherError)
	store := state.NewMemoryStore()
	reconciler, reconcilerError := reconcile.NewReconciler(reconcile.Dependencies{Store: store, Synthesizer: synthesizer, Publisher: publisher, Clock: testClock}, reconcile.Options{})
	require.NoError(testInstance, reconcilerError)

	reconciler.Apply([]watcher.ChangeEvent{
		added(testTargetReferenceConstant, watcher.RoleTarget, targetCommit),
		added(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit),
	})
	failedSummary, failedError := reconciler.Reconcile(context.Background())
	require.NoError(testInstance, failedError)
	require.Equal(testInstance, 1, failedSummary.Count(state.StatusError))

	failedRecord, found, getError := store.Get(context.Background(), testTopicAReferenceConstant.String())
	require.NoError(testInstance, getError)
	require.True(testInstance, found)
	localOutput, readError := fixture.Repository.ReadReference(context.Background(), testOutputAReferenceConstant)
	require.NoError(testInstance, readError)
	require.False(testInstance, localOutput.IsZero())
	require.Equal(testInstance, localOutput, failedRecord.PublishedCommit)

	remote.mutex.Lock()
	remote.failPushes = false
	remote.mutex.Unlock()
	reconciler.RetryFailed()
	retrySummary, retryError := reconciler.Reconcile(context.Background())
	require.NoError(testInstance, retryError)
	require.NoError(testInstance, retrySummary.Failures())
	require.Equal(testInstance, 1, retrySummary.Count(state.StatusClean))

	cleanRecord, _, _ := store.Get(context.Background(), testTopicAReferenceConstant.String())
	require.Equal(testInstance, cleanRecord.MergeCommit, cleanRecord.PublishedCommit)
	remoteOutput, _ := remote.ReadRemoteReference(context.Background(), testOutputAReferenceConstant)
	require.Equal(testInstance, cleanRecord.MergeCommit, remoteOutput)
}

func TestReconcileUpdateWhileMergingReruns(testInstance *testing.T) {
	testHarness := newHarness(testInstance)
	targetCommit := testHarness.fixture.Commit(repositorytest.Files{"a.txt": "target"})
	topicCommit := testHarness.fixture.Commit(repositorytest.Files{"a.txt": "target", "b.txt": "one"}, targetCommit)
	testHarness.reconciler.Apply([]watcher.ChangeEvent{
		added(testTargetReferenceConstant, watcher.RoleTarget, targetCommit),
		added(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit),
	})
	testHarness.synthesizer.blocking.Store(true)

	var summary reconcile.CycleSummary
	var cycleError error
	done := make(chan struct{})
	go func() {
		summary, cycleError = testHarness.reconciler.Reconcile(context.Background())
		close(done)
	}()

	<-testHarness.synthesizer.entered
	newerTopic := testHarness.fixture.Commit(repositorytest.Files{"a.txt": "target", "b.txt": "two"}, topicCommit)
	testHarness.synthesizer.blocking.Store(false)
	testHarness.reconciler.Apply([]watcher.ChangeEvent{updated(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit, newerTopic)})
	close(testHarness.synthesizer.release)
	<-done

	require.NoError(testInstance, cycleError)
	require.Len(testInstance, summary.Outcomes, 2)
	require.Equal(testInstance, int32(2), testHarness.synthesizer.calls.Load())

	record, found := testHarness.record(testInstance, testTopicAReferenceConstant)
	require.True(testInstance, found)
	require.Equal(testInstance, newerTopic, record.TopicCommit)
	require.Equal(testInstance, record.MergeCommit, testHarness.outputValue(testInstance, testOutputAReferenceConstant))
	require.Equal(testInstance, reconcile.StateClean, testHarness.reconciler.State(testTopicAReferenceConstant))
}

func TestReconcileWaitsForTarget(testInstance *testing.T) {
	testHarness := newHarness(testInstance)
	topicCommit := testHarness.fixture.Commit(repositorytest.Files{"a.txt": "topic"})
	testHarness.reconciler.Apply([]watcher.ChangeEvent{added(testTopicAReferenceConstant, watcher.RoleTopic, topicCommit)})

	summary, cycleError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, cycleError)
	require.Empty(testInstance, summary.Outcomes)
	require.Equal(testInstance, reconcile.StateStale, testHarness.reconciler.State(testTopicAReferenceConstant))
}

func TestReconcileRemovesOrphanedRecords(testInstance *testing.T) {
	testHarness := newHarness(testInstance)
	targetCommit := testHarness.fixture.Commit(repositorytest.Files{"a.txt": "target"})
	testHarness.fixture.SetBranch(testOutputBReferenceConstant.String(), targetCommit)
	require.NoError(testInstance, testHarness.store.Upsert(context.Background(), state.Record{
		TopicReference:  testTopicBReferenceConstant.String(),
		TopicCommit:     targetCommit,
		TargetCommit:    targetCommit,
		MergeCommit:     targetCommit,
		PublishedCommit: targetCommit,
		Status:          state.StatusClean,
	}))

	testHarness.reconciler.Apply([]watcher.ChangeEvent{added(testTargetReferenceConstant, watcher.RoleTarget, targetCommit)})
	summary, cycleError := testHarness.reconciler.Reconcile(context.Background())
	require.NoError(testInstance, cycleError)
	require.Len(testInstance, summary.Outcomes, 1)
	require.True(testInstance, summary.Outcomes[0].Removed)

	_, found := testHarness.record(testInstance, testTopicBReferenceConstant)
	require.False(testInstance, found)
	require.True(testInstance, testHarness.outputValue(testInstance, testOutputBReferenceConstant).IsZero())
}

// stubSynthesizer returns a scripted result per topic and tracks concurrency.
type stubSynthesizer struct {
	mutex         sync.Mutex
	results       map[string]synthesis.Result
	failures      map[string]error
	active        int
	maximumActive int
	delay         time.Duration
}

func (synthesizer *stubSynthesizer) Synthesize(_ context.Context, request synthesis.Request) (synthesis.Result, error) {
	synthesizer.mutex.Lock()
	synthesizer.active++
	if synthesizer.active > synthesizer.maximumActive {
		synthesizer.maximumActive = synthesizer.active
	}
	synthesizer.mutex.Unlock()

	time.Sleep(synthesizer.delay)

	synthesizer.mutex.Lock()
	defer synthesizer.mutex.Unlock()
	synthesizer.active--
	if failure, failing := synthesizer.failures[request.TopicReference]; failing {
		return synthesis.Result{}, failure
	}
	if result, scripted := synthesizer.results[request.TopicReference]; scripted {
		return result, nil
	}
	return synthesis.Result{Kind: synthesis.ResultClean, MergeCommit: request.TopicCommit}, nil
}

type stubPublisher struct {
	mutex     sync.Mutex
	failures  map[string]error
	published map[string]plumbing.Hash
}

func (publisher *stubPublisher) Publish(_ context.Context, topicReference string, _ plumbing.Hash, mergeCommit plumbing.Hash) (plumbing.Hash, error) {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	if failure, failing := publisher.failures[topicReference]; failing {
		return plumbing.ZeroHash, failure
	}
	if publisher.published == nil {
		publisher.published = map[string]plumbing.Hash{}
	}
	publisher.published[topicReference] = mergeCommit
	return mergeCommit, nil
}

func (publisher *stubPublisher) Retract(_ context.Context, topicReference string, _ plumbing.Hash) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	delete(publisher.published, topicReference)
	return nil
}

func topicEvents(count int) ([]watcher.ChangeEvent, []plumbing.ReferenceName) {
	events := []watcher.ChangeEvent{added(testTargetReferenceConstant, watcher.RoleTarget, plumbing.NewHash("0000000000000000000000000000000000000001"))}
	var topics []plumbing.ReferenceName
	for index := 0; index < count; index++ {
		topic := plumbing.NewBranchReferenceName("topic-" + string(rune('a'+index)))
		commit := plumbing.NewHash("10000000000000000000000000000000000000" + string(rune('a'+index)) + "0")
		topics = append(topics, topic)
		events = append(events, added(topic, watcher.RoleTopic, commit))
	}
	return events, topics
}

func TestReconcileBoundsConcurrency(testInstance *testing.T) {
	synthesizer := &stubSynthesizer{delay: 10 * time.Millisecond}
	reconciler, creationError := reconcile.NewReconciler(reconcile.Dependencies{
		Store:       state.NewMemoryStore(),
		Synthesizer: synthesizer,
		Publisher:   &stubPublisher{},
	}, reconcile.Options{Concurrency: 2})
	require.NoError(testInstance, creationError)

	events, _ := topicEvents(6)
	reconciler.Apply(events)
	summary, cycleError := reconciler.Reconcile(context.Background())
	require.NoError(testInstance, cycleError)
	require.Equal(testInstance, 6, summary.Count(state.StatusClean))
	require.LessOrEqual(testInstance, synthesizer.maximumActive, 2)
}

func TestReconcileIsolatesBranchFailures(testInstance *testing.T) {
	events, topics := topicEvents(3)
	transientFailure := &repository.TransportError{Operation: "push", Remote: "origin", Err: errors.New("connection reset")}
	publisher := &stubPublisher{failures: map[string]error{topics[1].String(): transientFailure}}
	store := state.NewMemoryStore()
	reconciler, creationError := reconcile.NewReconciler(reconcile.Dependencies{
		Store:       store,
		Synthesizer: &stubSynthesizer{},
		Publisher:   publisher,
	}, reconcile.Options{})
	require.NoError(testInstance, creationError)

	reconciler.Apply(events)
	summary, cycleError := reconciler.Reconcile(context.Background())
	require.NoError(testInstance, cycleError)
	require.Equal(testInstance, 2, summary.Count(state.StatusClean))
	require.Equal(testInstance, 1, summary.Count(state.StatusError))
	require.Error(testInstance, summary.Failures())
	require.ErrorContains(testInstance, summary.Failures(), topics[1].String())

	failedRecord, found, getError := store.Get(context.Background(), topics[1].String())
	require.NoError(testInstance, getError)
	require.True(testInstance, found)
	require.Equal(testInstance, state.StatusError, failedRecord.Status)
	require.NotEmpty(testInstance, failedRecord.ErrorMessage)
	require.Equal(testInstance, reconcile.StateError, reconciler.State(topics[1]))

	delete(publisher.failures, topics[1].String())
	reconciler.RetryFailed()
	retrySummary, retryError := reconciler.Reconcile(context.Background())
	require.NoError(testInstance, retryError)
	require.Len(testInstance, retrySummary.Outcomes, 3)
	require.Equal(testInstance, 3, retrySummary.Count(state.StatusClean))
	require.NoError(testInstance, retrySummary.Failures())
	for index, outcome := range retrySummary.Outcomes {
		require.Equal(testInstance, topics[index].String(), outcome.TopicReference)
		require.Equal(testInstance, index != 1, outcome.Unchanged)
	}
}

func TestReconcileAbortsOnCorruption(testInstance *testing.T) {
	events, topics := topicEvents(1)
	corruption := &repository.CorruptionError{Object: plumbing.NewHash("0000000000000000000000000000000000000001"), Err: errors.New("zlib: invalid header")}
	reconciler, creationError := reconcile.NewReconciler(reconcile.Dependencies{
		Store:       state.NewMemoryStore(),
		Synthesizer: &stubSynthesizer{failures: map[string]error{topics[0].String(): corruption}},
		Publisher:   &stubPublisher{},
	}, reconcile.Options{})
	require.NoError(testInstance, creationError)

	reconciler.Apply(events)
	_, cycleError := reconciler.Reconcile(context.Background())
	require.Error(testInstance, cycleError)
	require.True(testInstance, repository.IsCorruption(cycleError))
	require.Equal(testInstance, reconcile.StateStale, reconciler.State(topics[0]))
}

type scriptedPoller struct {
	mutex   sync.Mutex
	batches [][]watcher.ChangeEvent
	failure error
	polls   int
}

func (poller *scriptedPoller) Poll(context.Context) ([]watcher.ChangeEvent, error) {
	poller.mutex.Lock()
	defer poller.mutex.Unlock()
	poller.polls++
	if poller.polls == 1 && poller.failure != nil {
		return nil, poller.failure
	}
	if len(poller.batches) == 0 {
		return nil, nil
	}
	batch := poller.batches[0]
	poller.batches = poller.batches[1:]
	return batch, nil
}

func TestRunReconcilesUntilCancelled(testInstance *testing.T) {
	events, topics := topicEvents(2)
	outcomes := make(chan reconcile.Outcome, 8)
	reconciler, creationError := reconcile.NewReconciler(reconcile.Dependencies{
		Store:          state.NewMemoryStore(),
		Synthesizer:    &stubSynthesizer{},
		Publisher:      &stubPublisher{},
		OutcomeHandler: func(outcome reconcile.Outcome) {
			select {
			case outcomes <- outcome:
			default:
			}
		},
	}, reconcile.Options{})
	require.NoError(testInstance, creationError)

	poller := &scriptedPoller{failure: errors.New("remote unreachable"), batches: [][]watcher.ChangeEvent{events}}
	runContext, cancel := context.WithCancel(context.Background())
	runResult := make(chan error, 1)
	go func() {
		runResult <- reconciler.Run(runContext, poller, 5*time.Millisecond)
	}()

	seen := map[string]bool{}
	for len(seen) < len(topics) {
		select {
		case outcome := <-outcomes:
			seen[outcome.TopicReference] = true
		case <-time.After(5 * time.Second):
			testInstance.Fatal("reconciliation did not complete")
		}
	}
	cancel()
	require.NoError(testInstance, <-runResult)
	for _, topic := range topics {
		require.Equal(testInstance, reconcile.StateClean, reconciler.State(topic))
	}
}

func TestRunStopsOnFatalError(testInstance *testing.T) {
	events, topics := topicEvents(1)
	corruption := &repository.CorruptionError{Object: plumbing.NewHash("0000000000000000000000000000000000000001"), Err: errors.New("bad object")}
	reconciler, creationError := reconcile.NewReconciler(reconcile.Dependencies{
		Store:       state.NewMemoryStore(),
		Synthesizer: &stubSynthesizer{failures: map[string]error{topics[0].String(): corruption}},
		Publisher:   &stubPublisher{},
	}, reconcile.Options{})
	require.NoError(testInstance, creationError)

	runError := reconciler.Run(context.Background(), &scriptedPoller{batches: [][]watcher.ChangeEvent{events}}, time.Millisecond)
	require.True(testInstance, repository.IsCorruption(runError))
}

func TestPollAndReconcile(testInstance *testing.T) {
	events, _ := topicEvents(1)
	reconciler, creationError := reconcile.NewReconciler(reconcile.Dependencies{
		Store:       state.NewMemoryStore(),
		Synthesizer: &stubSynthesizer{},
		Publisher:   &stubPublisher{},
	}, reconcile.Options{})
	require.NoError(testInstance, creationError)

	summary, cycleError := reconciler.PollAndReconcile(context.Background(), &scriptedPoller{batches: [][]watcher.ChangeEvent{events}})
	require.NoError(testInstance, cycleError)
	require.Equal(testInstance, 1, summary.Count(state.StatusClean))

	pollFailure := errors.New("remote unreachable")
	_, failedError := reconciler.PollAndReconcile(context.Background(), &scriptedPoller{failure: pollFailure})
	require.ErrorIs(testInstance, failedError, pollFailure)
}
